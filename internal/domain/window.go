package domain

// Window keys name the sliding-window counters shared between the anomaly
// scorer and the alert rule evaluator. Scope is the tracked origin (source IP
// when available, otherwise the source identifier).

func WindowKeyEventType(scope, eventType string) string {
	return scope + "|type|" + eventType
}

func WindowKeySeverity(source string, severity Severity) string {
	return source + "|sev|" + string(severity)
}
