package detection

import (
	"context"
	"regexp"
	"strings"

	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/pkg/multimatch"
)

type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	Attack   domain.AttackType
	Severity domain.Severity
}

// SignatureDetector is a stateless first-pass filter over one event. It is
// intentionally substring/regex based, not a parser: false negatives outside
// the fixed rule set are accepted.
type SignatureDetector struct {
	patterns  []*Pattern
	prefilter *multimatch.Matcher
	scanners  []string
	goodBots  []string
	minUALen  int
	decodeMax int
}

func DefaultPatterns() []*Pattern {
	return []*Pattern{
		{
			Name:     "SQL Injection - UNION SELECT",
			Regex:    regexp.MustCompile(`(?i)union\s+(all\s+)?select`),
			Attack:   domain.AttackSQLInjection,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "SQL Injection - OR equality",
			Regex:    regexp.MustCompile(`(?i)(\bor\b\s+\d+\s*=\s*\d+|\bor\b\s*'[^']*'\s*=\s*'[^']*'|'\s*or\s+)`),
			Attack:   domain.AttackSQLInjection,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "SQL Injection - stacked DROP/DELETE",
			Regex:    regexp.MustCompile(`(?i)(;\s*drop\s+table|drop\s+table|delete\s+from|truncate\s+table)`),
			Attack:   domain.AttackSQLInjection,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "SQL Injection - comment terminator",
			Regex:    regexp.MustCompile(`(?i)('\s*--|--\s*$|/\*.*\*/|xp_cmdshell|exec\s*\()`),
			Attack:   domain.AttackSQLInjection,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "XSS - script tag",
			Regex:    regexp.MustCompile(`(?i)(<script[^>]*>|</script>|<iframe)`),
			Attack:   domain.AttackXSS,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "XSS - javascript protocol",
			Regex:    regexp.MustCompile(`(?i)(javascript\s*:|vbscript\s*:)`),
			Attack:   domain.AttackXSS,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "XSS - event handler",
			Regex:    regexp.MustCompile(`(?i)on(error|load|click|mouse\w*|key\w*|focus|blur|change|submit)\s*=`),
			Attack:   domain.AttackXSS,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "XSS - eval/cookie access",
			Regex:    regexp.MustCompile(`(?i)(eval\s*\(|document\.cookie)`),
			Attack:   domain.AttackXSS,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "Path Traversal - dot-dot-slash",
			Regex:    regexp.MustCompile(`(\.\./){2,}|(\.\.\\){1,}|\.\./\.\.`),
			Attack:   domain.AttackPathTraversal,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "Path Traversal - sensitive files",
			Regex:    regexp.MustCompile(`(?i)(/etc/passwd|/etc/shadow|boot\.ini|c:\\windows)`),
			Attack:   domain.AttackPathTraversal,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "Path Traversal - null byte",
			Regex:    regexp.MustCompile(`%00|\\x00`),
			Attack:   domain.AttackPathTraversal,
			Severity: domain.SeverityHigh,
		},
		{
			Name:     "Command Injection - chained command",
			Regex:    regexp.MustCompile(`(?i)(;|\|\||\||&&)\s*(cat|ls|id|whoami|uname|pwd|curl|wget|nc|netcat|bash|sh|python|perl|php)\b`),
			Attack:   domain.AttackCommandInjection,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "Command Injection - subshell",
			Regex:    regexp.MustCompile("`[^`]+`|\\$\\([^)]+\\)"),
			Attack:   domain.AttackCommandInjection,
			Severity: domain.SeverityCritical,
		},
		{
			Name:     "Command Injection - JNDI lookup",
			Regex:    regexp.MustCompile(`(?i)\$\{jndi:(ldap|rmi|dns|iiop|http)s?://`),
			Attack:   domain.AttackCommandInjection,
			Severity: domain.SeverityCritical,
		},
	}
}

// signatureKeywords gates the regex pass: a target that contains none of
// these cannot match any pattern.
var signatureKeywords = []string{
	"union", "select", "drop", "delete", "truncate", "or ", "or'", "--", "/*",
	"xp_cmdshell", "exec",
	"script", "iframe", "javascript", "vbscript", "onerror", "onload",
	"onclick", "onmouse", "onkey", "onfocus", "onblur", "onchange",
	"onsubmit", "eval", "document.cookie",
	"../", "..\\", "/etc/", "boot.ini", "c:\\windows", "%00", "\\x00",
	"|", ";", "&&", "`", "$(", "${jndi",
}

var scannerAgents = []string{
	"nikto", "sqlmap", "nmap", "masscan", "burp", "zap", "acunetix",
	"dirbuster", "wpscan", "hydra",
}

var allowedBots = []string{"googlebot", "bingbot", "duckduckbot"}

func NewSignatureDetector(patterns []*Pattern) *SignatureDetector {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &SignatureDetector{
		patterns:  patterns,
		prefilter: multimatch.New(signatureKeywords),
		scanners:  scannerAgents,
		goodBots:  allowedBots,
		minUALen:  10,
		decodeMax: 5,
	}
}

// Scan matches the event against every pattern family. Matches accumulate;
// one event can carry several attacks. Absent fields are non-matches.
func (d *SignatureDetector) Scan(ctx context.Context, ev *domain.Event) []domain.SignatureMatch {
	if ev == nil {
		return nil
	}

	targets := []string{ev.Message, ev.Username}
	if ev.Metadata != nil {
		for _, v := range ev.Metadata {
			if s, ok := v.(string); ok && s != "" {
				targets = append(targets, s)
			}
		}
	}

	var matches []domain.SignatureMatch
	seen := make(map[string]struct{})

	for _, target := range targets {
		if target == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return matches
		default:
		}

		normalized := normalizeForDetection(target, d.decodeMax)
		if !d.prefilter.Contains(normalized) {
			continue
		}

		for _, p := range d.patterns {
			if _, dup := seen[p.Name]; dup {
				continue
			}
			if p.Regex.MatchString(normalized) {
				seen[p.Name] = struct{}{}
				matches = append(matches, domain.SignatureMatch{
					Attack:   p.Attack,
					Pattern:  p.Name,
					Severity: p.Severity,
					Label:    string(p.Attack),
				})
			}
		}
	}

	if ua := d.checkUserAgent(ev.UserAgent); ua != "" {
		matches = append(matches, domain.SignatureMatch{
			Attack:     domain.AttackSuspiciousUA,
			Pattern:    "Suspicious User Agent",
			Severity:   domain.SeverityMedium,
			RiskFactor: true,
			Label:      ua,
		})
	}

	return matches
}

func (d *SignatureDetector) PatternCount() int {
	return len(d.patterns)
}

// checkUserAgent returns a risk factor label or "" for benign agents.
// Empty user agents are left alone: most event sources never set one.
func (d *SignatureDetector) checkUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	lower := strings.ToLower(ua)

	for _, scanner := range d.scanners {
		if strings.Contains(lower, scanner) {
			return "security_scanner:" + scanner
		}
	}

	if strings.Contains(lower, "bot") {
		for _, good := range d.goodBots {
			if strings.Contains(lower, good) {
				return ""
			}
		}
		return "suspicious_bot"
	}

	if len(ua) < d.minUALen {
		return "suspicious_ua_length"
	}
	return ""
}

// normalizeForDetection strips null bytes and URL decoding layers so encoded
// payloads (%2e%2e/, %252e) match the plain patterns.
func normalizeForDetection(s string, maxPasses int) string {
	if s == "" {
		return s
	}
	if strings.ContainsRune(s, '\x00') {
		s = strings.ReplaceAll(s, "\x00", "%00")
	}

	decoded := s
	for i := 0; i < maxPasses; i++ {
		if !strings.Contains(decoded, "%") {
			break
		}
		next := percentDecode(decoded)
		if next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		if s[i] == '%' && i+2 < len(s) {
			high := hexVal(s[i+1])
			low := hexVal(s[i+2])
			// %00 is kept literal so the null byte pattern still sees it
			if high >= 0 && low >= 0 && (high != 0 || low != 0) {
				b.WriteByte(byte(high<<4 | low))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	default:
		return -1
	}
}
