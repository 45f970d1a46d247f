package output

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xoelrdgz/threatpipe/internal/ports"
)

type HealthStatus struct {
	Healthy        bool          `json:"healthy"`
	Status         string        `json:"status"`
	StorageLatency time.Duration `json:"storage_latency_ns"`
	Uptime         time.Duration `json:"uptime_ns"`
	Reason         string        `json:"reason,omitempty"`
}

type HealthCheckerConfig struct {
	MaxStorageLatency time.Duration
	CheckInterval     time.Duration
}

func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		MaxStorageLatency: 500 * time.Millisecond,
		CheckInterval:     5 * time.Second,
	}
}

// ReadyFunc reports whether an optional dependency is ready. A nil func
// means the dependency is not configured and is skipped.
type ReadyFunc func() bool

// HealthChecker probes the storage backend and publisher for the readiness
// endpoint. Results are cached for CheckInterval so probe traffic does not
// hammer the database.
type HealthChecker struct {
	store          ports.EventStore
	publisherReady ReadyFunc
	cfg            HealthCheckerConfig
	startTime      time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastCheckMu   sync.RWMutex
}

func NewHealthChecker(store ports.EventStore, publisherReady ReadyFunc, cfg HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		store:          store,
		publisherReady: publisherReady,
		cfg:            cfg,
		startTime:      time.Now(),
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.lastCheckMu.RLock()
	if time.Since(h.lastCheckTime) < h.cfg.CheckInterval {
		cached := h.lastCheck
		h.lastCheckMu.RUnlock()
		return cached
	}
	h.lastCheckMu.RUnlock()

	status := h.performCheck(ctx)

	h.lastCheckMu.Lock()
	h.lastCheck = status
	h.lastCheckTime = time.Now()
	h.lastCheckMu.Unlock()

	return status
}

func (h *HealthChecker) performCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Uptime: time.Since(h.startTime),
	}
	if h.store == nil {
		status.Healthy = false
		status.Status = "OFFLINE"
		status.Reason = "storage not configured"
		return status
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.cfg.MaxStorageLatency)
	defer cancel()

	start := time.Now()
	err := h.store.Ping(pingCtx)
	status.StorageLatency = time.Since(start)

	if err != nil {
		status.Healthy = false
		status.Status = "STORAGE_DOWN"
		status.Reason = fmt.Sprintf("storage ping failed: %v", err)
		return status
	}
	if status.StorageLatency > h.cfg.MaxStorageLatency {
		status.Healthy = false
		status.Status = "SLOW"
		status.Reason = fmt.Sprintf("storage latency %v exceeds threshold %v", status.StorageLatency, h.cfg.MaxStorageLatency)
		return status
	}

	if h.publisherReady != nil && !h.publisherReady() {
		status.Healthy = true
		status.Status = "DEGRADED"
		status.Reason = "publisher disconnected, events persist but are not published"
		return status
	}

	status.Healthy = true
	status.Status = "HEALTHY"
	return status
}

// ServeHTTP implements the readiness probe.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// LivenessHandler answers liveness probes. It only proves the process is
// serving requests; readiness handles dependencies.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"alive":true}`)
	})
}
