// Package httpapi exposes the ingestion endpoint, API info, health probes
// and Prometheus metrics over a single HTTP listener.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

const defaultMaxBodyBytes = 1 << 20

type ServerConfig struct {
	Addr         string
	MaxBodyBytes int64
	Version      string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		MaxBodyBytes: defaultMaxBodyBytes,
		Version:      "dev",
	}
}

// Server handles event submission. Health and readiness handlers are
// injected so the wiring layer decides what they check.
type Server struct {
	cfg      ServerConfig
	ingestor ports.Ingestor
	schema   *jsonschema.Schema
	healthz  http.Handler
	readyz   http.Handler
	server   *http.Server
}

func NewServer(cfg ServerConfig, ingestor ports.Ingestor, healthz, readyz http.Handler) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		ingestor: ingestor,
		schema:   schema,
		healthz:  healthz,
		readyz:   readyz,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", s.handleIngest)
	mux.HandleFunc("GET /api/v1/events", s.handleInfo)
	mux.HandleFunc("GET /api/v1", s.handleInfo)
	mux.Handle("/metrics", promhttp.Handler())
	if healthz != nil {
		mux.Handle("/healthz", healthz)
	}
	if readyz != nil {
		mux.Handle("/readyz", readyz)
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP API server error")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type analysisPayload struct {
	IsAnomaly       bool     `json:"is_anomaly"`
	AnomalyScore    float64  `json:"anomaly_score"`
	DetectedAttacks []string `json:"detected_attacks"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
}

type ingestResponse struct {
	Success         bool            `json:"success"`
	EventID         string          `json:"event_id"`
	Analysis        analysisPayload `json:"analysis"`
	AlertsTriggered int             `json:"alerts_triggered"`
}

type errorResponse struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable request body"})
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if err := s.schema.Validate(decoded); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "validation_failed",
			Fields: schemaFieldErrors(err),
		})
		return
	}

	var raw domain.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if raw.IdempotencyKey == "" {
		raw.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := s.ingestor.Ingest(r.Context(), raw)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	if result.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	ev := result.Event
	writeJSON(w, http.StatusCreated, ingestResponse{
		Success: true,
		EventID: ev.ID,
		Analysis: analysisPayload{
			IsAnomaly:       ev.IsAnomaly,
			AnomalyScore:    ev.AnomalyScore,
			DetectedAttacks: metadataStrings(ev, "detected_attacks"),
			RiskFactors:     metadataStrings(ev, "risk_factors"),
		},
		AlertsTriggered: len(result.Alerts),
	})
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "validation_failed",
			Fields: map[string]string{verr.Field: verr.Reason},
		})
		return
	}
	if errors.Is(err, domain.ErrStorageUnavailable) {
		log.Error().Err(err).Msg("ingest failed, storage unavailable")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     "storage_unavailable",
			Retryable: true,
		})
		return
	}
	log.Error().Err(err).Msg("ingest failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "threatpipe",
		"version": s.cfg.Version,
		"endpoints": map[string]string{
			"POST /api/v1/events": "submit a security event for analysis",
			"GET /metrics":        "Prometheus metrics",
			"GET /healthz":        "liveness probe",
			"GET /readyz":         "readiness probe",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// metadataStrings reads a string-slice metadata value regardless of whether
// it was set in-process or decoded from JSON.
func metadataStrings(ev *domain.Event, key string) []string {
	if ev == nil || ev.Metadata == nil {
		return []string{}
	}
	switch v := ev.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{}
	}
}
