package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/threatpipe/internal/adapters/alerting"
	"github.com/xoelrdgz/threatpipe/internal/adapters/detection"
	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

type ThresholdConfig struct {
	EventType     string `mapstructure:"event_type"`
	Severity      string `mapstructure:"severity"`
	Threshold     int    `mapstructure:"threshold"`
	WindowMinutes int    `mapstructure:"window_minutes"`
}

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Storage struct {
		Backend string `mapstructure:"backend"` // "postgres" or "memory"
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"storage"`

	NATS struct {
		Enabled      bool   `mapstructure:"enabled"`
		URL          string `mapstructure:"url"`
		EventSubject string `mapstructure:"event_subject"`
		AlertSubject string `mapstructure:"alert_subject"`
	} `mapstructure:"nats"`

	Detection struct {
		Cutoff         float64           `mapstructure:"cutoff"`
		SignatureFloor float64           `mapstructure:"signature_floor"`
		Thresholds     []ThresholdConfig `mapstructure:"thresholds"`
	} `mapstructure:"detection"`

	Rules struct {
		File string `mapstructure:"file"`
	} `mapstructure:"rules"`

	Pipeline struct {
		IdempotencyCacheSize int `mapstructure:"idempotency_cache_size"`
	} `mapstructure:"pipeline"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"logging"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.event_subject", "events.ingested")
	v.SetDefault("nats.alert_subject", "alerts.triggered")
	v.SetDefault("detection.cutoff", 0.5)
	v.SetDefault("detection.signature_floor", 0.5)
	v.SetDefault("pipeline.idempotency_cache_size", 10000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.DSN == "" {
			return &ConfigError{Field: "storage.dsn", Reason: "required for the postgres backend"}
		}
	case "memory":
	default:
		return &ConfigError{Field: "storage.backend", Reason: "must be postgres or memory"}
	}

	if c.Detection.Cutoff <= 0 || c.Detection.Cutoff > 1 {
		return &ConfigError{Field: "detection.cutoff", Reason: "must be in (0, 1]"}
	}
	if c.Detection.SignatureFloor < 0 || c.Detection.SignatureFloor > 1 {
		return &ConfigError{Field: "detection.signature_floor", Reason: "must be in [0, 1]"}
	}
	for i, t := range c.Detection.Thresholds {
		if t.EventType == "" && t.Severity == "" {
			return &ConfigError{Field: fmt.Sprintf("detection.thresholds[%d]", i), Reason: "event_type or severity is required"}
		}
		if t.Severity != "" {
			if _, ok := domain.ParseSeverity(t.Severity); !ok {
				return &ConfigError{Field: fmt.Sprintf("detection.thresholds[%d].severity", i), Reason: "unknown severity"}
			}
		}
		if t.Threshold < 1 {
			return &ConfigError{Field: fmt.Sprintf("detection.thresholds[%d].threshold", i), Reason: "must be positive"}
		}
		if t.WindowMinutes < 1 {
			return &ConfigError{Field: fmt.Sprintf("detection.thresholds[%d].window_minutes", i), Reason: "must be positive"}
		}
	}
	return nil
}

// ScorerThresholds converts the configured rate rules, falling back to the
// built-in defaults when none are configured.
func (c *Config) ScorerThresholds() []detection.WindowThreshold {
	if len(c.Detection.Thresholds) == 0 {
		return DefaultScorerThresholds()
	}
	out := make([]detection.WindowThreshold, 0, len(c.Detection.Thresholds))
	for _, t := range c.Detection.Thresholds {
		wt := detection.WindowThreshold{
			EventType: t.EventType,
			Threshold: t.Threshold,
			Window:    time.Duration(t.WindowMinutes) * time.Minute,
		}
		if t.Severity != "" {
			if sev, ok := domain.ParseSeverity(t.Severity); ok {
				wt.Severity = sev
			}
		}
		out = append(out, wt)
	}
	return out
}

func DefaultScorerThresholds() []detection.WindowThreshold {
	return detection.DefaultScorerConfig().Thresholds
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + " " + e.Reason
}

// HotReload re-applies detection thresholds and alert rules when the config
// file changes on disk. A reload that fails validation is rejected and the
// running configuration is kept.
type HotReload struct {
	v         *viper.Viper
	scorer    *detection.Scorer
	evaluator *alerting.Evaluator
	store     ports.EventStore

	mu       sync.Mutex
	stopOnce sync.Once
}

func NewHotReload(v *viper.Viper, scorer *detection.Scorer, evaluator *alerting.Evaluator, store ports.EventStore) *HotReload {
	return &HotReload{v: v, scorer: scorer, evaluator: evaluator, store: store}
}

func (h *HotReload) StartWatching(ctx context.Context) {
	h.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")
		h.reload(ctx)
	})
	h.v.WatchConfig()
	log.Info().Str("config", h.v.ConfigFileUsed()).Msg("Config hot-reload watching started")
}

func (h *HotReload) reload(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.v.ReadInConfig(); err != nil {
		log.Error().Err(err).Msg("Failed to re-read config, keeping current configuration")
		return
	}

	cfg, err := LoadConfig(h.v)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration, rejecting reload")
		return
	}

	h.scorer.SetThresholds(cfg.ScorerThresholds())

	rules, err := ResolveRules(ctx, h.store, cfg.Rules.File)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reload alert rules, keeping current rule set")
		return
	}
	ApplyRules(h.scorer, h.evaluator, rules)

	log.Info().
		Int("thresholds", len(cfg.ScorerThresholds())).
		Int("rules", len(rules)).
		Msg("Configuration hot-reloaded successfully")
}

func (h *HotReload) Stop() {
	h.stopOnce.Do(func() {
		log.Info().Msg("Config hot-reload watcher stopped")
	})
}

// ResolveRules assembles the effective rule set: rules stored in the
// database win over the rules file, and the built-in defaults apply only
// when neither source provides any.
func ResolveRules(ctx context.Context, store ports.EventStore, rulesFile string) ([]*domain.AlertRule, error) {
	var fromStore []*domain.AlertRule
	if store != nil {
		stored, err := store.EnabledRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load stored rules: %w", err)
		}
		fromStore = stored
	}

	var fromFile []*domain.AlertRule
	if rulesFile != "" {
		loaded, err := alerting.LoadRulesFile(rulesFile)
		if err != nil {
			return nil, fmt.Errorf("load rules file %s: %w", rulesFile, err)
		}
		fromFile = loaded
	}

	merged := alerting.MergeRules(fromStore, fromFile)
	if len(merged) == 0 {
		merged = alerting.DefaultRules()
		log.Info().Int("count", len(merged)).Msg("No configured alert rules, using built-in defaults")
	}
	return merged, nil
}

// ApplyRules installs the rule set on the evaluator and registers the
// threshold rules' windows with the scorer. The second half matters:
// threshold rules count occurrences out of the scorer's windows, and a rule
// over an event type the rate thresholds do not score would otherwise never
// see a count.
func ApplyRules(scorer *detection.Scorer, evaluator *alerting.Evaluator, rules []*domain.AlertRule) {
	evaluator.SetRules(rules)
	scorer.SetTrackedWindows(ruleWindows(rules))
}

func ruleWindows(rules []*domain.AlertRule) []detection.WindowThreshold {
	var windows []detection.WindowThreshold
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.Condition.Kind {
		case domain.ConditionEventTypeThreshold:
			windows = append(windows, detection.WindowThreshold{
				EventType: r.Condition.EventType,
				Threshold: r.Condition.Threshold,
				Window:    r.Condition.Window(),
			})
		case domain.ConditionSeverityThreshold:
			windows = append(windows, detection.WindowThreshold{
				Severity:  r.Condition.Severity,
				Threshold: r.Condition.Threshold,
				Window:    r.Condition.Window(),
			})
		}
	}
	return windows
}
