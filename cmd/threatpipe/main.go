package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/threatpipe/internal/adapters/alerting"
	"github.com/xoelrdgz/threatpipe/internal/adapters/detection"
	"github.com/xoelrdgz/threatpipe/internal/adapters/httpapi"
	"github.com/xoelrdgz/threatpipe/internal/adapters/output"
	"github.com/xoelrdgz/threatpipe/internal/adapters/publish"
	"github.com/xoelrdgz/threatpipe/internal/adapters/storage"
	"github.com/xoelrdgz/threatpipe/internal/app"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

var (
	cfgFile string
	addr    string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "threatpipe",
	Short: "Security event ingestion and threat detection pipeline",
	Long: `ThreatPipe ingests security events over HTTP, runs signature and
behavioral threat detection on each one, tracks per-IP threat
intelligence, and raises alerts when configured rules trip.

Detection Capabilities:
  - Signature Analysis: SQLi, XSS, Path Traversal, Command Injection
  - Behavioral Analysis: failed-login bursts, critical event spikes
  - Threat Intelligence: per-source-IP reputation tracking

Storage backends: PostgreSQL (production) or in-memory (dev).
Optional NATS publication of persisted events and alerts.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion API server",
	Long: `Start the HTTP ingestion API and the detection pipeline.

Examples:
  threatpipe serve
  threatpipe serve --addr :9000
  threatpipe serve --config ./configs/config.yaml`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ThreatPipe %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/threatpipe")
	}

	app.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	viper.SetEnvPrefix("THREATPIPE")
	viper.AutomaticEnv()
}

func setupLogging(cfg *app.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	setupLogging(cfg)

	log.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr).
		Str("storage", cfg.Storage.Backend).
		Bool("nats", cfg.NATS.Enabled).
		Msg("ThreatPipe starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scanner := detection.NewSignatureDetector(nil)
	log.Debug().Int("patterns", scanner.PatternCount()).Msg("Signature patterns loaded")

	scorerCfg := detection.DefaultScorerConfig()
	scorerCfg.Cutoff = cfg.Detection.Cutoff
	scorerCfg.SignatureFloor = cfg.Detection.SignatureFloor
	scorerCfg.Thresholds = cfg.ScorerThresholds()
	scorer := detection.NewScorer(scorerCfg)

	tracker := detection.NewThreatTracker(detection.ThreatTrackerConfig{})
	warmThreatIntel(ctx, store, tracker)

	evaluator := alerting.NewEvaluator(alerting.DefaultEvaluatorConfig(), scorer)
	rules, err := app.ResolveRules(ctx, store, cfg.Rules.File)
	if err != nil {
		return err
	}
	app.ApplyRules(scorer, evaluator, rules)
	log.Info().Int("rules", len(rules)).Msg("Alert rules loaded")

	metrics := output.NewPrometheusMetrics("threatpipe", tracker.Count)
	evaluator.OnRuleError(func(ruleID string) {
		metrics.RecordRuleError()
	})

	publisher, publisherReady, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	pipeline, err := app.NewPipeline(
		app.PipelineConfig{IdempotencyCacheSize: cfg.Pipeline.IdempotencyCacheSize},
		scanner, scorer, tracker, evaluator, store, publisher, metrics,
	)
	if err != nil {
		return err
	}

	health := output.NewHealthChecker(store, publisherReady, output.DefaultHealthCheckerConfig())
	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:    cfg.Server.Addr,
		Version: Version,
	}, pipeline, output.LivenessHandler(), health)
	if err != nil {
		return err
	}
	server.Start()

	hotReload := app.NewHotReload(viper.GetViper(), scorer, evaluator, store)
	hotReload.StartWatching(ctx)
	defer hotReload.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func buildStore(ctx context.Context, cfg *app.Config) (ports.EventStore, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func warmThreatIntel(ctx context.Context, store ports.EventStore, tracker *detection.ThreatTracker) {
	records, err := store.AllThreatIntel(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to warm threat intel from storage")
		return
	}
	tracker.Warm(records)
	log.Debug().Int("count", len(records)).Msg("Threat intelligence warmed from storage")
}

// buildPublisher returns the NATS publisher when configured, falling back to
// the in-process bus so persisted events and alerts always have a publication
// surface for local subscribers.
func buildPublisher(cfg *app.Config) (ports.Publisher, output.ReadyFunc, error) {
	if !cfg.NATS.Enabled {
		log.Debug().Msg("NATS disabled, publishing on the in-process bus")
		return publish.NewBus(0), nil, nil
	}
	pub, err := publish.NewNATSPublisher(publish.NATSConfig{
		URL:          cfg.NATS.URL,
		EventSubject: cfg.NATS.EventSubject,
		AlertSubject: cfg.NATS.AlertSubject,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats publisher: %w", err)
	}
	return pub, pub.IsReady, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
