// tomoproc reconstructs tomography volumes while a sequence is collecting.
//
// It polls the raw-data directory for projection files, copies new arrivals
// into the processing directory and, once enough projections exist, runs the
// alignment and reconstruction toolchain for every configured algorithm.
// Each reconstruction is recorded in the ledger, optionally uploaded to
// object storage and announced over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	_ "github.com/srx-beamline/autoscan/migrations"

	"github.com/srx-beamline/autoscan/internal/archive"
	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/infrastructure/database"
	"github.com/srx-beamline/autoscan/internal/infrastructure/influxdb"
	"github.com/srx-beamline/autoscan/internal/infrastructure/logging"
	"github.com/srx-beamline/autoscan/internal/infrastructure/mqtt"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/process"
	"github.com/srx-beamline/autoscan/internal/tomo"
	"github.com/srx-beamline/autoscan/internal/watcher"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "srx-tomoproc"
	defaultConfigPath = "configs/autoscan.yaml"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting tomoproc",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ignoring unreadable .env file", "error", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, serviceName, version)
	defer log.Close() //nolint:errcheck // best effort on exit
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	for _, alg := range cfg.Processing.Algorithms {
		if !tomo.SupportedAlgorithm(alg) {
			return fmt.Errorf("%w: %s", tomo.ErrUnsupportedAlgorithm, alg)
		}
	}
	if err := os.MkdirAll(cfg.Processing.ProcDir, 0o755); err != nil {
		return fmt.Errorf("creating processing directory: %w", err)
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}

	var (
		publisher tomo.JSONPublisher
		topics    = mqtt.Topics{Site: cfg.Site.ID}
		metrics   tomo.MetricsWriter
	)

	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT, cfg.Site.ID)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		publisher = mqttClient
		topics = mqttClient.Topics()
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
	}

	archiver, err := archive.New(cfg.Archive, log.With("component", "archive"))
	if err != nil {
		return fmt.Errorf("configuring archive: %w", err)
	}
	if archiver.Enabled() {
		log.Info("archiving reconstructions", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}

	w, err := watcher.New(
		cfg.Processing.RawDir,
		cfg.Processing.Pattern,
		cfg.Processing.PollInterval,
		cfg.Processing.SettleDelay,
		log.With("component", "watcher"),
	)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	toolchain := tomo.NewCommandToolchain(
		process.NewRunner(log.With("component", "toolchain")),
		cfg.Processing.Python,
		cfg.Processing.Module,
		cfg.Processing.ProcDir,
		cfg.Processing.StepTimeout,
	)

	pipeline := tomo.NewPipeline(tomo.Deps{
		Toolchain: toolchain,
		Watcher:   w,
		Repo:      ledger.NewSQLiteRepository(db.DB),
		Archiver:  archiver,
		Notifier:  tomo.NewEventNotifier(publisher, topics, metrics, log),
		Logger:    log.With("component", "tomo"),
	}, tomo.OptionsFromConfig(cfg.Processing))

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}

	log.Info("watching for projections",
		"raw_dir", cfg.Processing.RawDir,
		"proc_dir", cfg.Processing.ProcDir,
		"algorithms", cfg.Processing.Algorithms,
	)
	if err := pipeline.Run(ctx); err != nil {
		return fmt.Errorf("processing: %w", err)
	}

	log.Info("tomoproc stopped")
	return nil
}

// getConfigPath returns TOMOPROC_CONFIG when set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("TOMOPROC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
