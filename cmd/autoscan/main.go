// autoscan runs a tomographic projection sequence on the SRX beamline.
//
// Each projection is a fly scan submitted through the run-engine queue
// server. After every scan the fluorescence map is fetched, its centroid is
// measured and the scan window for the next angle is re-centred on the
// sample. Progress is published over MQTT, written to InfluxDB, recorded in
// the SQLite ledger and streamed by the monitoring API.
//
// Usage:
//
//	autoscan                 run one sequence and exit
//	autoscan -serve          keep the monitoring API up after the sequence ends
//	autoscan token -subject operator -ttl 8h
//	                         print a bearer token for the control endpoints
//	autoscan migrate [up|down|status]
//	                         apply, roll back or list ledger migrations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gonum.org/v1/plot/vg"

	_ "github.com/srx-beamline/autoscan/migrations"

	"github.com/srx-beamline/autoscan/internal/api"
	"github.com/srx-beamline/autoscan/internal/databroker"
	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/infrastructure/database"
	"github.com/srx-beamline/autoscan/internal/infrastructure/influxdb"
	"github.com/srx-beamline/autoscan/internal/infrastructure/logging"
	"github.com/srx-beamline/autoscan/internal/infrastructure/mqtt"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/preview"
	"github.com/srx-beamline/autoscan/internal/qserver"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
	"github.com/srx-beamline/autoscan/internal/sequence"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	serviceName       = "srx-autoscan"
	defaultConfigPath = "configs/autoscan.yaml"

	// previewSize is the edge length of the per-projection map PNG.
	previewSize = 4 * vg.Inch
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 {
		if handled, err := subcommand(ctx, os.Args[1], os.Args[2:], os.Stdout); handled {
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	serve := flag.Bool("serve", false, "keep the monitoring API running after the sequence ends")
	flag.Parse()

	if err := run(ctx, *serve); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context, serve bool) error {
	log := logging.Default()
	log.Info("starting autoscan",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	loadDotEnv(log)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, serviceName, version)
	defer log.Close() //nolint:errcheck // best effort on exit
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	opts, err := sequence.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("resolving sequence options: %w", err)
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
	repo := ledger.NewSQLiteRepository(db.DB)
	log.Info("ledger ready", "path", cfg.Database.Path)

	hub := api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
	go hub.Run(ctx)
	notifiers := sequence.Notifiers{hub}
	checks := map[string]api.HealthChecker{"database": db}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		notifiers = append(notifiers, sequence.NewMQTTNotifier(mqttClient, mqttClient.Topics(), log))
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		notifiers = append(notifiers, sequence.NewMetricsNotifier(influxClient))
		checks["influxdb"] = influxClient
	}

	broker := databroker.NewHTTPSource(cfg.DataBroker)
	var source databroker.Source = broker
	if cfg.DataBroker.Cache.Enabled {
		rdb, redisErr := databroker.ConnectRedis(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to redis: %w", redisErr)
		}
		defer closeRedis(rdb, log)
		source = databroker.NewCachedSource(broker, rdb, cfg.DataBroker.Cache.TTL,
			[]string{cfg.DataBroker.FluorField, cfg.DataBroker.I0Field}, log)
		log.Info("data cache enabled", "redis", cfg.Redis.Addr, "ttl", cfg.DataBroker.Cache.TTL)
	}

	controller := scanwindow.NewController(source, scanwindow.Options{
		Stream:       cfg.DataBroker.Stream,
		FluorField:   cfg.DataBroker.FluorField,
		I0Field:      cfg.DataBroker.I0Field,
		PollInterval: cfg.DataBroker.PollInterval,
		XMotor:       cfg.Scan.FastAxis.XMotor,
		YMotor:       cfg.Scan.FastAxis.YMotor,
	}, log.With("component", "scanwindow"))

	qclient := qserver.New(cfg.QueueServer, log.With("component", "qserver"))
	runner := qserver.NewRunner(qclient, qserver.OptionsFromConfig(cfg.QueueServer))

	deps := sequence.Deps{
		Plans:     runner,
		Corrector: controller,
		Metadata:  broker,
		Repo:      repo,
		Notifier:  notifiers,
		Logger:    log.With("component", "sequence"),
	}
	if opts.PreviewDir != "" {
		if mkErr := os.MkdirAll(opts.PreviewDir, 0o755); mkErr != nil {
			return fmt.Errorf("creating preview directory: %w", mkErr)
		}
		deps.Preview = preview.NewRenderer(previewSize)
	}
	seq := sequence.New(deps, opts)

	if mqttClient != nil {
		topic := mqttClient.Topics().SequenceControl()
		if subErr := mqttClient.Subscribe(topic, 1, seq.HandleControl); subErr != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, subErr)
		}
		log.Info("listening for control commands", "topic", topic)
	}

	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Sequence: seq,
			Repo:     repo,
			Checks:   checks,
			DB:       db,
			Hub:      hub,
			Version:  version,
		}
		if mqttClient != nil {
			apiDeps.MQTT = mqttClient
		}
		srv, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed", "angles", len(opts.Angles))

	result, runErr := seq.Run(ctx)
	if result != nil {
		log.Info("sequence finished",
			"run_id", result.ID,
			"status", result.Status,
			"projections", fmt.Sprintf("%d/%d", result.ProjectionsDone, result.ProjectionsTotal),
		)
	}
	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("sequence: %w", runErr)
	}

	if serve && ctx.Err() == nil {
		log.Info("sequence done, serving API until shutdown signal")
		<-ctx.Done()
	}

	log.Info("autoscan stopped")
	return nil
}

// getConfigPath returns AUTOSCAN_CONFIG when set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("AUTOSCAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadDotEnv loads .env from the working directory when present.
func loadDotEnv(log *logging.Logger) {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("ignoring unreadable .env file", "error", err)
		}
		return
	}
	log.Info("loaded environment from .env")
}

// healthCheck runs each check, in no particular order, and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func closeRedis(rdb *redis.Client, log *logging.Logger) {
	if err := rdb.Close(); err != nil {
		log.Error("error closing redis", "error", err)
	}
}

// subcommand runs name when it is a maintenance command and reports
// whether it was one.
func subcommand(ctx context.Context, name string, args []string, out io.Writer) (bool, error) {
	switch name {
	case "token":
		return true, issueToken(args, out)
	case "migrate":
		return true, migrate(ctx, args, out)
	default:
		return false, nil
	}
}

// issueToken prints a control token signed with the configured secret.
func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "name recorded with control requests")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueControlToken(cfg.Security.JWT.Secret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// migrate applies or rolls back ledger migrations and prints the schema
// state. With no action it only prints.
func migrate(ctx context.Context, args []string, out io.Writer) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or status)", action)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly, nothing to flush

	switch action {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case "down":
		if err := db.MigrateDown(ctx); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, r := range applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
