package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the SRX automation tools.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Redis       RedisConfig       `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	QueueServer QueueServerConfig `yaml:"queueserver"`
	DataBroker  DataBrokerConfig  `yaml:"databroker"`
	Scan        ScanConfig        `yaml:"scan"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// SiteConfig identifies the beamline the tools run at.
type SiteConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite ledger settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" validate:"required"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout" validate:"min=0"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos" validate:"min=0,max=2"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains the Redis connection used to cache fetched scan arrays.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// APIConfig contains the monitoring HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port" validate:"min=1,max=65535"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format string            `yaml:"format" validate:"omitempty,oneof=json text"`
	Output string            `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the shared secret used to verify control tokens.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// QueueServerConfig describes the run-engine manager HTTP endpoint.
type QueueServerConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	APIKey string `yaml:"api_key"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	// StatusPollRate is the maximum number of status requests per second
	// issued while waiting for the manager to become idle.
	StatusPollRate float64 `yaml:"status_poll_rate" validate:"gt=0"`

	// IdleTimeout is the per-attempt limit for a single idle wait.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gt=0"`

	// IdleMaxAttempts bounds how many idle-wait attempts are made before a
	// running plan is declared stuck.
	IdleMaxAttempts int `yaml:"idle_max_attempts" validate:"min=1"`

	// BackoffInitial and BackoffMax shape the pause between idle-wait attempts.
	BackoffInitial time.Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`

	// CleanupTimeout bounds the shutter-closing phase after the sequence ends.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" validate:"gt=0"`
}

// DataBrokerConfig describes how scan data is retrieved.
type DataBrokerConfig struct {
	URL            string        `yaml:"url" validate:"required,url"`
	APIKey         string        `yaml:"api_key"`
	Catalog        string        `yaml:"catalog" validate:"required"`
	Stream         string        `yaml:"stream" validate:"required"`
	FluorField     string        `yaml:"fluor_field" validate:"required"`
	I0Field        string        `yaml:"i0_field" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Cache          CacheConfig   `yaml:"cache"`
}

// CacheConfig controls the Redis cache in front of the data service.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// ScanConfig describes the projection sequence.
type ScanConfig struct {
	Theta  ThetaConfig  `yaml:"theta"`
	Window WindowConfig `yaml:"window"`

	// ROI is the half-open energy-bin range [low, high) summed into the map.
	ROI [2]int `yaml:"roi"`

	// FastAxis names the motors that identify the map orientation.
	FastAxis FastAxisConfig `yaml:"fast_axis"`

	RotationMotor string  `yaml:"rotation_motor" validate:"required"`
	RotationScale float64 `yaml:"rotation_scale" validate:"gt=0"`
	ScanPlan      string  `yaml:"scan_plan" validate:"required"`
	ShutterPlan   string  `yaml:"shutter_plan" validate:"required"`
	MovePlan      string  `yaml:"move_plan" validate:"required"`

	// Shutters is passed through to the shutter plan; false runs without
	// operating the shutters.
	Shutters  bool     `yaml:"shutters"`
	ExtraDets []string `yaml:"extra_dets"`

	// PreviewDir receives a PNG of each normalised map. Empty disables previews.
	PreviewDir string `yaml:"preview_dir"`
}

// ThetaConfig generates the list of rotation angles.
type ThetaConfig struct {
	Start   float64     `yaml:"start"`
	Stop    float64     `yaml:"stop"`
	Num     int         `yaml:"num" validate:"min=1"`
	Extra   []float64   `yaml:"extra"`
	Offsets []float64   `yaml:"offsets"`
	StartAt *float64    `yaml:"start_at"`
	Skip    []SkipRange `yaml:"skip"`
}

// SkipRange excludes angles in the closed interval [From, To].
type SkipRange struct {
	From float64 `yaml:"from"`
	To   float64 `yaml:"to"`
}

// WindowConfig is the initial scan window.
type WindowConfig struct {
	XStart float64 `yaml:"x_start"`
	XStop  float64 `yaml:"x_stop"`
	XNum   int     `yaml:"x_num" validate:"min=1"`
	YStart float64 `yaml:"y_start"`
	YStop  float64 `yaml:"y_stop"`
	YNum   int     `yaml:"y_num" validate:"min=1"`
	Dwell  float64 `yaml:"dwell" validate:"gt=0"`
}

// FastAxisConfig names the x-type and y-type fast-axis motors.
type FastAxisConfig struct {
	XMotor string `yaml:"x_motor" validate:"required"`
	YMotor string `yaml:"y_motor" validate:"required"`
}

// ProcessingConfig controls the reconstruction pipeline.
type ProcessingConfig struct {
	RawDir       string        `yaml:"raw_dir" validate:"required"`
	ProcDir      string        `yaml:"proc_dir" validate:"required"`
	Pattern      string        `yaml:"pattern" validate:"required"`
	ParamFile    string        `yaml:"param_file" validate:"required"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// SettleDelay gives writers time to finish after new files appear.
	SettleDelay time.Duration `yaml:"settle_delay" validate:"min=0"`

	Algorithms     []string `yaml:"algorithms" validate:"min=1,dive,oneof=svmbir fbp gridrec"`
	AlignElement   string   `yaml:"align_element" validate:"required"`
	ICName         string   `yaml:"ic_name" validate:"required"`
	CenterOffset   float64  `yaml:"center_offset"`
	RotationCenter *float64 `yaml:"rotation_center"`
	TrimVertical   [2]*int  `yaml:"trim_vertical"`

	// MinFiles is the number of projections needed before reconstructing.
	MinFiles int `yaml:"min_files" validate:"min=1"`

	// Python and Module locate the toolchain entry point.
	Python      string        `yaml:"python" validate:"required"`
	Module      string        `yaml:"module" validate:"required"`
	StepTimeout time.Duration `yaml:"step_timeout" validate:"min=0"`

	KeepSingleFile bool `yaml:"keep_single_file"`
}

// ArchiveConfig controls uploading reconstruction outputs to object storage.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AUTOSCAN_SECTION_KEY
// For example: AUTOSCAN_DATABASE_PATH, AUTOSCAN_QSERVER_URL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with the values used at the SRX nano stage.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "srx",
			Name: "SRX",
		},
		Database: DatabaseConfig{
			Path:        "./data/autoscan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "srx-autoscan",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/autoscan.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     30,
			},
		},
		QueueServer: QueueServerConfig{
			URL:             "http://localhost:60610",
			RequestTimeout:  10 * time.Second,
			StatusPollRate:  2,
			IdleTimeout:     60 * time.Second,
			IdleMaxAttempts: 120,
			BackoffInitial:  500 * time.Millisecond,
			BackoffMax:      10 * time.Second,
			CleanupTimeout:  5 * time.Minute,
		},
		DataBroker: DataBrokerConfig{
			URL:            "http://localhost:8000",
			Catalog:        "srx/raw",
			Stream:         "stream0",
			FluorField:     "fluor",
			I0Field:        "i0",
			RequestTimeout: 30 * time.Second,
			FetchTimeout:   120 * time.Second,
			PollInterval:   time.Second,
			Cache: CacheConfig{
				TTL: 30 * time.Minute,
			},
		},
		Scan: ScanConfig{
			Theta: ThetaConfig{
				Start:   0,
				Stop:    170,
				Num:     18,
				Extra:   []float64{180},
				Offsets: []float64{185, 362.5, 547.5},
			},
			Window: WindowConfig{
				XStart: -30,
				XStop:  30,
				XNum:   121,
				YStart: -20,
				YStop:  20,
				YNum:   81,
				Dwell:  0.05,
			},
			ROI: [2]int{737, 757},
			FastAxis: FastAxisConfig{
				XMotor: "nano_stage_sx",
				YMotor: "nano_stage_sy",
			},
			RotationMotor: "nano_stage.th",
			RotationScale: 1000,
			ScanPlan:      "nano_scan_and_fly",
			ShutterPlan:   "check_shutters",
			MovePlan:      "mv",
			Shutters:      true,
		},
		Processing: ProcessingConfig{
			RawDir:       "raw_data",
			ProcDir:      "proc_data",
			Pattern:      "*.h5",
			ParamFile:    "pyxrf_model_parameters.json",
			PollInterval: time.Second,
			SettleDelay:  30 * time.Second,
			Algorithms:   []string{"svmbir"},
			AlignElement: "Ni_K",
			ICName:       "i0",
			CenterOffset: -0.5,
			MinFiles:     2,
			Python:       "python3",
			Module:       "xrf_tomo.cli",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AUTOSCAN_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("AUTOSCAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("AUTOSCAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AUTOSCAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AUTOSCAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Remote services
	if v := os.Getenv("AUTOSCAN_QSERVER_URL"); v != "" {
		cfg.QueueServer.URL = v
	}
	if v := os.Getenv("AUTOSCAN_QSERVER_API_KEY"); v != "" {
		cfg.QueueServer.APIKey = v
	}
	if v := os.Getenv("AUTOSCAN_DATABROKER_URL"); v != "" {
		cfg.DataBroker.URL = v
	}
	if v := os.Getenv("AUTOSCAN_DATABROKER_API_KEY"); v != "" {
		cfg.DataBroker.APIKey = v
	}

	// InfluxDB
	if v := os.Getenv("AUTOSCAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("AUTOSCAN_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AUTOSCAN_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Processing directories
	if v := os.Getenv("AUTOSCAN_RAW_DATA_DIR"); v != "" {
		cfg.Processing.RawDir = v
	}
	if v := os.Getenv("AUTOSCAN_PROC_DATA_DIR"); v != "" {
		cfg.Processing.ProcDir = v
	}

	// Security - JWT secret for control endpoints
	if v := os.Getenv("AUTOSCAN_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// validate checks struct tags. Field names are reported using their YAML keys.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("configuration errors: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	// Window must have positive extent on both axes
	w := c.Scan.Window
	if w.XStop <= w.XStart {
		errs = append(errs, "scan.window.x_stop must be greater than x_start")
	}
	if w.YStop <= w.YStart {
		errs = append(errs, "scan.window.y_stop must be greater than y_start")
	}

	// ROI is half-open on the energy-bin axis
	if c.Scan.ROI[0] < 0 || c.Scan.ROI[1] <= c.Scan.ROI[0] {
		errs = append(errs, "scan.roi must satisfy 0 <= low < high")
	}

	for i, s := range c.Scan.Theta.Skip {
		if s.To < s.From {
			errs = append(errs, fmt.Sprintf("scan.theta.skip[%d]: to must not be less than from", i))
		}
	}

	if c.Logging.Output == "file" && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	// Control endpoints stop a running sequence, so the API needs a real secret.
	const minJWTSecretLength = 32
	if c.API.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when api.enabled (set AUTOSCAN_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// describeFieldError turns a validator error into "section.key <rule>".
func describeFieldError(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", path, fe.Tag())
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
