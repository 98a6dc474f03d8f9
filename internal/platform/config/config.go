package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the operational expectations of the daily user pipeline.
const (
	DefaultSourceURL            = "https://randomuser.me/api/"
	DefaultSourceRequestTimeout = 30 * time.Second
	DefaultGateTimeout          = 5 * time.Minute
	DefaultGatePollInterval     = 10 * time.Second
	DefaultRetryCount           = 2
	DefaultRetryDelay           = 5 * time.Minute
	DefaultStagingDir           = "/tmp/userpipe"
	DefaultDestinationTable     = "users"
	DefaultPasswordHashCost     = 10
	DefaultLedgerPath           = "userpipe-ledger.db"
	DefaultRunLockTTL           = 30 * time.Minute
	DefaultKafkaTopic           = "userpipe.runs"
	DefaultAdminAddr            = ":8080"
)

// Config is the full process configuration. Every field can be set from the
// optional YAML file and overridden from the environment.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Gate        GateConfig        `yaml:"gate"`
	Retry       RetryConfig       `yaml:"retry"`
	Staging     StagingConfig     `yaml:"staging"`
	Destination DestinationConfig `yaml:"destination"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// SourceConfig locates the external user API.
type SourceConfig struct {
	URL            string        `yaml:"url"`
	HealthURL      string        `yaml:"health_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// GateConfig bounds the availability sensor.
type GateConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetryConfig is the step-level retry policy applied to every step but the gate.
type RetryConfig struct {
	Count int           `yaml:"count"`
	Delay time.Duration `yaml:"delay"`
}

type StagingConfig struct {
	Dir string `yaml:"dir"`
}

type DestinationConfig struct {
	DSN              string `yaml:"dsn"`
	Table            string `yaml:"table"`
	AutoMigrate      bool   `yaml:"auto_migrate"`
	PasswordHashCost int    `yaml:"password_hash_cost"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the distributed run lock. An empty URL falls back to an
// in-process lock.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

// KafkaConfig enables run event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig configures the admin API. An empty AdminToken leaves the
// manual trigger unauthenticated.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Source: SourceConfig{
			URL:            DefaultSourceURL,
			RequestTimeout: DefaultSourceRequestTimeout,
		},
		Gate: GateConfig{
			Timeout:      DefaultGateTimeout,
			PollInterval: DefaultGatePollInterval,
		},
		Retry: RetryConfig{
			Count: DefaultRetryCount,
			Delay: DefaultRetryDelay,
		},
		Staging: StagingConfig{Dir: DefaultStagingDir},
		Destination: DestinationConfig{
			Table:            DefaultDestinationTable,
			PasswordHashCost: DefaultPasswordHashCost,
			MaxOpenConns:     4,
		},
		Ledger: LedgerConfig{Path: DefaultLedgerPath},
		Redis: RedisConfig{
			PoolSize:     4,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			LockTTL:      DefaultRunLockTTL,
		},
		Kafka:  KafkaConfig{Topic: DefaultKafkaTopic},
		Server: ServerConfig{Addr: DefaultAdminAddr},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// PIPELINE_CONFIG_FILE (if any), then environment overrides.
func Load() (Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Default()

	if path := getenv("PIPELINE_CONFIG_FILE"); path != "" {
		raw, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	env := envReader{getenv: getenv}
	env.str("SOURCE_URL", &cfg.Source.URL)
	env.str("SOURCE_HEALTH_URL", &cfg.Source.HealthURL)
	env.duration("SOURCE_REQUEST_TIMEOUT", &cfg.Source.RequestTimeout)
	env.duration("GATE_TIMEOUT", &cfg.Gate.Timeout)
	env.duration("GATE_POLL_INTERVAL", &cfg.Gate.PollInterval)
	env.integer("RETRY_COUNT", &cfg.Retry.Count)
	env.duration("RETRY_DELAY", &cfg.Retry.Delay)
	env.str("STAGING_DIR", &cfg.Staging.Dir)
	env.str("DESTINATION_DSN", &cfg.Destination.DSN)
	env.str("DESTINATION_TABLE", &cfg.Destination.Table)
	env.boolean("DESTINATION_AUTO_MIGRATE", &cfg.Destination.AutoMigrate)
	env.integer("PASSWORD_HASH_COST", &cfg.Destination.PasswordHashCost)
	env.str("LEDGER_PATH", &cfg.Ledger.Path)
	env.str("REDIS_URL", &cfg.Redis.URL)
	env.duration("RUN_LOCK_TTL", &cfg.Redis.LockTTL)
	env.list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	env.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	env.str("ADMIN_ADDR", &cfg.Server.Addr)
	env.str("ADMIN_TOKEN", &cfg.Server.AdminToken)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)
	if env.err != nil {
		return Config{}, env.err
	}

	if cfg.Source.HealthURL == "" {
		cfg.Source.HealthURL = cfg.Source.URL
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Source.URL == "" {
		errs = append(errs, errors.New("source url is required"))
	}
	if c.Gate.Timeout <= 0 {
		errs = append(errs, errors.New("gate timeout must be positive"))
	}
	if c.Gate.PollInterval <= 0 {
		errs = append(errs, errors.New("gate poll interval must be positive"))
	}
	if c.Retry.Count < 0 {
		errs = append(errs, errors.New("retry count must not be negative"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry delay must not be negative"))
	}
	if c.Staging.Dir == "" {
		errs = append(errs, errors.New("staging dir is required"))
	}
	if c.Destination.Table == "" {
		errs = append(errs, errors.New("destination table is required"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	*dst = v == "true"
}

func (e *envReader) list(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
