package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORECASTD_"

// Config is the runtime configuration of forecastd.
type Config struct {
	Port     string `yaml:"port"`
	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log_level"`

	// SystemKey namespaces bucket paths and job parameters.
	SystemKey string `yaml:"system_key"`

	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Bucket    BucketConfig    `yaml:"bucket"`
	Bus       BusConfig       `yaml:"bus"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Migration MigrationConfig `yaml:"migration"`

	// Warnings collects values that were rejected during loading.
	Warnings []string `yaml:"-"`
}

// StoreConfig selects the history and pipeline backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory | badger | postgres
	BadgerPath  string `yaml:"badger_path"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LockConfig selects the advisory lock backend.
type LockConfig struct {
	Backend   string        `yaml:"backend"` // local | redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	Wait      time.Duration `yaml:"wait"`
}

// BucketConfig selects the artifact object store.
type BucketConfig struct {
	Backend         string `yaml:"backend"` // local | gcs
	LocalRoot       string `yaml:"local_root"`
	GCSBucket       string `yaml:"gcs_bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

// BusConfig selects the message bus used by the Migration Batcher.
type BusConfig struct {
	Backend      string `yaml:"backend"` // mqtt | redis
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`
	RedisAddr    string `yaml:"redis_addr"`
	Topic        string `yaml:"topic"`
}

// AnalyticsConfig addresses the BigQuery table used for training data.
type AnalyticsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Project         string `yaml:"project"`
	Dataset         string `yaml:"dataset"`
	Table           string `yaml:"table"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
}

// JobsConfig addresses the remote ML pipeline service.
type JobsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	Project           string `yaml:"project"`
	Location          string `yaml:"location"`
	ServiceAccount    string `yaml:"service_account"`
	TrainTemplate     string `yaml:"train_template"`
	InferenceTemplate string `yaml:"inference_template"`
	ScriptPath        string `yaml:"script_path"`
	CredentialsFile   string `yaml:"credentials_file"`
}

// SchedulerConfig tunes the Forecast Scheduler.
type SchedulerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SyncFreshness time.Duration `yaml:"sync_freshness"`
	DirectSync    bool          `yaml:"direct_sync"`
}

// MigrationConfig tunes the Migration Batcher.
type MigrationConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
	Budget                 time.Duration `yaml:"budget"`
	PageSize               int           `yaml:"page_size"`
	PageDelay              time.Duration `yaml:"page_delay"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      DefaultPort,
		Mode:      DefaultMode,
		LogLevel:  DefaultLogLevel,
		SystemKey: "default",
		Store: StoreConfig{
			Backend:     "badger",
			BadgerPath:  "./data/badger",
			MaxMemoryMB: DefaultMaxMemoryMB,
		},
		Lock: LockConfig{
			Backend: "local",
			TTL:     LockTTL,
			Wait:    LockWait,
		},
		Bucket: BucketConfig{
			Backend:   "local",
			LocalRoot: "./data/bucket",
		},
		Bus: BusConfig{
			Backend:      "mqtt",
			MQTTBroker:   "tcp://localhost:1883",
			MQTTClientID: "forecastd",
			Topic:        MigrationTopic,
		},
		Analytics: AnalyticsConfig{
			Table: "asset_history",
		},
		Jobs: JobsConfig{
			Endpoint: "https://us-central1-aiplatform.googleapis.com/v1",
			Location: "us-central1",
		},
		Scheduler: SchedulerConfig{
			Interval:      ForecastInterval,
			SyncFreshness: DefaultSyncFreshness,
		},
		Migration: MigrationConfig{
			Enabled:                true,
			Interval:               MigrationInterval,
			Budget:                 MigrationBudget,
			PageSize:               MigrationPageSize,
			PageDelay:              MigrationPageDelay,
			MaxConsecutiveFailures: MigrationMaxConsecutiveFailures,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// FORECASTD_CONFIG, then a .env file, then FORECASTD_* variables.
func Load() (*Config, error) {
	cfg := Default()

	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend selections and required settings.
func (c *Config) Validate() error {
	if !oneOf(c.Store.Backend, "memory", "badger", "postgres") {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store backend postgres requires %sPOSTGRES_DSN", EnvPrefix)
	}
	if !oneOf(c.Lock.Backend, "local", "redis") {
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if !oneOf(c.Bucket.Backend, "local", "gcs") {
		return fmt.Errorf("unknown bucket backend %q", c.Bucket.Backend)
	}
	if c.Bucket.Backend == "gcs" && c.Bucket.GCSBucket == "" {
		return fmt.Errorf("bucket backend gcs requires %sGCS_BUCKET", EnvPrefix)
	}
	if !oneOf(c.Bus.Backend, "mqtt", "redis") {
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	if c.Analytics.Enabled && (c.Analytics.Project == "" || c.Analytics.Dataset == "") {
		return fmt.Errorf("analytics requires a project and dataset")
	}
	if c.Jobs.Enabled && (c.Jobs.Project == "" || c.Jobs.TrainTemplate == "" || c.Jobs.InferenceTemplate == "") {
		return fmt.Errorf("jobs require a project and both pipeline templates")
	}
	if c.Scheduler.SyncFreshness > 0 && !c.Migration.Enabled && !(c.Scheduler.DirectSync && c.Analytics.Enabled) {
		return fmt.Errorf("sync_freshness needs migration or direct_sync with analytics to advance watermarks; set it to 0 to disable the check")
	}
	if c.Scheduler.Interval <= 0 || c.Migration.Interval <= 0 {
		return fmt.Errorf("trigger intervals must be positive")
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	strs := map[string]*string{
		"PORT":                    &c.Port,
		"MODE":                    &c.Mode,
		"LOG_LEVEL":               &c.LogLevel,
		"SYSTEM_KEY":              &c.SystemKey,
		"STORE":                   &c.Store.Backend,
		"BADGER_PATH":             &c.Store.BadgerPath,
		"POSTGRES_DSN":            &c.Store.PostgresDSN,
		"LOCK":                    &c.Lock.Backend,
		"LOCK_REDIS_ADDR":         &c.Lock.RedisAddr,
		"BUCKET":                  &c.Bucket.Backend,
		"BUCKET_ROOT":             &c.Bucket.LocalRoot,
		"GCS_BUCKET":              &c.Bucket.GCSBucket,
		"GCS_CREDENTIALS_FILE":    &c.Bucket.CredentialsFile,
		"BUS":                     &c.Bus.Backend,
		"MQTT_BROKER":             &c.Bus.MQTTBroker,
		"MQTT_CLIENT_ID":          &c.Bus.MQTTClientID,
		"MQTT_USERNAME":           &c.Bus.MQTTUsername,
		"MQTT_PASSWORD":           &c.Bus.MQTTPassword,
		"BUS_REDIS_ADDR":          &c.Bus.RedisAddr,
		"BUS_TOPIC":               &c.Bus.Topic,
		"BQ_PROJECT":              &c.Analytics.Project,
		"BQ_DATASET":              &c.Analytics.Dataset,
		"BQ_TABLE":                &c.Analytics.Table,
		"BQ_ENDPOINT":             &c.Analytics.Endpoint,
		"BQ_CREDENTIALS_FILE":     &c.Analytics.CredentialsFile,
		"JOBS_ENDPOINT":           &c.Jobs.Endpoint,
		"JOBS_PROJECT":            &c.Jobs.Project,
		"JOBS_LOCATION":           &c.Jobs.Location,
		"JOBS_SERVICE_ACCOUNT":    &c.Jobs.ServiceAccount,
		"JOBS_TRAIN_TEMPLATE":     &c.Jobs.TrainTemplate,
		"JOBS_INFERENCE_TEMPLATE": &c.Jobs.InferenceTemplate,
		"JOBS_SCRIPT_PATH":        &c.Jobs.ScriptPath,
		"JOBS_CREDENTIALS_FILE":   &c.Jobs.CredentialsFile,
	}
	for name, dst := range strs {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MIGRATION_PAGE_SIZE":    &c.Migration.PageSize,
		"MIGRATION_MAX_FAILURES": &c.Migration.MaxConsecutiveFailures,
	}
	for name, dst := range ints {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.warn(name, v)
			continue
		}
		*dst = n
	}

	if v := getenv(EnvPrefix + "MAX_MEMORY_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.warn("MAX_MEMORY_MB", v)
		} else {
			c.Store.MaxMemoryMB = n
		}
	}

	durations := map[string]*time.Duration{
		"LOCK_TTL":             &c.Lock.TTL,
		"LOCK_WAIT":            &c.Lock.Wait,
		"FORECAST_INTERVAL":    &c.Scheduler.Interval,
		"SYNC_FRESHNESS":       &c.Scheduler.SyncFreshness,
		"MIGRATION_INTERVAL":   &c.Migration.Interval,
		"MIGRATION_BUDGET":     &c.Migration.Budget,
		"MIGRATION_PAGE_DELAY": &c.Migration.PageDelay,
	}
	for name, dst := range durations {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.warn(name, v)
			continue
		}
		*dst = d
	}

	bools := map[string]*bool{
		"ANALYTICS_ENABLED": &c.Analytics.Enabled,
		"JOBS_ENABLED":      &c.Jobs.Enabled,
		"MIGRATION_ENABLED": &c.Migration.Enabled,
		"DIRECT_SYNC":       &c.Scheduler.DirectSync,
	}
	for name, dst := range bools {
		v := getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.warn(name, v)
			continue
		}
		*dst = b
	}
}

func (c *Config) warn(name, value string) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s%s=%q, keeping default", EnvPrefix, name, value))
}

func oneOf(v string, options ...string) bool {
	v = strings.ToLower(v)
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
