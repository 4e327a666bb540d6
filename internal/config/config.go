package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	_ "embed"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	MySQL       DatabaseConfig    `mapstructure:"mysql"`
	ClickHouse  DatabaseConfig    `mapstructure:"clickhouse"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Health      HealthConfig      `mapstructure:"health"`
	Cart        CartConfig        `mapstructure:"cart"`
	Evolution   EvolutionConfig   `mapstructure:"evolution"`
	CloudAPI    CloudAPIConfig    `mapstructure:"cloud_api"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string    `mapstructure:"brokers"`
	GroupID        string      `mapstructure:"group_id"`
	MinBytes       int         `mapstructure:"min_bytes"`
	MaxBytes       int         `mapstructure:"max_bytes"`
	CommitInterval int         `mapstructure:"commit_interval_ms"`
	Workers        int         `mapstructure:"workers"` // in-flight facts per topic
	Topics         KafkaTopics `mapstructure:"topics"`
}

type KafkaTopics struct {
	Carts    string `mapstructure:"carts"`
	Orders   string `mapstructure:"orders"`
	Statuses string `mapstructure:"statuses"`
	Outcomes string `mapstructure:"outcomes"`
}

type JobsConfig struct {
	Driver         string         `mapstructure:"driver"` // asynq | memory
	SweepInterval  time.Duration  `mapstructure:"sweep_interval"`
	Retention      time.Duration  `mapstructure:"retention"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	BackoffBase    time.Duration  `mapstructure:"backoff_base"`
	Concurrency    map[string]int `mapstructure:"concurrency"`
	ShutdownPeriod time.Duration  `mapstructure:"shutdown_period"`
}

type DispatchConfig struct {
	RescheduleCeiling time.Duration `mapstructure:"reschedule_ceiling"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
}

// RateLimitConfig holds the system-wide policy defaults a tenant may override,
// plus the ops API request limit.
type RateLimitConfig struct {
	APIRPS                     int    `mapstructure:"api_rps"`
	MaxPerMinute               int    `mapstructure:"max_per_minute"`
	MaxPerHour                 int    `mapstructure:"max_per_hour"`
	WarmupMaxPerMinute         int    `mapstructure:"warmup_max_per_minute"`
	WarmupMaxPerHour           int    `mapstructure:"warmup_max_per_hour"`
	MinDelaySeconds            int    `mapstructure:"min_delay_seconds"`
	WarmupEnabled              bool   `mapstructure:"warmup_enabled"`
	WarmupDailyIncrease        int    `mapstructure:"warmup_daily_increase"`
	EnforceAllowedHours        bool   `mapstructure:"enforce_allowed_hours"`
	AllowedHoursStart          int    `mapstructure:"allowed_hours_start"`
	AllowedHoursEnd            int    `mapstructure:"allowed_hours_end"`
	AutoPauseOnLowQuality      bool   `mapstructure:"auto_pause_on_low_quality"`
	TemplateOnly               bool   `mapstructure:"template_only"`
	EnablePersonalizationCheck bool   `mapstructure:"enable_personalization_check"`
	MaxIdenticalMessages       int    `mapstructure:"max_identical_messages"`
	FailureGuardMinSample      int    `mapstructure:"failure_guard_min_sample"`
	Timezone                   string `mapstructure:"timezone"`
}

type HealthConfig struct {
	HighThreshold   int `mapstructure:"high_threshold"`
	MediumThreshold int `mapstructure:"medium_threshold"`
	LowThreshold    int `mapstructure:"low_threshold"`
	DefaultDailyCap int `mapstructure:"default_daily_cap"`
}

type CartConfig struct {
	RecoveryCheckAfter time.Duration `mapstructure:"recovery_check_after"`
	TTL                time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type EvolutionConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	RPS       float64       `mapstructure:"rps"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type CloudAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIVersion string        `mapstructure:"api_version"`
	TimeoutMs  int           `mapstructure:"timeout_ms"`
	RPS        float64       `mapstructure:"rps"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type MaintenanceConfig struct {
	ExpireCartsCron string `mapstructure:"expire_carts_cron"`
	ResetQuotaCron  string `mapstructure:"reset_quota_cron"`
}

// DefaultPath is the config file picked up when present; any other path must exist.
const DefaultPath = "config.yaml"

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CARTREC_*).
// A .env file in the working directory is loaded into the process env first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if path != DefaultPath || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// env override (CARTREC_*)
	v.SetEnvPrefix("CARTREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
