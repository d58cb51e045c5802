package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration for the medroute service
type Config struct {
	Environment string          `mapstructure:"environment"`
	Debug       bool            `mapstructure:"debug"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
	Optimizer   OptimizerConfig `mapstructure:"optimizer"`
	Forecast    ForecastConfig  `mapstructure:"forecast"`
	Travel      TravelConfig    `mapstructure:"travel"`
	Tracking    TrackingConfig  `mapstructure:"tracking"`
	Audit       AuditConfig     `mapstructure:"audit"`
}

// ServerConfig contains HTTP and gRPC server settings
type ServerConfig struct {
	HTTPPort         int           `mapstructure:"http_port"`
	GRPCPort         int           `mapstructure:"grpc_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes   int           `mapstructure:"max_header_bytes"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxOpenConnections int           `mapstructure:"max_open_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	EnableQueryLogging bool          `mapstructure:"enable_query_logging"`
}

// DSN builds the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig contains Kafka producer settings
type KafkaConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Brokers      []string          `mapstructure:"brokers"`
	Topics       KafkaTopicsConfig `mapstructure:"topics"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration     `mapstructure:"write_timeout"`
}

// KafkaTopicsConfig maps event channel classes to Kafka topics
type KafkaTopicsConfig struct {
	Hospital  string `mapstructure:"hospital"`
	Ambulance string `mapstructure:"ambulance"`
	Alerts    string `mapstructure:"alerts"`
	Trips     string `mapstructure:"trips"`
}

// AuthConfig contains settings for bearer token checks on privileged routes
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	Issuer         string `mapstructure:"issuer"`
	SupervisorRole string `mapstructure:"supervisor_role"`
}

// RealtimeConfig contains websocket hub settings
type RealtimeConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
}

// WeightsConfig holds the composite score weights
type WeightsConfig struct {
	Availability float64 `mapstructure:"availability"`
	Specialist   float64 `mapstructure:"specialist"`
	Travel       float64 `mapstructure:"travel"`
	Equipment    float64 `mapstructure:"equipment"`
	Load         float64 `mapstructure:"load"`
}

// Sum returns the total of all weights
func (w WeightsConfig) Sum() float64 {
	return w.Availability + w.Specialist + w.Travel + w.Equipment + w.Load
}

// OptimizerConfig contains hospital selection settings
type OptimizerConfig struct {
	Weights           WeightsConfig       `mapstructure:"weights"`
	RequiredEquipment map[string][]string `mapstructure:"required_equipment"`
	MaxConcurrency    int                 `mapstructure:"max_concurrency"`
}

// ForecastConfig contains readiness forecasting settings
type ForecastConfig struct {
	Window             int     `mapstructure:"window"`
	Horizon            int     `mapstructure:"horizon"`
	TrendPoints        int     `mapstructure:"trend_points"`
	Alpha              float64 `mapstructure:"alpha"`
	BedDamping         float64 `mapstructure:"bed_damping"`
	ICUDamping         float64 `mapstructure:"icu_damping"`
	PeakMultiplier     float64 `mapstructure:"peak_multiplier"`
	OffPeakMultiplier  float64 `mapstructure:"off_peak_multiplier"`
	PeakStartHour      int     `mapstructure:"peak_start_hour"`
	PeakEndHour        int     `mapstructure:"peak_end_hour"`
	DefaultBedCap      int     `mapstructure:"default_bed_cap"`
	DefaultICUCap      int     `mapstructure:"default_icu_cap"`
	VentilatorRatio    float64 `mapstructure:"ventilator_ratio"`
	FallbackConfidence float64 `mapstructure:"fallback_confidence"`
	Timezone           string  `mapstructure:"timezone"`
}

// TravelConfig contains travel estimation settings
type TravelConfig struct {
	BaseSpeedKmh       float64       `mapstructure:"base_speed_kmh"`
	PriorityMultiplier float64       `mapstructure:"priority_multiplier"`
	FallbackMultiplier float64       `mapstructure:"fallback_multiplier"`
	CacheBackend       string        `mapstructure:"cache_backend"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RouteSegments      int           `mapstructure:"route_segments"`
	Timezone           string        `mapstructure:"timezone"`
}

// TrackingConfig contains trip monitoring settings
type TrackingConfig struct {
	Store                string        `mapstructure:"store"`
	HistoryCap           int           `mapstructure:"history_cap"`
	AssumedSpeedKmh      float64       `mapstructure:"assumed_speed_kmh"`
	OffRouteMeters       float64       `mapstructure:"off_route_meters"`
	HeadingDegrees       float64       `mapstructure:"heading_degrees"`
	DelayThreshold       time.Duration `mapstructure:"delay_threshold"`
	MediumDistanceMeters float64       `mapstructure:"medium_distance_meters"`
	HighDistanceMeters   float64       `mapstructure:"high_distance_meters"`
	MediumDelay          time.Duration `mapstructure:"medium_delay"`
	HighDelay            time.Duration `mapstructure:"high_delay"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	LockWait             time.Duration `mapstructure:"lock_wait"`
}

// AuditConfig contains audit ledger settings
type AuditConfig struct {
	Store                 string   `mapstructure:"store"`
	LevelDBPath           string   `mapstructure:"leveldb_path"`
	RecordLocationSamples bool     `mapstructure:"record_location_samples"`
	SensitiveKeys         []string `mapstructure:"sensitive_keys"`
	DefaultQueryLimit     int      `mapstructure:"default_query_limit"`
	MaxQueryLimit         int      `mapstructure:"max_query_limit"`
}

// Load reads configuration from an optional YAML file and MEDROUTE_* environment variables
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
	} else {
		v.SetConfigName("medroute")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/medroute")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("invalid built-in configuration: " + err.Error())
	}
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEDROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.enable_reflection", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medroute")
	v.SetDefault("database.username", "medroute")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.slow_query_threshold", 200*time.Millisecond)
	v.SetDefault("database.enable_query_logging", false)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "medroute")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.hospital", "medroute.hospital-notifications")
	v.SetDefault("kafka.topics.ambulance", "medroute.ambulance-notifications")
	v.SetDefault("kafka.topics.alerts", "medroute.deviation-alerts")
	v.SetDefault("kafka.topics.trips", "medroute.trip-events")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 10*time.Second)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.issuer", "medroute")
	v.SetDefault("auth.supervisor_role", "supervisor")

	// Realtime defaults
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.read_buffer_size", 1024)
	v.SetDefault("realtime.write_buffer_size", 1024)
	v.SetDefault("realtime.send_buffer_size", 256)
	v.SetDefault("realtime.ping_interval", 54*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)

	// Optimizer defaults
	v.SetDefault("optimizer.weights.availability", 0.30)
	v.SetDefault("optimizer.weights.specialist", 0.20)
	v.SetDefault("optimizer.weights.travel", 0.25)
	v.SetDefault("optimizer.weights.equipment", 0.15)
	v.SetDefault("optimizer.weights.load", 0.10)
	v.SetDefault("optimizer.required_equipment", map[string][]string{
		"cardiac_arrest":        {"defibrillator", "cath_lab", "ventilator"},
		"myocardial_infarction": {"cath_lab", "defibrillator"},
		"stroke":                {"ct_scanner", "mri"},
		"trauma":                {"ct_scanner", "operating_room", "blood_bank"},
		"respiratory_failure":   {"ventilator"},
		"burns":                 {"burn_unit"},
		"obstetric":             {"operating_room", "neonatal_icu"},
	})
	v.SetDefault("optimizer.max_concurrency", 16)

	// Forecast defaults
	v.SetDefault("forecast.window", 24)
	v.SetDefault("forecast.horizon", 4)
	v.SetDefault("forecast.trend_points", 6)
	v.SetDefault("forecast.alpha", 0.3)
	v.SetDefault("forecast.bed_damping", 0.5)
	v.SetDefault("forecast.icu_damping", 0.3)
	v.SetDefault("forecast.peak_multiplier", 1.1)
	v.SetDefault("forecast.off_peak_multiplier", 0.9)
	v.SetDefault("forecast.peak_start_hour", 8)
	v.SetDefault("forecast.peak_end_hour", 20)
	v.SetDefault("forecast.default_bed_cap", 1000)
	v.SetDefault("forecast.default_icu_cap", 200)
	v.SetDefault("forecast.ventilator_ratio", 0.7)
	v.SetDefault("forecast.fallback_confidence", 0.5)
	v.SetDefault("forecast.timezone", "UTC")

	// Travel defaults
	v.SetDefault("travel.base_speed_kmh", 40.0)
	v.SetDefault("travel.priority_multiplier", 1.15)
	v.SetDefault("travel.fallback_multiplier", 1.2)
	v.SetDefault("travel.cache_backend", "memory")
	v.SetDefault("travel.cache_ttl", 5*time.Minute)
	v.SetDefault("travel.sweep_interval", time.Minute)
	v.SetDefault("travel.route_segments", 1)
	v.SetDefault("travel.timezone", "UTC")

	// Tracking defaults
	v.SetDefault("tracking.store", "memory")
	v.SetDefault("tracking.history_cap", 100)
	v.SetDefault("tracking.assumed_speed_kmh", 40.0)
	v.SetDefault("tracking.off_route_meters", 200.0)
	v.SetDefault("tracking.heading_degrees", 45.0)
	v.SetDefault("tracking.delay_threshold", 5*time.Minute)
	v.SetDefault("tracking.medium_distance_meters", 300.0)
	v.SetDefault("tracking.high_distance_meters", 500.0)
	v.SetDefault("tracking.medium_delay", 5*time.Minute)
	v.SetDefault("tracking.high_delay", 10*time.Minute)
	v.SetDefault("tracking.session_ttl", 24*time.Hour)
	v.SetDefault("tracking.lock_ttl", 10*time.Second)
	v.SetDefault("tracking.lock_wait", 5*time.Second)

	// Audit defaults
	v.SetDefault("audit.store", "memory")
	v.SetDefault("audit.leveldb_path", "data/audit")
	v.SetDefault("audit.record_location_samples", true)
	v.SetDefault("audit.sensitive_keys", []string{"name", "phone", "address", "national_id", "email", "date_of_birth"})
	v.SetDefault("audit.default_query_limit", 50)
	v.SetDefault("audit.max_query_limit", 500)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	w := c.Optimizer.Weights
	if w.Availability < 0 || w.Specialist < 0 || w.Travel < 0 || w.Equipment < 0 || w.Load < 0 {
		return fmt.Errorf("optimizer weights must be non-negative")
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("optimizer weights must sum to 1, got %.6f", w.Sum())
	}

	if c.Forecast.Window < c.Forecast.TrendPoints || c.Forecast.TrendPoints < 2 {
		return fmt.Errorf("forecast window %d must cover at least %d trend points (min 2)", c.Forecast.Window, c.Forecast.TrendPoints)
	}
	if c.Forecast.Horizon < 1 {
		return fmt.Errorf("forecast horizon must be at least 1")
	}
	if c.Forecast.Alpha <= 0 || c.Forecast.Alpha > 1 {
		return fmt.Errorf("forecast alpha must be in (0, 1]")
	}

	if c.Travel.BaseSpeedKmh <= 0 {
		return fmt.Errorf("travel base speed must be positive")
	}
	if c.Travel.CacheTTL <= 0 {
		return fmt.Errorf("travel cache TTL must be positive")
	}
	switch c.Travel.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown travel cache backend: %s", c.Travel.CacheBackend)
	}

	if c.Tracking.HistoryCap < 1 {
		return fmt.Errorf("tracking history cap must be at least 1")
	}
	if c.Tracking.AssumedSpeedKmh <= 0 || c.Tracking.OffRouteMeters <= 0 || c.Tracking.HeadingDegrees <= 0 || c.Tracking.DelayThreshold <= 0 {
		return fmt.Errorf("tracking thresholds must be positive")
	}
	if c.Tracking.Store == "redis" && (c.Tracking.LockTTL <= 0 || c.Tracking.LockWait <= 0) {
		return fmt.Errorf("tracking lock ttl and wait must be positive")
	}
	switch c.Tracking.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown tracking store: %s", c.Tracking.Store)
	}

	switch c.Audit.Store {
	case "memory", "leveldb":
	case "postgres":
		if !c.Database.Enabled {
			return fmt.Errorf("postgres audit store requires database.enabled")
		}
	default:
		return fmt.Errorf("unknown audit store: %s", c.Audit.Store)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}

	if c.Auth.JWTSecret == "change-me-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret must be changed in production")
	}

	return nil
}
