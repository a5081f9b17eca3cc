package config

import (
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Policy    PolicyConfig    `yaml:"policy"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	GRPCHealthPort   int           `yaml:"grpc_health_port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	ServiceName     string  `yaml:"service_name"`
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LimitsConfig holds the defaults applied to keys that carry no limits of their own.
type LimitsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	DefaultRPM              int  `yaml:"default_rpm"`
	DefaultDailyGenerations int  `yaml:"default_daily_generations"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type PipelineConfig struct {
	ScratchDir       string  `yaml:"scratch_dir"`
	MaxConcurrency   int     `yaml:"max_concurrency"`
	LowVRAM          bool    `yaml:"low_vram"`
	FloaterFaceRatio float64 `yaml:"floater_face_ratio"`
	ReportMeshStats  bool    `yaml:"report_mesh_stats"`
}

// Storage backends.
const (
	StorageS3       = "s3"
	StorageSupabase = "supabase"
)

// NormalizeStorageBackend maps an unset backend to StorageS3.
func NormalizeStorageBackend(backend string) string {
	b := strings.ToLower(strings.TrimSpace(backend))
	if b == "" {
		return StorageS3
	}
	return b
}

type StorageConfig struct {
	// Backend is "s3" (Cloudflare R2 or any S3 endpoint) or "supabase".
	// An empty value means "s3".
	Backend       string        `yaml:"backend"`
	Endpoint      string        `yaml:"endpoint"`
	Secure        bool          `yaml:"secure"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
	ObjectPrefix  string        `yaml:"object_prefix"`
}

type QueueConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Consumers   int           `yaml:"consumers"`
	ResultTTL   time.Duration `yaml:"result_ttl"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type RoutingConfig struct {
	DefaultTimeout      time.Duration        `yaml:"default_timeout"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
	HealthCheckInterval time.Duration        `yaml:"health_check_interval"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			GRPCHealthPort:   9091,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     15 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 60 * time.Second,
			MaxBodyBytes:     32 << 20,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "meshforge",
			User:            "meshforge",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  20,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "meshforge",
			LogLevel:        "info",
			LogFormat:       "json",
			TraceSampleRate: 0.1,
		},
		Auth: AuthConfig{
			CacheTTL: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			DefaultRPM:              10,
			DefaultDailyGenerations: 200,
		},
		Policy: PolicyConfig{
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			ScratchDir:       "/tmp/meshforge",
			MaxConcurrency:   1,
			FloaterFaceRatio: 0.1,
			ReportMeshStats:  true,
		},
		Storage: StorageConfig{
			Backend:       "s3",
			Secure:        true,
			PresignExpiry: time.Hour,
			ObjectPrefix:  "hunyuan3d-21",
		},
		Queue: QueueConfig{
			Consumers:   1,
			ResultTTL:   24 * time.Hour,
			PollTimeout: 5 * time.Second,
		},
		Routing: RoutingConfig{
			DefaultTimeout: 10 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      3,
				RecoveryProbeInterval: 30 * time.Second,
			},
			HealthCheckInterval: 30 * time.Second,
		},
	}
}
