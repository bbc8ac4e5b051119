package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds runtime configuration for the API process.
type Config struct {
	Env         string
	HTTPPort    string
	LogLevel    string
	CORSOrigins []string

	// Blob storage.
	BlobBackend    string
	DataDir        string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool
	NATSURL        string
	NATSBucket     string
	MaxUploadBytes int64

	// Optional collaborators; empty disables them.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	RateLimitCapacity int
	RateLimitRefill   float64

	// Simulation timing and audio output.
	TrainingStep    time.Duration
	SynthesisStep   time.Duration
	SampleRate      int
	ToneFrequency   float64
	ShutdownTimeout time.Duration
}

// fileConfig is the TOML layout. Durations are strings ("500ms").
type fileConfig struct {
	Server struct {
		Port        string   `toml:"port"`
		Env         string   `toml:"env"`
		LogLevel    string   `toml:"log_level"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"server"`
	Storage struct {
		Backend        string `toml:"backend"`
		DataDir        string `toml:"data_dir"`
		S3Bucket       string `toml:"s3_bucket"`
		S3Region       string `toml:"s3_region"`
		S3Endpoint     string `toml:"s3_endpoint"`
		S3PathStyle    bool   `toml:"s3_path_style"`
		NATSURL        string `toml:"nats_url"`
		NATSBucket     string `toml:"nats_bucket"`
		MaxUploadBytes int64  `toml:"max_upload_bytes"`
	} `toml:"storage"`
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
	Postgres struct {
		DSN string `toml:"dsn"`
	} `toml:"postgres"`
	RateLimit struct {
		Capacity int     `toml:"capacity"`
		Refill   float64 `toml:"refill_per_sec"`
	} `toml:"rate_limit"`
	Simulation struct {
		TrainingStep  string  `toml:"training_step"`
		SynthesisStep string  `toml:"synthesis_step"`
		SampleRate    int     `toml:"sample_rate"`
		ToneFrequency float64 `toml:"tone_frequency"`
	} `toml:"simulation"`
}

// Defaults returns the local development configuration.
func Defaults() Config {
	return Config{
		Env:               "dev",
		HTTPPort:          "5001",
		LogLevel:          "info",
		CORSOrigins:       []string{"*"},
		BlobBackend:       "local",
		DataDir:           "./data",
		S3Region:          "us-east-1",
		NATSURL:           "nats://127.0.0.1:4222",
		NATSBucket:        "VOICEFORGE_AUDIO",
		MaxUploadBytes:    50 << 20,
		RateLimitCapacity: 30,
		RateLimitRefill:   1,
		TrainingStep:      500 * time.Millisecond,
		SynthesisStep:     300 * time.Millisecond,
		SampleRate:        22050,
		ToneFrequency:     440,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by VOICEFORGE_CONFIG, and environment variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("VOICEFORGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := ApplyTOML(&cfg, data); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// ApplyTOML overlays non-zero values from a TOML document onto cfg.
func ApplyTOML(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}

	setString(&cfg.HTTPPort, fc.Server.Port)
	setString(&cfg.Env, fc.Server.Env)
	setString(&cfg.LogLevel, fc.Server.LogLevel)
	if len(fc.Server.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.Server.CORSOrigins
	}

	setString(&cfg.BlobBackend, fc.Storage.Backend)
	setString(&cfg.DataDir, fc.Storage.DataDir)
	setString(&cfg.S3Bucket, fc.Storage.S3Bucket)
	setString(&cfg.S3Region, fc.Storage.S3Region)
	setString(&cfg.S3Endpoint, fc.Storage.S3Endpoint)
	cfg.S3PathStyle = cfg.S3PathStyle || fc.Storage.S3PathStyle
	setString(&cfg.NATSURL, fc.Storage.NATSURL)
	setString(&cfg.NATSBucket, fc.Storage.NATSBucket)
	if fc.Storage.MaxUploadBytes > 0 {
		cfg.MaxUploadBytes = fc.Storage.MaxUploadBytes
	}

	setString(&cfg.RedisAddr, fc.Redis.Addr)
	setString(&cfg.RedisPassword, fc.Redis.Password)
	if fc.Redis.DB != 0 {
		cfg.RedisDB = fc.Redis.DB
	}
	setString(&cfg.PostgresDSN, fc.Postgres.DSN)

	if fc.RateLimit.Capacity > 0 {
		cfg.RateLimitCapacity = fc.RateLimit.Capacity
	}
	if fc.RateLimit.Refill > 0 {
		cfg.RateLimitRefill = fc.RateLimit.Refill
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.Simulation.TrainingStep, &cfg.TrainingStep, "simulation.training_step"},
		{fc.Simulation.SynthesisStep, &cfg.SynthesisStep, "simulation.synthesis_step"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	if fc.Simulation.SampleRate > 0 {
		cfg.SampleRate = fc.Simulation.SampleRate
	}
	if fc.Simulation.ToneFrequency > 0 {
		cfg.ToneFrequency = fc.Simulation.ToneFrequency
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.BlobBackend = getEnv("BLOB_BACKEND", cfg.BlobBackend)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3PathStyle = getEnvBool("S3_PATH_STYLE", cfg.S3PathStyle)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSBucket = getEnv("NATS_BUCKET", cfg.NATSBucket)
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", cfg.RateLimitCapacity)
	cfg.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", cfg.RateLimitRefill)
	cfg.TrainingStep = getEnvDuration("TRAINING_STEP", cfg.TrainingStep)
	cfg.SynthesisStep = getEnvDuration("SYNTHESIS_STEP", cfg.SynthesisStep)
	cfg.SampleRate = getEnvInt("SAMPLE_RATE", cfg.SampleRate)
	cfg.ToneFrequency = getEnvFloat("TONE_FREQUENCY", cfg.ToneFrequency)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch c.BlobBackend {
	case "local":
		if c.DataDir == "" {
			problems = append(problems, "DATA_DIR is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			problems = append(problems, "S3_BUCKET is required for the s3 backend")
		}
	case "nats":
		if c.NATSURL == "" || c.NATSBucket == "" {
			problems = append(problems, "NATS_URL and NATS_BUCKET are required for the nats backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}
	if c.SampleRate <= 0 {
		problems = append(problems, "SAMPLE_RATE must be positive")
	}
	if c.TrainingStep < 0 || c.SynthesisStep < 0 {
		problems = append(problems, "step durations must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
