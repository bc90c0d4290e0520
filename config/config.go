package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Resolver  ResolverConfig
	Room      RoomConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	Log       LogConfig
}

type ServerConfig struct {
	HTTPPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

type DatabaseConfig struct {
	Path string
}

type ResolverConfig struct {
	Binary           string
	MaxConcurrent    int
	SearchTimeout    time.Duration
	ExtractTimeout   time.Duration
	StreamTTL        time.Duration
	RefreshTTL       time.Duration
	LockTTL          time.Duration
	LockPollInterval time.Duration
	LockPollMax      int
}

type RoomConfig struct {
	DefaultSkipThreshold float64
	SlugLength           int
}

type RateLimitConfig struct {
	QueueAddLimit  int
	QueueAddWindow time.Duration
	SearchLimit    int
	SearchWindow   time.Duration
}

type KafkaConfig struct {
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
	Enabled              bool
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			HTTPPort:     getEnvAsInt("SERVER_HTTP_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "listenroom.db"),
		},
		Resolver: ResolverConfig{
			Binary:           getEnv("RESOLVER_BINARY", "yt-dlp"),
			MaxConcurrent:    getEnvAsInt("RESOLVER_MAX_CONCURRENT", 2),
			SearchTimeout:    getEnvAsDuration("RESOLVER_SEARCH_TIMEOUT", 15*time.Second),
			ExtractTimeout:   getEnvAsDuration("RESOLVER_EXTRACT_TIMEOUT", 20*time.Second),
			StreamTTL:        getEnvAsDuration("RESOLVER_STREAM_TTL", 4*time.Hour),
			RefreshTTL:       getEnvAsDuration("RESOLVER_REFRESH_TTL", 1*time.Hour),
			LockTTL:          getEnvAsDuration("RESOLVER_LOCK_TTL", 30*time.Second),
			LockPollInterval: getEnvAsDuration("RESOLVER_LOCK_POLL_INTERVAL", 500*time.Millisecond),
			LockPollMax:      getEnvAsInt("RESOLVER_LOCK_POLL_MAX", 50),
		},
		Room: RoomConfig{
			DefaultSkipThreshold: getEnvAsFloat("ROOM_DEFAULT_SKIP_THRESHOLD", 0.5),
			SlugLength:           getEnvAsInt("ROOM_SLUG_LENGTH", 6),
		},
		RateLimit: RateLimitConfig{
			QueueAddLimit:  getEnvAsInt("RATE_LIMIT_QUEUE_ADD", 5),
			QueueAddWindow: getEnvAsDuration("RATE_LIMIT_QUEUE_ADD_WINDOW", 30*time.Second),
			SearchLimit:    getEnvAsInt("RATE_LIMIT_SEARCH", 10),
			SearchWindow:   getEnvAsDuration("RATE_LIMIT_SEARCH_WINDOW", 60*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
			Enabled:              getEnvAsBool("KAFKA_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "jwt-secret"),
			Expiry: getEnvAsDuration("JWT_EXPIRY", 8*24*time.Hour),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.HTTPPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Resolver.MaxConcurrent <= 0 {
		return fmt.Errorf("resolver max concurrent must be positive")
	}

	if c.Room.DefaultSkipThreshold <= 0 || c.Room.DefaultSkipThreshold > 1 {
		return fmt.Errorf("skip threshold must be in (0, 1]: %f", c.Room.DefaultSkipThreshold)
	}

	if c.JWT.Secret == "" || c.JWT.Secret == "jwt-secret" {
		if c.Env == "production" {
			return fmt.Errorf("JWT secret must be set in production")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
