package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Queue drivers.
const (
	QueueDriverRedis  = "redis"
	QueueDriverMemory = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	Telegram    TelegramConfig
	Portal      PortalConfig
	Credentials CredentialsConfig
	Watchers    WatchersConfig
	Queue       QueueConfig
	CORS        CORSConfig
}

// DatabaseConfig points at the snapshot store. URL, when set, wins over the discrete fields.
type DatabaseConfig struct {
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
	ConnMaxLife  time.Duration
}

// RedisConfig points at the Redis instance shared by the cache, locks, dedup markers and queue.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig secures the operator API.
type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string

	OperatorUsername     string
	OperatorPasswordHash string
}

type LogConfig struct {
	Level  string
	Format string
}

// CORSConfig lists browser origins allowed to call the operator API.
type CORSConfig struct {
	AllowedOrigins []string
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
}

// PortalConfig configures the upstream academic portal client.
type PortalConfig struct {
	BaseURL    string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// CredentialsConfig holds the key used to open stored portal passwords.
type CredentialsConfig struct {
	SecretKey string
}

// WatchersConfig governs the attendance and marks change detectors.
type WatchersConfig struct {
	AttendanceEnabled  bool
	AttendanceInterval time.Duration
	MarksEnabled       bool
	MarksInterval      time.Duration
	MarksMaxInterval   time.Duration
	BatchSize          int
	BatchPause         time.Duration
	LockTTL            time.Duration
	DedupTTL           time.Duration
	SnapshotCacheTTL   time.Duration
}

// QueueConfig configures the notification queue for producers and consumers.
type QueueConfig struct {
	Driver           string
	AttendanceStream string
	MarksStream      string
	Group            string
	Consumer         string
	Prefetch         int
	MessageTTL       time.Duration
	ReconnectDelay   time.Duration
	BlockTimeout     time.Duration
	ClaimIdle        time.Duration
	ClaimInterval    time.Duration
	MaxLen           int64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		URL:          v.GetString("DATABASE_URL"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
		ConnMaxLife:  parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), time.Hour),
	}

	cfg.Redis = RedisConfig{
		URL:      v.GetString("REDIS_URL"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),

		OperatorUsername:     v.GetString("OPERATOR_USERNAME"),
		OperatorPasswordHash: v.GetString("OPERATOR_PASSWORD_HASH"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Telegram = TelegramConfig{
		Token:       v.GetString("TELEGRAM_TOKEN"),
		APIEndpoint: v.GetString("TELEGRAM_API_ENDPOINT"),
		Timeout:     parseDuration(v.GetString("TELEGRAM_TIMEOUT"), 10*time.Second),
	}

	cfg.Portal = PortalConfig{
		BaseURL:    v.GetString("PORTAL_BASE_URL"),
		Timeout:    parseDuration(v.GetString("PORTAL_TIMEOUT"), 20*time.Second),
		SessionTTL: parseDuration(v.GetString("PORTAL_SESSION_TTL"), 30*time.Minute),
	}

	cfg.Credentials = CredentialsConfig{
		SecretKey: v.GetString("CREDENTIALS_SECRET_KEY"),
	}

	cfg.Watchers = WatchersConfig{
		AttendanceEnabled:  v.GetBool("ENABLE_ATTENDANCE_WATCHER"),
		AttendanceInterval: parseDuration(v.GetString("ATTENDANCE_POLL_INTERVAL"), time.Minute),
		MarksEnabled:       v.GetBool("ENABLE_MARKS_WATCHER"),
		MarksInterval:      parseDuration(v.GetString("MARKS_POLL_INTERVAL"), time.Minute),
		MarksMaxInterval:   parseDuration(v.GetString("MARKS_MAX_POLL_INTERVAL"), 5*time.Minute),
		BatchSize:          v.GetInt("WATCHER_BATCH_SIZE"),
		BatchPause:         parseDuration(v.GetString("WATCHER_BATCH_PAUSE"), time.Second),
		LockTTL:            parseDuration(v.GetString("WATCHER_LOCK_TTL"), time.Minute),
		DedupTTL:           parseDuration(v.GetString("WATCHER_DEDUP_TTL"), 24*time.Hour),
		SnapshotCacheTTL:   parseDuration(v.GetString("WATCHER_SNAPSHOT_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Queue = QueueConfig{
		Driver:           strings.ToLower(v.GetString("QUEUE_DRIVER")),
		AttendanceStream: v.GetString("QUEUE_ATTENDANCE_STREAM"),
		MarksStream:      v.GetString("QUEUE_MARKS_STREAM"),
		Group:            v.GetString("QUEUE_GROUP"),
		Consumer:         v.GetString("QUEUE_CONSUMER"),
		Prefetch:         v.GetInt("QUEUE_PREFETCH"),
		MessageTTL:       parseDuration(v.GetString("QUEUE_MESSAGE_TTL"), time.Hour),
		ReconnectDelay:   parseDuration(v.GetString("QUEUE_RECONNECT_DELAY"), 5*time.Second),
		BlockTimeout:     parseDuration(v.GetString("QUEUE_BLOCK_TIMEOUT"), 5*time.Second),
		ClaimIdle:        parseDuration(v.GetString("QUEUE_CLAIM_IDLE"), 2*time.Minute),
		ClaimInterval:    parseDuration(v.GetString("QUEUE_CLAIM_INTERVAL"), 30*time.Second),
		MaxLen:           v.GetInt64("QUEUE_MAX_LEN"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS"))}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campuswatch")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_URL", "")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_URL", "")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "1h")
	v.SetDefault("JWT_ISSUER", "campuswatch")
	v.SetDefault("OPERATOR_USERNAME", "operator")
	v.SetDefault("OPERATOR_PASSWORD_HASH", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("TELEGRAM_TOKEN", "")
	v.SetDefault("TELEGRAM_API_ENDPOINT", "")
	v.SetDefault("TELEGRAM_TIMEOUT", "10s")

	v.SetDefault("PORTAL_BASE_URL", "http://localhost:9000")
	v.SetDefault("PORTAL_TIMEOUT", "20s")
	v.SetDefault("PORTAL_SESSION_TTL", "30m")

	v.SetDefault("CREDENTIALS_SECRET_KEY", "")

	v.SetDefault("ENABLE_ATTENDANCE_WATCHER", true)
	v.SetDefault("ATTENDANCE_POLL_INTERVAL", "60s")
	v.SetDefault("ENABLE_MARKS_WATCHER", true)
	v.SetDefault("MARKS_POLL_INTERVAL", "60s")
	v.SetDefault("MARKS_MAX_POLL_INTERVAL", "5m")
	v.SetDefault("WATCHER_BATCH_SIZE", 30)
	v.SetDefault("WATCHER_BATCH_PAUSE", "1s")
	v.SetDefault("WATCHER_LOCK_TTL", "60s")
	v.SetDefault("WATCHER_DEDUP_TTL", "24h")
	v.SetDefault("WATCHER_SNAPSHOT_CACHE_TTL", "5m")

	v.SetDefault("QUEUE_DRIVER", QueueDriverRedis)
	v.SetDefault("QUEUE_ATTENDANCE_STREAM", "attendance_updates")
	v.SetDefault("QUEUE_MARKS_STREAM", "marks_updates")
	v.SetDefault("QUEUE_GROUP", "notification_dispatchers")
	v.SetDefault("QUEUE_CONSUMER", "")
	v.SetDefault("QUEUE_PREFETCH", 10)
	v.SetDefault("QUEUE_MESSAGE_TTL", "1h")
	v.SetDefault("QUEUE_RECONNECT_DELAY", "5s")
	v.SetDefault("QUEUE_BLOCK_TIMEOUT", "5s")
	v.SetDefault("QUEUE_CLAIM_IDLE", "2m")
	v.SetDefault("QUEUE_CLAIM_INTERVAL", "30s")
	v.SetDefault("QUEUE_MAX_LEN", 100000)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

// isMissingFile reports whether viper failed because the explicit .env path does not exist.
func isMissingFile(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file or directory")
}
