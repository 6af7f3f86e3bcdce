package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-this-secret-key"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Mongo     MongoConfig
	Store     StoreConfig
	Redis     RedisConfig
	JWT       JWTConfig
	API       APIConfig
	CORS      CORSConfig
	WebSocket WebSocketConfig
	Kafka     KafkaConfig
	Notify    NotifyConfig
	Chat      ChatConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MongoConfig struct {
	URI      string
	Database string
}

// StoreConfig selects the persistence driver: postgres, mongo or memory.
type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type WebSocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	EventsPerSec   float64
	EventBurst     int
	EventTimeout   time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
}

type NotifyConfig struct {
	Workers       int
	QueueSize     int
	PreviewLength int
	Timeout       time.Duration
}

type ChatConfig struct {
	DefaultPageSize     int
	MaxPageSize         int
	SearchLimit         int
	ReportThreshold     int
	DirectCreateRetries int
}

// setting binds one config key to its environment variable and default.
type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"server.port", "PORT", "8080"},
	{"server.env", "ENV", "development"},
	{"server.shutdown_timeout", "SHUTDOWN_TIMEOUT", "15s"},

	{"database.host", "DB_HOST", "localhost"},
	{"database.port", "DB_PORT", "5432"},
	{"database.user", "DB_USER", "ecoshare"},
	{"database.password", "DB_PASSWORD", "ecoshare_password"},
	{"database.name", "DB_NAME", "ecoshare_db"},
	{"database.sslmode", "DB_SSLMODE", "disable"},
	{"database.max_open_conns", "DB_MAX_OPEN_CONNS", 25},
	{"database.max_idle_conns", "DB_MAX_IDLE_CONNS", 5},
	{"database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME", "5m"},

	{"mongo.uri", "MONGO_URI", "mongodb://localhost:27017"},
	{"mongo.database", "MONGO_DATABASE", "ecoshare"},

	{"store.driver", "STORE_DRIVER", "postgres"},

	{"redis.host", "REDIS_HOST", "localhost"},
	{"redis.port", "REDIS_PORT", "6379"},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},
	{"redis.enabled", "REDIS_ENABLED", true},

	{"jwt.secret", "JWT_SECRET", defaultJWTSecret},
	{"jwt.expiry_hours", "JWT_EXPIRY_HOURS", 168},

	{"api.rate_limit_messages_per_second", "RATE_LIMIT_MESSAGES_PER_SECOND", 10},

	{"cors.allowed_origins", "CORS_ALLOWED_ORIGINS", "http://localhost:3000"},

	{"websocket.write_wait", "WS_WRITE_WAIT", "10s"},
	{"websocket.pong_wait", "WS_PONG_WAIT", "60s"},
	{"websocket.ping_period", "WS_PING_PERIOD", "54s"},
	{"websocket.max_message_size", "WS_MAX_MESSAGE_SIZE", 10240},
	{"websocket.send_buffer", "WS_SEND_BUFFER", 256},
	{"websocket.events_per_second", "WS_EVENTS_PER_SECOND", 10.0},
	{"websocket.event_burst", "WS_EVENT_BURST", 20},
	{"websocket.event_timeout", "WS_EVENT_TIMEOUT", "10s"},

	{"kafka.brokers", "KAFKA_BROKERS", ""},
	{"kafka.notification_topic", "KAFKA_NOTIFICATION_TOPIC", "chat.notifications"},

	{"notify.workers", "NOTIFY_WORKERS", 4},
	{"notify.queue_size", "NOTIFY_QUEUE_SIZE", 1024},
	{"notify.preview_length", "NOTIFY_PREVIEW_LENGTH", 100},
	{"notify.timeout", "NOTIFY_TIMEOUT", "5s"},

	{"chat.default_page_size", "CHAT_DEFAULT_PAGE_SIZE", 50},
	{"chat.max_page_size", "CHAT_MAX_PAGE_SIZE", 100},
	{"chat.search_limit", "CHAT_SEARCH_LIMIT", 50},
	{"chat.report_threshold", "CHAT_REPORT_THRESHOLD", 3},
	{"chat.direct_create_retries", "CHAT_DIRECT_CREATE_RETRIES", 3},
}

// Load reads .env if present, then environment variables, then the optional
// YAML file named by CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", s.env, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			Env:             v.GetString("server.env"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.name"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Mongo: MongoConfig{
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Enabled:  v.GetBool("redis.enabled"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("jwt.secret"),
			ExpiryHours: v.GetInt("jwt.expiry_hours"),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: v.GetInt("api.rate_limit_messages_per_second"),
		},
		CORS: CORSConfig{
			AllowedOrigins: list(v, "cors.allowed_origins"),
		},
		WebSocket: WebSocketConfig{
			WriteWait:      v.GetDuration("websocket.write_wait"),
			PongWait:       v.GetDuration("websocket.pong_wait"),
			PingPeriod:     v.GetDuration("websocket.ping_period"),
			MaxMessageSize: v.GetInt64("websocket.max_message_size"),
			SendBuffer:     v.GetInt("websocket.send_buffer"),
			EventsPerSec:   v.GetFloat64("websocket.events_per_second"),
			EventBurst:     v.GetInt("websocket.event_burst"),
			EventTimeout:   v.GetDuration("websocket.event_timeout"),
		},
		Kafka: KafkaConfig{
			Brokers:           list(v, "kafka.brokers"),
			NotificationTopic: v.GetString("kafka.notification_topic"),
		},
		Notify: NotifyConfig{
			Workers:       v.GetInt("notify.workers"),
			QueueSize:     v.GetInt("notify.queue_size"),
			PreviewLength: v.GetInt("notify.preview_length"),
			Timeout:       v.GetDuration("notify.timeout"),
		},
		Chat: ChatConfig{
			DefaultPageSize:     v.GetInt("chat.default_page_size"),
			MaxPageSize:         v.GetInt("chat.max_page_size"),
			SearchLimit:         v.GetInt("chat.search_limit"),
			ReportThreshold:     v.GetInt("chat.report_threshold"),
			DirectCreateRetries: v.GetInt("chat.direct_create_retries"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == defaultJWTSecret && c.IsProduction() {
		return errors.New("JWT_SECRET must be set in production")
	}
	switch c.Store.Driver {
	case "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return errors.New("WS_PING_PERIOD must be shorter than WS_PONG_WAIT")
	}
	if c.Chat.DefaultPageSize > c.Chat.MaxPageSize {
		return errors.New("CHAT_DEFAULT_PAGE_SIZE exceeds CHAT_MAX_PAGE_SIZE")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// list reads a comma separated value from the environment or a YAML list.
func list(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
