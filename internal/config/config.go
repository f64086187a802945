package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	RabbitMQHost       string `env:"RABBITMQ_HOST,default=localhost"`
	RabbitMQPort       int    `env:"RABBITMQ_PORT,default=5672" validate:"min=1,max=65535"`
	RabbitMQUser       string `env:"RABBITMQ_USER,default=guest"`
	RabbitMQPassword   string `env:"RABBITMQ_PASSWORD,default=guest"`
	RabbitMQVHost      string `env:"RABBITMQ_VHOST,default=/"`
	RabbitMQExchange   string `env:"RABBITMQ_EXCHANGE,default=notifications.direct" validate:"required"`
	EmailQueue         string `env:"EMAIL_QUEUE,default=email.queue" validate:"required"`
	PushQueue          string `env:"PUSH_QUEUE,default=push.queue" validate:"required"`
	BrokerTimeoutMS    int    `env:"BROKER_TIMEOUT_MS,default=5000" validate:"min=1"`
	BrokerHeartbeatSec int    `env:"BROKER_HEARTBEAT_SEC,default=10" validate:"min=0"`

	RedisURL       string `env:"REDIS_URL"`
	RedisHost      string `env:"REDIS_HOST,default=localhost"`
	RedisPort      int    `env:"REDIS_PORT,default=6379" validate:"min=1,max=65535"`
	RedisDB        int    `env:"REDIS_DB,default=0" validate:"min=0"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	CacheTimeoutMS int    `env:"CACHE_TIMEOUT_MS,default=2000" validate:"min=1"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE,default=100" validate:"min=1"`
	RateLimitWindowSec int `env:"RATE_LIMIT_WINDOW_SEC,default=60" validate:"min=1"`
	IdempotencyTTLSec  int `env:"IDEMPOTENCY_TTL_SEC,default=86400" validate:"min=1"`
	StatusTTLSec       int `env:"STATUS_TTL_SEC,default=86400" validate:"min=1"`

	APIKeys  string `env:"API_KEYS"`
	APIPort  int    `env:"API_PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// AMQPURL returns the broker connection string. RABBITMQ_URL wins over the
// discrete host/port/credential settings.
func (c *Config) AMQPURL() string {
	if u := strings.TrimSpace(c.RabbitMQURL); u != "" {
		return u
	}

	vhost := c.RabbitMQVHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.RabbitMQHost,
		Port:     c.RabbitMQPort,
		Username: c.RabbitMQUser,
		Password: c.RabbitMQPassword,
		Vhost:    vhost,
	}.String()
}

// RedisOptions returns client options. REDIS_URL wins over the discrete settings.
func (c *Config) RedisOptions() (*redis.Options, error) {
	timeout := c.CacheTimeout()

	if u := strings.TrimSpace(c.RedisURL); u != "" {
		opts, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
		return opts, nil
	}

	return &redis.Options{
		Addr:         net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort)),
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}, nil
}

// APIKeyList splits API_KEYS into the authentication allow-list.
func (c *Config) APIKeyList() []string {
	parts := strings.Split(c.APIKeys, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.BrokerTimeoutMS) * time.Millisecond
}

func (c *Config) BrokerHeartbeat() time.Duration {
	return time.Duration(c.BrokerHeartbeatSec) * time.Second
}

func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMS) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

func (c *Config) StatusTTL() time.Duration {
	return time.Duration(c.StatusTTLSec) * time.Second
}

// QueueNames maps notification type names to their configured queues.
func (c *Config) QueueNames() map[string]string {
	return map[string]string{
		"email": c.EmailQueue,
		"push":  c.PushQueue,
	}
}
