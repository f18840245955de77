package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures every tunable of the ridewatch process. Values come from
// environment variables with defaults that match the mobile client, so the
// binary runs against a local realtime server with only REALTIME_URL set.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RealtimeURL         string
	Transports          []string
	ReconnectDelay      time.Duration
	ReconnectAttempts   int
	HandshakeTimeout    time.Duration
	EmitTimeout         time.Duration
	PollTimeout         time.Duration
	DisableReconnection bool

	Role             string
	ChatHistoryLimit int
	TypingTimeout    time.Duration
	OutboxLimit      int

	TokenFile     string
	RedisAddr     string
	RedisPassword string
	RedisTokenKey string

	RedisLocationKey string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	LogLevel string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Transports:        []string{"websocket", "polling"},
		ReconnectDelay:    time.Second,
		ReconnectAttempts: 5,
		HandshakeTimeout:  10 * time.Second,
		EmitTimeout:       5 * time.Second,
		PollTimeout:       30 * time.Second,
		Role:              "rider",
		ChatHistoryLimit:  500,
		TypingTimeout:     3 * time.Second,
		OutboxLimit:       100,
		RedisTokenKey:     "auth:token",
		RedisLocationKey:  "ride_driver_geo",
		KafkaTopic:        "ride-events",
		LogLevel:          "info",
	}
}

// Load reads an optional .env file (files named in ENV_FILE, else ./.env
// when present) and then the environment. Every invalid value is reported,
// not just the first.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RealtimeURL, "REALTIME_URL")
	if v := os.Getenv("REALTIME_TRANSPORTS"); v != "" {
		cfg.Transports = splitAndTrim(strings.ToLower(v))
	}
	setDurationFromEnv(&cfg.ReconnectDelay, "REALTIME_RECONNECT_DELAY", &errs)
	setIntFromEnv(&cfg.ReconnectAttempts, "REALTIME_RECONNECT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.HandshakeTimeout, "REALTIME_HANDSHAKE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.EmitTimeout, "REALTIME_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PollTimeout, "REALTIME_POLL_TIMEOUT", &errs)
	cfg.DisableReconnection = strings.EqualFold(os.Getenv("REALTIME_RECONNECTION"), "false")

	if v := os.Getenv("RIDE_ROLE"); v != "" {
		cfg.Role = strings.ToLower(strings.TrimSpace(v))
	}
	setIntFromEnv(&cfg.ChatHistoryLimit, "CHAT_HISTORY_LIMIT", &errs)
	setDurationFromEnv(&cfg.TypingTimeout, "TYPING_TIMEOUT", &errs)
	setIntFromEnv(&cfg.OutboxLimit, "OUTBOX_LIMIT", &errs)

	cfg.TokenFile = strings.TrimSpace(os.Getenv("RIDE_TOKEN_FILE"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisTokenKey, "REDIS_TOKEN_KEY")
	setStringFromEnv(&cfg.RedisLocationKey, "REDIS_LOCATION_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if c.RealtimeURL == "" {
		errs = append(errs, errors.New("REALTIME_URL is required"))
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("REALTIME_TRANSPORTS must name at least one transport"))
	}
	for _, t := range c.Transports {
		if t != "websocket" && t != "polling" {
			errs = append(errs, fmt.Errorf("REALTIME_TRANSPORTS: unknown transport %q", t))
		}
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("REALTIME_RECONNECT_ATTEMPTS must be >= 0"))
	}
	if c.Role != "rider" && c.Role != "driver" {
		errs = append(errs, fmt.Errorf("RIDE_ROLE must be rider or driver, got %q", c.Role))
	}
	if c.ChatHistoryLimit <= 0 {
		errs = append(errs, errors.New("CHAT_HISTORY_LIMIT must be > 0"))
	}
	if c.OutboxLimit <= 0 {
		errs = append(errs, errors.New("OUTBOX_LIMIT must be > 0"))
	}
	return errs
}

func loadDotEnv() error {
	if files := os.Getenv("ENV_FILE"); files != "" {
		if err := godotenv.Load(splitAndTrim(files)...); err != nil {
			return fmt.Errorf("load ENV_FILE: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
