package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Values come from defaults, then an optional YAML file, then environment
// variables, so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	StoreBackend  string `yaml:"store_backend"` // memory | postgres
	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"run_migrations"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisGeoKey   string        `yaml:"redis_geo_key"`
	DedupWindow   time.Duration `yaml:"dedup_window"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaEventsTopic   string   `yaml:"kafka_events_topic"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaGroup         string   `yaml:"kafka_group"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`

	RideRequestRPS   float64 `yaml:"ride_request_rps"`
	RideRequestBurst int     `yaml:"ride_request_burst"`

	AuthMode       string `yaml:"auth_mode"` // dev | hmac
	AuthHMACSecret string `yaml:"auth_hmac_secret"`

	BackupPolicy string `yaml:"backup_policy"` // first | nearest

	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	NotifyWebhookKey string `yaml:"notify_webhook_key"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		StoreBackend:       "memory",
		RedisGeoKey:        "captains_geo",
		DedupWindow:        2 * time.Minute,
		KafkaEventsTopic:   "ride-events",
		KafkaLocationTopic: "captain-locations",
		KafkaGroup:         "boat-dispatch-locations",
		ReconcileInterval:  30 * time.Second,
		ReconcileGrace:     20 * time.Second,
		RideRequestRPS:     1,
		RideRequestBurst:   5,
		AuthMode:           "dev",
		BackupPolicy:       "first",
		LogLevel:           "info",
		MetricsAddr:        ":2112",
	}
}

// LoadServerConfig builds the configuration. path may be empty, in which
// case CONFIG_FILE is consulted; a missing path means no file layer.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	if cfg.PGDSN != "" && os.Getenv("STORE_BACKEND") == "" && cfg.StoreBackend == "memory" {
		cfg.StoreBackend = "postgres"
	}

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.DedupWindow, "RIDE_DEDUP_WINDOW", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileGrace, "RECONCILE_GRACE", &errs)

	setFloatFromEnv(&cfg.RideRequestRPS, "RIDE_REQUEST_RPS", &errs)
	setIntFromEnv(&cfg.RideRequestBurst, "RIDE_REQUEST_BURST", &errs)

	setStringFromEnv(&cfg.AuthMode, "AUTH_MODE")
	if v := os.Getenv("AUTH_HMAC_SECRET"); v != "" {
		cfg.AuthHMACSecret = v
	}
	setStringFromEnv(&cfg.BackupPolicy, "BACKUP_POLICY")
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	if v := os.Getenv("NOTIFY_WEBHOOK_KEY"); v != "" {
		cfg.NotifyWebhookKey = v
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c *ServerConfig) validate() []error {
	var errs []error
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres store backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	c.AuthMode = strings.ToLower(c.AuthMode)
	switch c.AuthMode {
	case "dev":
	case "hmac":
		if c.AuthHMACSecret == "" {
			errs = append(errs, fmt.Errorf("AUTH_HMAC_SECRET is required for hmac auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}
	c.BackupPolicy = strings.ToLower(c.BackupPolicy)
	if c.BackupPolicy != "first" && c.BackupPolicy != "nearest" {
		errs = append(errs, fmt.Errorf("unknown BACKUP_POLICY %q", c.BackupPolicy))
	}
	if c.RideRequestRPS <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_RPS must be > 0"))
	}
	if c.RideRequestBurst <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_BURST must be > 0"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be > 0"))
	}
	if c.NotifyWebhookKey != "" && c.NotifyWebhookURL == "" {
		errs = append(errs, fmt.Errorf("NOTIFY_WEBHOOK_KEY is set without NOTIFY_WEBHOOK_URL"))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("RIDE_DEDUP_WINDOW must be >= 0"))
	}
	return errs
}

func loadFile(cfg *ServerConfig, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
