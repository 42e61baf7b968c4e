package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Salon     SalonConfig     `mapstructure:"salon"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Responder ResponderConfig `mapstructure:"responder"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	Eviction  EvictionConfig  `mapstructure:"eviction"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SalonConfig struct {
	Name          string `mapstructure:"name"`
	Hours         string `mapstructure:"hours"`
	Timezone      string `mapstructure:"timezone"`
	OperatorName  string `mapstructure:"operator_name"`
	OperatorPhone string `mapstructure:"operator_phone"`
	DefaultRegion string `mapstructure:"default_region"`
}

type ScheduleConfig struct {
	OpenHour    int           `mapstructure:"open_hour"`
	CloseHour   int           `mapstructure:"close_hour"`
	Granularity time.Duration `mapstructure:"granularity"`
	MaxSlots    int           `mapstructure:"max_slots"`
	SlotsShown  int           `mapstructure:"slots_shown"`
}

type DeliveryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	ShortDelay     time.Duration `mapstructure:"short_delay"`
	StrictOrdering bool          `mapstructure:"strict_ordering"`
	ZAPI           ZAPIConfig    `mapstructure:"zapi"`
}

type ZAPIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	InstanceID  string        `mapstructure:"instance_id"`
	Token       string        `mapstructure:"token"`
	ClientToken string        `mapstructure:"client_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
}

type ResponderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReceiptsConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type EvictionConfig struct {
	Schedule string        `mapstructure:"schedule"`
	IdleTTL  time.Duration `mapstructure:"idle_ttl"`
}

type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Load reads the config file at path (or salondesk.yaml from the usual
// locations), then applies SALONDESK_* environment overrides. A .env file in
// the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("salondesk")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/salondesk")
	}

	setDefaults(v)

	v.SetEnvPrefix("SALONDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location resolves the salon timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Salon.Timezone == "" || c.Salon.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Salon.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid salon.timezone %q: %w", c.Salon.Timezone, err)
	}
	return loc, nil
}

func (c *Config) validate() error {
	s := c.Schedule
	if s.OpenHour < 0 || s.CloseHour > 24 || s.OpenHour >= s.CloseHour {
		return fmt.Errorf("invalid schedule hours %d-%d", s.OpenHour, s.CloseHour)
	}
	if s.Granularity <= 0 {
		return fmt.Errorf("schedule.granularity must be positive")
	}
	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}
	if c.Delivery.ZAPI.Enabled && (c.Delivery.ZAPI.InstanceID == "" || c.Delivery.ZAPI.Token == "") {
		return fmt.Errorf("delivery.zapi requires instance_id and token when enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/salondesk.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("salon.name", "Salão da Márcia")
	v.SetDefault("salon.hours", "Segunda a Sábado, 09:00 às 19:00")
	v.SetDefault("salon.timezone", "Europe/Lisbon")
	v.SetDefault("salon.operator_name", "Márcia")
	v.SetDefault("salon.operator_phone", "")
	v.SetDefault("salon.default_region", "PT")

	v.SetDefault("schedule.open_hour", 9)
	v.SetDefault("schedule.close_hour", 19)
	v.SetDefault("schedule.granularity", 15*time.Minute)
	v.SetDefault("schedule.max_slots", 10)
	v.SetDefault("schedule.slots_shown", 4)

	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.retry_backoff", 2*time.Second)
	v.SetDefault("delivery.default_delay", time.Second)
	v.SetDefault("delivery.short_delay", 500*time.Millisecond)
	v.SetDefault("delivery.strict_ordering", true)
	v.SetDefault("delivery.zapi.enabled", false)
	v.SetDefault("delivery.zapi.base_url", "https://api.z-api.io")
	v.SetDefault("delivery.zapi.instance_id", "")
	v.SetDefault("delivery.zapi.token", "")
	v.SetDefault("delivery.zapi.client_token", "")
	v.SetDefault("delivery.zapi.timeout", 10*time.Second)
	v.SetDefault("delivery.zapi.rate_limit", 5.0)
	v.SetDefault("delivery.zapi.burst", 5)

	v.SetDefault("responder.base_url", "https://api.x.ai/v1")
	v.SetDefault("responder.api_key", "")
	v.SetDefault("responder.model", "grok-3")
	v.SetDefault("responder.timeout", 30*time.Second)

	v.SetDefault("receipts.redis_addr", "")
	v.SetDefault("receipts.redis_password", "")
	v.SetDefault("receipts.redis_db", 0)
	v.SetDefault("receipts.ttl", 7*24*time.Hour)

	v.SetDefault("eviction.schedule", "@every 5m")
	v.SetDefault("eviction.idle_ttl", 24*time.Hour)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)

	v.SetDefault("admin.api_key", "")
}
