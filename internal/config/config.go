// Package config loads the execution service configuration: the shared
// application block plus the database, redis, kafka, vault keyring,
// broker and dispatch settings this service needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/realisonsdotcom/execution-core/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers        []string
	ConsumerGroup  string
	LifecycleTopic string
	UpdatesTopic   string
}

type VaultKey struct {
	Version    int    `mapstructure:"version"`
	Material   string `mapstructure:"material"`
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

type VaultConfig struct {
	ActiveKeyVersion int        `mapstructure:"active_key_version"`
	Keys             []VaultKey `mapstructure:"keys"`
}

type SmartRESTConfig struct {
	Enabled     bool
	BaseURL     string
	CallTimeout time.Duration
	SessionTTL  time.Duration
}

type PaperConfig struct {
	Enabled   bool
	FillDelay time.Duration
}

type RateConfig struct {
	Limit  int
	Window time.Duration
}

type DispatchConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	LaneBuffer  int
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Vault     VaultConfig
	SmartREST SmartRESTConfig
	Paper     PaperConfig
	Rate      RateConfig
	Dispatch  DispatchConfig
	JWTSecret string
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("EXEC_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("EXEC_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile surfaces a missing file as *fs.PathError, not
		// viper.ConfigFileNotFoundError.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "execution-core")
	v.SetDefault("kafka.lifecycle_topic", "orders.lifecycle")
	v.SetDefault("kafka.updates_topic", "orders.updates")
	v.SetDefault("vault.active_key_version", 1)

	var vaultCfg VaultConfig
	if err := v.UnmarshalKey("vault", &vaultCfg); err != nil {
		return nil, fmt.Errorf("unmarshal vault config: %w", err)
	}
	// A single key can be supplied entirely through the environment for
	// deployments without a config file.
	if material := envString("VAULT_KEY_MATERIAL", ""); material != "" {
		version := envInt("VAULT_KEY_VERSION", 1)
		vaultCfg.Keys = append(vaultCfg.Keys, VaultKey{Version: version, Material: material})
		if vaultCfg.ActiveKeyVersion == 0 {
			vaultCfg.ActiveKeyVersion = version
		}
	}
	if vaultCfg.ActiveKeyVersion == 0 {
		vaultCfg.ActiveKeyVersion = 1
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "execution_core")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "exec")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "exec")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:        envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup:  envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			LifecycleTopic: envString("KAFKA_LIFECYCLE_TOPIC", v.GetString("kafka.lifecycle_topic")),
			UpdatesTopic:   envString("KAFKA_UPDATES_TOPIC", v.GetString("kafka.updates_topic")),
		},
		Vault: vaultCfg,
		SmartREST: SmartRESTConfig{
			Enabled:     envBool("SMARTREST_ENABLED", false),
			BaseURL:     envString("SMARTREST_BASE_URL", ""),
			CallTimeout: envDuration("SMARTREST_CALL_TIMEOUT", 10*time.Second),
			SessionTTL:  envDuration("SMARTREST_SESSION_TTL", 8*time.Hour),
		},
		Paper: PaperConfig{
			Enabled:   envBool("PAPER_ENABLED", true),
			FillDelay: envDuration("PAPER_FILL_DELAY", 500*time.Millisecond),
		},
		Rate: RateConfig{
			Limit:  envInt("RATE_LIMIT", 20),
			Window: envDuration("RATE_WINDOW", time.Second),
		},
		Dispatch: DispatchConfig{
			MaxAttempts: envInt("DISPATCH_MAX_ATTEMPTS", 4),
			BaseDelay:   envDuration("DISPATCH_BASE_DELAY", 250*time.Millisecond),
			MaxDelay:    envDuration("DISPATCH_MAX_DELAY", 10*time.Second),
			Timeout:     envDuration("DISPATCH_TIMEOUT", 15*time.Second),
			LaneBuffer:  envInt("DISPATCH_LANE_BUFFER", 64),
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.LifecycleTopic == "" || cfg.Kafka.UpdatesTopic == "" {
		return nil, fmt.Errorf("kafka topics required")
	}
	if len(cfg.Vault.Keys) == 0 {
		return nil, fmt.Errorf("at least one vault key required")
	}
	if cfg.SmartREST.Enabled && cfg.SmartREST.BaseURL == "" {
		return nil, fmt.Errorf("smartrest base url required when enabled")
	}
	if !cfg.SmartREST.Enabled && !cfg.Paper.Enabled {
		return nil, fmt.Errorf("at least one broker must be enabled")
	}
	if cfg.Rate.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return nil, fmt.Errorf("dispatch max attempts must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv("EXEC_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	raw := os.Getenv("EXEC_" + key)
	if raw == "" {
		raw = os.Getenv(key)
	}
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
