package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`

	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Storage struct {
		Driver string `mapstructure:"driver"` // postgres or memory
	} `mapstructure:"storage"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	ModelSidecar struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"model_sidecar"`
	Auth struct {
		Issuer       string `mapstructure:"issuer"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		JWTSecret    string `mapstructure:"jwt_secret"`
		JWTIssuer    string `mapstructure:"jwt_issuer"`
		DevUID       string `mapstructure:"dev_uid"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Credits struct {
		InitialBalance int64            `mapstructure:"initial_balance"`
		Costs          map[string]int64 `mapstructure:"costs"`
	} `mapstructure:"credits"`
	Pipeline struct {
		MaxAttempts  int           `mapstructure:"max_attempts"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`
		StageTimeout time.Duration `mapstructure:"stage_timeout"`
	} `mapstructure:"pipeline"`
	Moderation struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"moderation"`
	// Media stores generated images on disk when Dir is set; otherwise
	// images are returned inline as data URIs.
	Media struct {
		Dir     string `mapstructure:"dir"`
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"media"`

	// ConfigFile is the file the values were read from, empty when only
	// defaults and environment were used.
	ConfigFile string `mapstructure:"-"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment.
// When configFile is empty, config.yaml is looked up in . and ./config; a
// missing file is not an error. Environment variables use the DOODLE_ prefix
// with dots replaced by underscores (DOODLE_DB_HOST).
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("DOODLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	// normalize OIDC issuer url (strip trailing slash if any)
	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Credits.InitialBalance < 0 {
		return errors.New("credits.initial_balance must not be negative")
	}
	for flow, cost := range c.Credits.Costs {
		if cost < 0 {
			return fmt.Errorf("credits.costs.%s must not be negative", flow)
		}
	}
	if c.Pipeline.MaxAttempts < 1 {
		return errors.New("pipeline.max_attempts must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "doodle")
	v.SetDefault("db.name", "doodle")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("model_sidecar.url", "http://localhost:8000")
	v.SetDefault("model_sidecar.timeout", 60*time.Second)
	v.SetDefault("auth.jwt_issuer", "doodle-forge")
	v.SetDefault("auth.dev_uid", "dev-user")
	v.SetDefault("credits.initial_balance", 10)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_backoff", 500*time.Millisecond)
	v.SetDefault("pipeline.stage_timeout", 90*time.Second)
	v.SetDefault("moderation.timeout", 15*time.Second)
	v.SetDefault("media.base_url", "/media")
}

// normalizeIssuer ensures the provided issuer string is in a predictable
// form. It removes any trailing slash and leaves the scheme and path intact.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
