package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Order     OrderConfig
	Store     StoreConfig
	Alexa     AlexaConfig
	Instacart InstacartConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// OrderConfig holds order session tuning
type OrderConfig struct {
	SearchConcurrency int           `mapstructure:"search_concurrency"`
	SearchTimeout     time.Duration `mapstructure:"search_timeout"`  // per item
	SessionTimeout    time.Duration `mapstructure:"session_timeout"` // whole search phase
	CommitTimeout     time.Duration `mapstructure:"commit_timeout"`  // per cart or list call
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
}

// StoreConfig holds the preference database location
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// AlexaConfig holds shopping list API configuration
type AlexaConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	CookiesPath  string        `mapstructure:"cookies_path"`
	ListName     string        `mapstructure:"list_name"`
	SkipCheckoff bool          `mapstructure:"skip_checkoff"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// InstacartConfig holds storefront browser configuration
type InstacartConfig struct {
	Store             string        `mapstructure:"store"`
	BaseURL           string        `mapstructure:"base_url"`
	Headless          bool          `mapstructure:"headless"`
	Bin               string        `mapstructure:"bin"`
	UserDataDir       string        `mapstructure:"user_data_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/alexacart/")

	// ALEXACART_ORDER_SEARCH_CONCURRENCY maps to order.search_concurrency
	v.SetEnvPrefix("ALEXACART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile reads .env from the working directory when present.
// Variables already set in the environment win.
func loadEnvFile() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env: %w", err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})

	// Order defaults
	v.SetDefault("order.search_concurrency", 4)
	v.SetDefault("order.search_timeout", "90s")
	v.SetDefault("order.session_timeout", "15m")
	v.SetDefault("order.commit_timeout", "60s")
	v.SetDefault("order.session_ttl", "6h")

	// Store defaults
	v.SetDefault("store.path", "data/alexacart.db")

	// Alexa defaults
	v.SetDefault("alexa.base_url", "https://www.amazon.com")
	v.SetDefault("alexa.cookies_path", "data/alexa_cookies.json")
	v.SetDefault("alexa.list_name", "Grocery List")
	v.SetDefault("alexa.skip_checkoff", false)
	v.SetDefault("alexa.rate_limit", 2)
	v.SetDefault("alexa.timeout", "30s")

	// Instacart defaults
	v.SetDefault("instacart.store", "Wegmans")
	v.SetDefault("instacart.base_url", "https://www.instacart.com")
	v.SetDefault("instacart.headless", true)
	v.SetDefault("instacart.bin", "")
	v.SetDefault("instacart.user_data_dir", "data/browser")
	v.SetDefault("instacart.navigation_timeout", "30s")
}

// validate validates the configuration
func validate(config *Config) error {
	switch config.Server.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("environment must be development, production or test, got: %s", config.Server.Environment)
	}

	if config.Order.SearchConcurrency < 1 {
		return fmt.Errorf("order search concurrency must be at least 1, got: %d", config.Order.SearchConcurrency)
	}
	if config.Order.SearchTimeout <= 0 || config.Order.SessionTimeout <= 0 || config.Order.CommitTimeout <= 0 {
		return errors.New("order timeouts must be positive")
	}
	if config.Order.SessionTTL < config.Order.SessionTimeout {
		return fmt.Errorf("session ttl %v is shorter than session timeout %v", config.Order.SessionTTL, config.Order.SessionTimeout)
	}

	if config.Store.Path == "" {
		return errors.New("store path is required (set ALEXACART_STORE_PATH)")
	}

	if config.Alexa.BaseURL == "" {
		return errors.New("alexa base url is required")
	}
	if config.Alexa.CookiesPath == "" {
		return errors.New("alexa cookies path is required (set ALEXACART_ALEXA_COOKIES_PATH)")
	}
	if config.Alexa.RateLimit < 0 {
		return fmt.Errorf("alexa rate limit must not be negative, got: %v", config.Alexa.RateLimit)
	}

	if config.Instacart.Store == "" {
		return errors.New("instacart store is required (set ALEXACART_INSTACART_STORE)")
	}

	return nil
}
