package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type BatchConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ItemDelay           time.Duration `mapstructure:"item_delay"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	StalenessThreshold  time.Duration `mapstructure:"staleness_threshold"`
	StillRunningWindow  time.Duration `mapstructure:"still_running_window"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	AutoRecover         bool          `mapstructure:"auto_recover"`
}

type ProviderConfig struct {
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	MetadataBaseURL  string        `mapstructure:"metadata_base_url"`
	PricingBaseURL   string        `mapstructure:"pricing_base_url"`
	ImageBaseURL     string        `mapstructure:"image_base_url"`
	PublisherBaseURL string        `mapstructure:"publisher_base_url"`
}

type OAuthProviderConfig struct {
	TokenURL string `mapstructure:"token_url"`
	Scope    string `mapstructure:"scope"`
	// Grant is "refresh_token" (default) or "client_credentials".
	Grant string `mapstructure:"grant"`
}

type TokenConfig struct {
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
}

type Config struct {
	DatabaseURL string                         `mapstructure:"database_url"`
	ServerPort  string                         `mapstructure:"server_port"`
	JWTSecret   string                         `mapstructure:"jwt_secret"`
	Batch       BatchConfig                    `mapstructure:"batch"`
	Providers   ProviderConfig                 `mapstructure:"providers"`
	OAuth       map[string]OAuthProviderConfig `mapstructure:"oauth"`
	Tokens      TokenConfig                    `mapstructure:"tokens"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}

	if config.Batch.PollInterval == 0 {
		config.Batch.PollInterval = 3 * time.Second
	}
	if config.Batch.ItemDelay == 0 {
		config.Batch.ItemDelay = time.Second
	}
	if config.Batch.HeartbeatInterval == 0 {
		config.Batch.HeartbeatInterval = 30 * time.Second
	}
	if config.Batch.MonitorInterval == 0 {
		config.Batch.MonitorInterval = 5 * time.Minute
	}
	if config.Batch.StalenessThreshold == 0 {
		config.Batch.StalenessThreshold = 10 * time.Minute
	}
	if config.Batch.StillRunningWindow == 0 {
		config.Batch.StillRunningWindow = 10 * time.Minute
	}
	if config.Batch.MaxRecoveryAttempts == 0 {
		config.Batch.MaxRecoveryAttempts = 3
	}

	if config.Providers.HTTPTimeout == 0 {
		config.Providers.HTTPTimeout = 30 * time.Second
	}
	if config.Providers.RetryAttempts == 0 {
		config.Providers.RetryAttempts = 3
	}
	if config.Providers.RetryBaseDelay == 0 {
		config.Providers.RetryBaseDelay = 500 * time.Millisecond
	}

	if config.Tokens.SafetyMargin == 0 {
		config.Tokens.SafetyMargin = 5 * time.Minute
	}

	return &config
}
