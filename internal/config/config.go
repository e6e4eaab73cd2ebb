// internal/config/config.go
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application. The GitHub App
// identity fields are optional at load time: without them the service still
// serves user-token requests, and the installation-token path reports a
// config error when invoked.
type Config struct {
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	Port             string `mapstructure:"PORT"`
	GithubAppID      int64  `mapstructure:"GITHUB_APP_ID"`
	GithubAppSlug    string `mapstructure:"GITHUB_APP_SLUG"`
	PrivateKeyPEM    string `mapstructure:"GITHUB_APP_PRIVATE_KEY"`
	PrivateKeyPath   string `mapstructure:"GITHUB_APP_PRIVATE_KEY_PATH"`
	ValidateScopes   bool   `mapstructure:"VALIDATE_SCOPES"`
	CommitBatchSize  int    `mapstructure:"COMMIT_BATCH_SIZE"`
	GithubAPIBaseURL string `mapstructure:"GITHUB_API_BASE_URL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values. Every key needs a default registered so viper
	// picks it up from the environment during Unmarshal.
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("VALIDATE_SCOPES", true)
	viper.SetDefault("COMMIT_BATCH_SIZE", 5)
	viper.SetDefault("GITHUB_APP_ID", 0)
	viper.SetDefault("GITHUB_APP_SLUG", "")
	viper.SetDefault("GITHUB_APP_PRIVATE_KEY", "")
	viper.SetDefault("GITHUB_APP_PRIVATE_KEY_PATH", "")
	viper.SetDefault("GITHUB_API_BASE_URL", "")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// A key file path takes effect only when no inline PEM was provided.
	if cfg.PrivateKeyPEM == "" && cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.New("GITHUB_APP_PRIVATE_KEY_PATH is set but the file could not be read")
		}
		cfg.PrivateKeyPEM = string(pem)
	}

	if cfg.CommitBatchSize <= 0 {
		return nil, errors.New("COMMIT_BATCH_SIZE must be a positive integer")
	}

	return &cfg, nil
}

// HasAppCredentials reports whether the GitHub App identity needed for
// installation-token exchanges is fully configured.
func (c *Config) HasAppCredentials() bool {
	return c.GithubAppID != 0 && c.PrivateKeyPEM != ""
}
