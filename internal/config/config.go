// Package config loads tether's configuration and the saved target
// registry from the user's configuration directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"tether/pkg/logging"
)

const (
	userConfigDir   = ".config/tether"
	configFileName  = "config.yaml"
	targetsFileName = "targets.yaml"
	pendingDirName  = "pending"
)

// Environment overrides, applied after the config file.
const (
	envBrokerURL = "TETHER_BROKER_URL"
	envCSRFToken = "TETHER_CSRF_TOKEN"
)

// DefaultCallbackPort is the loopback port for receiving OAuth redirects.
const DefaultCallbackPort = 3000

// GetDefaultConfigPathOrPanic returns the default configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// Config is the top-level configuration structure for tether.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Callback CallbackConfig `yaml:"callback"`
	Storage  StorageConfig  `yaml:"storage"`
}

// BrokerConfig locates the connect service that holds client secrets and
// performs token exchange.
type BrokerConfig struct {
	URL       string `yaml:"url"`
	CSRFToken string `yaml:"csrfToken,omitempty"`
}

// CallbackConfig configures the loopback redirect receiver.
type CallbackConfig struct {
	Port int `yaml:"port,omitempty"`

	// PublicURL is the externally reachable base URL of the serve
	// daemon's callback, used by remote connects started on another
	// machine than the one receiving the redirect.
	PublicURL string `yaml:"publicURL,omitempty"`

	// SuccessURL, when set, is where a completed standard flow without a
	// stored return URL redirects to instead of the built-in page.
	SuccessURL string `yaml:"successURL,omitempty"`
}

// StorageConfig configures durable client-side state.
type StorageConfig struct {
	// Dir holds pending-authorization records; defaults to
	// <config>/pending.
	Dir string `yaml:"dir,omitempty"`
}

// GetDefaultConfig returns the built-in defaults, anchored at configPath.
func GetDefaultConfig(configPath string) Config {
	return Config{
		Callback: CallbackConfig{Port: DefaultCallbackPort},
		Storage:  StorageConfig{Dir: filepath.Join(configPath, pendingDirName)},
	}
}

// LoadConfig loads config.yaml from the given directory, applying defaults
// for anything unset and environment overrides on top. A missing file is
// not an error.
func LoadConfig(configPath string) (Config, error) {
	config := GetDefaultConfig(configPath)

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			applyEnvOverrides(&config)
			return config, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	if config.Callback.Port == 0 {
		config.Callback.Port = DefaultCallbackPort
	}
	if config.Storage.Dir == "" {
		config.Storage.Dir = filepath.Join(configPath, pendingDirName)
	}

	applyEnvOverrides(&config)
	logging.Debug("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv(envBrokerURL); v != "" {
		config.Broker.URL = v
	}
	if v := os.Getenv(envCSRFToken); v != "" {
		config.Broker.CSRFToken = v
	}
}
