// Package config loads daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Peer struct {
		RelayURL string `yaml:"relay_url"`
	} `yaml:"peer"`

	Cloud struct {
		NATSURL    string `yaml:"nats_url"`
		OwnerID    string `yaml:"owner_id"`
		AutoUpload bool   `yaml:"auto_upload"`
		AutoSync   struct {
			OwnDevices bool `yaml:"own_devices"`
			Friends    bool `yaml:"friends"`
		} `yaml:"auto_sync"`
		Friends []string `yaml:"friends"`
	} `yaml:"cloud"`

	Share struct {
		Port string `yaml:"port"`
	} `yaml:"share"`
}

// Load reads the YAML file at path, then applies environment overrides.
// A missing file is not an error; env-only configuration is supported.
func Load(path string) (*Config, error) {
	config := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.DataDir = getEnv("DATA_DIR", config.DataDir)
	config.Peer.RelayURL = getEnv("RELAY_URL", config.Peer.RelayURL)
	config.Cloud.NATSURL = getEnv("NATS_URL", config.Cloud.NATSURL)
	config.Cloud.OwnerID = getEnv("OWNER_ID", config.Cloud.OwnerID)
	config.Cloud.AutoUpload = getEnvAsBool("AUTO_UPLOAD", config.Cloud.AutoUpload)
	config.Cloud.AutoSync.OwnDevices = getEnvAsBool("AUTO_SYNC_OWN_DEVICES", config.Cloud.AutoSync.OwnDevices)
	config.Cloud.AutoSync.Friends = getEnvAsBool("AUTO_SYNC_FRIENDS", config.Cloud.AutoSync.Friends)
	config.Share.Port = getEnv("SHARE_PORT", config.Share.Port)

	return config, nil
}

func defaults() *Config {
	config := &Config{DataDir: "./data"}
	config.Peer.RelayURL = "wss://relay.tabletally.app"
	config.Cloud.NATSURL = "nats://localhost:4222"
	config.Cloud.AutoUpload = true
	config.Cloud.AutoSync.OwnDevices = true
	config.Cloud.AutoSync.Friends = true
	config.Share.Port = "8080"
	return config
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
