package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coedit/coedit/coedit"
)

type StoreConfig struct {
	// memory, bolt or postgres
	Kind string `yaml:"kind"`
	// bolt file path
	Path string `yaml:"path"`
	// postgres connection url
	DatabaseUrl string `yaml:"database_url"`
}

type Config struct {
	Listen string `yaml:"listen"`
	// hmac secret for token verification
	Secret string `yaml:"secret"`
	// grant every verified actor full access. Development only.
	AllowAll bool `yaml:"allow_all"`

	Store StoreConfig `yaml:"store"`
	// empty disables presence
	RedisAddr string `yaml:"redis_addr"`

	IdleTimeoutSeconds   int `yaml:"idle_timeout_seconds"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	StalenessThreshold   int `yaml:"staleness_threshold"`
	RetainedUpdates      int `yaml:"retained_updates"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ":8090",
		Store: StoreConfig{
			Kind: "memory",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

func (self *Config) RouterSettings() *coedit.RouterSettings {
	settings := coedit.DefaultRouterSettings()
	if 0 < self.IdleTimeoutSeconds {
		settings.GroupSettings.IdleTimeout = time.Duration(self.IdleTimeoutSeconds) * time.Second
	}
	if 0 < self.FlushIntervalSeconds {
		settings.GroupSettings.FlushInterval = time.Duration(self.FlushIntervalSeconds) * time.Second
	}
	if 0 < self.StalenessThreshold {
		settings.GroupSettings.StalenessThreshold = self.StalenessThreshold
	}
	if 0 < self.RetainedUpdates {
		settings.GroupSettings.DocStateSettings.RetainedUpdates = self.RetainedUpdates
	}
	return settings
}
