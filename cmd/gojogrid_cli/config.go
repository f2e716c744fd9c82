package main

import (
	"fmt"
	"os"

	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the YAML file read at startup.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Catalog is where the index catalog is kept. Empty keeps indexes for the
	// session only.
	Catalog     string `yaml:"catalog"`
	HistoryFile string `yaml:"history_file"`
	// Defaults are merged under the properties given to "create".
	Defaults storage.PropertySet `yaml:"defaults"`
}

func defaultConfig() Config {
	return Config{
		Logger: logger.Config{Level: "warn", Format: "console", OutputFile: "stderr", Service: "gojogrid-cli"},
		Telemetry: telemetry.Config{
			ServiceName: "gojogrid-cli",
		},
		Defaults: storage.PropertySet{
			storage.KeyStorageType:  "memory",
			spatial.KeyPayloadCodec: storage.CodecString,
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	defaults := cfg.Defaults
	cfg.Defaults = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: config %s: %v", storage.ErrInvalidConfiguration, path, err)
	}
	cfg.Defaults = defaults.Merge(cfg.Defaults)
	return cfg, nil
}
