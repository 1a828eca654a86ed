package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the flowd service configuration. Every field has a working
// default; an empty Mongo URI or Redis address selects the in-memory
// implementations for single-process deployments.
type Config struct {
	// HTTPAddr is the HTTP listen address.
	HTTPAddr string `yaml:"httpAddr"`
	// Debug enables debug logs and the pprof/debug endpoints.
	Debug bool `yaml:"debug"`

	Redis struct {
		// Addr is the Redis address; empty disables Redis (memory cache,
		// local scheduling, no cross-replica streams).
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Mongo struct {
		// URI is the MongoDB connection string; empty selects the
		// in-memory stores.
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	Trigger struct {
		MaxConcurrent  int      `yaml:"maxConcurrent"`
		MaxPerWorkflow int      `yaml:"maxPerWorkflow"`
		MaxPerUser     int      `yaml:"maxPerUser"`
		Policy         string   `yaml:"policy"`
		MaxQueueSize   int      `yaml:"maxQueueSize"`
		QueueTimeout   Duration `yaml:"queueTimeout"`
	} `yaml:"trigger"`

	Schedule struct {
		Resolution Duration `yaml:"resolution"`
	} `yaml:"schedule"`

	Webhook struct {
		WaitTimeout Duration `yaml:"waitTimeout"`
	} `yaml:"webhook"`

	Stream struct {
		// MaxLen bounds entries kept per execution stream.
		MaxLen int `yaml:"maxLen"`
	} `yaml:"stream"`
}

// Duration decodes Go duration strings ("45s", "5m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// defaultConfig returns the built-in configuration.
func defaultConfig() Config {
	var cfg Config
	cfg.HTTPAddr = ":8080"
	cfg.Mongo.Database = "flow"
	cfg.Trigger.Policy = "queue"
	cfg.Stream.MaxLen = 1000
	return cfg
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
