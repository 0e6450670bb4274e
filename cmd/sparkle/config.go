package main

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sparkle-tracker/sparkle/api"
	"github.com/sparkle-tracker/sparkle/pkg/clock"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/storage"
	"github.com/sparkle-tracker/sparkle/tracker"

	// Imports to register storage drivers.
	_ "github.com/sparkle-tracker/sparkle/storage/database"
	_ "github.com/sparkle-tracker/sparkle/storage/memory"
	_ "github.com/sparkle-tracker/sparkle/storage/mongo"
	_ "github.com/sparkle-tracker/sparkle/storage/redis"
)

const defaultStorageName = "memory"

type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing sparkle.
type Config struct {
	MetricsAddr string         `yaml:"metrics_addr"`
	Tracker     tracker.Config `yaml:"tracker"`
	API         api.Config     `yaml:"api"`
	Storage     storageConfig  `yaml:"storage"`

	// ClockResolution, if positive, makes the tracker read a cached clock
	// refreshed at this interval instead of the system clock.
	ClockResolution time.Duration `yaml:"clock_resolution"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"metricsAddr":     cfg.MetricsAddr,
		"storage":         cfg.Storage.Name,
		"clockResolution": cfg.ClockResolution,
	}
}

// NewStore creates the configured store, the memory store if none is named.
func (cfg Config) NewStore() (storage.Store, error) {
	name := cfg.Storage.Name
	if name == "" {
		name = defaultStorageName
	}
	return storage.NewStore(name, cfg.Storage.Config)
}

// NewClock returns the clock the tracker reads and a function stopping it.
func (cfg Config) NewClock() (clock.Clock, func()) {
	if cfg.ClockResolution <= 0 {
		return clock.Real{}, func() {}
	}

	c := clock.NewCached()
	go c.Run(cfg.ClockResolution)
	return c, c.Stop
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Sparkle Config `yaml:"sparkle"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
