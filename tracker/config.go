package tracker

import (
	"time"

	"github.com/sparkle-tracker/sparkle/pkg/log"
)

// Default config constants.
const (
	defaultInactivityThreshold = time.Minute * 30
	defaultMaxPeersReturn      = 50
	defaultSweepPeriod         = time.Minute * 3
	defaultAnnounceWorkers     = 8
	defaultAnnounceQueueSize   = 1024
	defaultLockStripes         = 1024
)

// Config holds the configuration of a Tracker.
type Config struct {
	// InactivityThreshold is how long a peer may go without announcing
	// before the sweep removes it.
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`

	// MaxPeersReturn caps every peer list regardless of numwant.
	MaxPeersReturn int `yaml:"max_peers_return"`

	SweepPeriod       time.Duration `yaml:"sweep_period"`
	AnnounceWorkers   int           `yaml:"announce_workers"`
	AnnounceQueueSize int           `yaml:"announce_queue_size"`

	// LockStripes sizes the in-process lock tables used when the store
	// cannot lock on its own.
	LockStripes int `yaml:"lock_stripes"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"inactivityThreshold": cfg.InactivityThreshold,
		"maxPeersReturn":      cfg.MaxPeersReturn,
		"sweepPeriod":         cfg.SweepPeriod,
		"announceWorkers":     cfg.AnnounceWorkers,
		"announceQueueSize":   cfg.AnnounceQueueSize,
		"lockStripes":         cfg.LockStripes,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.InactivityThreshold <= 0 {
		validcfg.InactivityThreshold = defaultInactivityThreshold
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.InactivityThreshold",
			"provided": cfg.InactivityThreshold,
			"default":  validcfg.InactivityThreshold,
		})
	}

	if cfg.MaxPeersReturn <= 0 {
		validcfg.MaxPeersReturn = defaultMaxPeersReturn
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.MaxPeersReturn",
			"provided": cfg.MaxPeersReturn,
			"default":  validcfg.MaxPeersReturn,
		})
	}

	if cfg.SweepPeriod <= 0 {
		validcfg.SweepPeriod = defaultSweepPeriod
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.SweepPeriod",
			"provided": cfg.SweepPeriod,
			"default":  validcfg.SweepPeriod,
		})
	}

	if cfg.AnnounceWorkers <= 0 {
		validcfg.AnnounceWorkers = defaultAnnounceWorkers
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.AnnounceWorkers",
			"provided": cfg.AnnounceWorkers,
			"default":  validcfg.AnnounceWorkers,
		})
	}

	if cfg.AnnounceQueueSize <= 0 {
		validcfg.AnnounceQueueSize = defaultAnnounceQueueSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.AnnounceQueueSize",
			"provided": cfg.AnnounceQueueSize,
			"default":  validcfg.AnnounceQueueSize,
		})
	}

	if cfg.LockStripes <= 0 {
		validcfg.LockStripes = defaultLockStripes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.LockStripes",
			"provided": cfg.LockStripes,
			"default":  validcfg.LockStripes,
		})
	}

	return validcfg
}
