package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/storage"
	"github.com/sparkle-tracker/sparkle/tracker"
)

// SweepCmdFunc implements a Cobra command that evicts the inactive peers of
// the configured store once.
func SweepCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	threshold, err := cmd.Flags().GetDuration("threshold")
	if err != nil {
		return err
	}

	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Sparkle

	ps, err := cfg.NewStore()
	if err != nil {
		return errors.Wrap(err, "failed to create store")
	}
	defer func() {
		if errs := ps.Stop().Wait(); len(errs) != 0 {
			log.Error(combineErrors("failed while shutting down store", errs))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := sweepOnce(ctx, cfg, ps, threshold, time.Now())
	if err != nil {
		return err
	}

	log.Info("swept inactive peers", log.Fields{"deleted": n})
	return nil
}

// sweepOnce deletes the peers of ps not seen within threshold of now, or
// within the configured inactivity threshold if threshold is not positive.
func sweepOnce(ctx context.Context, cfg Config, ps storage.Store, threshold time.Duration, now time.Time) (int, error) {
	tcfg := cfg.Tracker.Validate()
	if threshold <= 0 {
		threshold = tcfg.InactivityThreshold
	}

	clk, stopClock := cfg.NewClock()
	defer stopClock()

	tkr := tracker.New(tcfg, ps, clk)
	defer func() { tkr.Stop().Wait() }()

	return tkr.SweepInactive(ctx, now, threshold)
}
