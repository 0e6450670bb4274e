package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sparkle-tracker/sparkle/api"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/metrics"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/pkg/telemetry"
	"github.com/sparkle-tracker/sparkle/storage"
	"github.com/sparkle-tracker/sparkle/tracker"
)

// Run represents the state of a running instance of sparkle.
type Run struct {
	configFilePath string
	store          storage.Store
	tracker        *tracker.Tracker
	stopClock      func()
	sg             *stop.Group
}

// NewRun runs an instance of sparkle.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
	}

	return r, r.Start(nil)
}

// Start begins an instance of sparkle.
// It is optional to provide an instance of the store, which will be used
// instead of creating a new one.
func (r *Run) Start(ps storage.Store) error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Sparkle
	log.Info("loaded config", cfg)

	r.sg = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.sg.Add(metrics.NewServer(cfg.MetricsAddr))
	}

	createdStore := ps == nil
	if createdStore {
		ps, err = cfg.NewStore()
		if err != nil {
			r.sg.Stop().Wait()
			return errors.Wrap(err, "failed to create store")
		}
		log.Info("started store", log.Fields{"name": cfg.Storage.Name})
	}
	r.store = ps

	clk, stopClock := cfg.NewClock()
	r.stopClock = stopClock
	r.tracker = tracker.New(cfg.Tracker, r.store, clk)
	log.Info("started tracker", cfg.Tracker)

	srv := api.NewServer(cfg.API, r.tracker)
	if err := srv.ListenAndServe(); err != nil {
		r.abortStart(createdStore)
		return errors.Wrap(err, "failed to start api")
	}
	r.sg.Add(srv)

	return nil
}

// abortStart undoes a partial Start. The store is only stopped if this Start
// created it.
func (r *Run) abortStart(stopStore bool) {
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		log.Error(combineErrors("failed while shutting down servers", errs))
	}
	r.tracker.Stop().Wait()
	r.stopClock()

	if stopStore {
		if errs := r.store.Stop().Wait(); len(errs) != 0 {
			log.Error(combineErrors("failed while shutting down store", errs))
		}
		r.store = nil
	}
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of sparkle. The API and metrics servers stop
// first, then the tracker drains its queued announces.
//
// If keepStore is true the store is returned running, for a following Start.
func (r *Run) Stop(keepStore bool) (storage.Store, error) {
	log.Debug("stopping servers")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down servers", errs)
	}

	log.Debug("stopping tracker")
	if errs := r.tracker.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down tracker", errs)
	}
	r.stopClock()

	if !keepStore {
		log.Debug("stopping store")
		if errs := r.store.Stop().Wait(); len(errs) != 0 {
			return nil, combineErrors("failed while shutting down store", errs)
		}
		r.store = nil
	}

	return r.store, nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of sparkle
// and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), "sparkle")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("failed to flush traces", log.Err(err))
		}
	}()

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading; received reload signal")
			peerStore, err := r.Stop(true)
			if err != nil {
				return err
			}

			if err := r.Start(peerStore); err != nil {
				return err
			}
		case <-quit:
			log.Info("shutting down; received shutdown signal")
			if _, err := r.Stop(false); err != nil {
				return err
			}

			return nil
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetJSON(true)
		log.Info("enabled JSON logging")
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
	}

	return nil
}

// RootPostRunCmdFunc handles clean up of any state initialized by command line
// flags.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		pprof.StopCPUProfile()
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:                "sparkle",
		Short:              "BitTorrent swarm ledger",
		Long:               "A BitTorrent tracker core keeping per-peer traffic ledgers over pluggable storage",
		PersistentPreRunE:  RootPreRunCmdFunc,
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().String("config", "/etc/sparkle.yaml", "location of configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")
	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict inactive peers once and exit",
		Long:  "Deletes every peer of the configured store that has not announced within the inactivity threshold",
		RunE:  SweepCmdFunc,
	}
	sweepCmd.Flags().Duration("threshold", 0, "override the configured inactivity threshold")
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
