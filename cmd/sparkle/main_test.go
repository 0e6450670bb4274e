package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/storage"
)

const testConfigFile = `
sparkle:
  clock_resolution: 10ms
  tracker:
    inactivity_threshold: 20m
    max_peers_return: 25
    sweep_period: 1h
    announce_workers: 2
    announce_queue_size: 64
  api:
    addr: 127.0.0.1:0
    api_key: secret
    allow_ip_spoofing: true
  storage:
    name: memory
    config:
      shard_count: 8
      prometheus_reporting_interval: 1h
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sparkle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseConfigFile(t *testing.T) {
	dir := filepath.Dir(writeConfig(t, testConfigFile))
	t.Setenv("SPARKLE_TEST_CONFIG_DIR", dir)

	cfgFile, err := ParseConfigFile("$SPARKLE_TEST_CONFIG_DIR/sparkle.yaml")
	require.NoError(t, err)

	cfg := cfgFile.Sparkle
	require.Equal(t, 10*time.Millisecond, cfg.ClockResolution)
	require.Equal(t, 20*time.Minute, cfg.Tracker.InactivityThreshold)
	require.Equal(t, 25, cfg.Tracker.MaxPeersReturn)
	require.Equal(t, 2, cfg.Tracker.AnnounceWorkers)
	require.Equal(t, "127.0.0.1:0", cfg.API.Addr)
	require.Equal(t, "secret", cfg.API.APIKey)
	require.True(t, cfg.API.AllowIPSpoofing)
	require.Equal(t, "memory", cfg.Storage.Name)

	_, err = ParseConfigFile("")
	require.Error(t, err)

	_, err = ParseConfigFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestNewStore(t *testing.T) {
	var cfg Config
	ps, err := cfg.NewStore()
	require.NoError(t, err)
	require.Empty(t, ps.Stop().Wait())

	cfg.Storage.Name = "nonexistent"
	_, err = cfg.NewStore()
	require.Equal(t, storage.ErrDriverDoesNotExist, err)
}

func TestNewClock(t *testing.T) {
	clk, stopClock := Config{}.NewClock()
	require.WithinDuration(t, time.Now(), clk.Now(), time.Second)
	stopClock()

	clk, stopClock = Config{ClockResolution: time.Millisecond}.NewClock()
	defer stopClock()
	require.WithinDuration(t, time.Now(), clk.Now(), time.Second)
}

func TestRunReloadKeepsStore(t *testing.T) {
	r, err := NewRun(writeConfig(t, testConfigFile))
	require.NoError(t, err)

	ps, err := r.Stop(true)
	require.NoError(t, err)
	require.NotNil(t, ps)

	require.NoError(t, r.Start(ps))
	require.Equal(t, ps, r.store)

	ps, err = r.Stop(false)
	require.NoError(t, err)
	require.Nil(t, ps)
}

func TestStartFailureReleasesResources(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	contents := strings.Replace(testConfigFile, "addr: 127.0.0.1:0", "addr: "+taken.Addr().String(), 1)
	contents = strings.Replace(contents, "sparkle:\n", "sparkle:\n  metrics_addr: 127.0.0.1:0\n", 1)
	path := writeConfig(t, contents)

	// A store created by the failed Start is stopped with it.
	r, err := NewRun(path)
	require.Error(t, err)
	require.Nil(t, r.store)

	// A store handed to Start survives the failure.
	var cfg Config
	ps, err := cfg.NewStore()
	require.NoError(t, err)
	defer func() { require.Empty(t, ps.Stop().Wait()) }()

	r = &Run{configFilePath: path}
	require.Error(t, r.Start(ps))
	require.Equal(t, ps, r.store)

	ctx := context.Background()
	p := storage.TestPeerRecord(bittorrent.InfoHashFromString("start-failure-test-1"), 1)
	require.NoError(t, ps.PutPeer(ctx, p))
}

func TestSweepOnce(t *testing.T) {
	cfgFile, err := ParseConfigFile(writeConfig(t, testConfigFile))
	require.NoError(t, err)
	cfg := cfgFile.Sparkle

	ps, err := cfg.NewStore()
	require.NoError(t, err)
	defer func() { require.Empty(t, ps.Stop().Wait()) }()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	ih := bittorrent.InfoHashFromString("sweep-command-test-1")
	for i, age := range []time.Duration{time.Minute, 19 * time.Minute, 20 * time.Minute, time.Hour} {
		p := storage.TestPeerRecord(ih, i)
		p.LastSeenAt = now.Add(-age)
		require.NoError(t, ps.PutPeer(ctx, p))
	}

	// The configured threshold is 20 minutes.
	n, err := sweepOnce(ctx, cfg, ps, 0, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = sweepOnce(ctx, cfg, ps, 30*time.Second, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := ps.CountPeers(ctx, ih, false)
	require.NoError(t, err)
	require.Zero(t, left)
}
