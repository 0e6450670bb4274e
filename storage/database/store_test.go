package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkle-tracker/sparkle/storage"
)

func createSqlite(tb testing.TB) storage.Store {
	s, err := NewSqlite(Config{
		Dsn:                         filepath.Join(tb.TempDir(), "sparkle.sqlite"),
		PrometheusReportingInterval: 10 * time.Minute,
	})
	require.NoError(tb, err)
	return s
}

func TestSqliteStore(t *testing.T) { storage.TestStore(t, createSqlite(t)) }

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SPARKLE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPARKLE_POSTGRES_DSN not set")
	}

	s, err := NewPostgres(Config{Dsn: dsn, PrometheusReportingInterval: 10 * time.Minute})
	require.NoError(t, err)

	// The suite expects an empty store.
	require.NoError(t, s.(*store).db.Exec("DELETE FROM peers").Error)
	require.NoError(t, s.(*store).db.Exec("DELETE FROM tasks").Error)

	storage.TestStore(t, s)
}

func TestLargeCountersRoundTrip(t *testing.T) {
	s := createSqlite(t)
	defer func() { require.Empty(t, s.Stop().Wait()) }()

	p := storage.TestPeerRecord(storage.TestInfoHash(7), 7)
	p.UploadedTotal = 1<<64 - 1
	p.DownloadedLastReported = 1 << 63

	require.NoError(t, s.PutPeer(context.Background(), p))
	got, err := s.FindPeer(context.Background(), p.Key())
	require.NoError(t, err)
	storage.RequireSamePeer(t, p, got)
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, defaultDsn, cfg.Dsn)
	require.Equal(t, defaultPrometheusReportingInterval, cfg.PrometheusReportingInterval)
}

func TestDriverRegistered(t *testing.T) {
	s, err := storage.NewStore("sqlite", map[string]interface{}{
		"dsn": filepath.Join(t.TempDir(), "driver.sqlite"),
	})
	require.NoError(t, err)
	require.Empty(t, s.Stop().Wait())
}

func BenchmarkPut(b *testing.B)             { storage.BenchmarkPut(b, createSqlite(b)) }
func BenchmarkFindPeer(b *testing.B)        { storage.BenchmarkFindPeer(b, createSqlite(b)) }
func BenchmarkCountPeers(b *testing.B)      { storage.BenchmarkCountPeers(b, createSqlite(b)) }
func BenchmarkPeersForTorrent(b *testing.B) { storage.BenchmarkPeersForTorrent50(b, createSqlite(b)) }
