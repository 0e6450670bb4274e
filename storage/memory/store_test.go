package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkle-tracker/sparkle/storage"
)

func createNew() storage.Store {
	s, err := New(Config{
		ShardCount:                  1024,
		PrometheusReportingInterval: 10 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	return s
}

func TestStore(t *testing.T) { storage.TestStore(t, createNew()) }

func TestSingleShard(t *testing.T) {
	s, err := New(Config{ShardCount: 1, PrometheusReportingInterval: time.Minute})
	require.NoError(t, err)
	storage.TestStore(t, s)
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, defaultShardCount, cfg.ShardCount)
	require.Equal(t, defaultPrometheusReportingInterval, cfg.PrometheusReportingInterval)

	cfg = Config{ShardCount: 8, PrometheusReportingInterval: time.Minute}.Validate()
	require.Equal(t, 8, cfg.ShardCount)
	require.Equal(t, time.Minute, cfg.PrometheusReportingInterval)
}

func TestDriverRegistered(t *testing.T) {
	s, err := storage.NewStore(Name, map[string]interface{}{"shard_count": 4})
	require.NoError(t, err)
	require.Len(t, s.(*store).shards, 4)
	require.Empty(t, s.Stop().Wait())
}

func BenchmarkPut(b *testing.B)             { storage.BenchmarkPut(b, createNew()) }
func BenchmarkPut1k(b *testing.B)           { storage.BenchmarkPut1k(b, createNew()) }
func BenchmarkPut1kInfohash(b *testing.B)   { storage.BenchmarkPut1kInfohash(b, createNew()) }
func BenchmarkFindPeer(b *testing.B)        { storage.BenchmarkFindPeer(b, createNew()) }
func BenchmarkPutDelete(b *testing.B)       { storage.BenchmarkPutDelete(b, createNew()) }
func BenchmarkPeersForTorrent(b *testing.B) { storage.BenchmarkPeersForTorrent50(b, createNew()) }
func BenchmarkCountPeers(b *testing.B)      { storage.BenchmarkCountPeers(b, createNew()) }
func BenchmarkDeletePeersSeenBefore(b *testing.B) {
	storage.BenchmarkDeletePeersSeenBefore(b, createNew())
}
