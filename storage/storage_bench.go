package storage

import (
	"context"
	"testing"
	"time"

	"github.com/sparkle-tracker/sparkle/bittorrent"
)

type benchData struct {
	infohashes [1000]bittorrent.InfoHash
	peers      [1000]PeerRecord
}

func generateInfohashes() (a [1000]bittorrent.InfoHash) {
	for i := range a {
		a[i] = bittorrent.InfoHash([20]byte{byte(i), byte(i >> 8)})
	}
	return
}

func generatePeers(ih bittorrent.InfoHash) (a [1000]PeerRecord) {
	for i := range a {
		a[i] = TestPeerRecord(ih, i)
	}
	return
}

type executionFunc func(int, Store, *benchData) error
type setupFunc func(Store, *benchData) error

func runBenchmark(b *testing.B, s Store, sf setupFunc, ef executionFunc) {
	ihs := generateInfohashes()
	bd := &benchData{ihs, generatePeers(ihs[0])}
	if sf != nil {
		err := sf(s, bd)
		if err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := ef(i, s, bd)
		if err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
}

// BenchmarkPut benchmarks updating a single peer record.
func BenchmarkPut(b *testing.B, s Store) {
	runBenchmark(b, s, nil, func(i int, s Store, bd *benchData) error {
		return s.PutPeer(context.Background(), bd.peers[0])
	})
}

// BenchmarkPut1k benchmarks putting 1000 distinct peers of one swarm.
func BenchmarkPut1k(b *testing.B, s Store) {
	runBenchmark(b, s, nil, func(i int, s Store, bd *benchData) error {
		return s.PutPeer(context.Background(), bd.peers[i%1000])
	})
}

// BenchmarkPut1kInfohash benchmarks putting one peer into 1000 swarms.
func BenchmarkPut1kInfohash(b *testing.B, s Store) {
	runBenchmark(b, s, nil, func(i int, s Store, bd *benchData) error {
		p := bd.peers[0]
		p.InfoHash = bd.infohashes[i%1000]
		return s.PutPeer(context.Background(), p)
	})
}

// BenchmarkFindPeer benchmarks looking up a stored peer.
func BenchmarkFindPeer(b *testing.B, s Store) {
	runBenchmark(b, s, putAll, func(i int, s Store, bd *benchData) error {
		_, err := s.FindPeer(context.Background(), bd.peers[i%1000].Key())
		return err
	})
}

// BenchmarkPutDelete benchmarks a put followed by a delete of the same peer.
func BenchmarkPutDelete(b *testing.B, s Store) {
	runBenchmark(b, s, nil, func(i int, s Store, bd *benchData) error {
		ctx := context.Background()
		if err := s.PutPeer(ctx, bd.peers[0]); err != nil {
			return err
		}
		return s.DeletePeer(ctx, bd.peers[0].Key())
	})
}

// BenchmarkPeersForTorrent50 benchmarks enumerating 50 peers of a swarm of
// 1000.
func BenchmarkPeersForTorrent50(b *testing.B, s Store) {
	runBenchmark(b, s, putAll, func(i int, s Store, bd *benchData) error {
		_, err := s.PeersForTorrent(context.Background(), bd.infohashes[0], 50)
		return err
	})
}

// BenchmarkCountPeers benchmarks counting the leechers of a swarm of 1000.
func BenchmarkCountPeers(b *testing.B, s Store) {
	runBenchmark(b, s, putAll, func(i int, s Store, bd *benchData) error {
		_, err := s.CountPeers(context.Background(), bd.infohashes[0], false)
		return err
	})
}

// BenchmarkDeletePeersSeenBefore benchmarks a sweep that finds nothing to
// remove in a swarm of 1000.
func BenchmarkDeletePeersSeenBefore(b *testing.B, s Store) {
	runBenchmark(b, s, putAll, func(i int, s Store, bd *benchData) error {
		_, err := s.DeletePeersSeenBefore(context.Background(), testEpoch.Add(-time.Hour))
		return err
	})
}

func putAll(s Store, bd *benchData) error {
	for _, p := range bd.peers {
		if err := s.PutPeer(context.Background(), p); err != nil {
			return err
		}
	}
	return nil
}
