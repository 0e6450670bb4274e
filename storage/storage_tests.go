package storage

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkle-tracker/sparkle/bittorrent"
)

// testEpoch is whole-second so that drivers storing coarser timestamps still
// compare equal.
var testEpoch = time.Unix(1700000000, 0)

// TestInfoHash returns a distinct infohash for n.
func TestInfoHash(n int) bittorrent.InfoHash {
	return bittorrent.InfoHashFromString(fmt.Sprintf("%020d", n))
}

// TestPeerRecord returns a distinct leecher of ih for n, last seen at
// testEpoch.
func TestPeerRecord(ih bittorrent.InfoHash, n int) PeerRecord {
	ip := netip.AddrFrom4([4]byte{10, byte(n >> 16), byte(n >> 8), byte(n)})
	return PeerRecord{
		RequestIP:              ip,
		PeerID:                 bittorrent.PeerIDFromString(fmt.Sprintf("-SP0001-%012d", n)),
		PeerIP:                 ip,
		PeerPort:               uint16(6881 + n%1000),
		InfoHash:               ih,
		UploadedTotal:          uint64(n) * 10,
		DownloadedTotal:        uint64(n) * 20,
		UploadedLastReported:   uint64(n) * 10,
		DownloadedLastReported: uint64(n) * 20,
		Left:                   1 << 20,
		LastEvent:              bittorrent.Started,
		UserAgent:              "sparkle-test/1.0",
		FirstSeenAt:            testEpoch,
		LastSeenAt:             testEpoch,
	}
}

// RequireSamePeer fails the test unless the records are equal field by field,
// comparing timestamps as instants.
func RequireSamePeer(t testing.TB, expected, actual PeerRecord) {
	t.Helper()
	require.Equal(t, expected.RequestIP, actual.RequestIP, "requestIP")
	require.Equal(t, expected.PeerID, actual.PeerID, "peerID")
	require.Equal(t, expected.PeerIP, actual.PeerIP, "peerIP")
	require.Equal(t, expected.PeerPort, actual.PeerPort, "peerPort")
	require.Equal(t, expected.InfoHash, actual.InfoHash, "infoHash")
	require.Equal(t, expected.UploadedTotal, actual.UploadedTotal, "uploadedTotal")
	require.Equal(t, expected.DownloadedTotal, actual.DownloadedTotal, "downloadedTotal")
	require.Equal(t, expected.UploadedLastReported, actual.UploadedLastReported, "uploadedLastReported")
	require.Equal(t, expected.DownloadedLastReported, actual.DownloadedLastReported, "downloadedLastReported")
	require.Equal(t, expected.Left, actual.Left, "left")
	require.Equal(t, expected.LastEvent, actual.LastEvent, "lastEvent")
	require.Equal(t, expected.UserAgent, actual.UserAgent, "userAgent")
	require.True(t, expected.FirstSeenAt.Equal(actual.FirstSeenAt), "firstSeenAt %s != %s", expected.FirstSeenAt, actual.FirstSeenAt)
	require.True(t, expected.LastSeenAt.Equal(actual.LastSeenAt), "lastSeenAt %s != %s", expected.LastSeenAt, actual.LastSeenAt)
}

// TestStore tests a Store implementation against the interface. The store
// must be empty.
func TestStore(t *testing.T, s Store) {
	ctx := context.Background()
	ih := TestInfoHash(1)
	other := TestInfoHash(2)

	t.Run("missing records", func(t *testing.T) {
		p := TestPeerRecord(ih, 0)

		_, err := s.FindPeer(ctx, p.Key())
		require.Equal(t, ErrResourceDoesNotExist, err)

		err = s.DeletePeer(ctx, p.Key())
		require.Equal(t, ErrResourceDoesNotExist, err)

		_, err = s.FindTask(ctx, ih)
		require.Equal(t, ErrResourceDoesNotExist, err)

		peers, err := s.PeersForTorrent(ctx, ih, 50)
		require.NoError(t, err)
		require.Empty(t, peers)

		n, err := s.CountPeers(ctx, ih, true)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("put find delete", func(t *testing.T) {
		p := TestPeerRecord(ih, 1)
		require.NoError(t, s.PutPeer(ctx, p))

		got, err := s.FindPeer(ctx, p.Key())
		require.NoError(t, err)
		RequireSamePeer(t, p, got)

		// Upsert replaces every mutable field.
		p.RequestIP = netip.MustParseAddr("192.0.2.7")
		p.PeerPort = 51413
		p.UploadedTotal = 9000
		p.DownloadedTotal = 8000
		p.UploadedLastReported = 900
		p.DownloadedLastReported = 800
		p.Left = 0
		p.LastEvent = bittorrent.Completed
		p.UserAgent = "other/2.0"
		p.LastSeenAt = testEpoch.Add(time.Minute)
		require.NoError(t, s.PutPeer(ctx, p))

		got, err = s.FindPeer(ctx, p.Key())
		require.NoError(t, err)
		RequireSamePeer(t, p, got)

		require.NoError(t, s.DeletePeer(ctx, p.Key()))
		_, err = s.FindPeer(ctx, p.Key())
		require.Equal(t, ErrResourceDoesNotExist, err)
	})

	t.Run("key includes peer IP", func(t *testing.T) {
		a := TestPeerRecord(ih, 2)
		b := a
		b.PeerIP = netip.MustParseAddr("2001:db8::2")
		require.NoError(t, s.PutPeer(ctx, a))
		require.NoError(t, s.PutPeer(ctx, b))

		gotA, err := s.FindPeer(ctx, a.Key())
		require.NoError(t, err)
		RequireSamePeer(t, a, gotA)

		gotB, err := s.FindPeer(ctx, b.Key())
		require.NoError(t, err)
		RequireSamePeer(t, b, gotB)

		require.NoError(t, s.DeletePeer(ctx, a.Key()))
		require.NoError(t, s.DeletePeer(ctx, b.Key()))
	})

	t.Run("swarm enumeration and counts", func(t *testing.T) {
		for i := 10; i < 15; i++ {
			p := TestPeerRecord(ih, i)
			if i%2 == 0 {
				p.Left = 0
			}
			require.NoError(t, s.PutPeer(ctx, p))
		}
		require.NoError(t, s.PutPeer(ctx, TestPeerRecord(other, 99)))

		peers, err := s.PeersForTorrent(ctx, ih, 50)
		require.NoError(t, err)
		require.Len(t, peers, 5)
		for _, p := range peers {
			require.Equal(t, ih, p.InfoHash)
		}

		peers, err = s.PeersForTorrent(ctx, ih, 3)
		require.NoError(t, err)
		require.Len(t, peers, 3)

		peers, err = s.PeersForTorrent(ctx, ih, 0)
		require.NoError(t, err)
		require.Empty(t, peers)

		seeders, err := s.CountPeers(ctx, ih, true)
		require.NoError(t, err)
		require.Equal(t, 3, seeders)

		leechers, err := s.CountPeers(ctx, ih, false)
		require.NoError(t, err)
		require.Equal(t, 2, leechers)

		// A seeder turning back into a leecher moves between the counts.
		p := TestPeerRecord(ih, 10)
		p.Left = 5
		require.NoError(t, s.PutPeer(ctx, p))

		seeders, err = s.CountPeers(ctx, ih, true)
		require.NoError(t, err)
		require.Equal(t, 2, seeders)

		leechers, err = s.CountPeers(ctx, ih, false)
		require.NoError(t, err)
		require.Equal(t, 3, leechers)
	})

	t.Run("delete peers seen before", func(t *testing.T) {
		// Clear whatever previous subtests left behind.
		_, err := s.DeletePeersSeenBefore(ctx, testEpoch.Add(time.Hour))
		require.NoError(t, err)

		ages := []time.Duration{0, time.Minute, 2 * time.Minute, 3 * time.Minute}
		var records []PeerRecord
		for i, age := range ages {
			p := TestPeerRecord(ih, 20+i)
			p.LastSeenAt = testEpoch.Add(age)
			records = append(records, p)
			require.NoError(t, s.PutPeer(ctx, p))
		}

		// The cutoff is inclusive.
		n, err := s.DeletePeersSeenBefore(ctx, testEpoch.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = s.DeletePeersSeenBefore(ctx, testEpoch.Add(time.Minute))
		require.NoError(t, err)
		require.Zero(t, n)

		for i, p := range records {
			_, err := s.FindPeer(ctx, p.Key())
			if i < 2 {
				require.Equal(t, ErrResourceDoesNotExist, err)
			} else {
				require.NoError(t, err)
			}
		}

		peers, err := s.PeersForTorrent(ctx, ih, 50)
		require.NoError(t, err)
		require.Len(t, peers, 2)

		leechers, err := s.CountPeers(ctx, ih, false)
		require.NoError(t, err)
		require.Equal(t, 2, leechers)
	})

	t.Run("tasks", func(t *testing.T) {
		task := TaskRecord{
			InfoHash:    ih,
			StartCount:  1,
			FirstSeenAt: testEpoch,
			LastSeenAt:  testEpoch,
		}
		require.NoError(t, s.PutTask(ctx, task))

		got, err := s.FindTask(ctx, ih)
		require.NoError(t, err)
		require.Equal(t, task.InfoHash, got.InfoHash)
		require.Equal(t, uint64(1), got.StartCount)
		require.Zero(t, got.CompletedCount)
		require.True(t, task.FirstSeenAt.Equal(got.FirstSeenAt))

		task.StartCount = 4
		task.CompletedCount = 2
		task.LastSeenAt = testEpoch.Add(time.Hour)
		require.NoError(t, s.PutTask(ctx, task))

		got, err = s.FindTask(ctx, ih)
		require.NoError(t, err)
		require.Equal(t, uint64(4), got.StartCount)
		require.Equal(t, uint64(2), got.CompletedCount)
		require.True(t, task.LastSeenAt.Equal(got.LastSeenAt))

		_, err = s.FindTask(ctx, other)
		require.Equal(t, ErrResourceDoesNotExist, err)
	})

	if l, ok := s.(Locker); ok {
		t.Run("locker", func(t *testing.T) {
			unlock, err := l.Lock(ctx, "peer:test")
			require.NoError(t, err)

			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err = l.Lock(short, "peer:test")
			require.Error(t, err)

			unlock()
			unlock, err = l.Lock(ctx, "peer:test")
			require.NoError(t, err)
			unlock()
		})
	}

	errs := s.Stop().Wait()
	require.Empty(t, errs)
}
