package storage

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
)

// PeerKey identifies a PeerRecord. At most one record exists per key.
type PeerKey struct {
	PeerIP   netip.Addr
	PeerID   bittorrent.PeerID
	InfoHash bittorrent.InfoHash
}

// String renders the key in a form usable as a lock or document name.
func (k PeerKey) String() string {
	return k.InfoHash.String() + ":" + k.PeerID.String() + "@" + k.PeerIP.String()
}

// LogFields renders the key as a set of log fields.
func (k PeerKey) LogFields() log.Fields {
	return log.Fields{
		"infoHash": k.InfoHash,
		"peerID":   k.PeerID,
		"peerIP":   k.PeerIP,
	}
}

// ParseAddr parses an address stored by a driver in its String form. The
// rendering of the zero netip.Addr parses back to the zero Addr.
func ParseAddr(s string) (netip.Addr, error) {
	if s == (netip.Addr{}).String() {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	return addr, errors.Wrapf(err, "bad address %q", s)
}

// PeerRecord is the tracker's state for one peer in one swarm.
type PeerRecord struct {
	RequestIP netip.Addr
	PeerID    bittorrent.PeerID
	PeerIP    netip.Addr
	PeerPort  uint16
	InfoHash  bittorrent.InfoHash

	// UploadedTotal and DownloadedTotal are maintained by the tracker and
	// never decrease. The LastReported values are the raw counters of the
	// peer's latest announce and only serve to detect client restarts.
	UploadedTotal          uint64
	DownloadedTotal        uint64
	UploadedLastReported   uint64
	DownloadedLastReported uint64

	Left        uint64
	LastEvent   bittorrent.Event
	UserAgent   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Key returns the identity of the record.
func (r PeerRecord) Key() PeerKey {
	return PeerKey{PeerIP: r.PeerIP, PeerID: r.PeerID, InfoHash: r.InfoHash}
}

// Seeding reports whether the peer has nothing left to download.
func (r PeerRecord) Seeding() bool {
	return r.Left == 0
}

// Peer returns the record as a peer list entry.
func (r PeerRecord) Peer() bittorrent.Peer {
	return bittorrent.Peer{
		ID:       r.PeerID,
		AddrPort: netip.AddrPortFrom(r.PeerIP, r.PeerPort),
	}
}

// LogFields renders the record as a set of log fields.
func (r PeerRecord) LogFields() log.Fields {
	return log.Fields{
		"infoHash":        r.InfoHash,
		"peerID":          r.PeerID,
		"peerIP":          r.PeerIP,
		"peerPort":        r.PeerPort,
		"requestIP":       r.RequestIP,
		"uploadedTotal":   r.UploadedTotal,
		"downloadedTotal": r.DownloadedTotal,
		"left":            r.Left,
		"lastEvent":       r.LastEvent,
		"lastSeenAt":      r.LastSeenAt,
	}
}

// TaskRecord is the durable per-torrent ledger. The core never deletes it.
type TaskRecord struct {
	InfoHash bittorrent.InfoHash

	// StartCount counts every started announce ever received, and
	// CompletedCount every completed announce. Neither is a live gauge.
	StartCount     uint64
	CompletedCount uint64

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// LogFields renders the record as a set of log fields.
func (r TaskRecord) LogFields() log.Fields {
	return log.Fields{
		"infoHash":       r.InfoHash,
		"startCount":     r.StartCount,
		"completedCount": r.CompletedCount,
		"lastSeenAt":     r.LastSeenAt,
	}
}
