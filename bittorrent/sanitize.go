package bittorrent

import (
	"github.com/sparkle-tracker/sparkle/pkg/log"
)

// ErrInvalidIP indicates an invalid IP for an Announce.
var ErrInvalidIP = ClientError("invalid IP")

// ErrInvalidPort indicates an invalid Port for an Announce.
var ErrInvalidPort = ClientError("invalid port")

// SanitizeAnnounce rejects announces whose peer could not be reached and
// unmaps IPv4-mapped addresses, so that a peer has the same key whichever
// socket family it announced over.
func SanitizeAnnounce(r *AnnounceRequest) error {
	if r.PeerPort == 0 {
		return ErrInvalidPort
	}

	r.PeerIP = r.PeerIP.Unmap()
	r.RequestIP = r.RequestIP.Unmap()
	if !r.PeerIP.IsValid() || r.PeerIP.IsUnspecified() {
		return ErrInvalidIP
	}

	log.Debug("sanitized announce", r)
	return nil
}

// SanitizeNumWant applies a default to an absent numwant and caps a provided
// one at maxNumWant.
func SanitizeNumWant(numWant uint32, provided bool, maxNumWant, defaultNumWant uint32) uint32 {
	if !provided {
		return defaultNumWant
	}
	if numWant > maxNumWant {
		return maxNumWant
	}
	return numWant
}
