// Package bittorrent holds the decoded values exchanged between a tracker's
// protocol layer and its swarm registry: identifiers, announce and scrape
// requests, and their responses.
package bittorrent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"

	"github.com/sparkle-tracker/sparkle/pkg/log"
)

// ErrInvalidInfoHash is returned when an InfoHash cannot be decoded.
var ErrInvalidInfoHash = ClientError("invalid infohash")

// ErrInvalidPeerID is returned when a PeerID cannot be decoded.
var ErrInvalidPeerID = ClientError("invalid peer ID")

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from the raw bytes of s.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	return PeerIDFromBytes([]byte(s))
}

// PeerIDFromHexString decodes a 40 character hex string into a PeerID.
func PeerIDFromHexString(s string) (PeerID, error) {
	var p PeerID
	if len(s) != 40 {
		return p, ErrInvalidPeerID
	}
	if _, err := hex.Decode(p[:], []byte(s)); err != nil {
		return p, ErrInvalidPeerID
	}
	return p, nil
}

// String implements fmt.Stringer, returning the hex encoded PeerID.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// RawString returns the bytes of the PeerID as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from the raw bytes of s.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	return InfoHashFromBytes([]byte(s))
}

// InfoHashFromHexString decodes a 40 character hex string into an InfoHash.
func InfoHashFromHexString(s string) (InfoHash, error) {
	var ih InfoHash
	if len(s) != 40 {
		return ih, ErrInvalidInfoHash
	}
	if _, err := hex.Decode(ih[:], []byte(s)); err != nil {
		return ih, ErrInvalidInfoHash
	}
	return ih, nil
}

// String implements fmt.Stringer, returning the base16 encoded InfoHash.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}

// AddressFamily is the address family of an IP address.
type AddressFamily uint8

// The address families a peer can be listed under.
const (
	UnknownFamily AddressFamily = iota
	IPv4
	IPv6
)

func (af AddressFamily) String() string {
	switch af {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// FamilyOf classifies addr. IPv4-mapped IPv6 addresses count as IPv4; the
// zero Addr is UnknownFamily.
func FamilyOf(addr netip.Addr) AddressFamily {
	switch {
	case addr.Is4(), addr.Is4In6():
		return IPv4
	case addr.Is6():
		return IPv6
	default:
		return UnknownFamily
	}
}

// AnnounceRequest represents the decoded parameters of an announce.
type AnnounceRequest struct {
	InfoHash InfoHash
	PeerID   PeerID

	// RequestIP is the network-layer source of the announce. PeerIP is the
	// address the peer wants to be reached at; they differ behind NATs and
	// proxies.
	RequestIP netip.Addr
	PeerIP    netip.Addr
	PeerPort  uint16

	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	UserAgent  string
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHash":   r.InfoHash,
		"peerID":     r.PeerID,
		"requestIP":  r.RequestIP,
		"peerIP":     r.PeerIP,
		"peerPort":   r.PeerPort,
		"uploaded":   r.Uploaded,
		"downloaded": r.Downloaded,
		"left":       r.Left,
		"event":      r.Event,
		"userAgent":  r.UserAgent,
	}
}

// Peer is a reachable member of a swarm as returned in a peer list.
type Peer struct {
	ID       PeerID
	AddrPort netip.AddrPort
}

// String implements fmt.Stringer for a human-friendly representation of a
// Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.AddrPort)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   p.ID,
		"ip":   p.AddrPort.Addr(),
		"port": p.AddrPort.Port(),
	}
}

// PeerList is the decoded response to an announce.
//
// Seeders and Leechers count only the peers that were enumerated for this
// list, not the whole swarm. Completed is the torrent's historical download
// count.
type PeerList struct {
	IPv4Peers []Peer
	IPv6Peers []Peer
	Seeders   uint64
	Leechers  uint64
	Completed uint64
}

// LogFields renders the current response as a set of log fields.
func (pl PeerList) LogFields() log.Fields {
	return log.Fields{
		"ipv4Peers": len(pl.IPv4Peers),
		"ipv6Peers": len(pl.IPv6Peers),
		"seeders":   pl.Seeders,
		"leechers":  pl.Leechers,
		"completed": pl.Completed,
	}
}

// Scrape is the aggregate state of a swarm.
type Scrape struct {
	InfoHash   InfoHash
	Seeders    uint64
	Leechers   uint64
	Downloaded uint64
}

// LogFields renders the current scrape as a set of log fields.
func (s Scrape) LogFields() log.Fields {
	return log.Fields{
		"infoHash":   s.InfoHash,
		"seeders":    s.Seeders,
		"leechers":   s.Leechers,
		"downloaded": s.Downloaded,
	}
}

// ClientError represents an error that should be exposed to the client.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// IsClientError reports whether err, or anything it wraps, is a ClientError.
func IsClientError(err error) bool {
	var ce ClientError
	return errors.As(err, &ce)
}
