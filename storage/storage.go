// Package storage defines the durable keyed stores the tracker keeps its peer
// and task records in, and a registry of drivers implementing them.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

// ErrResourceDoesNotExist is returned by lookups and deletes when the
// requested record does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewStore when a store
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("store driver with that name does not exist")

// PeerStore persists PeerRecords keyed by PeerKey.
type PeerStore interface {
	// FindPeer returns the record stored under key, or
	// ErrResourceDoesNotExist.
	FindPeer(ctx context.Context, key PeerKey) (PeerRecord, error)

	// PutPeer inserts or replaces the record stored under r.Key().
	PutPeer(ctx context.Context, r PeerRecord) error

	// DeletePeer removes the record stored under key, or returns
	// ErrResourceDoesNotExist.
	DeletePeer(ctx context.Context, key PeerKey) error

	// DeletePeersSeenBefore removes every record whose LastSeenAt is at or
	// before cutoff and returns how many were removed.
	//
	// It must be safe to call while other methods run concurrently.
	DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int, error)

	// PeersForTorrent returns at most limit records of the swarm. A
	// non-positive limit returns no records.
	PeersForTorrent(ctx context.Context, ih bittorrent.InfoHash, limit int) ([]PeerRecord, error)

	// CountPeers counts the swarm's seeders if seeding is true, and its
	// leechers otherwise.
	CountPeers(ctx context.Context, ih bittorrent.InfoHash, seeding bool) (int, error)
}

// TaskStore persists TaskRecords keyed by infohash.
type TaskStore interface {
	// FindTask returns the record of ih, or ErrResourceDoesNotExist.
	FindTask(ctx context.Context, ih bittorrent.InfoHash) (TaskRecord, error)

	// PutTask inserts or replaces the record of r.InfoHash.
	PutTask(ctx context.Context, r TaskRecord) error
}

// Store is a PeerStore and a TaskStore sharing one backend.
type Store interface {
	PeerStore
	TaskStore

	// Stop releases the backend. For more details see the documentation
	// in the stop package.
	stop.Stopper
}

// Locker is implemented by stores that can serialize writers across
// processes. Names of the same value must exclude each other.
type Locker interface {
	// Lock blocks until name is held or ctx is done. The returned function
	// releases the lock.
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store given a name from the list of
// registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewStore(cfg)
}

// DecodeConfig re-marshals a generic YAML value into the driver's own Config
// type.
func DecodeConfig(icfg interface{}, out interface{}) error {
	b, err := yaml.Marshal(icfg)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}
