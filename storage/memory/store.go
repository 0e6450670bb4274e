// Package memory implements the storage interface for a sparkle tracker
// keeping peer and task records in memory.
package memory

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/storage"
)

// Name is the name by which this store is registered.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                  = 1024
	defaultPrometheusReportingInterval = time.Second * 1
)

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
	var cfg Config
	if err := storage.DecodeConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory Store.
type Config struct {
	ShardCount                  int           `yaml:"shard_count"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"shardCount":         cfg.ShardCount,
		"promReportInterval": cfg.PrometheusReportingInterval,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	return validcfg
}

// New creates a new Store backed by memory.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	s := &store{
		cfg:    cfg,
		shards: make([]*shard, cfg.ShardCount),
		closed: make(chan struct{}),
	}

	for i := range s.shards {
		s.shards[i] = newShard()
	}

	// Start a goroutine for reporting statistics to Prometheus.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		for {
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
				before := time.Now()
				s.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return s, nil
}

// swarm holds every peer of one infohash. Seeders are counted on write so
// that CountPeers does not walk the map.
type swarm struct {
	peers   map[storage.PeerKey]storage.PeerRecord
	seeders int
}

type shard struct {
	swarms map[bittorrent.InfoHash]*swarm
	tasks  map[bittorrent.InfoHash]storage.TaskRecord
	sync.RWMutex
}

func newShard() *shard {
	return &shard{
		swarms: make(map[bittorrent.InfoHash]*swarm),
		tasks:  make(map[bittorrent.InfoHash]storage.TaskRecord),
	}
}

type store struct {
	cfg    Config
	shards []*shard
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

// All records of an infohash share a shard.
func (s *store) shardFor(ih bittorrent.InfoHash) *shard {
	return s.shards[binary.BigEndian.Uint32(ih[:4])%uint32(len(s.shards))]
}

func (s *store) checkOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

// populateProm aggregates metrics over all shards and then posts them to
// prometheus.
func (s *store) populateProm() {
	var stats storage.Stats
	start := time.Now()

	for _, sh := range s.shards {
		sh.RLock()
		stats.Infohashes += len(sh.swarms)
		for _, sw := range sh.swarms {
			stats.Seeders += sw.seeders
			stats.Leechers += len(sw.peers) - sw.seeders
		}
		stats.Tasks += len(sh.tasks)
		sh.RUnlock()
	}

	storage.Report(stats, time.Since(start))
}

func (s *store) FindPeer(_ context.Context, key storage.PeerKey) (storage.PeerRecord, error) {
	s.checkOpen()

	sh := s.shardFor(key.InfoHash)
	sh.RLock()
	defer sh.RUnlock()

	sw, ok := sh.swarms[key.InfoHash]
	if !ok {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	}

	r, ok := sw.peers[key]
	if !ok {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	}

	return r, nil
}

func (s *store) PutPeer(_ context.Context, r storage.PeerRecord) error {
	s.checkOpen()

	key := r.Key()
	sh := s.shardFor(key.InfoHash)
	sh.Lock()
	defer sh.Unlock()

	sw, ok := sh.swarms[key.InfoHash]
	if !ok {
		sw = &swarm{peers: make(map[storage.PeerKey]storage.PeerRecord)}
		sh.swarms[key.InfoHash] = sw
	}

	if old, ok := sw.peers[key]; ok && old.Seeding() {
		sw.seeders--
	}
	if r.Seeding() {
		sw.seeders++
	}
	sw.peers[key] = r

	return nil
}

func (s *store) DeletePeer(_ context.Context, key storage.PeerKey) error {
	s.checkOpen()

	sh := s.shardFor(key.InfoHash)
	sh.Lock()
	defer sh.Unlock()

	sw, ok := sh.swarms[key.InfoHash]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	old, ok := sw.peers[key]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	sw.remove(key, old)
	if len(sw.peers) == 0 {
		delete(sh.swarms, key.InfoHash)
	}

	return nil
}

func (sw *swarm) remove(key storage.PeerKey, r storage.PeerRecord) {
	if r.Seeding() {
		sw.seeders--
	}
	delete(sw.peers, key)
}

// DeletePeersSeenBefore walks the shards one swarm at a time, yielding
// between swarms so that announces are not starved.
func (s *store) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.checkOpen()

	var deleted int
	for _, sh := range s.shards {
		sh.RLock()
		infohashes := make([]bittorrent.InfoHash, 0, len(sh.swarms))
		for ih := range sh.swarms {
			infohashes = append(infohashes, ih)
		}
		sh.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}

			sh.Lock()
			sw, stillExists := sh.swarms[ih]
			if !stillExists {
				sh.Unlock()
				runtime.Gosched()
				continue
			}

			for key, r := range sw.peers {
				if !r.LastSeenAt.After(cutoff) {
					sw.remove(key, r)
					deleted++
				}
			}

			if len(sw.peers) == 0 {
				delete(sh.swarms, ih)
			}

			sh.Unlock()
			runtime.Gosched()
		}
	}

	return deleted, nil
}

func (s *store) PeersForTorrent(_ context.Context, ih bittorrent.InfoHash, limit int) ([]storage.PeerRecord, error) {
	s.checkOpen()

	if limit <= 0 {
		return nil, nil
	}

	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()

	sw, ok := sh.swarms[ih]
	if !ok {
		return nil, nil
	}

	if limit > len(sw.peers) {
		limit = len(sw.peers)
	}

	peers := make([]storage.PeerRecord, 0, limit)
	for _, r := range sw.peers {
		if len(peers) == limit {
			break
		}
		peers = append(peers, r)
	}

	return peers, nil
}

func (s *store) CountPeers(_ context.Context, ih bittorrent.InfoHash, seeding bool) (int, error) {
	s.checkOpen()

	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()

	sw, ok := sh.swarms[ih]
	if !ok {
		return 0, nil
	}

	if seeding {
		return sw.seeders, nil
	}
	return len(sw.peers) - sw.seeders, nil
}

func (s *store) FindTask(_ context.Context, ih bittorrent.InfoHash) (storage.TaskRecord, error) {
	s.checkOpen()

	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()

	t, ok := sh.tasks[ih]
	if !ok {
		return storage.TaskRecord{}, storage.ErrResourceDoesNotExist
	}

	return t, nil
}

func (s *store) PutTask(_ context.Context, r storage.TaskRecord) error {
	s.checkOpen()

	sh := s.shardFor(r.InfoHash)
	sh.Lock()
	sh.tasks[r.InfoHash] = r
	sh.Unlock()

	return nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()

		// Explicitly deallocate our storage.
		shards := make([]*shard, len(s.shards))
		for i := range shards {
			shards[i] = newShard()
		}
		s.shards = shards

		c.Done()
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
