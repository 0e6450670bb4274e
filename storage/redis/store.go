// Package redis implements the storage interface for a sparkle tracker
// keeping peer and task records in redis.
//
// A peer is stored as a hash under {prefix}peer:{infohash}:{member}, where
// member is "{peer id}@{peer ip}". It is indexed by:
//
//	{prefix}swarm:{infohash}     zset of members scored by last seen (ms)
//	{prefix}seeders:{infohash}   set of seeding members
//	{prefix}leechers:{infohash}  set of leeching members
//	{prefix}lastseen             zset of "{infohash}:{member}" scored by last seen (ms)
//	{prefix}seeding              set of every seeding "{infohash}:{member}"
//	{prefix}infohashes           set of infohashes with at least one peer
//
// Tasks are hashes under {prefix}task:{infohash}, listed in {prefix}tasks.
//
// The store also implements storage.Locker with redsync mutexes, so that
// several tracker processes can share one redis.
package redis

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/storage"
)

// Name is the name by which this store is registered.
const Name = "redis"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultRedisBroker                 = "redis://127.0.0.1:6379/0"
	defaultRedisReadTimeout            = time.Second * 15
	defaultRedisWriteTimeout           = time.Second * 15
	defaultRedisConnectTimeout         = time.Second * 15
	defaultLockExpiry                  = time.Second * 8
	defaultPoolMaxIdle                 = 8
	defaultPoolMaxActive               = 64
	defaultPoolIdleTimeout             = time.Minute * 4
	defaultPoolHealthCheckAfter        = time.Second * 10
	defaultSweepBatchSize              = 512
)

// lockTries bounds how often a lock is retried when the caller's context
// carries no deadline.
const lockTries = 256

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

// Config holds the configuration of a redis Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	KeyPrefix                   string        `yaml:"key_prefix"`
	RedisBroker                 string        `yaml:"redis_broker"`
	RedisReadTimeout            time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout           time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout         time.Duration `yaml:"redis_connect_timeout"`
	LockExpiry                  time.Duration `yaml:"lock_expiry"`

	PoolMaxIdle     int           `yaml:"pool_max_idle"`
	PoolMaxActive   int           `yaml:"pool_max_active"`
	PoolIdleTimeout time.Duration `yaml:"pool_idle_timeout"`
	// PoolHealthCheckAfter is how long a connection may sit idle before it
	// is pinged on its way out of the pool.
	PoolHealthCheckAfter time.Duration `yaml:"pool_health_check_after"`

	SweepBatchSize int `yaml:"sweep_batch_size"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"promReportInterval":  cfg.PrometheusReportingInterval,
		"keyPrefix":           cfg.KeyPrefix,
		"redisBroker":         cfg.RedisBroker,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"lockExpiry":          cfg.LockExpiry,
		"poolMaxIdle":         cfg.PoolMaxIdle,
		"poolMaxActive":       cfg.PoolMaxActive,
		"poolIdleTimeout":     cfg.PoolIdleTimeout,
		"poolHealthCheck":     cfg.PoolHealthCheckAfter,
		"sweepBatchSize":      cfg.SweepBatchSize,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisBroker",
			"provided": cfg.RedisBroker,
			"default":  validcfg.RedisBroker,
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

	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisReadTimeout",
			"provided": cfg.RedisReadTimeout,
			"default":  validcfg.RedisReadTimeout,
		})
	}

	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisWriteTimeout",
			"provided": cfg.RedisWriteTimeout,
			"default":  validcfg.RedisWriteTimeout,
		})
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisConnectTimeout",
			"provided": cfg.RedisConnectTimeout,
			"default":  validcfg.RedisConnectTimeout,
		})
	}

	if cfg.LockExpiry <= 0 {
		validcfg.LockExpiry = defaultLockExpiry
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LockExpiry",
			"provided": cfg.LockExpiry,
			"default":  validcfg.LockExpiry,
		})
	}

	if cfg.PoolMaxIdle <= 0 {
		validcfg.PoolMaxIdle = defaultPoolMaxIdle
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PoolMaxIdle",
			"provided": cfg.PoolMaxIdle,
			"default":  validcfg.PoolMaxIdle,
		})
	}

	if cfg.PoolMaxActive <= 0 {
		validcfg.PoolMaxActive = defaultPoolMaxActive
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PoolMaxActive",
			"provided": cfg.PoolMaxActive,
			"default":  validcfg.PoolMaxActive,
		})
	}

	if cfg.PoolIdleTimeout <= 0 {
		validcfg.PoolIdleTimeout = defaultPoolIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PoolIdleTimeout",
			"provided": cfg.PoolIdleTimeout,
			"default":  validcfg.PoolIdleTimeout,
		})
	}

	if cfg.PoolHealthCheckAfter <= 0 {
		validcfg.PoolHealthCheckAfter = defaultPoolHealthCheckAfter
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PoolHealthCheckAfter",
			"provided": cfg.PoolHealthCheckAfter,
			"default":  validcfg.PoolHealthCheckAfter,
		})
	}

	if cfg.SweepBatchSize <= 0 {
		validcfg.SweepBatchSize = defaultSweepBatchSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".SweepBatchSize",
			"provided": cfg.SweepBatchSize,
			"default":  validcfg.SweepBatchSize,
		})
	}

	return validcfg
}

// New creates a new Store backed by redis.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	u, err := parseRedisURL(cfg.RedisBroker)
	if err != nil {
		return nil, err
	}

	s := &store{
		cfg:     cfg,
		backend: newBackend(cfg, u),
		closed:  make(chan struct{}),
	}

	conn := s.backend.pool.Get()
	_, err = conn.Do("PING")
	conn.Close()
	if err != nil {
		s.backend.pool.Close()
		return nil, errors.Wrap(err, "failed to reach redis")
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

type peerHash struct {
	InfoHash               string `redis:"info_hash"`
	PeerID                 string `redis:"peer_id"`
	PeerIP                 string `redis:"peer_ip"`
	RequestIP              string `redis:"request_ip"`
	PeerPort               uint16 `redis:"peer_port"`
	UploadedTotal          uint64 `redis:"uploaded_total"`
	DownloadedTotal        uint64 `redis:"downloaded_total"`
	UploadedLastReported   uint64 `redis:"uploaded_last_reported"`
	DownloadedLastReported uint64 `redis:"downloaded_last_reported"`
	Left                   uint64 `redis:"left"`
	LastEvent              uint8  `redis:"last_event"`
	UserAgent              string `redis:"user_agent"`
	FirstSeenAt            int64  `redis:"first_seen_at"`
	LastSeenAt             int64  `redis:"last_seen_at"`
}

func newPeerHash(r storage.PeerRecord) peerHash {
	return peerHash{
		InfoHash:               r.InfoHash.String(),
		PeerID:                 r.PeerID.String(),
		PeerIP:                 r.PeerIP.String(),
		RequestIP:              r.RequestIP.String(),
		PeerPort:               r.PeerPort,
		UploadedTotal:          r.UploadedTotal,
		DownloadedTotal:        r.DownloadedTotal,
		UploadedLastReported:   r.UploadedLastReported,
		DownloadedLastReported: r.DownloadedLastReported,
		Left:                   r.Left,
		LastEvent:              uint8(r.LastEvent),
		UserAgent:              r.UserAgent,
		FirstSeenAt:            r.FirstSeenAt.UnixNano(),
		LastSeenAt:             r.LastSeenAt.UnixNano(),
	}
}

func (h peerHash) record() (storage.PeerRecord, error) {
	ih, err := bittorrent.InfoHashFromHexString(h.InfoHash)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad info_hash %q", h.InfoHash)
	}
	id, err := bittorrent.PeerIDFromHexString(h.PeerID)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad peer_id %q", h.PeerID)
	}
	peerIP, err := storage.ParseAddr(h.PeerIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}
	requestIP, err := storage.ParseAddr(h.RequestIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}

	return storage.PeerRecord{
		RequestIP:              requestIP,
		PeerID:                 id,
		PeerIP:                 peerIP,
		PeerPort:               h.PeerPort,
		InfoHash:               ih,
		UploadedTotal:          h.UploadedTotal,
		DownloadedTotal:        h.DownloadedTotal,
		UploadedLastReported:   h.UploadedLastReported,
		DownloadedLastReported: h.DownloadedLastReported,
		Left:                   h.Left,
		LastEvent:              bittorrent.Event(h.LastEvent),
		UserAgent:              h.UserAgent,
		FirstSeenAt:            time.Unix(0, h.FirstSeenAt),
		LastSeenAt:             time.Unix(0, h.LastSeenAt),
	}, nil
}

type taskHash struct {
	StartCount     uint64 `redis:"start_count"`
	CompletedCount uint64 `redis:"completed_count"`
	FirstSeenAt    int64  `redis:"first_seen_at"`
	LastSeenAt     int64  `redis:"last_seen_at"`
}

func member(k storage.PeerKey) string {
	return k.PeerID.String() + "@" + k.PeerIP.String()
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

type store struct {
	cfg     Config
	backend *backend
	closed  chan struct{}
	wg      sync.WaitGroup
}

var (
	_ storage.Store  = &store{}
	_ storage.Locker = &store{}
)

func (s *store) peerKey(ih, member string) string { return s.cfg.KeyPrefix + "peer:" + ih + ":" + member }
func (s *store) swarmKey(ih string) string         { return s.cfg.KeyPrefix + "swarm:" + ih }
func (s *store) seedersKey(ih string) string       { return s.cfg.KeyPrefix + "seeders:" + ih }
func (s *store) leechersKey(ih string) string      { return s.cfg.KeyPrefix + "leechers:" + ih }
func (s *store) taskKey(ih string) string          { return s.cfg.KeyPrefix + "task:" + ih }
func (s *store) lastSeenKey() string               { return s.cfg.KeyPrefix + "lastseen" }
func (s *store) seedingKey() string                { return s.cfg.KeyPrefix + "seeding" }
func (s *store) infohashesKey() string             { return s.cfg.KeyPrefix + "infohashes" }
func (s *store) tasksKey() string                  { return s.cfg.KeyPrefix + "tasks" }
func (s *store) lockKey(name string) string        { return s.cfg.KeyPrefix + "lock:" + name }

func (s *store) checkOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

// populateProm reads the global indexes and then posts them to prometheus.
func (s *store) populateProm() {
	conn := s.backend.pool.Get()
	defer conn.Close()

	start := time.Now()
	conn.Send("SCARD", s.infohashesKey())
	conn.Send("ZCARD", s.lastSeenKey())
	conn.Send("SCARD", s.seedingKey())
	conn.Send("SCARD", s.tasksKey())
	counts, err := redigolib.Ints(conn.Do(""))
	if err != nil {
		log.Error("storage: failed to collect redis statistics", log.Err(err))
		return
	}

	storage.Report(storage.Stats{
		Infohashes: counts[0],
		Seeders:    counts[2],
		Leechers:   counts[1] - counts[2],
		Tasks:      counts[3],
	}, time.Since(start))
}

func (s *store) FindPeer(ctx context.Context, key storage.PeerKey) (storage.PeerRecord, error) {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return storage.PeerRecord{}, err
	}
	defer conn.Close()

	values, err := redigolib.Values(conn.Do("HGETALL", s.peerKey(key.InfoHash.String(), member(key))))
	if err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "failed to find peer")
	}
	if len(values) == 0 {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	}

	var h peerHash
	if err := redigolib.ScanStruct(values, &h); err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "failed to decode peer")
	}

	return h.record()
}

func (s *store) PutPeer(ctx context.Context, r storage.PeerRecord) error {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ih := r.InfoHash.String()
	m := member(r.Key())
	lsm := ih + ":" + m
	score := millis(r.LastSeenAt)
	h := newPeerHash(r)

	conn.Send("MULTI")
	conn.Send("HMSET", redigolib.Args{}.Add(s.peerKey(ih, m)).AddFlat(&h)...)
	conn.Send("ZADD", s.swarmKey(ih), score, m)
	conn.Send("ZADD", s.lastSeenKey(), score, lsm)
	if r.Seeding() {
		conn.Send("SADD", s.seedersKey(ih), m)
		conn.Send("SREM", s.leechersKey(ih), m)
		conn.Send("SADD", s.seedingKey(), lsm)
	} else {
		conn.Send("SADD", s.leechersKey(ih), m)
		conn.Send("SREM", s.seedersKey(ih), m)
		conn.Send("SREM", s.seedingKey(), lsm)
	}
	conn.Send("SADD", s.infohashesKey(), ih)
	_, err = conn.Do("EXEC")

	return errors.Wrap(err, "failed to put peer")
}

// removePeer runs removePeerScript for the peer identified by ih and m and
// returns its status. An empty cutoff removes the peer unconditionally.
func (s *store) removePeer(conn redigolib.Conn, ih, m, cutoff string, cutoffScore int64) (int, error) {
	lsm := ih + ":" + m
	status, err := redigolib.Int(removePeerScript.Do(conn,
		s.peerKey(ih, m),
		s.swarmKey(ih),
		s.seedersKey(ih),
		s.leechersKey(ih),
		s.lastSeenKey(),
		s.seedingKey(),
		s.infohashesKey(),
		cutoff,
		m,
		lsm,
		ih,
		cutoffScore,
	))
	if err != nil {
		return peerGone, errors.Wrap(err, "failed to remove peer")
	}

	return status, nil
}

func (s *store) DeletePeer(ctx context.Context, key storage.PeerKey) error {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	status, err := s.removePeer(conn, key.InfoHash.String(), member(key), "", 0)
	if err != nil {
		return err
	}
	if status != peerRemoved {
		return storage.ErrResourceDoesNotExist
	}

	return nil
}

// DeletePeersSeenBefore selects candidates by their millisecond score, a
// batch at a time, and lets removePeerScript recheck the exact timestamp so a
// peer refreshed after selection survives.
//
// Removed candidates leave the lastseen index, so each batch is read from the
// start of the range, skipping only the candidates that stay in it.
func (s *store) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	cutoffScore := millis(cutoff)
	cutoffNanos := strconv.FormatInt(cutoff.UnixNano(), 10)

	var deleted, skipped int
	for {
		batch, err := redigolib.Strings(conn.Do("ZRANGEBYSCORE", s.lastSeenKey(), "-inf", cutoffScore,
			"LIMIT", skipped, s.cfg.SweepBatchSize))
		if err != nil {
			return deleted, errors.Wrap(err, "failed to select inactive peers")
		}

		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}

			i := strings.IndexByte(c, ':')
			if i < 0 {
				log.Warn("storage: malformed lastseen member", log.Fields{"member": c})
				skipped++
				continue
			}

			status, err := s.removePeer(conn, c[:i], c[i+1:], cutoffNanos, cutoffScore)
			if err != nil {
				return deleted, err
			}
			switch status {
			case peerRemoved:
				deleted++
			case peerKept:
				skipped++
			}
		}

		if len(batch) < s.cfg.SweepBatchSize {
			return deleted, nil
		}
	}
}

func (s *store) PeersForTorrent(ctx context.Context, ih bittorrent.InfoHash, limit int) ([]storage.PeerRecord, error) {
	s.checkOpen()

	if limit <= 0 {
		return nil, nil
	}

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ihs := ih.String()
	members, err := redigolib.Strings(conn.Do("ZREVRANGE", s.swarmKey(ihs), 0, limit-1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate peers")
	}

	for _, m := range members {
		conn.Send("HGETALL", s.peerKey(ihs, m))
	}
	if err := conn.Flush(); err != nil {
		return nil, errors.Wrap(err, "failed to enumerate peers")
	}

	peers := make([]storage.PeerRecord, 0, len(members))
	for range members {
		values, err := redigolib.Values(conn.Receive())
		if err != nil {
			return nil, errors.Wrap(err, "failed to read peer")
		}
		// Removed between ZREVRANGE and HGETALL.
		if len(values) == 0 {
			continue
		}

		var h peerHash
		if err := redigolib.ScanStruct(values, &h); err != nil {
			return nil, errors.Wrap(err, "failed to decode peer")
		}
		r, err := h.record()
		if err != nil {
			return nil, err
		}
		peers = append(peers, r)
	}

	return peers, nil
}

func (s *store) CountPeers(ctx context.Context, ih bittorrent.InfoHash, seeding bool) (int, error) {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	key := s.leechersKey(ih.String())
	if seeding {
		key = s.seedersKey(ih.String())
	}

	n, err := redigolib.Int(conn.Do("SCARD", key))
	return n, errors.Wrap(err, "failed to count peers")
}

func (s *store) FindTask(ctx context.Context, ih bittorrent.InfoHash) (storage.TaskRecord, error) {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return storage.TaskRecord{}, err
	}
	defer conn.Close()

	values, err := redigolib.Values(conn.Do("HGETALL", s.taskKey(ih.String())))
	if err != nil {
		return storage.TaskRecord{}, errors.Wrap(err, "failed to find task")
	}
	if len(values) == 0 {
		return storage.TaskRecord{}, storage.ErrResourceDoesNotExist
	}

	var h taskHash
	if err := redigolib.ScanStruct(values, &h); err != nil {
		return storage.TaskRecord{}, errors.Wrap(err, "failed to decode task")
	}

	return storage.TaskRecord{
		InfoHash:       ih,
		StartCount:     h.StartCount,
		CompletedCount: h.CompletedCount,
		FirstSeenAt:    time.Unix(0, h.FirstSeenAt),
		LastSeenAt:     time.Unix(0, h.LastSeenAt),
	}, nil
}

func (s *store) PutTask(ctx context.Context, r storage.TaskRecord) error {
	s.checkOpen()

	conn, err := s.backend.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ih := r.InfoHash.String()
	h := taskHash{
		StartCount:     r.StartCount,
		CompletedCount: r.CompletedCount,
		FirstSeenAt:    r.FirstSeenAt.UnixNano(),
		LastSeenAt:     r.LastSeenAt.UnixNano(),
	}

	conn.Send("MULTI")
	conn.Send("HMSET", redigolib.Args{}.Add(s.taskKey(ih)).AddFlat(&h)...)
	conn.Send("SADD", s.tasksKey(), ih)
	_, err = conn.Do("EXEC")

	return errors.Wrap(err, "failed to put task")
}

// Lock acquires a redsync mutex named after name. It is retried until ctx is
// done or the attempts run out.
func (s *store) Lock(ctx context.Context, name string) (func(), error) {
	m := s.backend.redsync.NewMutex(s.lockKey(name),
		redsync.WithExpiry(s.cfg.LockExpiry),
		redsync.WithTries(lockTries),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to lock %s", name)
	}

	return func() {
		if _, err := m.Unlock(); err != nil {
			log.Warn("storage: failed to release redis lock", log.Fields{"name": name}, log.Err(err))
		}
	}, nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		c.Done(s.backend.pool.Close())
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
