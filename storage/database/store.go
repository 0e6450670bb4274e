// Package database implements the storage interface for a sparkle tracker
// keeping peer and task records in a SQL database through gorm.
package database

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/storage"
)

// Name is the name by which this store is known in logs.
const Name = "database"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultDsn                         = "data/sparkle.sqlite"
)

func init() {
	// Register the storage drivers.
	storage.RegisterDriver("postgres", postgresDriver{})
	storage.RegisterDriver("sqlite", sqliteDriver{})
}

type postgresDriver struct{}
type sqliteDriver struct{}

func (d postgresDriver) NewStore(icfg interface{}) (storage.Store, error) {
	var cfg Config
	if err := storage.DecodeConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return NewPostgres(cfg)
}

func (d sqliteDriver) NewStore(icfg interface{}) (storage.Store, error) {
	var cfg Config
	if err := storage.DecodeConfig(icfg, &cfg); err != nil {
		return nil, err
	}

	return NewSqlite(cfg)
}

// Config holds the configuration of a database Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	Dsn                         string        `yaml:"dsn"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"dsn":                cfg.Dsn,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
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

// NewPostgres creates a new Store backed by a postgres database.
func NewPostgres(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	return open(cfg, postgres.Open(cfg.Dsn))
}

// NewSqlite creates a new Store backed by an sqlite database.
func NewSqlite(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	return open(cfg, sqlite.Open(cfg.Dsn))
}

func open(cfg Config, dialector gorm.Dialector) (storage.Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.AutoMigrate(&peerRow{}, &taskRow{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	s := &store{
		cfg:    cfg,
		db:     db,
		closed: make(chan struct{}),
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

// Counters are stored as int64 bit patterns and timestamps as unix
// nanoseconds so that both round-trip exactly on every dialect.
type peerRow struct {
	InfoHash               string `gorm:"column:info_hash;primaryKey;size:40"`
	PeerID                 string `gorm:"column:peer_id;primaryKey;size:40"`
	PeerIP                 string `gorm:"column:peer_ip;primaryKey;size:64"`
	RequestIP              string `gorm:"column:request_ip"`
	PeerPort               int32  `gorm:"column:peer_port"`
	UploadedTotal          int64  `gorm:"column:uploaded_total"`
	DownloadedTotal        int64  `gorm:"column:downloaded_total"`
	UploadedLastReported   int64  `gorm:"column:uploaded_last_reported"`
	DownloadedLastReported int64  `gorm:"column:downloaded_last_reported"`
	Left                   int64  `gorm:"column:left_bytes"`
	Seeding                bool   `gorm:"column:seeding;index"`
	LastEvent              uint8  `gorm:"column:last_event"`
	UserAgent              string `gorm:"column:user_agent"`
	FirstSeenAt            int64  `gorm:"column:first_seen_at"`
	LastSeenAt             int64  `gorm:"column:last_seen_at;index"`
}

func (peerRow) TableName() string { return "peers" }

type taskRow struct {
	InfoHash       string `gorm:"column:info_hash;primaryKey;size:40"`
	StartCount     int64  `gorm:"column:start_count"`
	CompletedCount int64  `gorm:"column:completed_count"`
	FirstSeenAt    int64  `gorm:"column:first_seen_at"`
	LastSeenAt     int64  `gorm:"column:last_seen_at"`
}

func (taskRow) TableName() string { return "tasks" }

func newPeerRow(r storage.PeerRecord) peerRow {
	return peerRow{
		InfoHash:               r.InfoHash.String(),
		PeerID:                 r.PeerID.String(),
		PeerIP:                 r.PeerIP.String(),
		RequestIP:              r.RequestIP.String(),
		PeerPort:               int32(r.PeerPort),
		UploadedTotal:          int64(r.UploadedTotal),
		DownloadedTotal:        int64(r.DownloadedTotal),
		UploadedLastReported:   int64(r.UploadedLastReported),
		DownloadedLastReported: int64(r.DownloadedLastReported),
		Left:                   int64(r.Left),
		Seeding:                r.Seeding(),
		LastEvent:              uint8(r.LastEvent),
		UserAgent:              r.UserAgent,
		FirstSeenAt:            r.FirstSeenAt.UnixNano(),
		LastSeenAt:             r.LastSeenAt.UnixNano(),
	}
}

func (row peerRow) record() (storage.PeerRecord, error) {
	ih, err := bittorrent.InfoHashFromHexString(row.InfoHash)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad info_hash %q", row.InfoHash)
	}
	id, err := bittorrent.PeerIDFromHexString(row.PeerID)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad peer_id %q", row.PeerID)
	}
	peerIP, err := storage.ParseAddr(row.PeerIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}
	requestIP, err := storage.ParseAddr(row.RequestIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}

	return storage.PeerRecord{
		RequestIP:              requestIP,
		PeerID:                 id,
		PeerIP:                 peerIP,
		PeerPort:               uint16(row.PeerPort),
		InfoHash:               ih,
		UploadedTotal:          uint64(row.UploadedTotal),
		DownloadedTotal:        uint64(row.DownloadedTotal),
		UploadedLastReported:   uint64(row.UploadedLastReported),
		DownloadedLastReported: uint64(row.DownloadedLastReported),
		Left:                   uint64(row.Left),
		LastEvent:              bittorrent.Event(row.LastEvent),
		UserAgent:              row.UserAgent,
		FirstSeenAt:            time.Unix(0, row.FirstSeenAt),
		LastSeenAt:             time.Unix(0, row.LastSeenAt),
	}, nil
}

type store struct {
	cfg    Config
	db     *gorm.DB
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

// populateProm counts the stored records and then posts them to prometheus.
func (s *store) populateProm() {
	var seeders, leechers, infohashes, tasks int64
	start := time.Now()

	s.db.Model(&peerRow{}).Where("seeding = ?", true).Count(&seeders)
	s.db.Model(&peerRow{}).Where("seeding = ?", false).Count(&leechers)
	s.db.Model(&peerRow{}).Distinct("info_hash").Count(&infohashes)
	s.db.Model(&taskRow{}).Count(&tasks)

	storage.Report(storage.Stats{
		Infohashes: int(infohashes),
		Seeders:    int(seeders),
		Leechers:   int(leechers),
		Tasks:      int(tasks),
	}, time.Since(start))
}

func (s *store) checkOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped database store")
	default:
	}
}

func wherePeer(db *gorm.DB, key storage.PeerKey) *gorm.DB {
	return db.Where("info_hash = ? AND peer_id = ? AND peer_ip = ?",
		key.InfoHash.String(), key.PeerID.String(), key.PeerIP.String())
}

func (s *store) FindPeer(ctx context.Context, key storage.PeerKey) (storage.PeerRecord, error) {
	s.checkOpen()

	var row peerRow
	err := wherePeer(s.db.WithContext(ctx), key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "failed to find peer")
	}

	return row.record()
}

func (s *store) PutPeer(ctx context.Context, r storage.PeerRecord) error {
	s.checkOpen()

	row := newPeerRow(r)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to put peer")
}

func (s *store) DeletePeer(ctx context.Context, key storage.PeerKey) error {
	s.checkOpen()

	tx := wherePeer(s.db.WithContext(ctx), key).Delete(&peerRow{})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "failed to delete peer")
	}
	if tx.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}

	return nil
}

func (s *store) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.checkOpen()

	tx := s.db.WithContext(ctx).Where("last_seen_at <= ?", cutoff.UnixNano()).Delete(&peerRow{})
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "failed to delete inactive peers")
	}

	return int(tx.RowsAffected), nil
}

func (s *store) PeersForTorrent(ctx context.Context, ih bittorrent.InfoHash, limit int) ([]storage.PeerRecord, error) {
	s.checkOpen()

	if limit <= 0 {
		return nil, nil
	}

	var rows []peerRow
	err := s.db.WithContext(ctx).Where("info_hash = ?", ih.String()).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate peers")
	}

	peers := make([]storage.PeerRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		peers = append(peers, r)
	}

	return peers, nil
}

func (s *store) CountPeers(ctx context.Context, ih bittorrent.InfoHash, seeding bool) (int, error) {
	s.checkOpen()

	var n int64
	err := s.db.WithContext(ctx).Model(&peerRow{}).
		Where("info_hash = ? AND seeding = ?", ih.String(), seeding).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count peers")
	}

	return int(n), nil
}

func (s *store) FindTask(ctx context.Context, ih bittorrent.InfoHash) (storage.TaskRecord, error) {
	s.checkOpen()

	var row taskRow
	err := s.db.WithContext(ctx).Where("info_hash = ?", ih.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.TaskRecord{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.TaskRecord{}, errors.Wrap(err, "failed to find task")
	}

	return storage.TaskRecord{
		InfoHash:       ih,
		StartCount:     uint64(row.StartCount),
		CompletedCount: uint64(row.CompletedCount),
		FirstSeenAt:    time.Unix(0, row.FirstSeenAt),
		LastSeenAt:     time.Unix(0, row.LastSeenAt),
	}, nil
}

func (s *store) PutTask(ctx context.Context, r storage.TaskRecord) error {
	s.checkOpen()

	row := taskRow{
		InfoHash:       r.InfoHash.String(),
		StartCount:     int64(r.StartCount),
		CompletedCount: int64(r.CompletedCount),
		FirstSeenAt:    r.FirstSeenAt.UnixNano(),
		LastSeenAt:     r.LastSeenAt.UnixNano(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to put task")
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)

	go func() {
		close(s.closed)
		s.wg.Wait()

		var err error
		if sqlDB, dbErr := s.db.DB(); dbErr == nil {
			err = sqlDB.Close()
		} else {
			err = dbErr
		}
		c.Done(err)
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
