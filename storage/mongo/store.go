// Package mongo implements the storage interface for a sparkle tracker
// keeping peer and task records in MongoDB.
package mongo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/storage"
)

// Name is the name by which this store is registered.
const Name = "mongo"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultURI                         = "mongodb://localhost:27017"
	defaultDatabase                    = "sparkle"
	defaultConnectTimeout              = time.Second * 10
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

// Config holds the configuration of a mongo Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	URI                         string        `yaml:"uri"`
	Database                    string        `yaml:"database"`
	ConnectTimeout              time.Duration `yaml:"connect_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"uri":                cfg.URI,
		"database":           cfg.Database,
		"connectTimeout":     cfg.ConnectTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.URI == "" {
		validcfg.URI = defaultURI
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".URI",
			"provided": cfg.URI,
			"default":  validcfg.URI,
		})
	}

	if cfg.Database == "" {
		validcfg.Database = defaultDatabase
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Database",
			"provided": cfg.Database,
			"default":  validcfg.Database,
		})
	}

	if cfg.ConnectTimeout <= 0 {
		validcfg.ConnectTimeout = defaultConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ConnectTimeout",
			"provided": cfg.ConnectTimeout,
			"default":  validcfg.ConnectTimeout,
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

// New connects to MongoDB and creates a new Store backed by it.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to reach mongo")
	}

	db := client.Database(cfg.Database)
	s := &store{
		cfg:    cfg,
		client: client,
		peers:  db.Collection("peers"),
		tasks:  db.Collection("tasks"),
		closed: make(chan struct{}),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to create mongo indexes")
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
// nanoseconds, as BSON has no unsigned integers.
type peerDoc struct {
	ID                     string `bson:"_id"`
	InfoHash               string `bson:"infoHash"`
	PeerID                 string `bson:"peerId"`
	PeerIP                 string `bson:"peerIp"`
	RequestIP              string `bson:"requestIp"`
	PeerPort               int32  `bson:"peerPort"`
	UploadedTotal          int64  `bson:"uploadedTotal"`
	DownloadedTotal        int64  `bson:"downloadedTotal"`
	UploadedLastReported   int64  `bson:"uploadedLastReported"`
	DownloadedLastReported int64  `bson:"downloadedLastReported"`
	Left                   int64  `bson:"left"`
	Seeding                bool   `bson:"seeding"`
	LastEvent              int32  `bson:"lastEvent"`
	UserAgent              string `bson:"userAgent"`
	FirstSeenAt            int64  `bson:"firstSeenAt"`
	LastSeenAt             int64  `bson:"lastSeenAt"`
}

type taskDoc struct {
	ID             string `bson:"_id"`
	StartCount     int64  `bson:"startCount"`
	CompletedCount int64  `bson:"completedCount"`
	FirstSeenAt    int64  `bson:"firstSeenAt"`
	LastSeenAt     int64  `bson:"lastSeenAt"`
}

func toPeerDoc(r storage.PeerRecord) peerDoc {
	return peerDoc{
		ID:                     r.Key().String(),
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
		LastEvent:              int32(r.LastEvent),
		UserAgent:              r.UserAgent,
		FirstSeenAt:            r.FirstSeenAt.UnixNano(),
		LastSeenAt:             r.LastSeenAt.UnixNano(),
	}
}

func fromPeerDoc(d peerDoc) (storage.PeerRecord, error) {
	ih, err := bittorrent.InfoHashFromHexString(d.InfoHash)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad infoHash %q", d.InfoHash)
	}
	id, err := bittorrent.PeerIDFromHexString(d.PeerID)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrapf(err, "bad peerId %q", d.PeerID)
	}
	peerIP, err := storage.ParseAddr(d.PeerIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}
	requestIP, err := storage.ParseAddr(d.RequestIP)
	if err != nil {
		return storage.PeerRecord{}, err
	}

	return storage.PeerRecord{
		RequestIP:              requestIP,
		PeerID:                 id,
		PeerIP:                 peerIP,
		PeerPort:               uint16(d.PeerPort),
		InfoHash:               ih,
		UploadedTotal:          uint64(d.UploadedTotal),
		DownloadedTotal:        uint64(d.DownloadedTotal),
		UploadedLastReported:   uint64(d.UploadedLastReported),
		DownloadedLastReported: uint64(d.DownloadedLastReported),
		Left:                   uint64(d.Left),
		LastEvent:              bittorrent.Event(d.LastEvent),
		UserAgent:              d.UserAgent,
		FirstSeenAt:            time.Unix(0, d.FirstSeenAt),
		LastSeenAt:             time.Unix(0, d.LastSeenAt),
	}, nil
}

type store struct {
	cfg    Config
	client *mongo.Client
	peers  *mongo.Collection
	tasks  *mongo.Collection
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

// EnsureIndexes creates the indexes swarm enumeration and sweeping rely on.
func (s *store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "infoHash", Value: 1}, {Key: "seeding", Value: 1}}},
		{Keys: bson.D{{Key: "lastSeenAt", Value: 1}}},
	}
	_, err := s.peers.Indexes().CreateMany(ctx, models)
	return err
}

func (s *store) checkOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped mongo store")
	default:
	}
}

// populateProm counts the stored documents and then posts them to
// prometheus.
func (s *store) populateProm() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PrometheusReportingInterval)
	defer cancel()

	start := time.Now()
	seeders, err := s.peers.CountDocuments(ctx, bson.M{"seeding": true})
	if err != nil {
		log.Error("storage: failed to count seeders", log.Err(err))
		return
	}
	leechers, err := s.peers.CountDocuments(ctx, bson.M{"seeding": false})
	if err != nil {
		log.Error("storage: failed to count leechers", log.Err(err))
		return
	}
	infohashes, err := s.peers.Distinct(ctx, "infoHash", bson.D{})
	if err != nil {
		log.Error("storage: failed to count infohashes", log.Err(err))
		return
	}
	tasks, err := s.tasks.EstimatedDocumentCount(ctx)
	if err != nil {
		log.Error("storage: failed to count tasks", log.Err(err))
		return
	}

	storage.Report(storage.Stats{
		Infohashes: len(infohashes),
		Seeders:    int(seeders),
		Leechers:   int(leechers),
		Tasks:      int(tasks),
	}, time.Since(start))
}

func (s *store) FindPeer(ctx context.Context, key storage.PeerKey) (storage.PeerRecord, error) {
	s.checkOpen()

	var doc peerDoc
	if err := s.peers.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
		}
		return storage.PeerRecord{}, errors.Wrap(err, "failed to find peer")
	}

	return fromPeerDoc(doc)
}

func (s *store) PutPeer(ctx context.Context, r storage.PeerRecord) error {
	s.checkOpen()

	doc := toPeerDoc(r)
	_, err := s.peers.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "failed to put peer")
}

func (s *store) DeletePeer(ctx context.Context, key storage.PeerKey) error {
	s.checkOpen()

	res, err := s.peers.DeleteOne(ctx, bson.M{"_id": key.String()})
	if err != nil {
		return errors.Wrap(err, "failed to delete peer")
	}
	if res.DeletedCount == 0 {
		return storage.ErrResourceDoesNotExist
	}

	return nil
}

func (s *store) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.checkOpen()

	res, err := s.peers.DeleteMany(ctx, bson.M{"lastSeenAt": bson.M{"$lte": cutoff.UnixNano()}})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete inactive peers")
	}

	return int(res.DeletedCount), nil
}

func (s *store) PeersForTorrent(ctx context.Context, ih bittorrent.InfoHash, limit int) ([]storage.PeerRecord, error) {
	s.checkOpen()

	if limit <= 0 {
		return nil, nil
	}

	cursor, err := s.peers.Find(ctx, bson.M{"infoHash": ih.String()}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate peers")
	}
	defer cursor.Close(ctx)

	var docs []peerDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to read peers")
	}

	peers := make([]storage.PeerRecord, 0, len(docs))
	for _, d := range docs {
		r, err := fromPeerDoc(d)
		if err != nil {
			return nil, err
		}
		peers = append(peers, r)
	}

	return peers, nil
}

func (s *store) CountPeers(ctx context.Context, ih bittorrent.InfoHash, seeding bool) (int, error) {
	s.checkOpen()

	n, err := s.peers.CountDocuments(ctx, bson.M{"infoHash": ih.String(), "seeding": seeding})
	if err != nil {
		return 0, errors.Wrap(err, "failed to count peers")
	}

	return int(n), nil
}

func (s *store) FindTask(ctx context.Context, ih bittorrent.InfoHash) (storage.TaskRecord, error) {
	s.checkOpen()

	var doc taskDoc
	if err := s.tasks.FindOne(ctx, bson.M{"_id": ih.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return storage.TaskRecord{}, storage.ErrResourceDoesNotExist
		}
		return storage.TaskRecord{}, errors.Wrap(err, "failed to find task")
	}

	return storage.TaskRecord{
		InfoHash:       ih,
		StartCount:     uint64(doc.StartCount),
		CompletedCount: uint64(doc.CompletedCount),
		FirstSeenAt:    time.Unix(0, doc.FirstSeenAt),
		LastSeenAt:     time.Unix(0, doc.LastSeenAt),
	}, nil
}

func (s *store) PutTask(ctx context.Context, r storage.TaskRecord) error {
	s.checkOpen()

	doc := taskDoc{
		ID:             r.InfoHash.String(),
		StartCount:     int64(r.StartCount),
		CompletedCount: int64(r.CompletedCount),
		FirstSeenAt:    r.FirstSeenAt.UnixNano(),
		LastSeenAt:     r.LastSeenAt.UnixNano(),
	}
	_, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "failed to put task")
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		c.Done(s.client.Disconnect(ctx))
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
