// Package tracker implements the swarm ledger of a BitTorrent tracker: the
// announce state machine with its counter-reset-tolerant traffic accounting,
// peer list construction, scrapes and the eviction of inactive peers.
//
// Announces are persisted asynchronously by a fixed pool of workers. Peer
// lists and scrapes are synchronous reads against the store.
package tracker

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/clock"
	"github.com/sparkle-tracker/sparkle/pkg/keylock"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
	"github.com/sparkle-tracker/sparkle/storage"
)

var (
	// ErrTrackerStopped is returned when an announce is submitted to a
	// tracker that is shutting down.
	ErrTrackerStopped = errors.New("tracker: stopped")

	// ErrQueueFull is returned when an announce is submitted while every
	// slot of the announce queue is taken.
	ErrQueueFull = errors.New("tracker: announce queue full")
)

var tracer = otel.Tracer("github.com/sparkle-tracker/sparkle/tracker")

// locker is satisfied by storage.Locker and *keylock.Striped.
type locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

// Tracker owns every write to the peer and task records of a Store.
type Tracker struct {
	cfg   Config
	store storage.Store
	clock clock.Clock

	peerLocks locker
	taskLocks locker

	// mu guards sends on queue against its close in Stop.
	mu      sync.RWMutex
	stopped bool
	queue   chan bittorrent.AnnounceRequest

	sweepCtx    context.Context
	cancelSweep context.CancelFunc

	workers sync.WaitGroup
	sweeper sync.WaitGroup
}

// New creates a Tracker persisting into store and starts its announce
// workers and its sweeper.
//
// If store implements storage.Locker, its locks serialize announces for the
// same peer and torrent across every process sharing the store. Otherwise
// in-process striped locks are used.
func New(provided Config, store storage.Store, clk clock.Clock) *Tracker {
	cfg := provided.Validate()
	if clk == nil {
		clk = clock.Real{}
	}

	t := &Tracker{
		cfg:   cfg,
		store: store,
		clock: clk,
		queue: make(chan bittorrent.AnnounceRequest, cfg.AnnounceQueueSize),
	}
	t.sweepCtx, t.cancelSweep = context.WithCancel(context.Background())

	if l, ok := store.(storage.Locker); ok {
		t.peerLocks, t.taskLocks = l, l
	} else {
		t.peerLocks, t.taskLocks = keylock.New(cfg.LockStripes), keylock.New(cfg.LockStripes)
	}

	t.workers.Add(cfg.AnnounceWorkers)
	for i := 0; i < cfg.AnnounceWorkers; i++ {
		go t.work()
	}

	t.sweeper.Add(1)
	go t.runSweeper()

	return t
}

// Announce submits req for asynchronous processing and returns immediately.
// The caller cannot observe whether it was persisted. Announces that cannot
// be queued are logged and dropped; the peer's next announce recovers them.
func (t *Tracker) Announce(req bittorrent.AnnounceRequest) {
	if err := t.enqueue(req); err != nil {
		promAnnouncesDroppedTotal.Inc()
		log.Warn("dropped announce", req, log.Err(err))
	}
}

func (t *Tracker) enqueue(req bittorrent.AnnounceRequest) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.stopped {
		return ErrTrackerStopped
	}

	select {
	case t.queue <- req:
		promAnnounceQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Tracker) work() {
	defer t.workers.Done()
	for req := range t.queue {
		promAnnounceQueueDepth.Dec()
		if err := t.HandleAnnounce(context.Background(), req); err != nil {
			log.Error("failed to handle announce", req, log.Err(err))
		}
	}
}

// HandleAnnounce applies req to the peer and task records of its torrent and
// waits for them to be persisted. Requests carrying an undefined event are
// rejected without touching the store.
//
// The whole read-modify-write runs under the lock of the peer key, and the
// task update additionally under the lock of the infohash, so concurrent
// announces for the same peer are never lost.
func (t *Tracker) HandleAnnounce(ctx context.Context, req bittorrent.AnnounceRequest) (err error) {
	if !req.Event.Valid() {
		promAnnounceFailuresTotal.Inc()
		return errors.Wrapf(bittorrent.ErrUnknownEvent, "event %d", uint8(req.Event))
	}

	ctx, span := tracer.Start(ctx, "tracker.HandleAnnounce", trace.WithAttributes(
		attribute.String("info_hash", req.InfoHash.String()),
		attribute.String("event", req.Event.String()),
	))
	defer func() {
		recordAnnounce(req.Event, err)
		endSpan(span, err)
	}()

	now := t.clock.Now()
	key := storage.PeerKey{PeerIP: req.PeerIP, PeerID: req.PeerID, InfoHash: req.InfoHash}

	unlock, err := t.peerLocks.Lock(ctx, "peer:"+key.String())
	if err != nil {
		return errors.Wrap(err, "failed to lock peer")
	}
	defer unlock()

	existed := true
	peer, err := t.store.FindPeer(ctx, key)
	switch {
	case err == nil:
		peer.UploadedTotal = account(peer.UploadedLastReported, peer.UploadedTotal, req.Uploaded)
		peer.DownloadedTotal = account(peer.DownloadedLastReported, peer.DownloadedTotal, req.Downloaded)
	case errors.Is(err, storage.ErrResourceDoesNotExist):
		existed = false
		peer = storage.PeerRecord{
			PeerID:          req.PeerID,
			InfoHash:        req.InfoHash,
			UploadedTotal:   req.Uploaded,
			DownloadedTotal: req.Downloaded,
			FirstSeenAt:     now,
		}
	default:
		return errors.Wrap(err, "failed to find peer")
	}

	peer.UploadedLastReported = req.Uploaded
	peer.DownloadedLastReported = req.Downloaded
	peer.UserAgent = req.UserAgent
	peer.Left = req.Left
	peer.PeerPort = req.PeerPort
	peer.PeerIP = req.PeerIP
	peer.RequestIP = req.RequestIP
	peer.LastEvent = req.Event
	peer.LastSeenAt = now

	if err = t.updateTask(ctx, req.InfoHash, req.Event, now); err != nil {
		return err
	}

	if req.Event == bittorrent.Stopped && existed {
		err = t.store.DeletePeer(ctx, key)
		if errors.Is(err, storage.ErrResourceDoesNotExist) {
			// Swept between the lookup and now.
			err = nil
		}
		return errors.Wrap(err, "failed to delete peer")
	}

	return errors.Wrap(t.store.PutPeer(ctx, peer), "failed to put peer")
}

func (t *Tracker) updateTask(ctx context.Context, ih bittorrent.InfoHash, e bittorrent.Event, now time.Time) error {
	unlock, err := t.taskLocks.Lock(ctx, "task:"+ih.String())
	if err != nil {
		return errors.Wrap(err, "failed to lock task")
	}
	defer unlock()

	task, err := t.store.FindTask(ctx, ih)
	if errors.Is(err, storage.ErrResourceDoesNotExist) {
		task = storage.TaskRecord{InfoHash: ih, FirstSeenAt: now}
	} else if err != nil {
		return errors.Wrap(err, "failed to find task")
	}

	switch e {
	case bittorrent.Started:
		task.StartCount++
	case bittorrent.Completed:
		task.CompletedCount++
	}
	task.LastSeenAt = now

	return errors.Wrap(t.store.PutTask(ctx, task), "failed to put task")
}

// account folds a peer's reported session counter into its running total.
//
// A report below the last one means the client restarted its session, so the
// report is added on top of the total. Otherwise the report replaces the
// total.
func account(lastReported, total, reported uint64) uint64 {
	if lastReported > reported {
		return total + reported
	}
	return reported
}

// FetchPeers builds the peer list answering an announce for ih.
//
// At most min(numWant, MaxPeersReturn) peers are listed, and the seeder and
// leecher counts cover only the listed peers. The requesting peer is not
// filtered out.
func (t *Tracker) FetchPeers(ctx context.Context, ih bittorrent.InfoHash, peerID bittorrent.PeerID, peerIP netip.Addr, numWant uint32) (pl bittorrent.PeerList, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tracker.FetchPeers", trace.WithAttributes(
		attribute.String("info_hash", ih.String()),
		attribute.String("peer_id", peerID.String()),
		attribute.String("peer_ip", peerIP.String()),
		attribute.Int64("numwant", int64(numWant)),
	))
	defer func() {
		recordQueryDuration("peers", err, time.Since(start))
		endSpan(span, err)
	}()

	limit := t.cfg.MaxPeersReturn
	if uint64(numWant) < uint64(limit) {
		limit = int(numWant)
	}

	var (
		peers []storage.PeerRecord
		task  storage.TaskRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		peers, err = t.store.PeersForTorrent(gctx, ih, limit)
		return errors.Wrap(err, "failed to enumerate peers")
	})
	g.Go(func() (err error) {
		task, err = t.store.FindTask(gctx, ih)
		if errors.Is(err, storage.ErrResourceDoesNotExist) {
			return nil
		}
		return errors.Wrap(err, "failed to find task")
	})
	if err = g.Wait(); err != nil {
		return bittorrent.PeerList{}, err
	}

	pl.Completed = task.CompletedCount
	for _, p := range peers {
		if p.Seeding() {
			pl.Seeders++
		} else {
			pl.Leechers++
		}

		switch bittorrent.FamilyOf(p.PeerIP) {
		case bittorrent.IPv4:
			pl.IPv4Peers = append(pl.IPv4Peers, p.Peer())
		case bittorrent.IPv6:
			pl.IPv6Peers = append(pl.IPv6Peers, p.Peer())
		}
	}

	log.Debug("generated peer list", pl, log.Fields{"infoHash": ih, "numWant": numWant, "limit": limit})
	return pl, nil
}

// Scrape counts the whole swarm of ih.
func (t *Tracker) Scrape(ctx context.Context, ih bittorrent.InfoHash) (s bittorrent.Scrape, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tracker.Scrape", trace.WithAttributes(
		attribute.String("info_hash", ih.String()),
	))
	defer func() {
		recordQueryDuration("scrape", err, time.Since(start))
		endSpan(span, err)
	}()

	s.InfoHash = ih

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := t.store.CountPeers(gctx, ih, true)
		s.Seeders = uint64(n)
		return errors.Wrap(err, "failed to count seeders")
	})
	g.Go(func() error {
		n, err := t.store.CountPeers(gctx, ih, false)
		s.Leechers = uint64(n)
		return errors.Wrap(err, "failed to count leechers")
	})
	g.Go(func() error {
		task, err := t.store.FindTask(gctx, ih)
		if errors.Is(err, storage.ErrResourceDoesNotExist) {
			return nil
		}
		s.Downloaded = task.CompletedCount
		return errors.Wrap(err, "failed to find task")
	})
	if err = g.Wait(); err != nil {
		return bittorrent.Scrape{InfoHash: ih}, err
	}

	return s, nil
}

// SweepInactive deletes every peer last seen at or before now minus
// threshold and returns how many were deleted.
func (t *Tracker) SweepInactive(ctx context.Context, now time.Time, threshold time.Duration) (n int, err error) {
	start := time.Now()
	cutoff := now.Add(-threshold)
	ctx, span := tracer.Start(ctx, "tracker.SweepInactive", trace.WithAttributes(
		attribute.String("cutoff", cutoff.Format(time.RFC3339Nano)),
	))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", n))
		endSpan(span, err)
	}()

	n, err = t.store.DeletePeersSeenBefore(ctx, cutoff)
	if err != nil {
		return n, errors.Wrap(err, "failed to delete inactive peers")
	}

	recordSweep(n, time.Since(start))
	return n, nil
}

func (t *Tracker) runSweeper() {
	defer t.sweeper.Done()

	ticker := time.NewTicker(t.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.sweepCtx.Done():
			return
		case <-ticker.C:
			n, err := t.SweepInactive(t.sweepCtx, t.clock.Now(), t.cfg.InactivityThreshold)
			if err != nil {
				if t.sweepCtx.Err() == nil {
					log.Error("failed to sweep inactive peers", log.Err(err))
				}
				continue
			}
			log.Debug("swept inactive peers", log.Fields{"deleted": n})
		}
	}
}

// Stop refuses new announces, waits for the queued ones to be persisted and
// stops the sweeper. The store is not stopped.
func (t *Tracker) Stop() stop.Result {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return stop.AlreadyStopped
	}
	t.stopped = true
	close(t.queue)
	t.mu.Unlock()

	t.cancelSweep()

	c := make(stop.Channel)
	go func() {
		t.workers.Wait()
		t.sweeper.Wait()
		c.Done()
	}()

	return c.Result()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
