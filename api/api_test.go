package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/clock"
	"github.com/sparkle-tracker/sparkle/storage/memory"
	"github.com/sparkle-tracker/sparkle/tracker"
)

const (
	testInfoHash = "0102030405060708090a0b0c0d0e0f1011121314"
	testPeerID   = "2d5350303030312d303030303030303030303031"
)

type fakeTracker struct {
	mu        sync.Mutex
	announces []bittorrent.AnnounceRequest
	numWant   uint32
	peerIP    netip.Addr

	peerList bittorrent.PeerList
	scrape   bittorrent.Scrape
	err      error
	panics   bool
}

func (f *fakeTracker) Announce(req bittorrent.AnnounceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, req)
}

func (f *fakeTracker) FetchPeers(_ context.Context, _ bittorrent.InfoHash, _ bittorrent.PeerID, peerIP netip.Addr, numWant uint32) (bittorrent.PeerList, error) {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numWant, f.peerIP = numWant, peerIP
	return f.peerList, f.err
}

func (f *fakeTracker) Scrape(_ context.Context, ih bittorrent.InfoHash) (bittorrent.Scrape, error) {
	if f.err != nil {
		return bittorrent.Scrape{}, f.err
	}
	s := f.scrape
	s.InfoHash = ih
	return s, nil
}

type envelope struct {
	Ok     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

func do(t *testing.T, s *Server, method, target, body string, header http.Header) (int, envelope) {
	t.Helper()

	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set("User-Agent", "sparkle-test/1.0")

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, r)

	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return w.Code, env
}

func announceBodyJSON(t *testing.T, mutate func(b map[string]interface{})) string {
	t.Helper()
	b := map[string]interface{}{
		"info_hash":  testInfoHash,
		"peer_id":    testPeerID,
		"port":       6881,
		"uploaded":   10,
		"downloaded": 20,
		"left":       30,
		"event":      "started",
	}
	if mutate != nil {
		mutate(b)
	}
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return string(raw)
}

func TestAnnounce(t *testing.T) {
	ft := &fakeTracker{peerList: bittorrent.PeerList{
		IPv4Peers: []bittorrent.Peer{{ID: bittorrent.PeerIDFromString("-SP0001-000000000002"), AddrPort: netip.MustParseAddrPort("10.0.0.2:6882")}},
		IPv6Peers: []bittorrent.Peer{{ID: bittorrent.PeerIDFromString("-SP0001-000000000003"), AddrPort: netip.MustParseAddrPort("[2001:db8::3]:6883")}},
		Seeders:   1,
		Leechers:  1,
		Completed: 7,
	}}
	s := NewServer(Config{}, ft)

	status, env := do(t, s, http.MethodPost, "/announce", announceBodyJSON(t, nil), nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Ok)

	var res peersResult
	require.NoError(t, json.Unmarshal(env.Result, &res))
	require.Equal(t, []peer{{ID: "2d5350303030312d303030303030303030303032", IP: "10.0.0.2", Port: 6882}}, res.Peers4)
	require.Equal(t, []peer{{ID: "2d5350303030312d303030303030303030303033", IP: "2001:db8::3", Port: 6883}}, res.Peers6)
	require.Equal(t, uint64(7), res.Completed)

	require.Len(t, ft.announces, 1)
	req := ft.announces[0]
	require.Equal(t, testInfoHash, req.InfoHash.String())
	require.Equal(t, testPeerID, req.PeerID.String())
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), req.PeerIP)
	require.Equal(t, req.PeerIP, req.RequestIP)
	require.Equal(t, uint16(6881), req.PeerPort)
	require.Equal(t, uint64(10), req.Uploaded)
	require.Equal(t, uint64(20), req.Downloaded)
	require.Equal(t, uint64(30), req.Left)
	require.Equal(t, bittorrent.Started, req.Event)
	require.Equal(t, "sparkle-test/1.0", req.UserAgent)
	require.Equal(t, uint32(defaultDefaultNumWant), ft.numWant)
}

func TestAnnounceRejectsInvalidRequests(t *testing.T) {
	table := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"malformed body", "{", errMalformedBody.Error()},
		{"short infohash", announceBodyJSON(t, func(b map[string]interface{}) { b["info_hash"] = "abcd" }), bittorrent.ErrInvalidInfoHash.Error()},
		{"bad peer id", announceBodyJSON(t, func(b map[string]interface{}) { b["peer_id"] = "zz" }), bittorrent.ErrInvalidPeerID.Error()},
		{"unknown event", announceBodyJSON(t, func(b map[string]interface{}) { b["event"] = "paused" }), errUnknownEvent.Error()},
		{"zero port", announceBodyJSON(t, func(b map[string]interface{}) { b["port"] = 0 }), bittorrent.ErrInvalidPort.Error()},
		{"spoofed ip", announceBodyJSON(t, func(b map[string]interface{}) { b["ip"] = "10.9.9.9" }), errIPSpoofDisabled.Error()},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTracker{}
			s := NewServer(Config{}, ft)

			status, env := do(t, s, http.MethodPost, "/announce", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, status)
			require.False(t, env.Ok)
			require.Equal(t, tt.errMsg, env.Error)
			require.Empty(t, ft.announces)
		})
	}
}

func TestAnnounceIPSpoofing(t *testing.T) {
	ft := &fakeTracker{}
	s := NewServer(Config{AllowIPSpoofing: true}, ft)

	body := announceBodyJSON(t, func(b map[string]interface{}) { b["ip"] = "2001:db8::9" })
	status, _ := do(t, s, http.MethodPost, "/announce", body, nil)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, ft.announces, 1)
	require.Equal(t, netip.MustParseAddr("2001:db8::9"), ft.announces[0].PeerIP)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), ft.announces[0].RequestIP)
}

func TestRealIPHeader(t *testing.T) {
	ft := &fakeTracker{}
	s := NewServer(Config{RealIPHeader: "X-Forwarded-For"}, ft)

	header := http.Header{"X-Forwarded-For": {"198.51.100.7, 10.0.0.1"}}
	status, _ := do(t, s, http.MethodPost, "/announce", announceBodyJSON(t, nil), header)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, netip.MustParseAddr("198.51.100.7"), ft.announces[0].PeerIP)

	header = http.Header{"X-Forwarded-For": {"not-an-ip"}}
	status, env := do(t, s, http.MethodPost, "/announce", announceBodyJSON(t, nil), header)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, bittorrent.ErrInvalidIP.Error(), env.Error)
}

func TestNumWant(t *testing.T) {
	ft := &fakeTracker{}
	s := NewServer(Config{MaxNumWant: 80, DefaultNumWant: 20}, ft)

	body := announceBodyJSON(t, func(b map[string]interface{}) { b["numwant"] = 1000 })
	status, _ := do(t, s, http.MethodPost, "/announce", body, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint32(80), ft.numWant)

	status, _ = do(t, s, http.MethodGet, "/peers/"+testInfoHash+"?numwant=5&peer_id="+testPeerID, "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint32(5), ft.numWant)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), ft.peerIP)

	status, _ = do(t, s, http.MethodGet, "/peers/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint32(20), ft.numWant)

	status, env := do(t, s, http.MethodGet, "/peers/"+testInfoHash+"?numwant=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, errInvalidNumWant.Error(), env.Error)

	// Peer list queries never submit announces.
	require.Len(t, ft.announces, 1)
}

func TestScrape(t *testing.T) {
	ft := &fakeTracker{scrape: bittorrent.Scrape{Seeders: 2, Leechers: 1, Downloaded: 4}}
	s := NewServer(Config{}, ft)

	status, env := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusOK, status)

	var res scrapeResult
	require.NoError(t, json.Unmarshal(env.Result, &res))
	require.Equal(t, scrapeResult{InfoHash: testInfoHash, Seeders: 2, Leechers: 1, Downloaded: 4}, res)

	status, env = do(t, s, http.MethodGet, "/scrape/nothex", "", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, bittorrent.ErrInvalidInfoHash.Error(), env.Error)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	ft := &fakeTracker{err: errors.New("connection refused")}
	s := NewServer(Config{}, ft)

	status, env := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, ErrInternalServerError.Error(), env.Error)

	ft.err = context.DeadlineExceeded
	status, env = do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, errTimeout.Error(), env.Error)

	// A failed peer list does not submit the announce.
	ft.err = errors.New("connection refused")
	status, _ = do(t, s, http.MethodPost, "/announce", announceBodyJSON(t, nil), nil)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Empty(t, ft.announces)
}

func TestRecover(t *testing.T) {
	s := NewServer(Config{}, &fakeTracker{panics: true})

	status, env := do(t, s, http.MethodGet, "/peers/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, ErrInternalServerError.Error(), env.Error)
}

func TestAPIKey(t *testing.T) {
	s := NewServer(Config{APIKey: "hunter2"}, &fakeTracker{})

	status, env := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, errInvalidAPIKey.Error(), env.Error)

	status, _ = do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", http.Header{"X-Api-Key": {"hunter2"}})
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, s, http.MethodGet, "/scrape/"+testInfoHash+"?apikey=hunter2", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestRateLimit(t *testing.T) {
	s := NewServer(Config{RateLimit: 0.001, RateBurst: 1}, &fakeTracker{})

	status, _ := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusOK, status)

	status, env := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, errRateLimited.Error(), env.Error)

	status, env = do(t, s, http.MethodGet, "/check", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Ok)
}

func TestAnnounceThroughTracker(t *testing.T) {
	store, err := memory.New(memory.Config{ShardCount: 4, PrometheusReportingInterval: time.Hour})
	require.NoError(t, err)
	defer func() { require.Empty(t, store.Stop().Wait()) }()

	tkr := tracker.New(tracker.Config{SweepPeriod: time.Hour}, store, clock.NewManual(time.Unix(1700000000, 0)))
	s := NewServer(Config{}, tkr)

	for _, left := range []int{0, 5} {
		body := announceBodyJSON(t, func(b map[string]interface{}) {
			b["left"] = left
			b["port"] = 6881 + left
		})
		r := httptest.NewRequest(http.MethodPost, "/announce", strings.NewReader(body))
		r.RemoteAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(left + 1)}), 40000).String()
		w := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Stopping drains the queued announces.
	require.Empty(t, tkr.Stop().Wait())

	status, env := do(t, s, http.MethodGet, "/scrape/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusOK, status)

	var res scrapeResult
	require.NoError(t, json.Unmarshal(env.Result, &res))
	require.Equal(t, uint64(1), res.Seeders)
	require.Equal(t, uint64(1), res.Leechers)

	status, env = do(t, s, http.MethodGet, "/peers/"+testInfoHash, "", nil)
	require.Equal(t, http.StatusOK, status)

	var pl peersResult
	require.NoError(t, json.Unmarshal(env.Result, &pl))
	require.Len(t, pl.Peers4, 2)
	require.Empty(t, pl.Peers6)
}
