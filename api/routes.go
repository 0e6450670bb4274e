package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/julienschmidt/httprouter"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
)

// maxBodySize bounds the announce body. A well formed one is a few hundred
// bytes.
const maxBodySize = 4096

// ResponseFunc is the type of function that handles an API request and returns
// an HTTP status code, an optional response to be embedded and an error.
type ResponseFunc func(http.ResponseWriter, *http.Request, httprouter.Params) (status int, result interface{}, err error)

// NoResultResponseFunc is the type of function that handles an API request and
// returns an HTTP status code and an error.
type NoResultResponseFunc func(http.ResponseWriter, *http.Request, httprouter.Params) (status int, err error)

// ErrInternalServerError is the error used for failed and recovered API calls.
var ErrInternalServerError = errors.New("internal server error")

var (
	errInvalidAPIKey   = errors.New("invalid API key")
	errRateLimited     = errors.New("too many requests")
	errTimeout         = errors.New("request timed out")
	errMalformedBody   = bittorrent.ClientError("malformed request body")
	errUnknownEvent    = bittorrent.ClientError("unknown event")
	errInvalidNumWant  = bittorrent.ClientError("invalid numwant")
	errIPSpoofDisabled = bittorrent.ClientError("ip parameter not allowed")
)

type response struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type announceBody struct {
	InfoHash   string  `json:"info_hash"`
	PeerID     string  `json:"peer_id"`
	IP         string  `json:"ip,omitempty"`
	Port       uint16  `json:"port"`
	Uploaded   uint64  `json:"uploaded"`
	Downloaded uint64  `json:"downloaded"`
	Left       uint64  `json:"left"`
	Event      string  `json:"event"`
	NumWant    *uint32 `json:"numwant,omitempty"`
}

type peer struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

type peersResult struct {
	Peers4    []peer `json:"peers4"`
	Peers6    []peer `json:"peers6"`
	Seeders   uint64 `json:"seeders"`
	Leechers  uint64 `json:"leechers"`
	Completed uint64 `json:"completed"`
}

type scrapeResult struct {
	InfoHash   string `json:"info_hash"`
	Seeders    uint64 `json:"seeders"`
	Leechers   uint64 `json:"leechers"`
	Downloaded uint64 `json:"downloaded"`
}

func newPeersResult(pl bittorrent.PeerList) peersResult {
	res := peersResult{
		Peers4:    make([]peer, 0, len(pl.IPv4Peers)),
		Peers6:    make([]peer, 0, len(pl.IPv6Peers)),
		Seeders:   pl.Seeders,
		Leechers:  pl.Leechers,
		Completed: pl.Completed,
	}
	for _, p := range pl.IPv4Peers {
		res.Peers4 = append(res.Peers4, peer{ID: p.ID.String(), IP: p.AddrPort.Addr().Unmap().String(), Port: p.AddrPort.Port()})
	}
	for _, p := range pl.IPv6Peers {
		res.Peers6 = append(res.Peers6, peer{ID: p.ID.String(), IP: p.AddrPort.Addr().String(), Port: p.AddrPort.Port()})
	}
	return res
}

func (s *Server) makeHandler(action string, inner ResponseFunc) httprouter.Handle {
	if s.cfg.APIKey != "" {
		inner = authorizationHandler(inner, s.cfg.APIKey)
	}
	handler := logHandler(recoverHandler(inner))

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		resp := response{}

		status, result, err := handler(w, r, p)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Ok = true
		}
		if result != nil {
			resp.Result = result
		}

		writeResponse(w, status, resp)
		recordResponseDuration(action, err, time.Since(start))
	}
}

func writeResponse(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("api: unable to send response", log.Err(err))
	}
}

func authorizationHandler(inner ResponseFunc, apiKey string) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		token := getAPIKey(r)
		if token != apiKey {
			return http.StatusForbidden, nil, errInvalidAPIKey
		}

		return inner(w, r, p)
	}
}

func getAPIKey(r *http.Request) string {
	token := r.Header.Get("X-API-Key")

	if token == "" {
		token = r.URL.Query().Get("apikey")
	}

	return token
}

func logHandler(inner ResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		before := time.Now()

		status, result, err := inner(w, r, p)

		fields := log.Fields{
			"status":     status,
			"duration":   time.Since(before),
			"remoteAddr": r.RemoteAddr,
			"method":     r.Method,
			"path":       r.URL.EscapedPath(),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("api: request failed", fields)
		} else {
			log.Debug("api: handled request", fields)
		}

		return status, result, err
	}
}

func recoverHandler(inner ResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (status int, result interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("api: recovered", log.Fields{"panic": rec})
				status = http.StatusInternalServerError
				result = nil
				err = ErrInternalServerError
			}
		}()

		status, result, err = inner(w, r, p)
		return
	}
}

func noResultHandler(inner NoResultResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		status, err := inner(w, r, p)

		return status, nil, err
	}
}

// handleError maps err to a status and the error exposed to the client.
// Only client errors are exposed verbatim.
func handleError(err error) (int, error) {
	switch {
	case err == nil:
		return http.StatusOK, nil
	case bittorrent.IsClientError(err):
		return http.StatusBadRequest, err
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTimeout
	}

	log.Error("api: internal error", log.Err(err))
	return http.StatusInternalServerError, ErrInternalServerError
}

func parseInfoHash(raw string) (bittorrent.InfoHash, error) {
	var h metainfo.Hash
	if err := h.FromHexString(raw); err != nil {
		return bittorrent.InfoHash{}, bittorrent.ErrInvalidInfoHash
	}
	return bittorrent.InfoHash(h), nil
}

// parsePeerID accepts a hex encoded or a raw 20 byte peer ID.
func parsePeerID(raw string) (bittorrent.PeerID, error) {
	if len(raw) == 20 {
		return bittorrent.PeerIDFromString(raw), nil
	}
	return bittorrent.PeerIDFromHexString(raw)
}

// requestIP returns the address the request came from, preferring the first
// entry of the real IP header when one is configured and present.
func (s *Server) requestIP(r *http.Request) (netip.Addr, error) {
	if s.cfg.RealIPHeader != "" {
		if v := r.Header.Get(s.cfg.RealIPHeader); v != "" {
			addr, err := netip.ParseAddr(strings.TrimSpace(strings.Split(v, ",")[0]))
			if err != nil {
				return netip.Addr{}, bittorrent.ErrInvalidIP
			}
			return addr.Unmap(), nil
		}
	}

	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, bittorrent.ErrInvalidIP
	}
	return ap.Addr().Unmap(), nil
}

func (s *Server) parseAnnounce(r *http.Request) (bittorrent.AnnounceRequest, uint32, error) {
	var body announceBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		return bittorrent.AnnounceRequest{}, 0, errMalformedBody
	}

	ih, err := parseInfoHash(body.InfoHash)
	if err != nil {
		return bittorrent.AnnounceRequest{}, 0, err
	}

	peerID, err := parsePeerID(body.PeerID)
	if err != nil {
		return bittorrent.AnnounceRequest{}, 0, err
	}

	event, err := bittorrent.NewEvent(body.Event)
	if err != nil {
		return bittorrent.AnnounceRequest{}, 0, errUnknownEvent
	}

	requestIP, err := s.requestIP(r)
	if err != nil {
		return bittorrent.AnnounceRequest{}, 0, err
	}

	peerIP := requestIP
	if body.IP != "" {
		if !s.cfg.AllowIPSpoofing {
			return bittorrent.AnnounceRequest{}, 0, errIPSpoofDisabled
		}
		if peerIP, err = netip.ParseAddr(body.IP); err != nil {
			return bittorrent.AnnounceRequest{}, 0, bittorrent.ErrInvalidIP
		}
	}

	req := bittorrent.AnnounceRequest{
		InfoHash:   ih,
		PeerID:     peerID,
		RequestIP:  requestIP,
		PeerIP:     peerIP,
		PeerPort:   body.Port,
		Uploaded:   body.Uploaded,
		Downloaded: body.Downloaded,
		Left:       body.Left,
		Event:      event,
		UserAgent:  r.UserAgent(),
	}
	if err := bittorrent.SanitizeAnnounce(&req); err != nil {
		return bittorrent.AnnounceRequest{}, 0, err
	}

	var numWant uint32
	if body.NumWant != nil {
		numWant = *body.NumWant
	}
	numWant = bittorrent.SanitizeNumWant(numWant, body.NumWant != nil, s.cfg.MaxNumWant, s.cfg.DefaultNumWant)

	return req, numWant, nil
}

// announce answers with the current peer list and hands the announce to the
// tracker without waiting for it to be persisted.
func (s *Server) announce(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (int, interface{}, error) {
	req, numWant, err := s.parseAnnounce(r)
	if err != nil {
		status, err := handleError(err)
		return status, nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	pl, err := s.tracker.FetchPeers(ctx, req.InfoHash, req.PeerID, req.PeerIP, numWant)
	if err != nil {
		status, err := handleError(err)
		return status, nil, err
	}

	s.tracker.Announce(req)
	return http.StatusOK, newPeersResult(pl), nil
}

func (s *Server) peers(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := parseInfoHash(p.ByName("infohash"))
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	query := r.URL.Query()

	var peerID bittorrent.PeerID
	if raw := query.Get("peer_id"); raw != "" {
		if peerID, err = parsePeerID(raw); err != nil {
			return http.StatusBadRequest, nil, err
		}
	}

	var numWant uint32
	raw, provided := query.Get("numwant"), query.Has("numwant")
	if provided {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return http.StatusBadRequest, nil, errInvalidNumWant
		}
		numWant = uint32(n)
	}
	numWant = bittorrent.SanitizeNumWant(numWant, provided, s.cfg.MaxNumWant, s.cfg.DefaultNumWant)

	peerIP, err := s.requestIP(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	pl, err := s.tracker.FetchPeers(ctx, ih, peerID, peerIP, numWant)
	if err != nil {
		status, err := handleError(err)
		return status, nil, err
	}

	return http.StatusOK, newPeersResult(pl), nil
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := parseInfoHash(p.ByName("infohash"))
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	sc, err := s.tracker.Scrape(ctx, ih)
	if err != nil {
		status, err := handleError(err)
		return status, nil, err
	}

	return http.StatusOK, scrapeResult{
		InfoHash:   sc.InfoHash.String(),
		Seeders:    sc.Seeders,
		Leechers:   sc.Leechers,
		Downloaded: sc.Downloaded,
	}, nil
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	return http.StatusOK, nil
}
