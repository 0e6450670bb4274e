// Package api implements a JSON HTTP API in front of a tracker. It decodes
// announces, peer list queries and scrapes, hands them to the tracker and
// encodes the results.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/sparkle-tracker/sparkle/bittorrent"
	"github.com/sparkle-tracker/sparkle/pkg/log"
	"github.com/sparkle-tracker/sparkle/pkg/stop"
)

// Default config constants.
const (
	defaultAddr           = "0.0.0.0:6880"
	defaultReadTimeout    = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultRequestTimeout = 3 * time.Second
	defaultMaxNumWant     = 100
	defaultDefaultNumWant = 50
	defaultRateLimit      = 500
	defaultRateBurst      = 1000
)

// Tracker is the subset of a tracker served by the API.
type Tracker interface {
	Announce(req bittorrent.AnnounceRequest)
	FetchPeers(ctx context.Context, ih bittorrent.InfoHash, peerID bittorrent.PeerID, peerIP netip.Addr, numWant uint32) (bittorrent.PeerList, error)
	Scrape(ctx context.Context, ih bittorrent.InfoHash) (bittorrent.Scrape, error)
}

// Config represents all of the configurable options for the API.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// APIKey, if set, must be sent in the X-API-Key header or the apikey
	// query parameter of every request.
	APIKey string `yaml:"api_key"`

	AllowIPSpoofing bool   `yaml:"allow_ip_spoofing"`
	RealIPHeader    string `yaml:"real_ip_header"`
	MaxNumWant      uint32 `yaml:"max_numwant"`
	DefaultNumWant  uint32 `yaml:"default_numwant"`

	// RateLimit is the sustained number of requests per second accepted
	// across all clients. Excess requests get a 429.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":            cfg.Addr,
		"readTimeout":     cfg.ReadTimeout,
		"writeTimeout":    cfg.WriteTimeout,
		"requestTimeout":  cfg.RequestTimeout,
		"apiKeyRequired":  cfg.APIKey != "",
		"allowIPSpoofing": cfg.AllowIPSpoofing,
		"realIPHeader":    cfg.RealIPHeader,
		"maxNumWant":      cfg.MaxNumWant,
		"defaultNumWant":  cfg.DefaultNumWant,
		"rateLimit":       cfg.RateLimit,
		"rateBurst":       cfg.RateBurst,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	if cfg.RequestTimeout <= 0 {
		validcfg.RequestTimeout = defaultRequestTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.RequestTimeout",
			"provided": cfg.RequestTimeout,
			"default":  validcfg.RequestTimeout,
		})
	}

	if cfg.MaxNumWant == 0 {
		validcfg.MaxNumWant = defaultMaxNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.MaxNumWant",
			"provided": cfg.MaxNumWant,
			"default":  validcfg.MaxNumWant,
		})
	}

	if cfg.DefaultNumWant == 0 {
		validcfg.DefaultNumWant = defaultDefaultNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.DefaultNumWant",
			"provided": cfg.DefaultNumWant,
			"default":  validcfg.DefaultNumWant,
		})
	}

	if cfg.RateLimit <= 0 {
		validcfg.RateLimit = defaultRateLimit
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.RateLimit",
			"provided": cfg.RateLimit,
			"default":  validcfg.RateLimit,
		})
	}

	if cfg.RateBurst <= 0 {
		validcfg.RateBurst = defaultRateBurst
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.RateBurst",
			"provided": cfg.RateBurst,
			"default":  validcfg.RateBurst,
		})
	}

	return validcfg
}

// Server serves the API of a tracker.
type Server struct {
	cfg     Config
	tracker Tracker
	limiter *rate.Limiter
	srv     *http.Server
}

// NewServer allocates a Server. It does not listen until ListenAndServe is
// called.
func NewServer(provided Config, tkr Tracker) *Server {
	cfg := provided.Validate()
	s := &Server{
		cfg:     cfg,
		tracker: tkr,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler of the API.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/announce", s.makeHandler("announce", s.announce))
	router.GET("/peers/:infohash", s.makeHandler("peers", s.peers))
	router.GET("/scrape/:infohash", s.makeHandler("scrape", s.scrape))
	router.GET("/check", s.makeHandler("check", noResultHandler(s.check)))

	return otelhttp.NewHandler(s.rateLimit(router), "sparkle-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/check"
		}),
	)
}

// rateLimit applies a global token bucket to every route but /check.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeResponse(w, http.StatusTooManyRequests, response{Error: errRateLimited.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts serving in the background.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving api", log.Err(err))
		}
	}()

	log.Info("started api", s.cfg)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()
	return c.Result()
}
