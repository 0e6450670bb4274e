package redis

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// backend is the connection pool of a store and the redsync instance sharing
// it.
type backend struct {
	pool    *redigolib.Pool
	redsync *redsync.Redsync
}

func newBackend(cfg Config, u *redisURL) *backend {
	pool := &redigolib.Pool{
		MaxIdle:     cfg.PoolMaxIdle,
		MaxActive:   cfg.PoolMaxActive,
		IdleTimeout: cfg.PoolIdleTimeout,
		Wait:        true,
		DialContext: func(ctx context.Context) (redigolib.Conn, error) {
			return dial(ctx, cfg, u)
		},
		TestOnBorrow: func(c redigolib.Conn, idleSince time.Time) error {
			if time.Since(idleSince) < cfg.PoolHealthCheckAfter {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	return &backend{
		pool:    pool,
		redsync: redsync.New(redigo.NewPool(pool)),
	}
}

// conn returns a pooled connection, waiting for a free one at most until ctx
// is done.
func (b *backend) conn(ctx context.Context) (redigolib.Conn, error) {
	c, err := b.pool.GetContext(ctx)
	return c, errors.Wrap(err, "failed to get redis connection")
}

func dial(ctx context.Context, cfg Config, u *redisURL) (redigolib.Conn, error) {
	network, address := "tcp", u.Host
	if u.SocketPath != "" {
		network, address = "unix", u.SocketPath
	}

	c, err := redigolib.DialContext(ctx, network, address,
		redigolib.DialDatabase(u.DB),
		redigolib.DialPassword(u.Password),
		redigolib.DialReadTimeout(cfg.RedisReadTimeout),
		redigolib.DialWriteTimeout(cfg.RedisWriteTimeout),
		redigolib.DialConnectTimeout(cfg.RedisConnectTimeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial redis at %s", address)
	}

	return c, nil
}

// redisURL is a parsed redis_broker. Two forms are accepted:
//
//	redis://[password@]host[/db]
//	redis-socket://[password@]path[?db=db]
type redisURL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

func parseRedisURL(target string) (*redisURL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis broker")
	}

	parsed := &redisURL{Password: password(u.User)}

	var rawDB string
	switch u.Scheme {
	case "redis":
		parsed.Host = u.Host
		rawDB = strings.TrimPrefix(u.Path, "/")
	case "redis-socket":
		parsed.SocketPath = u.Path
		rawDB = u.Query().Get("db")
	default:
		return nil, errors.Errorf("unsupported redis scheme %q", u.Scheme)
	}

	if rawDB != "" {
		parsed.DB, err = strconv.Atoi(rawDB)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid redis db %q", rawDB)
		}
	}

	return parsed, nil
}

// password takes the password of user:password, or the lone user part of
// a URL written as password@host.
func password(ui *url.Userinfo) string {
	if p, ok := ui.Password(); ok {
		return p
	}
	return ui.Username()
}
