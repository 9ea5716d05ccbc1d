package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"snaplink/cfg"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis holds the shared client used for cross-instance rate limiting.
// Records themselves never touch Redis.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = c.RedisTimeout
	opt.ConnMaxIdleTime = 5 * time.Minute
	// a retried script could charge a window twice
	opt.MaxRetries = -1
	if c.RedisTLS {
		host, _, _ := net.SplitHostPort(opt.Addr)
		opt.TLSConfig, err = redisTLS(c, host)
		if err != nil {
			return nil, err
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	r := &Redis{
		client:  redis.NewClient(opt),
		timeout: c.RedisTimeout,
	}
	if err := r.Ping(context.Background()); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

// redisTLS trusts the system pool plus REDIS_TLS_CA_CERT when given. The
// server name defaults to the URL host.
func redisTLS(c *cfg.Cfg, host string) (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	if c.RedisServerName != "" {
		conf.ServerName = c.RedisServerName
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if c.RedisCACert != "" {
		pem, err := os.ReadFile(c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "read redis CA cert")
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in redis CA cert")
		}
	}
	conf.RootCAs = pool
	return conf, nil
}

func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Timeout() time.Duration {
	return r.timeout
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "ping redis")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
