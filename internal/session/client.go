package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ansr/internal/auth"
	"ansr/internal/config"
	"ansr/internal/redis"
	"ansr/internal/storage"
	"ansr/internal/stream"
)

// Client bundles every backing-service handle the session layer needs:
// the relational store, the cache, the streaming provider, and the auth
// service built on top of the first two.
type Client struct {
	DB     *storage.DB
	Cache  *redis.Client
	Stream *stream.Client
	Auth   *auth.Service
}

// HealthCheck pings the database and, when configured, the cache. It is
// the lightweight probe the monitor and the store run before trusting
// anything else.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return errors.New("client not initialized")
	}
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if c.Cache != nil {
		if err := c.Cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache unreachable: %w", err)
		}
	}
	return nil
}

func (c *Client) close() {
	if c == nil {
		return
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}

type pendingBuild struct {
	done   chan struct{}
	client *Client
	err    error
}

// Factory lazily constructs and memoizes the shared Client. Concurrent
// first-time callers share a single in-flight construction instead of
// racing to build duplicate handles.
type Factory struct {
	cfg    *config.Config
	dbType string

	mu         sync.Mutex
	current    *Client
	pending    *pendingBuild
	generation int
}

// NewFactory prepares a factory; nothing connects until Client is called.
func NewFactory(cfg *config.Config, dbType string) *Factory {
	if dbType == "" {
		dbType = "sqlite3"
	}
	return &Factory{cfg: cfg, dbType: dbType}
}

// Client returns the memoized handle, building it on first use. All
// waiters during construction share the same result.
func (f *Factory) Client(ctx context.Context) (*Client, error) {
	f.mu.Lock()
	if f.current != nil {
		c := f.current
		f.mu.Unlock()
		return c, nil
	}
	if f.pending == nil {
		p := &pendingBuild{done: make(chan struct{})}
		f.pending = p
		go f.build(p)
	}
	p := f.pending
	f.mu.Unlock()

	select {
	case <-p.done:
		return p.client, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the current handle without triggering construction.
func (f *Factory) Peek() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Reset discards the memoized handle so the next Client call rebuilds
// from scratch. The old handle's connections are closed.
func (f *Factory) Reset() {
	f.mu.Lock()
	old := f.current
	f.current = nil
	f.generation++
	f.mu.Unlock()
	old.close()
}

// Generation counts how many times the handle has been discarded;
// diagnostics surface it.
func (f *Factory) Generation() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *Factory) build(p *pendingBuild) {
	client, err := f.connect()
	f.mu.Lock()
	if err == nil {
		f.current = client
	}
	f.pending = nil
	f.mu.Unlock()
	p.client, p.err = client, err
	close(p.done)
}

func (f *Factory) connect() (*Client, error) {
	db, err := storage.Open(f.dbType, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var cache *redis.Client
	if f.cfg.Redis.Host != "" {
		cache, err = redis.NewClient(f.cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect cache: %w", err)
		}
	}

	streamClient, err := stream.New(f.cfg.Stream, f.cfg.BasicConfig.PublicHost, f.cfg.BasicConfig.DemoMode)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		db.Close()
		return nil, fmt.Errorf("configure stream provider: %w", err)
	}

	return &Client{
		DB:     db,
		Cache:  cache,
		Stream: streamClient,
		Auth:   auth.NewService(db, cache, f.cfg.Auth),
	}, nil
}
