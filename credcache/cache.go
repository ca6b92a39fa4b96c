// Package credcache keeps integrity credentials in memory until their
// refresh deadline, loading replacements on demand.
package credcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"po-token/integrity"
	"po-token/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL             = 30 * time.Minute // for credentials without a refresh deadline
	defaultCleanupInterval = 2 * time.Minute
	defaultMaxSize         = 256
)

// Loader produces a fresh credential for a request key
type Loader interface {
	Load(ctx context.Context, key string) (*integrity.Credential, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, key string) (*integrity.Credential, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, key string) (*integrity.Credential, error) {
	return f(ctx, key)
}

// Config holds configuration for the cache
type Config struct {
	Loader          Loader
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxSize         int
	Logger          *shared.Logger
	Now             func() time.Time
}

type entry struct {
	credential *integrity.Credential
	expiresAt  time.Time
}

// Cache is a credential cache keyed by request key. Safe for concurrent
// use.
type Cache struct {
	loader          Loader
	ttl             time.Duration
	cleanupInterval time.Duration
	maxSize         int
	logger          *shared.Logger
	now             func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	group     singleflight.Group
	stopChan  chan struct{}
	isRunning bool
}

// New creates a cache. Call Start to enable background cleanup.
func New(config Config) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	if config.Logger == nil {
		config.Logger = shared.NopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Cache{
		loader:          config.Loader,
		ttl:             config.DefaultTTL,
		cleanupInterval: config.CleanupInterval,
		maxSize:         config.MaxSize,
		logger:          config.Logger.Named("credcache"),
		now:             config.Now,
		entries:         make(map[string]*entry),
	}
}

// Start begins the cleanup routine. It stops when ctx is done or Stop is
// called, after which Start may be called again.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return fmt.Errorf("credential cache is already running")
	}

	c.stopChan = make(chan struct{})
	c.isRunning = true
	go c.cleanupRoutine(ctx, c.stopChan)

	c.logger.Info("Credential cache started",
		zap.Duration("default_ttl", c.ttl),
		zap.Duration("cleanup_interval", c.cleanupInterval))
	return nil
}

// Stop ends the cleanup routine and drops every entry
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		close(c.stopChan)
		c.isRunning = false
	}
	count := len(c.entries)
	c.entries = make(map[string]*entry)
	c.logger.Info("Credential cache stopped", zap.Int("entries_cleared", count))
}

// Get returns the cached credential for key while its refresh deadline
// has not passed, otherwise loads a new one. Concurrent misses for the
// same key share a single load.
func (c *Cache) Get(ctx context.Context, key string) (*integrity.Credential, error) {
	if key == "" {
		return nil, shared.NewConfigurationError("key", "request key not provided")
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		credential := e.credential
		c.mu.Unlock()
		return credential, nil
	}
	c.mu.Unlock()

	if c.loader == nil {
		return nil, shared.NewConfigurationError("loader", "no credential loader configured")
	}

	results := c.group.DoChan(key, func() (any, error) {
		credential, err := c.loader.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Put(key, credential)
		return credential, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			c.logger.Warn("Credential load failed", zap.Error(res.Err))
			return nil, res.Err
		}
		return res.Val.(*integrity.Credential), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put stores a credential obtained outside the cache
func (c *Cache) Put(key string, credential *integrity.Credential) {
	if credential == nil {
		return
	}
	expiresAt, ok := credential.RefreshDue()
	if !ok {
		expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictSoonestLocked()
	}
	c.entries[key] = &entry{credential: credential, expiresAt: expiresAt}
	c.logger.Debug("Credential cached", zap.Time("expires_at", expiresAt))
}

// Invalidate drops the entry for key, forcing the next Get to load
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, expired ones included until cleanup
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	found := false
	for key, e := range c.entries {
		if !found || e.expiresAt.Before(soonest) {
			victim, soonest, found = key, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

func (c *Cache) cleanupRoutine(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			// a later Start may already own the running state
			if c.stopChan == stop {
				c.isRunning = false
			}
			c.logger.Info("Credential cache cleanup ended", zap.Error(ctx.Err()))
			c.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			c.performCleanup()
		}
	}
}

func (c *Cache) performCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Expired credentials removed", zap.Int("removed", removed), zap.Int("remaining", len(c.entries)))
	}
}
