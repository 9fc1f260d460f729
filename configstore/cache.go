// Package configstore keeps the configuration tree a host process consumes
// and turns changes reported by configuration sources into listener
// notifications.
package configstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tenanthost"
)

// ErrNoSources is returned by Run when no source was given.
var ErrNoSources = errors.New("no configuration sources")

// Listener receives change notifications. *tenanthost.MultitenantMicroservice
// satisfies it.
type Listener = tenanthost.ConfigurationListener

// Sink receives the state of one source. Load replaces everything the
// source reported before; Put and Delete apply single changes.
type Sink interface {
	Load(snapshot map[string][]byte)
	Put(path string, payload []byte)
	Delete(path string)
}

// Source feeds a Sink from a backing store. Run loads the current state,
// then applies changes until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

type entry struct {
	payload []byte
	owner   string
}

// Cache is an in-memory copy of the configuration tree. It implements
// tenanthost.ConfigurationCache and becomes ready once every expected source
// has loaded its initial state. The listener hears nothing before that; on
// becoming ready the whole tree is replayed as added.
//
// Notifications are delivered synchronously and in the order changes are
// applied. A payload identical to the cached one produces no notification.
type Cache struct {
	logger tenanthost.Logger

	mu       sync.RWMutex
	entries  map[string]entry
	listener Listener
	expected int
	loaded   map[string]bool

	// notifyMu orders notifications with the changes that caused them.
	notifyMu  sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger tenanthost.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithListener sets the listener notified of changes.
func WithListener(l Listener) CacheOption {
	return func(c *Cache) {
		c.listener = l
	}
}

// NewCache creates an empty, not yet ready cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		logger:   tenanthost.NopLogger(),
		entries:  make(map[string]entry),
		expected: 1,
		loaded:   make(map[string]bool),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetListener replaces the listener. Use it when the listener needs the
// cache to be constructed.
func (c *Cache) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// IsReady reports whether the initial load has completed.
func (c *Cache) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the cache is ready or ctx ends.
func (c *Cache) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a copy of the payload cached at path.
func (c *Cache) Get(path string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.payload), true
}

// Paths returns the cached paths in lexical order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.entries))
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Load replaces the content loaded directly on the cache with snapshot and
// counts as one initial load. Once ready, the difference with the previous
// content is notified in path order: new paths as added, changed payloads
// as updated and missing paths as deleted.
func (c *Cache) Load(snapshot map[string][]byte) {
	c.load("", snapshot)
}

// Put stores payload at path and notifies an add or an update.
func (c *Cache) Put(path string, payload []byte) {
	c.put("", path, payload)
}

// Delete removes path and notifies a delete when it was cached.
func (c *Cache) Delete(path string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	_, existed := c.entries[path]
	delete(c.entries, path)
	listener := c.listener
	c.mu.Unlock()

	if existed && listener != nil && c.IsReady() {
		listener.OnConfigurationDeleted(path)
	}
}

func (c *Cache) load(owner string, snapshot map[string][]byte) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	wasReady := c.IsReady()

	c.mu.Lock()
	prev := make(map[string][]byte)
	for p, e := range c.entries {
		if e.owner == owner {
			prev[p] = e.payload
			delete(c.entries, p)
		}
	}
	for p, v := range snapshot {
		c.entries[p] = entry{payload: bytes.Clone(v), owner: owner}
	}
	c.loaded[owner] = true
	ready := len(c.loaded) >= c.expected
	listener := c.listener
	c.mu.Unlock()

	if !ready {
		return
	}
	if !wasReady {
		c.readyOnce.Do(func() { close(c.ready) })
		c.logger.Info("Configuration cache ready", "paths", c.Len())
		c.replay(listener)
		return
	}

	if listener == nil {
		return
	}
	for _, p := range slices.Sorted(maps.Keys(snapshot)) {
		old, existed := prev[p]
		switch {
		case !existed:
			listener.OnConfigurationAdded(p, bytes.Clone(snapshot[p]))
		case !bytes.Equal(old, snapshot[p]):
			listener.OnConfigurationUpdated(p, bytes.Clone(snapshot[p]))
		}
	}
	for _, p := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := snapshot[p]; !ok {
			listener.OnConfigurationDeleted(p)
		}
	}
}

// replay notifies every cached path as added, in path order.
func (c *Cache) replay(listener Listener) {
	if listener == nil {
		return
	}
	for _, p := range c.Paths() {
		if payload, ok := c.Get(p); ok {
			listener.OnConfigurationAdded(p, payload)
		}
	}
}

func (c *Cache) put(owner, path string, payload []byte) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	old, existed := c.entries[path]
	if existed && bytes.Equal(old.payload, payload) {
		c.mu.Unlock()
		c.logger.Debug("Ignoring unchanged configuration", "path", path)
		return
	}
	c.entries[path] = entry{payload: bytes.Clone(payload), owner: owner}
	listener := c.listener
	c.mu.Unlock()

	if listener == nil || !c.IsReady() {
		return
	}
	if existed {
		listener.OnConfigurationUpdated(path, bytes.Clone(payload))
		return
	}
	listener.OnConfigurationAdded(path, bytes.Clone(payload))
}

// sourceSink scopes Load to the paths reported by one source.
type sourceSink struct {
	cache *Cache
	owner string
}

func (s sourceSink) Load(snapshot map[string][]byte) { s.cache.load(s.owner, snapshot) }
func (s sourceSink) Put(path string, payload []byte) { s.cache.put(s.owner, path, payload) }
func (s sourceSink) Delete(path string)              { s.cache.Delete(path) }

// Run runs every source until ctx ends or one of them fails. The cache
// becomes ready once each source has loaded its initial state. Sources must
// report disjoint paths.
func Run(ctx context.Context, cache *Cache, sources ...Source) error {
	if len(sources) == 0 {
		return ErrNoSources
	}
	cache.mu.Lock()
	cache.expected = len(sources)
	cache.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		sink := sourceSink{cache: cache, owner: fmt.Sprintf("%d:%s", i, src.Name())}
		g.Go(func() error {
			cache.logger.Info("Configuration source starting", "source", src.Name())
			if err := src.Run(ctx, sink); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("configuration source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
