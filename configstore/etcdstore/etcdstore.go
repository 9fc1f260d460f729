// Package etcdstore feeds a configuration cache from an etcd key prefix.
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/configstore"
)

const (
	// DefaultPrefix is the etcd key prefix holding configuration.
	DefaultPrefix = "/tenanthost/config"

	getTimeout   = 5 * time.Second
	resyncPause  = time.Second
	sourcePrefix = "etcd"
)

// Source lists every key under a prefix, then watches it. Keys map to
// configuration paths by replacing the prefix with the path root. A
// compacted or interrupted watch triggers a full reload.
type Source struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	root    string
	logger  tenanthost.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithPrefix sets the watched key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Source) {
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithPathRoot sets the path that replaces the key prefix.
func WithPathRoot(root string) Option {
	return func(s *Source) {
		s.root = strings.TrimSuffix(root, "/")
	}
}

// WithLogger sets the source logger.
func WithLogger(logger tenanthost.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a source backed by client.
func New(client *clientv3.Client, opts ...Option) *Source {
	return NewWithKV(client.KV, client.Watcher, opts...)
}

// NewWithKV creates a source over explicit KV and Watcher implementations,
// such as namespaced ones.
func NewWithKV(kv clientv3.KV, watcher clientv3.Watcher, opts ...Option) *Source {
	s := &Source{
		kv:      kv,
		watcher: watcher,
		prefix:  DefaultPrefix,
		logger:  tenanthost.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements configstore.Source.
func (s *Source) Name() string {
	return sourcePrefix + ":" + s.prefix
}

// Run implements configstore.Source.
func (s *Source) Run(ctx context.Context, sink configstore.Sink) error {
	for {
		rev, err := s.load(ctx, sink)
		if err != nil {
			return err
		}
		if err := s.watch(ctx, sink, rev); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("etcd watch interrupted, reloading", "prefix", s.prefix)
		select {
		case <-time.After(resyncPause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) load(ctx context.Context, sink configstore.Sink) (int64, error) {
	gctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	resp, err := s.kv.Get(gctx, s.keyPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", s.prefix, err)
	}
	snapshot := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		snapshot[s.path(kv.Key)] = kv.Value
	}
	sink.Load(snapshot)
	s.logger.Debug("Loaded configuration from etcd", "prefix", s.prefix, "keys", len(snapshot), "revision", resp.Header.Revision)
	return resp.Header.Revision, nil
}

// watch applies events after rev. It returns nil when a reload is needed.
func (s *Source) watch(ctx context.Context, sink configstore.Sink, rev int64) error {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	wch := s.watcher.Watch(wctx, s.keyPrefix(), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wresp := range wch {
		if wresp.CompactRevision != 0 {
			s.logger.Warn("etcd watch compacted", "prefix", s.prefix, "revision", wresp.CompactRevision)
			return nil
		}
		if err := wresp.Err(); err != nil {
			s.logger.Warn("etcd watch failed", "prefix", s.prefix, "error", err)
			return nil
		}
		for _, ev := range wresp.Events {
			p := s.path(ev.Kv.Key)
			switch ev.Type {
			case mvccpb.PUT:
				sink.Put(p, ev.Kv.Value)
			case mvccpb.DELETE:
				sink.Delete(p)
			}
		}
	}
	return nil
}

func (s *Source) keyPrefix() string {
	return s.prefix + "/"
}

func (s *Source) path(key []byte) string {
	return s.root + "/" + strings.TrimPrefix(string(key), s.keyPrefix())
}
