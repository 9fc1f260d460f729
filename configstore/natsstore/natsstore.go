// Package natsstore feeds a configuration cache from a NATS JetStream
// key-value bucket.
package natsstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/configstore"
)

const resyncPause = time.Second

// Source watches every key of a bucket. A key maps to the configuration
// path root + "/" + key, so keys are written like "tenants/<id>/tenant.yaml".
type Source struct {
	kv     jetstream.KeyValue
	root   string
	logger tenanthost.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithPathRoot sets the path prefixed to every key.
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

// New creates a source for kv.
func New(kv jetstream.KeyValue, opts ...Option) *Source {
	s := &Source{kv: kv, logger: tenanthost.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open binds to bucket, creating it when missing.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, opts ...Option) (*Source, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tenant host configuration",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return New(kv, opts...), nil
}

// Name implements configstore.Source.
func (s *Source) Name() string {
	return "nats:" + s.kv.Bucket()
}

// Run implements configstore.Source. The initial values delivered by the
// watcher are collected and loaded at once; later entries are applied one
// by one.
func (s *Source) Run(ctx context.Context, sink configstore.Sink) error {
	for {
		if err := s.watch(ctx, sink); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("NATS KV watcher closed, reloading", "bucket", s.kv.Bucket())
		select {
		case <-time.After(resyncPause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watch returns nil when the watcher closed and a reload is needed.
func (s *Source) watch(ctx context.Context, sink configstore.Sink) error {
	w, err := s.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("watch bucket %s: %w", s.kv.Bucket(), err)
	}
	defer func() { _ = w.Stop() }()

	initial := make(map[string][]byte)
	loaded := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				if !loaded {
					loaded = true
					sink.Load(initial)
					s.logger.Debug("Loaded configuration from NATS KV", "bucket", s.kv.Bucket(), "keys", len(initial))
				}
				continue
			}
			p := s.path(entry.Key())
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				if loaded {
					sink.Put(p, entry.Value())
				} else {
					initial[p] = entry.Value()
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				if loaded {
					sink.Delete(p)
				} else {
					delete(initial, p)
				}
			}
		}
	}
}

func (s *Source) path(key string) string {
	return s.root + "/" + key
}
