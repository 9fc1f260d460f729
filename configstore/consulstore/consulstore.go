// Package consulstore feeds a configuration cache from a Consul KV prefix
// using blocking queries.
package consulstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/configstore"
)

const (
	// DefaultPrefix is the Consul KV prefix holding configuration.
	DefaultPrefix = "tenanthost/config"

	defaultWaitTime = 5 * time.Minute
	retryPause      = time.Second
)

// Source polls a prefix with blocking List queries and reports the
// difference between consecutive results.
type Source struct {
	kv       *api.KV
	prefix   string
	root     string
	waitTime time.Duration
	logger   tenanthost.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithPrefix sets the KV prefix.
func WithPrefix(prefix string) Option {
	return func(s *Source) {
		s.prefix = strings.Trim(prefix, "/")
	}
}

// WithPathRoot sets the path that replaces the prefix.
func WithPathRoot(root string) Option {
	return func(s *Source) {
		s.root = strings.TrimSuffix(root, "/")
	}
}

// WithWaitTime bounds each blocking query.
func WithWaitTime(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.waitTime = d
		}
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

// New creates a source reading through client.
func New(client *api.Client, opts ...Option) *Source {
	s := &Source{
		kv:       client.KV(),
		prefix:   DefaultPrefix,
		waitTime: defaultWaitTime,
		logger:   tenanthost.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromAddress creates a Consul client for address and a source over it.
func NewFromAddress(address, datacenter, token string, opts ...Option) (*Source, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address
	cfg.Datacenter = datacenter
	cfg.Token = token
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return New(client, opts...), nil
}

// Name implements configstore.Source.
func (s *Source) Name() string {
	return "consul:" + s.prefix
}

// Run implements configstore.Source. Query errors are retried after a pause.
func (s *Source) Run(ctx context.Context, sink configstore.Sink) error {
	var (
		index   uint64
		current map[string][]byte
	)
	for {
		pairs, meta, err := s.kv.List(s.prefix+"/", (&api.QueryOptions{
			WaitIndex: index,
			WaitTime:  s.waitTime,
		}).WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Consul KV query failed", "prefix", s.prefix, "error", err)
			select {
			case <-time.After(retryPause):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// a lower index means the raft state was reset
		if meta.LastIndex < index {
			index = 0
		} else {
			index = meta.LastIndex
		}

		next := make(map[string][]byte, len(pairs))
		for _, p := range pairs {
			if strings.HasSuffix(p.Key, "/") {
				continue
			}
			next[s.path(p.Key)] = p.Value
		}

		if current == nil {
			sink.Load(next)
			s.logger.Debug("Loaded configuration from Consul", "prefix", s.prefix, "keys", len(next), "index", index)
		} else {
			applyDiff(sink, current, next)
		}
		current = next
	}
}

func applyDiff(sink configstore.Sink, prev, next map[string][]byte) {
	for p, v := range next {
		if old, ok := prev[p]; !ok || !bytes.Equal(old, v) {
			sink.Put(p, v)
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			sink.Delete(p)
		}
	}
}

func (s *Source) path(key string) string {
	return s.root + "/" + strings.TrimPrefix(key, s.prefix+"/")
}
