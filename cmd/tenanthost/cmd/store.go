package cmd

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/config"
	"github.com/GoCodeAlone/tenanthost/configstore"
	"github.com/GoCodeAlone/tenanthost/configstore/consulstore"
	"github.com/GoCodeAlone/tenanthost/configstore/etcdstore"
	"github.com/GoCodeAlone/tenanthost/configstore/filestore"
	"github.com/GoCodeAlone/tenanthost/configstore/natsstore"
)

// openSource connects the configuration source selected by the store kind.
// The returned close function releases the underlying client.
func openSource(ctx context.Context, host *config.HostConfig, logger tenanthost.Logger) (configstore.Source, func(), error) {
	nop := func() {}
	cfg := host.Store

	switch cfg.Kind {
	case config.StoreFile:
		return filestore.New(cfg.File.Dir,
			filestore.WithPathRoot(cfg.File.Root),
			filestore.WithDirectoryKeys(host.TenantsRoot),
			filestore.WithLogger(logger),
		), nop, nil

	case config.StoreEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout.Std(),
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			Context:     ctx,
		})
		if err != nil {
			return nil, nop, fmt.Errorf("connect etcd %v: %w", cfg.Etcd.Endpoints, err)
		}
		src := etcdstore.New(client,
			etcdstore.WithPrefix(cfg.Etcd.Prefix),
			etcdstore.WithPathRoot(cfg.Etcd.Root),
			etcdstore.WithLogger(logger),
		)
		return src, func() { _ = client.Close() }, nil

	case config.StoreNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(host.Name))
		if err != nil {
			return nil, nop, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nop, fmt.Errorf("jetstream: %w", err)
		}
		src, err := natsstore.Open(ctx, js, cfg.NATS.Bucket,
			natsstore.WithPathRoot(cfg.NATS.Root),
			natsstore.WithLogger(logger),
		)
		if err != nil {
			nc.Close()
			return nil, nop, err
		}
		return src, nc.Close, nil

	case config.StoreConsul:
		src, err := consulstore.NewFromAddress(cfg.Consul.Address, cfg.Consul.Datacenter, cfg.Consul.Token,
			consulstore.WithPrefix(cfg.Consul.Prefix),
			consulstore.WithPathRoot(cfg.Consul.Root),
			consulstore.WithWaitTime(cfg.Consul.WaitTime.Std()),
			consulstore.WithLogger(logger),
		)
		if err != nil {
			return nil, nop, err
		}
		return src, nop, nil
	}
	return nil, nop, fmt.Errorf("%w: unknown store kind %q", config.ErrInvalidConfig, cfg.Kind)
}
