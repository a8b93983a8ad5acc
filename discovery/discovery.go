// Package discovery connects to the coordination backends and registers
// monitored servers with them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/coord/memtree"
)

// Open returns a store session on the configured backend.
func Open(ctx context.Context, cfg config.CoordinationConfiguration, log *zap.Logger) (coord.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.SessionTimeoutMS
	switch cfg.Backend {
	case config.BackendZooKeeper:
		return DialZooKeeper(ctx, cfg.Hosts, msDuration(timeout), log.Named("zk"))
	case config.BackendEtcd:
		cli, err := NewClient(cfg.Hosts, log.Named("etcd-client"))
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		st, err := OpenEtcd(cli, msDuration(timeout), log.Named("etcd"))
		if err != nil {
			cli.Close()
			return nil, err
		}
		return st, nil
	case config.BackendMemory:
		log.Warn("using in-process coordination tree, state is not shared with other instances")
		return memtree.New().Session(), nil
	default:
		return nil, fmt.Errorf("unknown coordination backend: %q", cfg.Backend)
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}
