package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/config"
	"github.com/devrev/pairdb/gridcache/internal/discovery"
	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/node"
	"github.com/devrev/pairdb/gridcache/internal/server"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newServeCommand(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a cache node.",
		Long: `serve joins the cluster, takes ownership of the partitions the affinity
function assigns to this node and serves peers and the admin API until it
receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("Node stopped with error", zap.Error(err))
				fmt.Fprintf(stderr, "gridnode: %v\n", err)
				return err
			}
			return nil
		},
	}
}

// serve runs the node until ctx is cancelled
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting grid node",
		zap.String("node_id", cfg.Node.ID),
		zap.String("peer_addr", cfg.PeerAddr()),
		zap.String("discovery", cfg.Cluster.Discovery),
		zap.Int("partitions", cfg.Cluster.Partitions),
		zap.Int("backups", cfg.Cluster.Backups),
		zap.String("store", cfg.Store.Kind))

	store, err := extstore.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open external store: %w", err)
	}

	// the transport resolves peers through the node's routing table, which
	// exists only once the node is built
	var current atomic.Pointer[node.Node]
	tr, err := transport.NewGRPCTransport(transport.GRPCConfig{
		NodeID:     model.NodeID(cfg.Node.ID),
		ListenAddr: cfg.PeerAddr(),
		Resolve: func(id model.NodeID) (string, bool) {
			n := current.Load()
			if n == nil {
				return "", false
			}
			return n.Addr(id)
		},
	}, logger)
	if err != nil {
		return closeAll(err, store)
	}

	rpcAddr := advertiseAddr(cfg.Node.Host, tr.Addr())
	disc, err := newDiscovery(cfg, rpcAddr, logger)
	if err != nil {
		return closeAll(err, tr, store)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	n, err := node.New(cfg.NodeConfig(), node.Deps{
		Discovery: disc,
		Transport: tr,
		Store:     store,
		Registry:  registry,
	}, logger)
	if err != nil {
		return closeAll(err, leaver{disc}, tr, store)
	}
	current.Store(n)

	var httpServer *server.Server
	httpErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		httpServer = server.NewServer(server.Config{
			Addr:              cfg.HTTPAddr(),
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		}, n, logger)
		go func() { httpErr <- httpServer.Start() }()
	}

	logger.Info("Grid node started", zap.String("rpc_addr", rpcAddr))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-httpErr:
	}

	timeout := cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if httpServer != nil {
		runErr = multierr.Append(runErr, httpServer.Shutdown(shutdownCtx))
	}
	runErr = multierr.Append(runErr, n.Stop(shutdownCtx))

	logger.Info("Grid node stopped")
	return runErr
}

func newDiscovery(cfg *config.Config, rpcAddr string, logger *zap.Logger) (discovery.Discovery, error) {
	id := model.NodeID(cfg.Node.ID)
	if cfg.Cluster.Discovery == config.DiscoveryStandalone {
		return discovery.NewHub().Join(id, rpcAddr)
	}
	return discovery.NewMemberlist(discovery.MemberlistConfig{
		NodeID:   id,
		RPCAddr:  rpcAddr,
		BindAddr: cfg.Node.Host,
		BindPort: cfg.Cluster.GossipPort,
		Seeds:    cfg.Cluster.Seeds,
	}, logger)
}

// advertiseAddr replaces an unspecified bind host with the machine's
// hostname so peers can dial it
func advertiseAddr(host, bound string) string {
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return net.JoinHostPort(host, port)
	}
	name, err := os.Hostname()
	if err != nil {
		return bound
	}
	return net.JoinHostPort(name, port)
}

type leaver struct{ d discovery.Discovery }

func (l leaver) Close() error { return l.d.Leave() }

// closeAll releases what was built before a startup failure
func closeAll(cause error, closers ...io.Closer) error {
	err := cause
	for _, c := range closers {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Close())
	}
	return err
}
