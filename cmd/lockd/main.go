// Command lockd runs one node of the replicated lock service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lockd-io/lockd/pkg/detector"
	"github.com/lockd-io/lockd/pkg/fsm"
	"github.com/lockd-io/lockd/pkg/lockserver"
	"github.com/lockd-io/lockd/pkg/logging"
	"github.com/lockd-io/lockd/pkg/raft"
	"github.com/lockd-io/lockd/pkg/storage"
	"github.com/lockd-io/lockd/pkg/transport"
)

func main() {
	var (
		id             = flag.String("id", "", "node ID, must equal this node's -addr as seen by peers")
		addr           = flag.String("addr", ":7640", "RPC listen address")
		peers          = flag.String("peers", "", "comma-separated peer addresses")
		dataDir        = flag.String("data-dir", "", "durable state directory")
		logLevel       = flag.String("log-level", "info", "debug, info, warn or error")
		logFormat      = flag.String("log-format", "text", "text or json")
		electionMin    = flag.Duration("election-timeout-min", raft.DefaultElectionTimeoutMin, "election timeout lower bound")
		electionMax    = flag.Duration("election-timeout-max", raft.DefaultElectionTimeoutMax, "election timeout upper bound")
		heartbeat      = flag.Duration("heartbeat-interval", raft.DefaultHeartbeatInterval, "leader heartbeat interval")
		detectInterval = flag.Duration("detect-interval", detector.DefaultInterval, "deadlock detection interval")
		snapThreshold  = flag.Uint64("snapshot-threshold", 1000, "applied entries between snapshots, 0 disables")
	)
	flag.Parse()

	if *id == "" {
		*id = *addr
	}
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "lockd: -data-dir is required")
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stderr,
	}).WithFields("node", *id)

	if err := run(*id, *addr, *peers, *dataDir, *electionMin, *electionMax,
		*heartbeat, *detectInterval, *snapThreshold, logger); err != nil {
		logger.Error("node exited", "error", err)
		os.Exit(1)
	}
}

func run(id, addr, peers, dataDir string, electionMin, electionMax,
	heartbeat, detectInterval time.Duration, snapThreshold uint64,
	logger logging.Logger) error {

	var peerList []string
	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			peerList = append(peerList, strings.TrimSpace(p))
		}
	}

	store, err := storage.NewFileStorage(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cfg := &raft.Config{
		ID:                 id,
		Peers:              peerList,
		ElectionTimeoutMin: electionMin,
		ElectionTimeoutMax: electionMax,
		HeartbeatInterval:  heartbeat,
		Logger:             logger,
	}

	tp := transport.NewTCPTransport(addr)
	applyCh := make(chan raft.ApplyMsg, 64)
	node, err := raft.NewServer(cfg, store, tp, applyCh)
	if err != nil {
		return err
	}

	table := fsm.NewLockTable()
	locks := lockserver.NewServer(id, node, table, applyCh, lockserver.Config{
		SnapshotThreshold: snapThreshold,
		Logger:            logger,
	})
	det := detector.New(table, locks, detectInterval, logger)

	tp.RegisterHandler(node)
	if err := tp.RegisterService("Lock", locks.Service()); err != nil {
		return fmt.Errorf("register lock service: %w", err)
	}
	if err := tp.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	logger.Info("listening", "addr", tp.Addr(), "peers", peers)

	locks.Start()
	node.Start()
	det.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(tp.Serve)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		det.Stop()
		node.Stop()
		locks.Stop()
		return tp.Close()
	})
	return g.Wait()
}
