// Command raftd is the thin host wrapper described in spec §2 ("Host
// adapter") and §6 ("Exit codes"): it reads a configuration file, opens
// durable storage, binds the transport, and runs the consensus engine
// until signaled to stop.
//
// Grounded on the teacher's example/main.go (read config, construct a
// server) and server.go's startRPCServer/Listen/Close, generalized from a
// fixed two-node example into a general-purpose daemon.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgalecki/raft"
	"github.com/jgalecki/raft/config"
	"github.com/jgalecki/raft/internal/logging"
	"github.com/jgalecki/raft/model"
	"github.com/jgalecki/raft/rpcservice"
	"github.com/jgalecki/raft/snapshot"
	"github.com/jgalecki/raft/storage"
	"github.com/jgalecki/raft/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "raftd.yaml", "path to the raftd configuration file")
	bootstrap := flag.Bool("bootstrap", false, "bootstrap a brand-new one-server cluster naming only this server")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logging.Init(logger)
	defer logging.Teardown()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.Error("read configuration failed", slog.Any("error", err))
		return 1
	}

	log, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		logger.Error("open log storage failed", slog.Any("error", err))
		return 1
	}
	defer log.Close()

	meta := log.Metadata()
	clusterUUID := cfg.EnsureClusterUUID(meta.ClusterUUID)
	if clusterUUID != meta.ClusterUUID {
		if err := log.SetClusterUUID(clusterUUID); err != nil {
			logger.Error("persist cluster UUID failed", slog.Any("error", err))
			return 1
		}
	}

	snapDir := cfg.StoragePath
	snapshots, err := snapshot.Open(cfg.SnapshotModule(), snapDir)
	if err != nil {
		logger.Error("open snapshot store failed", slog.Any("error", err))
		return 1
	}

	tp := transport.New(transport.Options{MaxThreads: cfg.MaxThreads})

	engine, err := raft.New(raft.Config{
		ServerId:        model.ServerId(cfg.ServerId),
		Addresses:       cfg.ListenAddresses,
		ElectionTimeout: cfg.ElectionTimeout(),
		HeartbeatPeriod: cfg.HeartbeatPeriod(),
	}, log, snapshots, tp, logger)
	if err != nil {
		logger.Error("construct engine failed", slog.Any("error", err))
		return 1
	}

	if err := tp.RegisterService(rpcservice.New(engine)); err != nil {
		logger.Error("register RPC service failed", slog.Any("error", err))
		return 1
	}
	if err := tp.Listen(cfg.ListenAddresses); err != nil {
		logger.Error("bind listen address failed", slog.Any("error", err))
		return 1
	}
	defer tp.Close()

	engine.Start()
	defer engine.Exit()

	if *bootstrap {
		if err := engine.BootstrapConfiguration(); err != nil {
			logger.Error("bootstrap configuration failed", slog.Any("error", err))
			return 1
		}
	}

	logger.Info("raftd up", slog.Uint64("serverId", cfg.ServerId), slog.String("listen", cfg.ListenAddresses))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("raftd shutting down")
	return 0
}
