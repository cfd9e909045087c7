package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cozy-labs/cozy-sync-engine/internal/config"
	"github.com/cozy-labs/cozy-sync-engine/internal/contenthash"
	"github.com/cozy-labs/cozy-sync-engine/internal/engine"
	"github.com/cozy-labs/cozy-sync-engine/internal/ignore"
	"github.com/cozy-labs/cozy-sync-engine/internal/localagg/fswatch"
	"github.com/cozy-labs/cozy-sync-engine/internal/store/sqlitestore"
	"github.com/cozy-labs/cozy-sync-engine/internal/syncer"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/fswriter"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer/memwriter"
)

// hashQueueDepth bounds the content-hash worker's pending job queue.
const hashQueueDepth = 16

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine continuously",
		Long: `Start the bidirectional sync engine and keep it running until
interrupted (SIGINT/SIGTERM).

The remote side is wired against a RemoteFeed/RemoteWriter pair; this
build has no concrete object-store adapter (the wire protocol is out of
scope), so run defaults to an inert in-memory remote purely so the local
side can be exercised standalone. A real deployment supplies its own
RemoteFeed/RemoteWriter to engine.Config.`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg)
	ctx := shutdownContext(cmd.Context(), logger)

	ignorePred, err := ignore.Load(cfg.Sync.IgnoreFile)
	if err != nil {
		return fmt.Errorf("loading ignore file: %w", err)
	}

	st, err := sqlitestore.Open(ctx, cfg.Sync.StorePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hasher := contenthash.NewWorker(hashQueueDepth)
	defer hasher.Close()

	eng, err := engine.New(engine.Config{
		RootPath:         cfg.Sync.RootPath,
		Store:            st,
		LocalSource:      fswatch.New(cfg.Sync.RootPath, logger),
		LocalWriter:      fswriter.New(cfg.Sync.RootPath, logger),
		RemoteFeed:       noopRemoteFeed{},
		RemoteWriter:     memwriter.New(),
		Ignore:           ignorePred,
		Hasher:           hasher,
		Folding:          cfg.Sync.IdentityFolding,
		Logger:           logger,
		PollInterval:     cfg.PollInterval(),
		AwaitWriteFinish: cfg.AwaitWriteFinish(),
		Syncer:           syncerConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	statusf("cozy-sync: watching %s\n", cfg.Sync.RootPath)

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine stopped: %w", err)
	}

	statusf("cozy-sync: stopped\n")

	return nil
}

func syncerConfig(cfg *config.Config) syncer.Config {
	return syncer.Config{
		MaxAttempts:        cfg.Safety.MaxAttempts,
		BigDeleteThreshold: cfg.Safety.BigDeleteThreshold,
		RootRemoteID:       "root",
		HeartbeatTimeout:   cfg.HeartbeatTimeout(),
		RetryBackoffBase:   cfg.RetryBackoffBase(),
		RetryBackoffMax:    cfg.RetryBackoffMax(),
	}
}
