// Package engine assembles C1-C10 into the dataflow graph spec.md §2
// describes — (C4 → C5) ∥ (C6 → C7) → C8 → C1 → C9 → C10(opposite side) →
// C1 — and drives it either as a one-shot batch (Drain/PullRemote/
// FlushLocal, used directly by tests) or as the continuous supervised loop
// (Run) a long-lived process uses.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/docid"
	"github.com/cozy-labs/cozy-sync-engine/internal/localagg"
	"github.com/cozy-labs/cozy-sync-engine/internal/merge"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/remoteagg"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/syncer"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

// Config wires one sync root's worth of components. The wire-protocol
// capabilities (LocalSource, LocalWriter, RemoteFeed, RemoteWriter) are
// supplied by the caller since their concrete implementations are out of
// scope here (spec.md §1 Non-goals); New rejects a nil Store or a nil
// capability. Hasher has no default and must be set. Clock, Logger,
// Notifier, PollInterval and AwaitWriteFinish default when zero, and a nil
// Ignore ignores nothing. Folding and Syncer are used as given; the zero
// syncer.Config is not syncer.DefaultConfig().
type Config struct {
	RootPath string // absolute local sync root

	Store        store.Store
	LocalSource  localagg.EventSource
	LocalWriter  writer.LocalWriter
	RemoteFeed   remoteagg.RemoteFeed
	RemoteWriter writer.RemoteWriter

	Ignore  localagg.IgnorePredicate
	Hasher  localagg.Hasher
	Folding docid.Folding

	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier syncer.Notifier

	PollInterval     time.Duration
	AwaitWriteFinish time.Duration
	Syncer           syncer.Config
}

// Engine is the assembled dataflow graph for one sync root.
type Engine struct {
	store  store.Store
	source localagg.EventSource
	feed   remoteagg.RemoteFeed

	localAgg  *localagg.Aggregator
	remoteAgg *remoteagg.Aggregator
	merger    *merge.Merger
	syncer    *syncer.Synchronizer

	clock  clock.Clock
	logger *slog.Logger

	pollInterval     time.Duration
	awaitWriteFinish time.Duration
}

// New validates cfg and wires the dataflow graph. It does not perform any
// I/O itself — call Seed before driving FlushLocal by hand to load the
// local-aggregator baseline; Run calls Seed itself.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: Config.Store is required")
	}

	if cfg.LocalSource == nil {
		return nil, fmt.Errorf("engine: Config.LocalSource is required")
	}

	if cfg.LocalWriter == nil {
		return nil, fmt.Errorf("engine: Config.LocalWriter is required")
	}

	if cfg.RemoteFeed == nil {
		return nil, fmt.Errorf("engine: Config.RemoteFeed is required")
	}

	if cfg.RemoteWriter == nil {
		return nil, fmt.Errorf("engine: Config.RemoteWriter is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	awaitWriteFinish := cfg.AwaitWriteFinish
	if awaitWriteFinish <= 0 {
		awaitWriteFinish = 200 * time.Millisecond
	}

	// runLocalProducer already waits for awaitWriteFinish of quiet before it
	// hands a batch to FlushLocal, so the aggregator's own window is zero.
	localAgg := localagg.New(cfg.RootPath, cfg.Ignore, cfg.Hasher, cfg.Store, clk, logger, 0)
	remoteAgg := remoteagg.New(cfg.Store)

	merger := merge.New(cfg.Store, clk, cfg.Folding, logger)
	merger.SetWriter(model.SideLocal, cfg.LocalWriter)
	merger.SetWriter(model.SideRemote, &remoteRenamer{
		store: cfg.Store, remote: cfg.RemoteWriter, rootRemoteID: cfg.Syncer.RootRemoteID,
	})

	sync := syncer.New(cfg.Store, cfg.LocalWriter, cfg.RemoteWriter, clk, logger, cfg.Notifier, cfg.Syncer)

	return &Engine{
		store:            cfg.Store,
		source:           cfg.LocalSource,
		feed:             cfg.RemoteFeed,
		localAgg:         localAgg,
		remoteAgg:        remoteAgg,
		merger:           merger,
		syncer:           sync,
		clock:            clk,
		logger:           logger,
		pollInterval:     pollInterval,
		awaitWriteFinish: awaitWriteFinish,
	}, nil
}

// Seed loads the local aggregator's initial-diff baseline from the store.
// Call once before the first local batch (Run does this itself).
func (e *Engine) Seed(ctx context.Context) error {
	return e.localAgg.Seed(ctx)
}

// Synchronizer exposes C9 directly, for callers (cmd/cozy-sync) that need
// to inspect Blocked() or call Unblock.
func (e *Engine) Synchronizer() *syncer.Synchronizer { return e.syncer }

// Store exposes C1 directly, for read-only status/conflict queries.
func (e *Engine) Store() store.Store { return e.store }

// FlushLocal runs one batch of raw local events through C5 and applies
// every resulting change through C8. Exported so tests can drive the local
// path without standing up a real EventSource.
func (e *Engine) FlushLocal(ctx context.Context, batch []localagg.LocalEvent) error {
	changes, err := e.localAgg.Process(ctx, batch)
	if err != nil {
		return fmt.Errorf("engine: local aggregation: %w", err)
	}

	release, err := e.store.Lock(ctx, "local-producer")
	if err != nil {
		return fmt.Errorf("engine: acquiring store lock: %w", err)
	}
	defer release()

	for _, ch := range changes {
		if err := adaptLocal(ctx, e.merger, ch); err != nil {
			return fmt.Errorf("engine: applying local change %s: %w", ch.Path, err)
		}
	}

	return nil
}

// PullRemote pulls one batch from the remote feed, runs it through C7, and
// applies every resulting change through C8, advancing the remote cursor
// on success. Exported so tests can drive the remote path without a real
// RemoteFeed implementation.
func (e *Engine) PullRemote(ctx context.Context) error {
	cursor, err := e.store.RemoteCursor(ctx)
	if err != nil {
		return fmt.Errorf("engine: reading remote cursor: %w", err)
	}

	newCursor, docs, err := e.feed.Pull(ctx, cursor)
	if err != nil {
		return fmt.Errorf("engine: pulling remote changes: %w", err)
	}

	changes, err := e.remoteAgg.Process(ctx, docs)
	if err != nil {
		return fmt.Errorf("engine: remote aggregation: %w", err)
	}

	release, err := e.store.Lock(ctx, "remote-producer")
	if err != nil {
		return fmt.Errorf("engine: acquiring store lock: %w", err)
	}
	defer release()

	for _, ch := range changes {
		if err := adaptRemote(ctx, e.merger, ch); err != nil {
			return fmt.Errorf("engine: applying remote change %s: %w", ch.Doc.Path, err)
		}
	}

	return e.store.SetRemoteCursor(ctx, newCursor)
}

// Drain runs C9 to exhaustion over the current commit-log backlog,
// returning the total of the counts Synchronizer.Step reports (changes
// that had a side out of date).
func (e *Engine) Drain(ctx context.Context) (int, error) {
	total := 0

	for {
		n, err := e.syncer.Step(ctx)
		if err != nil {
			return total, err
		}

		total += n

		if n == 0 {
			return total, nil
		}
	}
}

// Run drives the full continuous loop: a local producer goroutine batches
// raw filesystem events into C8, a remote producer goroutine polls the
// feed into C8 on pollInterval, and C9 materializes the result — the three
// run under one errgroup so any one's fatal error cancels the others
// (SPEC_FULL.md §12: errgroup "supervises the C4→C5 and C6→C7 producer
// goroutines... and the syncer's cooperative-cancellation group").
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Seed(ctx); err != nil {
		return fmt.Errorf("engine: seeding local aggregator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.runLocalProducer(gctx) })
	g.Go(func() error { return e.runRemoteProducer(gctx) })
	g.Go(func() error { return e.syncer.Run(gctx, e.pollInterval) })

	return g.Wait()
}

func (e *Engine) runLocalProducer(ctx context.Context) error {
	events, err := e.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("engine: subscribing to local events: %w", err)
	}

	timer := e.clock.NewTimer(e.awaitWriteFinish)
	defer timer.Stop()

	var batch []localagg.LocalEvent

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			batch = append(batch, ev)
			timer.Reset(e.awaitWriteFinish)

		case <-timer.C():
			if len(batch) == 0 {
				continue
			}

			flushing := batch
			batch = nil

			if err := e.FlushLocal(ctx, flushing); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) runRemoteProducer(ctx context.Context) error {
	for {
		if err := e.PullRemote(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// ListConflicts returns every document whose path carries the conflict
// sibling-name suffix docid.ConflictingName assigns (spec.md §4.2).
func (e *Engine) ListConflicts(ctx context.Context) ([]*model.Document, error) {
	docs, err := e.store.ByPathPrefix(ctx, "", store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("engine: listing conflicts: %w", err)
	}

	var out []*model.Document

	for _, d := range docs {
		if strings.Contains(d.Path, "-conflict-") {
			out = append(out, d)
		}
	}

	return out, nil
}

// Status summarizes the engine's current state for cmd/cozy-sync's
// status command.
type Status struct {
	Blocked      bool
	LocalCursor  int64
	RemoteCursor int64
	Conflicts    int
}

// Status reports the synchronizer's blocked state, both cursors, and the
// current conflict count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	lc, err := e.store.LocalCursor(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("engine: reading local cursor: %w", err)
	}

	rc, err := e.store.RemoteCursor(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("engine: reading remote cursor: %w", err)
	}

	conflicts, err := e.ListConflicts(ctx)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Blocked:      e.syncer.Blocked(),
		LocalCursor:  lc,
		RemoteCursor: rc,
		Conflicts:    len(conflicts),
	}, nil
}
