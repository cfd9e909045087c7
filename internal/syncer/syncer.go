package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/writer"
)

// InvariantPanic is raised instead of returned for TierInvariant errors
// (design note: "reserve unwinding for invariant violations"). Run
// recovers it at the top level and returns it as a regular error so a
// caller that drives Run in its own goroutine still gets a clean return
// rather than a crashed process, while the panic/recover still makes
// invariant violations impossible to silently swallow mid-loop.
type InvariantPanic struct {
	Err error
}

// Error implements error.
func (p InvariantPanic) Error() string { return p.Err.Error() }

// Unwrap supports errors.Is/As against the wrapped cause.
func (p InvariantPanic) Unwrap() error { return p.Err }

// Config holds the tunables from spec.md §5/§7 and SPEC_FULL.md §13.
type Config struct {
	MaxAttempts        int
	BigDeleteThreshold int
	RootRemoteID       string
	HeartbeatTimeout   time.Duration
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
}

// DefaultConfig returns the conservative defaults matching
// internal/config.Default()'s safety section.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BigDeleteThreshold: 100,
		RootRemoteID:       "root",
		HeartbeatTimeout:   30 * time.Second,
		RetryBackoffBase:   time.Second,
		RetryBackoffMax:    5 * time.Minute,
	}
}

// Synchronizer is the C9 single-threaded loop: it drains the store's
// commit log in strict seq order and materializes each change on
// whichever side lags, per spec.md §4.7.
type Synchronizer struct {
	store    store.Store
	local    writer.LocalWriter
	remote   writer.RemoteWriter
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
	cfg      Config

	blocked  bool
	backoff  time.Duration
	attempts map[string]int
}

// New constructs a Synchronizer. logger/notifier/clk default to
// slog.Default(), NoopNotifier{}, and clock.Real{} when nil.
func New(st store.Store, local writer.LocalWriter, remote writer.RemoteWriter, clk clock.Clock, logger *slog.Logger, notifier Notifier, cfg Config) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}

	if notifier == nil {
		notifier = NoopNotifier{}
	}

	if clk == nil {
		clk = clock.Real{}
	}

	return &Synchronizer{
		store:    st,
		local:    local,
		remote:   remote,
		clock:    clk,
		logger:   logger,
		notifier: notifier,
		cfg:      cfg,
		attempts: make(map[string]int),
	}
}

// Blocked reports whether the synchronizer is currently paused on a
// user-actionable error.
func (s *Synchronizer) Blocked() bool { return s.blocked }

// Unblock clears the blocked state, as if the user signaled done (spec.md
// §4.7: "unblock when the user signals done").
func (s *Synchronizer) Unblock(ctx context.Context) {
	if s.blocked {
		s.blocked = false
		s.notifier.Resumed(ctx)
	}
}

// Step drains the current backlog of the store's commit log once: every
// change recorded since the synchronizer's saved cursor is applied in
// strict seq order. It returns the number of changes that had a side out
// of date (materialized, skipped, or given up after MaxAttempts); entries
// already in sync, such as the settle commits Step writes itself, are
// advanced past without being counted. Step does nothing while blocked;
// call Unblock first.
func (s *Synchronizer) Step(ctx context.Context) (int, error) {
	if s.blocked {
		return 0, nil
	}

	cursor, err := s.store.LocalCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncer: reading cursor: %w", err)
	}

	release, err := s.store.Lock(ctx, "syncer")
	if err != nil {
		return 0, fmt.Errorf("syncer: acquiring store lock: %w", err)
	}
	defer release()

	changes, err := s.store.ChangesSince(ctx, cursor, store.ChangesOptions{})
	if err != nil {
		return 0, fmt.Errorf("syncer: reading changes since %d: %w", cursor, err)
	}

	processed := 0

	for change := range changes {
		outOfDate := change.Doc.Sides.OutOfDate() != model.SideNone

		if err := s.processChange(ctx, change); err != nil {
			return processed, err
		}

		if outOfDate {
			processed++
		}
	}

	return processed, nil
}

// processChange applies one commit-log entry and advances the cursor past
// it, or enters the blocked state and returns without advancing so the
// same change is retried on the next Step.
func (s *Synchronizer) processChange(ctx context.Context, change store.Change) error {
	doc := change.Doc

	if isIgnored(doc) || (!doc.IsSynced() && doc.Deleted) {
		return s.advance(ctx, change.Seq)
	}

	side := doc.Sides.OutOfDate()
	if side == model.SideNone {
		return s.advance(ctx, change.Seq)
	}

	var applyErr error
	if side == model.SideRemote && doc.Trashed {
		applyErr = s.trashWithParentOrByItself(ctx, doc)
	} else {
		applyErr = s.applyDoc(ctx, doc, side)
	}

	if applyErr != nil {
		return s.handleFailure(ctx, doc, change.Seq, applyErr)
	}

	delete(s.attempts, doc.ID)

	if doc.Deleted {
		return s.advance(ctx, change.Seq)
	}

	return s.settle(ctx, doc, side, change.Seq)
}

// handleFailure classifies applyErr and decides whether to skip past the
// change, block the synchronizer, retry later, or panic (invariant
// violations only). spec.md §7's policy table.
func (s *Synchronizer) handleFailure(ctx context.Context, doc *model.Document, seq int64, applyErr error) error {
	tier := Classify(applyErr)

	switch tier {
	case TierInvariant:
		panic(InvariantPanic{Err: applyErr})
	case TierFatal:
		return applyErr
	case TierSkip:
		s.logger.Warn("syncer: skipping change", slog.String("doc", doc.ID), slog.Any("err", applyErr))
		return s.advance(ctx, seq)
	case TierBlock:
		s.blocked = true
		s.notifier.UserActionRequired(ctx, doc.ID, applyErr)

		return applyErr
	case TierRetry:
		s.attempts[doc.ID]++
		if s.attempts[doc.ID] >= s.cfg.MaxAttempts {
			s.logger.Warn("syncer: giving up after max attempts",
				slog.String("doc", doc.ID), slog.Int("attempts", s.attempts[doc.ID]), slog.Any("err", applyErr))
			delete(s.attempts, doc.ID)

			return s.advance(ctx, seq)
		}

		return applyErr
	default:
		return applyErr
	}
}

// advance moves the saved cursor past seq without touching the document.
func (s *Synchronizer) advance(ctx context.Context, seq int64) error {
	if err := s.store.SetLocalCursor(ctx, seq); err != nil {
		return fmt.Errorf("syncer: advancing cursor to %d: %w", seq, err)
	}

	return nil
}

// settle persists the post-apply document state: the materialized side's
// counter is bumped to Target and any one-shot move/overwrite hints are
// cleared, then the cursor advances.
func (s *Synchronizer) settle(ctx context.Context, doc *model.Document, side model.Side, seq int64) error {
	updated := doc.Clone()
	updated.MoveFrom = nil
	updated.Overwrite = nil

	target := updated.Sides.Target
	if side == model.SideLocal {
		updated.Sides.Local = &target
	} else {
		updated.Sides.Remote = &target
	}

	if err := s.store.Put(ctx, updated); err != nil {
		return fmt.Errorf("syncer: persisting settled doc %s: %w", doc.ID, err)
	}

	return s.advance(ctx, seq)
}

// isIgnored reports whether doc carries the sentinel ignore tag the
// ignore predicate attaches upstream (aggregators tag rather than drop,
// so the synchronizer can still erase a formerly-tracked, now-ignored
// path).
func isIgnored(doc *model.Document) bool {
	for _, t := range doc.Tags {
		if t == "ignored" {
			return true
		}
	}

	return false
}

// Run drives Step in a loop until ctx is cancelled, sleeping pollInterval
// between cycles when idle and backing off exponentially (capped at
// RetryBackoffMax) while blocked, per spec.md §4.7/§5.
func (s *Synchronizer) Run(ctx context.Context, pollInterval time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p, ok := r.(InvariantPanic)
			if !ok {
				panic(r)
			}

			err = p
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.blocked {
			wait := s.nextBackoff()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(wait):
			}

			s.blocked = false

			_, _ = s.Step(ctx)
			if !s.blocked {
				s.backoff = 0
				s.notifier.Resumed(ctx)
			}

			continue
		}

		if _, err := s.Step(ctx); err != nil && !s.blocked && Classify(err) != TierRetry {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(pollInterval):
		}
	}
}

// nextBackoff returns the current backoff delay and doubles it for next
// time, capped at RetryBackoffMax, starting from RetryBackoffBase.
func (s *Synchronizer) nextBackoff() time.Duration {
	if s.backoff == 0 {
		s.backoff = s.cfg.RetryBackoffBase
	}

	wait := s.backoff

	s.backoff *= 2
	if s.backoff > s.cfg.RetryBackoffMax {
		s.backoff = s.cfg.RetryBackoffMax
	}

	return wait
}

func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}

	return dir
}
