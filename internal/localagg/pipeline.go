package localagg

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/cozy-labs/cozy-sync-engine/internal/clock"
	"github.com/cozy-labs/cozy-sync-engine/internal/model"
)

// IgnorePredicate decides whether a path is excluded from aggregation.
// Satisfied by *ignore.Predicate.
type IgnorePredicate interface {
	Match(path string, isDir bool) bool
}

// Hasher computes a content digest for a file on disk. Satisfied by
// *contenthash.Worker.
type Hasher interface {
	Hash(ctx context.Context, fsPath string) (string, error)
}

// PersistedLookup supplies the local documents already known to the store,
// used by the initial-diff stage to recognize moves and reuse hashes across
// restarts. Satisfied by store.Store.
type PersistedLookup interface {
	AllLocal(ctx context.Context) ([]*model.Document, error)
}

const defaultMoveWindow = 2 * time.Second

// richEvent is the internal per-event working record threaded through the
// pipeline stages; later stages add information earlier stages could not
// determine (kind, hash) without discarding what came before.
type richEvent struct {
	raw           LocalEvent
	isDir         bool
	incomplete    bool
	old           *model.Document // initial-diff / move detection match
	wip           bool
	syncRootEmpty bool
}

type pendingDelete struct {
	path string
	old  *model.Document
	at   time.Time
}

type pendingWrite struct {
	latest   richEvent
	seenAt   time.Time
	deleted  bool
}

// Aggregator runs the eight-stage local aggregation pipeline (spec.md §4.4).
// Per-stage state is preserved across calls to Process, matching the
// "mutable state map... preserved across batches" requirement.
type Aggregator struct {
	root     string
	ignore   IgnorePredicate
	hasher   Hasher
	lookup   PersistedLookup
	clock    clock.Clock
	logger   *slog.Logger

	awaitWriteFinish time.Duration
	moveWindow       time.Duration

	byInode  map[uint64]*model.Document // initial-diff baseline, consumed as entries are matched
	visited  map[string]bool
	seeded   bool
	scanDone bool

	pendingDeletes map[uint64]pendingDelete
	writeBuffer    map[string]*pendingWrite
	incomplete     map[string]richEvent

	emptyRootStrikes int
}

// New constructs an Aggregator rooted at root (an absolute local path).
func New(root string, ignore IgnorePredicate, hasher Hasher, lookup PersistedLookup, clk clock.Clock, logger *slog.Logger, awaitWriteFinish time.Duration) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		root:             root,
		ignore:           ignore,
		hasher:           hasher,
		lookup:           lookup,
		clock:            clk,
		logger:           logger,
		awaitWriteFinish: awaitWriteFinish,
		moveWindow:       defaultMoveWindow,
		byInode:          make(map[uint64]*model.Document),
		visited:          make(map[string]bool),
		pendingDeletes:   make(map[uint64]pendingDelete),
		writeBuffer:      make(map[string]*pendingWrite),
		incomplete:       make(map[string]richEvent),
	}
}

// Seed loads the persisted local documents so the initial-diff stage (step
// 6) can recognize moves and reuse hashes across a restart. Call once before
// the first Process.
func (a *Aggregator) Seed(ctx context.Context) error {
	docs, err := a.lookup.AllLocal(ctx)
	if err != nil {
		return fmt.Errorf("localagg: seeding from store: %w", err)
	}

	for _, d := range docs {
		if d.Inode == nil {
			continue
		}

		a.byInode[*d.Inode] = d
	}

	a.seeded = true

	return nil
}

// Process runs one batch of raw events through all eight pipeline stages and
// returns the semantic changes produced.
func (a *Aggregator) Process(ctx context.Context, batch []LocalEvent) ([]Change, error) {
	enriched := a.enrich(batch)
	kept := a.applyIgnore(enriched)
	moved := a.detectMoves(kept)
	scanned, err := a.scanFolders(moved)
	if err != nil {
		return nil, err
	}

	debounced := a.debounce(scanned)
	diffed := a.initialDiff(ctx, batch, debounced)

	changes, err := a.toChanges(diffed)
	if err != nil {
		return nil, err
	}

	if err := a.checksum(ctx, changes); err != nil {
		return nil, err
	}

	return a.fixIncomplete(changes), nil
}

// 1. enrich: attach kind by stat, drop symlinks, mark incomplete stat
// failures.
func (a *Aggregator) enrich(batch []LocalEvent) []richEvent {
	out := make([]richEvent, 0, len(batch))

	for _, ev := range batch {
		re := richEvent{raw: ev}

		switch ev.Kind {
		case EventDeleted, EventInitialScanDone, EventIgnored:
			out = append(out, re)
			continue
		}

		full := filepath.Join(a.root, ev.Path)

		info, err := lstatSkipSymlink(full)
		if err != nil {
			if err == errIsSymlink {
				a.logger.Info("localagg: skipping symlink", slog.String("path", ev.Path))
				continue
			}

			re.incomplete = true
			a.incomplete[ev.Path] = re
			out = append(out, re)

			continue
		}

		re.isDir = info.IsDir()
		out = append(out, re)
	}

	return out
}

// 2. ignore: drop paths matched by the injected predicate.
func (a *Aggregator) applyIgnore(in []richEvent) []richEvent {
	out := make([]richEvent, 0, len(in))

	for _, re := range in {
		if a.ignore != nil && a.ignore.Match(re.raw.Path, re.isDir) {
			continue
		}

		out = append(out, re)
	}

	return out
}

// 3. move detection: pair created(dst) with a pending deleted(src) of
// matching inode within a bounded window — for event sources that emit
// creation-before-deletion instead of an atomic rename.
func (a *Aggregator) detectMoves(in []richEvent) []richEvent {
	out := make([]richEvent, 0, len(in))
	now := a.clock.Now()

	for _, re := range in {
		if re.raw.Kind == EventDeleted && re.raw.Inode != 0 {
			a.pendingDeletes[re.raw.Inode] = pendingDelete{path: re.raw.Path, at: now}
			continue
		}

		if (re.raw.Kind == EventCreated || re.raw.Kind == EventScan) && re.raw.Inode != 0 {
			if pd, ok := a.pendingDeletes[re.raw.Inode]; ok && now.Sub(pd.at) <= a.moveWindow && pd.path != re.raw.Path {
				delete(a.pendingDeletes, re.raw.Inode)
				re.raw.Kind = EventRenamed
				re.raw.OldPath = pd.path
			}
		}

		out = append(out, re)
	}

	// Purge stale pending deletes so real deletions eventually surface.
	for inode, pd := range a.pendingDeletes {
		if now.Sub(pd.at) > a.moveWindow {
			out = append(out, richEvent{raw: LocalEvent{Kind: EventDeleted, Path: pd.path, Inode: inode}})
			delete(a.pendingDeletes, inode)
		}
	}

	return out
}

// 4. scan-folder: synthesize scan events for entries found by a recursive
// walk when a directory is added.
func (a *Aggregator) scanFolders(in []richEvent) ([]richEvent, error) {
	out := make([]richEvent, 0, len(in))

	for _, re := range in {
		out = append(out, re)

		addingDir := re.isDir && (re.raw.Kind == EventCreated || re.raw.Kind == EventScan || re.raw.Kind == EventRenamed)
		if !addingDir {
			continue
		}

		full := filepath.Join(a.root, re.raw.Path)

		err := filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil || p == full {
				return nil
			}

			rel, relErr := filepath.Rel(a.root, p)
			if relErr != nil {
				return nil
			}

			info, statErr := d.Info()
			child := richEvent{raw: LocalEvent{Kind: EventScan, Path: rel}}

			if statErr != nil {
				child.incomplete = true
			} else {
				child.isDir = d.IsDir()
				child.raw.Stats = &Stats{Size: info.Size(), Mtime: info.ModTime()}
			}

			out = append(out, child)

			return nil
		})
		if err != nil {
			a.logger.Warn("localagg: scan-folder walk failed", slog.String("path", re.raw.Path), slog.Any("err", err))
		}
	}

	return out, nil
}

// 5. await-write-finish: collapse created,modified*,(deleted) sequences per
// path into one created (or drop if deleted arrives); coalesce consecutive
// modified into the latest. State persists across batches; a path flushes
// once awaitWriteFinish has elapsed since its last event.
func (a *Aggregator) debounce(in []richEvent) []richEvent {
	now := a.clock.Now()

	for _, re := range in {
		switch re.raw.Kind {
		case EventCreated, EventModified, EventRenamed, EventScan:
			pw, ok := a.writeBuffer[re.raw.Path]
			if !ok {
				pw = &pendingWrite{}
				a.writeBuffer[re.raw.Path] = pw
			}

			if ok && !pw.deleted && re.raw.Kind == EventModified {
				switch pw.latest.raw.Kind {
				case EventCreated, EventRenamed, EventScan:
					re.raw.Kind = pw.latest.raw.Kind
					re.raw.OldPath = pw.latest.raw.OldPath
				}
			}

			pw.latest = re
			pw.seenAt = now
			pw.deleted = false
		case EventDeleted:
			if pw, ok := a.writeBuffer[re.raw.Path]; ok {
				// A path that existed before its buffered event (modified or
				// moved here) is still deleted; only a fresh creation drops.
				if k := pw.latest.raw.Kind; k == EventModified || k == EventRenamed {
					re.isDir = pw.latest.isDir
					if k == EventRenamed {
						re.raw.Path = pw.latest.raw.OldPath
					}

					pw.latest = re
				}

				pw.deleted = true
				pw.seenAt = now
				continue
			}
			// No pending write for this path: buffer the deletion; it flushes
			// once awaitWriteFinish has elapsed, like any other path.
			a.writeBuffer[re.raw.Path] = &pendingWrite{latest: re, seenAt: now, deleted: true}
		}
	}

	var out []richEvent

	for path, pw := range a.writeBuffer {
		if pw.deleted && pw.latest.raw.Kind != EventDeleted {
			// created-then-deleted within the window: drop entirely.
			delete(a.writeBuffer, path)
			continue
		}

		if now.Sub(pw.seenAt) < a.awaitWriteFinish {
			continue // still settling; wait for a later batch
		}

		out = append(out, pw.latest)
		delete(a.writeBuffer, path)
	}

	// Initial-scan-done and ignored events are not debounced and pass
	// through immediately; deletions flush from the buffer above.
	for _, re := range in {
		switch re.raw.Kind {
		case EventInitialScanDone, EventIgnored:
			out = append(out, re)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].raw.Path < out[j].raw.Path })

	return out
}

// 6. initial-diff: match scan/created events against the persisted-by-inode
// baseline built by Seed; recognize moves, reuse stored hashes, and — once
// EventInitialScanDone arrives in this batch — emit deletions for every
// persisted doc never visited.
func (a *Aggregator) initialDiff(ctx context.Context, rawBatch []LocalEvent, in []richEvent) []richEvent {
	out := make([]richEvent, 0, len(in))

	for _, re := range in {
		if re.raw.Inode != 0 {
			if prior, ok := a.byInode[re.raw.Inode]; ok {
				a.visited[re.raw.Path] = true

				if prior.Path != re.raw.Path && (re.raw.Kind == EventScan || re.raw.Kind == EventCreated) {
					re.raw.Kind = EventRenamed
					re.raw.OldPath = prior.Path
					re.old = prior
				} else if re.raw.Stats != nil && prior.File != nil && !re.raw.Stats.Mtime.After(prior.UpdatedAt) {
					re.old = prior // same path, unchanged mtime: reuse hash downstream
				}

				delete(a.byInode, re.raw.Inode)
			}
		}

		out = append(out, re)
	}

	for _, ev := range rawBatch {
		if ev.Kind == EventInitialScanDone && !a.scanDone {
			a.scanDone = true

			// A populated history (we seeded entries) but nothing at all was
			// visited this scan: the sync root is very likely unmounted or
			// emptied out from under us, not genuinely cleared by the user.
			if len(a.byInode) > 0 && len(a.visited) == 0 {
				a.emptyRootStrikes++
			} else {
				a.emptyRootStrikes = 0
			}

			const emptyRootRetries = 3
			if a.emptyRootStrikes >= emptyRootRetries {
				out = append(out, richEvent{syncRootEmpty: true})
				a.byInode = make(map[uint64]*model.Document)

				continue
			}

			for inode, prior := range a.byInode {
				out = append(out, richEvent{raw: LocalEvent{Kind: EventDeleted, Path: prior.Path, Inode: inode}, isDir: prior.Kind == model.KindFolder})
			}

			a.byInode = make(map[uint64]*model.Document)
		}
	}

	return out
}

// toChanges maps enriched/debounced events onto the Change shapes the rest
// of the engine consumes.
func (a *Aggregator) toChanges(in []richEvent) ([]Change, error) {
	var out []Change

	for _, re := range in {
		if re.syncRootEmpty {
			out = append(out, Change{Kind: ChangeSyncRootEmpty})
			continue
		}

		switch re.raw.Kind {
		case EventInitialScanDone, EventIgnored:
			continue
		case EventDeleted:
			kind := ChangeFileDeletion
			if re.isDir {
				kind = ChangeDirDeletion
			}

			out = append(out, Change{Kind: kind, Path: re.raw.Path, Inode: re.raw.Inode})
		case EventRenamed:
			kind := ChangeFileMove
			if re.isDir {
				kind = ChangeDirMove
			}

			out = append(out, Change{Kind: kind, Path: re.raw.Path, OldPath: re.raw.OldPath, Inode: re.raw.Inode, Stats: re.raw.Stats, WIP: re.wip})
		case EventCreated, EventScan:
			kind := ChangeFileAddition
			if re.isDir {
				kind = ChangeDirAddition
			}

			c := Change{Kind: kind, Path: re.raw.Path, Inode: re.raw.Inode, Stats: re.raw.Stats, WIP: re.incomplete}

			if re.old != nil && re.old.File != nil {
				c.Hash = re.old.File.Hash // reused, not recomputed
			}

			out = append(out, c)
		case EventModified:
			out = append(out, Change{Kind: ChangeFileUpdate, Path: re.raw.Path, Inode: re.raw.Inode, Stats: re.raw.Stats})
		}
	}

	return out, nil
}

// 7. checksum: attach hash to file changes that lack one.
func (a *Aggregator) checksum(ctx context.Context, changes []Change) error {
	for i := range changes {
		c := &changes[i]

		if c.Hash != "" || c.WIP {
			continue
		}

		switch c.Kind {
		case ChangeFileAddition, ChangeFileUpdate, ChangeFileMove:
		default:
			continue
		}

		full := filepath.Join(a.root, c.Path)

		h, err := a.hasher.Hash(ctx, full)
		if err != nil {
			a.logger.Warn("localagg: checksum failed", slog.String("path", c.Path), slog.Any("err", err))
			continue
		}

		c.Hash = h
	}

	return nil
}

// 8. incomplete-fixer: if an earlier event was marked incomplete and a later
// event references the same path, the later event already carries the
// resolved kind/hash — this stage only needs to forget the stale incomplete
// marker so it is not retried forever.
func (a *Aggregator) fixIncomplete(changes []Change) []Change {
	for _, c := range changes {
		delete(a.incomplete, c.Path)
	}

	return changes
}
