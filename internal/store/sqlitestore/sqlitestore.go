// Package sqlitestore is the persisted implementation of store.Store,
// backed by an embedded pure-Go SQLite database (modernc.org/sqlite) with
// goose-managed schema migrations, mirroring the teacher's single-file
// embedded-state-database convention.
//
// Documents are indexed by id, path, remote id, and hash via dedicated
// columns (so lookups use real SQLite indexes), while the full Document —
// including its nested MoveFrom/Overwrite snapshots — is persisted as a
// JSON blob in the same row, so no part of the model needs a bespoke
// column mapping.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const walJournalSizeLimit = 64 * 1024 * 1024

// Store is a SQLite-backed store.Store. A single *sql.DB is shared across
// all methods; SQLite's own locking combined with SetMaxOpenConns(1)
// gives the single-writer discipline the teacher's state layer relies on.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex // guards the advisory lock queue below
	lockQueue []chan struct{}
}

// Open creates or upgrades the database at dbPath (":memory:" for tests),
// applies pending migrations, and returns a ready Store.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlitestore ready", slog.String("path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", p, err)
		}
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlitestore: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sqlitestore: creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlitestore: running migrations: %w", err)
	}

	return nil
}

// row is the JSON-serializable projection of model.Document stored in the
// snapshot column. Kept distinct from model.Document so storage concerns
// (string-encoded Kind, nullable pointer fields) never leak into the
// domain model.
type row struct {
	ID                string                   `json:"id"`
	Path              string                   `json:"path"`
	Kind              model.Kind               `json:"kind"`
	File              *model.FileAttrs         `json:"file,omitempty"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	Inode             *uint64                  `json:"inode,omitempty"`
	Remote            *model.RemoteRef         `json:"remote,omitempty"`
	Tags              []string                 `json:"tags,omitempty"`
	Sides             model.Sides              `json:"sides"`
	MoveFrom          *model.Document          `json:"moveFrom,omitempty"`
	Overwrite         *model.Document          `json:"overwrite,omitempty"`
	Deleted           bool                     `json:"deleted,omitempty"`
	Trashed           bool                     `json:"trashed,omitempty"`
	Incompatibilities []model.Incompatibility  `json:"incompatibilities,omitempty"`
	Errors            []string                 `json:"errors,omitempty"`
}

func toRow(doc *model.Document) row {
	return row{
		ID: doc.ID, Path: doc.Path, Kind: doc.Kind, File: doc.File,
		UpdatedAt: doc.UpdatedAt, Inode: doc.Inode, Remote: doc.Remote,
		Tags: doc.Tags, Sides: doc.Sides, MoveFrom: doc.MoveFrom,
		Overwrite: doc.Overwrite, Deleted: doc.Deleted, Trashed: doc.Trashed,
		Incompatibilities: doc.Incompatibilities, Errors: doc.Errors,
	}
}

func (r row) toDoc() *model.Document {
	return &model.Document{
		ID: r.ID, Path: r.Path, Kind: r.Kind, File: r.File,
		UpdatedAt: r.UpdatedAt, Inode: r.Inode, Remote: r.Remote,
		Tags: r.Tags, Sides: r.Sides, MoveFrom: r.MoveFrom,
		Overwrite: r.Overwrite, Deleted: r.Deleted, Trashed: r.Trashed,
		Incompatibilities: r.Incompatibilities, Errors: r.Errors,
	}
}

func scanSnapshot(snapshot string) (*model.Document, error) {
	var r row
	if err := json.Unmarshal([]byte(snapshot), &r); err != nil {
		return nil, fmt.Errorf("sqlitestore: decoding snapshot: %w", err)
	}

	return r.toDoc(), nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.queryOne(ctx, "SELECT snapshot FROM documents WHERE id = ?", id)
}

// ByPath implements store.Store.
func (s *Store) ByPath(ctx context.Context, path string) (*model.Document, error) {
	return s.queryOneBySnapshotJoin(ctx, path)
}

func (s *Store) queryOneBySnapshotJoin(ctx context.Context, path string) (*model.Document, error) {
	return s.queryOne(ctx, "SELECT snapshot FROM documents WHERE path = ?", path)
}

func (s *Store) queryOne(ctx context.Context, query string, arg any) (*model.Document, error) {
	var snapshot string

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}

	return scanSnapshot(snapshot)
}

// ByRemoteID implements store.Store.
func (s *Store) ByRemoteID(ctx context.Context, remoteID string) (*model.Document, error) {
	return s.queryOne(ctx, "SELECT snapshot FROM documents WHERE remote_id = ?", remoteID)
}

// ByHash implements store.Store.
func (s *Store) ByHash(ctx context.Context, hash string) ([]*model.Document, error) {
	return s.queryMany(ctx, "SELECT snapshot FROM documents WHERE hash = ? ORDER BY id", hash)
}

// ByPathPrefix implements store.Store.
func (s *Store) ByPathPrefix(ctx context.Context, prefix string, opts store.ListOptions) ([]*model.Document, error) {
	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}

	query := fmt.Sprintf("SELECT snapshot FROM documents WHERE substr(path, 1, length(?)) = ? ORDER BY path %s", order)

	return s.queryMany(ctx, query, prefix, prefix)
}

// AllLocal implements store.Store.
func (s *Store) AllLocal(ctx context.Context) ([]*model.Document, error) {
	return s.queryMany(ctx, "SELECT snapshot FROM documents WHERE sides_local IS NOT NULL ORDER BY id")
}

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]*model.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	var out []*model.Document

	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("sqlitestore: scanning row: %w", err)
		}

		doc, err := scanSnapshot(snapshot)
		if err != nil {
			return nil, err
		}

		out = append(out, doc)
	}

	return out, rows.Err()
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, doc *model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.putTx(ctx, tx, doc); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) putTx(ctx context.Context, tx *sql.Tx, doc *model.Document) error {
	var previous *model.Document

	var snapshot string

	err := tx.QueryRowContext(ctx, "SELECT snapshot FROM documents WHERE id = ?", doc.ID).Scan(&snapshot)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("sqlitestore: reading previous revision: %w", err)
	default:
		previous, err = scanSnapshot(snapshot)
		if err != nil {
			return err
		}
	}

	if err := store.Validate(doc, previous); err != nil {
		return err
	}

	encoded, err := json.Marshal(toRow(doc))
	if err != nil {
		return fmt.Errorf("sqlitestore: encoding document %q: %w", doc.ID, err)
	}

	var (
		hash, remoteID      any
		remoteRev           any
		inode               any
		size                any
		mime, class         any
		tags                any
		moveFrom, overwrite any
		executable          int
	)

	if doc.File != nil {
		hash, size = doc.File.Hash, doc.File.Size
		mime, class = nilIfEmpty(doc.File.Mime), nilIfEmpty(doc.File.Class)
		executable = boolInt(doc.File.Executable)
	}

	if doc.Remote != nil {
		remoteID, remoteRev = doc.Remote.RemoteID, doc.Remote.RemoteRev
	}

	if doc.Inode != nil {
		inode = *doc.Inode
	}

	if len(doc.Tags) > 0 {
		encodedTags, _ := json.Marshal(doc.Tags)
		tags = string(encodedTags)
	}

	if doc.MoveFrom != nil {
		moveFrom = doc.MoveFrom.Path
	}

	if doc.Overwrite != nil {
		overwrite = doc.Overwrite.Path
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (
			id, path, kind, size, hash, executable, mime, class, updated_at,
			inode, remote_id, remote_rev, tags, sides_target, sides_local,
			sides_remote, move_from, overwrite_doc, deleted, trashed, errors, snapshot
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, kind=excluded.kind, size=excluded.size,
			hash=excluded.hash, executable=excluded.executable, mime=excluded.mime,
			class=excluded.class, updated_at=excluded.updated_at, inode=excluded.inode,
			remote_id=excluded.remote_id, remote_rev=excluded.remote_rev,
			tags=excluded.tags, sides_target=excluded.sides_target,
			sides_local=excluded.sides_local, sides_remote=excluded.sides_remote,
			move_from=excluded.move_from, overwrite_doc=excluded.overwrite_doc,
			deleted=excluded.deleted, trashed=excluded.trashed, errors=excluded.errors,
			snapshot=excluded.snapshot
	`,
		doc.ID, doc.Path, doc.Kind.String(), size, hash, executable, mime, class,
		doc.UpdatedAt.Format(time.RFC3339Nano), inode, remoteID, remoteRev, tags,
		doc.Sides.Target, sideValue(doc.Sides.Local), sideValue(doc.Sides.Remote),
		moveFrom, overwrite, boolInt(doc.Deleted), boolInt(doc.Trashed), errorsJSON(doc.Errors), string(encoded),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: upserting document %q: %w", doc.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO commit_log (doc_id, snapshot, created_at) VALUES (?, ?, ?)",
		doc.ID, string(encoded), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: appending commit log: %w", err)
	}

	return nil
}

func sideValue(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func errorsJSON(errs []string) any {
	if len(errs) == 0 {
		return nil
	}

	encoded, _ := json.Marshal(errs)

	return string(encoded)
}

// BulkPut implements store.Store: best-effort, non-atomic; each document's
// own result is reported independently. Callers must hold the exclusive
// lock per spec.md §4.1.
func (s *Store) BulkPut(ctx context.Context, docs []*model.Document) []error {
	errs := make([]error, len(docs))

	for i, doc := range docs {
		errs[i] = s.Put(ctx, doc)
	}

	return errs
}

// Lock implements store.Store with an in-process FIFO queue layered over
// the single shared connection; combined with SetMaxOpenConns(1) this
// gives every caller exclusive access to the database for the duration of
// their hold.
func (s *Store) Lock(ctx context.Context, owner string) (store.Release, error) {
	s.mu.Lock()
	my := make(chan struct{})
	mustWait := len(s.lockQueue) > 0

	var waitOn chan struct{}
	if mustWait {
		waitOn = s.lockQueue[len(s.lockQueue)-1]
	}

	s.lockQueue = append(s.lockQueue, my)
	s.mu.Unlock()

	if mustWait {
		select {
		case <-waitOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err := s.db.ExecContext(ctx, "UPDATE lock_holder SET owner = ?, acquired_at = ? WHERE id = 1",
		owner, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recording lock holder: %w", err)
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			_, _ = s.db.Exec("UPDATE lock_holder SET owner = NULL, acquired_at = NULL WHERE id = 1")

			s.mu.Lock()
			if len(s.lockQueue) > 0 {
				s.lockQueue = s.lockQueue[1:]
			}
			s.mu.Unlock()

			close(my)
		})
	}

	return release, nil
}

// LocalCursor implements store.Store.
func (s *Store) LocalCursor(ctx context.Context) (int64, error) {
	return s.cursor(ctx, "local")
}

// SetLocalCursor implements store.Store.
func (s *Store) SetLocalCursor(ctx context.Context, cursor int64) error {
	return s.setCursor(ctx, "local", cursor)
}

// RemoteCursor implements store.Store.
func (s *Store) RemoteCursor(ctx context.Context) (int64, error) {
	return s.cursor(ctx, "remote")
}

// SetRemoteCursor implements store.Store.
func (s *Store) SetRemoteCursor(ctx context.Context, cursor int64) error {
	return s.setCursor(ctx, "remote", cursor)
}

func (s *Store) cursor(ctx context.Context, name string) (int64, error) {
	var value int64

	err := s.db.QueryRowContext(ctx, "SELECT value FROM cursors WHERE name = ?", name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: reading %s cursor: %w", name, err)
	}

	return value, nil
}

func (s *Store) setCursor(ctx context.Context, name string, value int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE cursors SET value = ? WHERE name = ?", value, name)
	if err != nil {
		return fmt.Errorf("sqlitestore: writing %s cursor: %w", name, err)
	}

	return nil
}

// ChangesSince implements store.Store. Live is unsupported by this
// backend (a bounded, already-complete channel is always returned); a
// future engine-level fan-out can layer liveness over ChangesSince polling.
func (s *Store) ChangesSince(ctx context.Context, cursor int64, opts store.ChangesOptions) (<-chan store.Change, error) {
	query := "SELECT seq, snapshot FROM commit_log WHERE seq > ? ORDER BY seq ASC"

	args := []any{cursor}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: querying commit log: %w", err)
	}
	defer rows.Close()

	var changes []store.Change

	for rows.Next() {
		var (
			seq      int64
			snapshot string
		)

		if err := rows.Scan(&seq, &snapshot); err != nil {
			return nil, fmt.Errorf("sqlitestore: scanning commit log row: %w", err)
		}

		doc, err := scanSnapshot(snapshot)
		if err != nil {
			return nil, err
		}

		changes = append(changes, store.Change{Seq: seq, Doc: doc})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	ch := make(chan store.Change, len(changes))
	for _, c := range changes {
		ch <- c
	}
	close(ch)

	return ch, nil
}

// PreviousRev implements store.Store.
func (s *Store) PreviousRev(ctx context.Context, id string, stepsBack int) (*model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT snapshot FROM commit_log WHERE doc_id = ? ORDER BY seq DESC LIMIT 1 OFFSET ?",
		id, stepsBack)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: querying history: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, store.ErrNotFound
	}

	var snapshot string
	if err := rows.Scan(&snapshot); err != nil {
		return nil, fmt.Errorf("sqlitestore: scanning history row: %w", err)
	}

	return scanSnapshot(snapshot)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
