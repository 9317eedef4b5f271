// Package memory implements the persistence gateway of the learning
// subsystem.
//
// It uses SQLite in WAL mode so readers never wait on the single writer of
// a scope, and an FTS5 index over learned knowledge for keyword search.
// Records are never hard-deleted: superseded and deleted records stay in
// the table as tombstones for audit.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HendryAvila/learnd/internal/learning"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds gateway configuration.
type Config struct {
	DataDir          string
	MaxContentLength int
	MaxSearchResults int
}

// DefaultConfig returns the default configuration for the gateway.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".learnd"),
		MaxContentLength: 4000,
		MaxSearchResults: 20,
	}
}

// Stats holds aggregate record counts.
type Stats struct {
	Active     map[learning.StoreType]int `json:"active"`
	Tombstoned map[learning.StoreType]int `json:"tombstoned"`
	Scopes     int                        `json:"scopes"`
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the SQLite-backed learning.Gateway.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

var (
	_ learning.Gateway  = (*Store)(nil)
	_ learning.Searcher = (*Store)(nil)
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a new Store with the given configuration.
// It creates the data directory if needed, opens SQLite with WAL mode,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultConfig().MaxContentLength
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = DefaultConfig().MaxSearchResults
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "learning.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	// SQLite performance pragmas
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	ctx := context.Background()
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT    NOT NULL UNIQUE,
			store           TEXT    NOT NULL,
			owner           TEXT    NOT NULL,
			kind            TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			canonical_ref   TEXT,
			title           TEXT    NOT NULL DEFAULT '',
			context         TEXT    NOT NULL DEFAULT '',
			content         TEXT    NOT NULL DEFAULT '',
			payload         TEXT    NOT NULL DEFAULT '{}',
			provenance      TEXT,
			duplicate_count INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rec_scope   ON records(store, owner, status);
		CREATE INDEX IF NOT EXISTS idx_rec_created ON records(store, owner, created_at);

		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			title,
			context,
			content,
			content='records',
			content_rowid='seq'
		);
	`
	if _, err := s.execHook(ctx, s.db, schema); err != nil {
		return err
	}

	// Create FTS triggers (idempotent)
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='rec_fts_insert'",
	).Scan(&name)

	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER rec_fts_insert AFTER INSERT ON records BEGIN
				INSERT INTO records_fts(rowid, title, context, content)
				VALUES (new.seq, new.title, new.context, new.content);
			END;

			CREATE TRIGGER rec_fts_delete AFTER DELETE ON records BEGIN
				INSERT INTO records_fts(records_fts, rowid, title, context, content)
				VALUES ('delete', old.seq, old.title, old.context, old.content);
			END;

			CREATE TRIGGER rec_fts_update AFTER UPDATE ON records BEGIN
				INSERT INTO records_fts(records_fts, rowid, title, context, content)
				VALUES ('delete', old.seq, old.title, old.context, old.content);
				INSERT INTO records_fts(rowid, title, context, content)
				VALUES (new.seq, new.title, new.context, new.content);
			END;
		`
		if _, err := s.execHook(ctx, s.db, triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return nil
}

// ─── Gateway ─────────────────────────────────────────────────────────────────

// payload carries the kind-specific fields that have no column of their own.
type payload struct {
	Topics     []string               `json:"topics,omitempty"`
	Fields     map[string]string      `json:"fields,omitempty"`
	History    []learning.FieldChange `json:"history,omitempty"`
	Plan       []learning.PlanStep    `json:"plan,omitempty"`
	Progress   []string               `json:"progress,omitempty"`
	Triple     *learning.Triple       `json:"triple,omitempty"`
	OccurredAt *time.Time             `json:"occurred_at,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
}

const recordColumns = `id, store, owner, kind, status, canonical_ref, title, context, content,
	payload, provenance, duplicate_count, created_at, updated_at`

// Get returns every record of the scope, tombstones included, ordered by
// creation time.
func (s *Store) Get(ctx context.Context, scope learning.Scope) ([]learning.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		 FROM records
		 WHERE store = ? AND owner = ?
		 ORDER BY created_at ASC, seq ASC`,
		string(scope.Store), scope.Owner,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: get %s: %w", scope, err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// GetRecord returns a single record by ID regardless of status.
func (s *Store) GetRecord(ctx context.Context, id string) (*learning.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: get record: %w", err)
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("memory: record %s: %w", id, learning.ErrNotFound)
	}
	return &recs[0], nil
}

// Commit applies the batch in one transaction.
func (s *Store) Commit(ctx context.Context, scope learning.Scope, batch *learning.Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return fmt.Errorf("memory: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range batch.Puts() {
		if r.Scope != scope {
			return fmt.Errorf("memory: record %s belongs to %s, not %s", r.ID, r.Scope, scope)
		}
		if err := s.putRecord(ctx, tx, r); err != nil {
			return err
		}
	}

	now := time.Now().UTC().UnixNano()
	for _, ts := range batch.Tombstones() {
		res, err := s.execHook(ctx, tx,
			`UPDATE records
			 SET status = ?, canonical_ref = ?, updated_at = ?
			 WHERE id = ? AND store = ? AND owner = ?`,
			string(learning.StatusTombstoned), nullableString(ts.CanonicalRef), now,
			ts.ID, string(scope.Store), scope.Owner,
		)
		if err != nil {
			return fmt.Errorf("memory: tombstone %s: %w", ts.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("memory: tombstone %s: %w", ts.ID, learning.ErrNotFound)
		}
	}

	if err := s.commitHook(tx); err != nil {
		return fmt.Errorf("memory: commit transaction: %w", err)
	}
	return nil
}

func (s *Store) putRecord(ctx context.Context, tx execer, r learning.Record) error {
	r = s.Normalize(r)
	p := payload{
		Topics:     r.Topics,
		Fields:     r.Fields,
		History:    r.History,
		Plan:       r.Plan,
		Progress:   r.Progress,
		Triple:     r.Triple,
		Confidence: r.Confidence,
	}
	if !r.OccurredAt.IsZero() {
		at := r.OccurredAt.UTC()
		p.OccurredAt = &at
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("memory: marshal payload: %w", err)
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	if _, err := s.execHook(ctx, tx,
		`INSERT INTO records (id, store, owner, kind, status, canonical_ref, title, context, content,
		                      payload, provenance, duplicate_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     kind = excluded.kind,
		     status = excluded.status,
		     canonical_ref = excluded.canonical_ref,
		     title = excluded.title,
		     context = excluded.context,
		     content = excluded.content,
		     payload = excluded.payload,
		     provenance = excluded.provenance,
		     duplicate_count = excluded.duplicate_count,
		     updated_at = excluded.updated_at`,
		r.ID, string(r.Scope.Store), r.Scope.Owner, string(r.Kind), string(r.Status),
		nullableString(r.CanonicalRef), r.Title, r.Context, r.Content,
		string(data), nullableString(r.Provenance), r.DuplicateCount,
		created.UTC().UnixNano(), updated.UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("memory: put %s: %w", r.ID, err)
	}
	return nil
}

// Normalize returns r in the form it is stored: private tags redacted and
// content capped at MaxContentLength. Normalizing twice changes nothing.
func (s *Store) Normalize(r learning.Record) learning.Record {
	r.Title = stripPrivateTags(r.Title)
	r.Context = stripPrivateTags(r.Context)
	r.Content = s.clean(r.Content)
	r.Provenance = s.clean(r.Provenance)
	return r
}

const truncatedSuffix = "... [truncated]"

func (s *Store) clean(text string) string {
	text = stripPrivateTags(text)
	max := s.cfg.MaxContentLength
	if len(text) <= max {
		return text
	}
	if body, ok := strings.CutSuffix(text, truncatedSuffix); ok && len(body) <= max {
		return text
	}
	return cutRunes(text, max) + truncatedSuffix
}

// ─── Search (FTS5) ───────────────────────────────────────────────────────────

// Search performs keyword search over active learned knowledge in a
// namespace. An empty query falls back to the most recent records.
func (s *Store) Search(ctx context.Context, query, namespace string, k int) ([]learning.Record, error) {
	if k <= 0 {
		k = 5
	}
	if k > s.cfg.MaxSearchResults {
		k = s.cfg.MaxSearchResults
	}
	if namespace == "" {
		namespace = learning.DefaultNamespace
	}

	ftsQuery := sanitizeFTS(query)
	var (
		rows *sql.Rows
		err  error
	)
	if ftsQuery == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+recordColumns+`
			 FROM records
			 WHERE store = ? AND owner = ? AND status = ?
			 ORDER BY created_at DESC LIMIT ?`,
			string(learning.StoreLearnedKnowledge), namespace, string(learning.StatusActive), k,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT r.id, r.store, r.owner, r.kind, r.status, r.canonical_ref, r.title, r.context, r.content,
			        r.payload, r.provenance, r.duplicate_count, r.created_at, r.updated_at
			 FROM records_fts fts
			 JOIN records r ON r.seq = fts.rowid
			 WHERE records_fts MATCH ? AND r.store = ? AND r.owner = ? AND r.status = ?
			 ORDER BY fts.rank LIMIT ?`,
			ftsQuery, string(learning.StoreLearnedKnowledge), namespace, string(learning.StatusActive), k,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate record statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Active:     map[learning.StoreType]int{},
		Tombstoned: map[learning.StoreType]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT store, status, COUNT(*) FROM records GROUP BY store, status`)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var store, status string
		var n int
		if err := rows.Scan(&store, &status, &n); err != nil {
			return nil, err
		}
		switch learning.Status(status) {
		case learning.StatusActive:
			stats.Active[learning.StoreType(store)] = n
		case learning.StatusTombstoned:
			stats.Tombstoned[learning.StoreType(store)] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT DISTINCT store, owner FROM records)`).Scan(&stats.Scopes)
	return stats, nil
}

// ─── Export ──────────────────────────────────────────────────────────────────

// ExportData is a full dump of the record table.
type ExportData struct {
	Version    string            `json:"version"`
	ExportedAt string            `json:"exported_at"`
	Records    []learning.Record `json:"records"`
}

// Export dumps every record, tombstones included, in insertion order.
func (s *Store) Export(ctx context.Context) (*ExportData, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("memory: export: %w", err)
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &ExportData{
		Version:    "1",
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Records:    recs,
	}, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func scanRecords(rows *sql.Rows) ([]learning.Record, error) {
	var results []learning.Record
	for rows.Next() {
		var (
			r                   learning.Record
			store, kind, status string
			canonical, prov     sql.NullString
			data                string
			created, updated    int64
		)
		if err := rows.Scan(
			&r.ID, &store, &r.Scope.Owner, &kind, &status, &canonical,
			&r.Title, &r.Context, &r.Content, &data, &prov, &r.DuplicateCount,
			&created, &updated,
		); err != nil {
			return nil, fmt.Errorf("memory: scan record: %w", err)
		}
		var p payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("memory: decode payload of %s: %w", r.ID, err)
		}
		r.Scope.Store = learning.StoreType(store)
		r.Kind = learning.Kind(kind)
		r.Status = learning.Status(status)
		r.CanonicalRef = canonical.String
		r.Provenance = prov.String
		r.Topics = p.Topics
		r.Fields = p.Fields
		r.History = p.History
		r.Plan = p.Plan
		r.Progress = p.Progress
		r.Triple = p.Triple
		r.Confidence = p.Confidence
		if p.OccurredAt != nil {
			r.OccurredAt = *p.OccurredAt
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Truncate shortens a string to at most max bytes with ellipsis, never
// splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return cutRunes(s, max) + "..."
}

// cutRunes returns the longest prefix of s that fits in n bytes and ends
// on a rune boundary.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// privateTagRegex matches <private>...</private> tags and their contents.
var privateTagRegex = regexp.MustCompile(`(?is)<private>.*?</private>`)

// stripPrivateTags removes all <private>...</private> content from a string.
func stripPrivateTags(s string) string {
	result := privateTagRegex.ReplaceAllString(s, "[REDACTED]")
	return strings.TrimSpace(result)
}

// sanitizeFTS quotes each word and ORs them for a forgiving FTS5 match.
// "dark mode theme" → `"dark" OR "mode" OR "theme"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		out = append(out, `"`+w+`"`)
	}
	return strings.Join(out, " OR ")
}
