package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Driver names registered by the imported database/sql drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// The same DDL runs on SQLite and Postgres. Timestamps are unix nanoseconds,
// JSON columns hold encoded JSON text.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sources (
    id           TEXT PRIMARY KEY,
    url          TEXT NOT NULL,
    title        TEXT,
    priority     INTEGER NOT NULL DEFAULT 100,
    last_indexed BIGINT,
    active       BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_sources_priority ON sources(priority);
CREATE TABLE IF NOT EXISTS usage_events (
    id             TEXT PRIMARY KEY,
    pseudo_user_id TEXT,
    event_time     BIGINT NOT NULL,
    event_type     TEXT NOT NULL,
    query_hash     TEXT,
    confidence     DOUBLE PRECISION,
    citations      TEXT,
    anchors        TEXT,
    metadata       TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_events_time ON usage_events(event_time DESC);
`

var tables = []string{"sources", "usage_events"}

// Table status values reported by Migrate.
const (
	TableCreated        = "created"
	TableAlreadyExisted = "already_existed"
)

// SQLStore is the durable store. One statement (or one transaction for
// updates) per call.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time

	// schemaReady flips once Migrate succeeds; until then every call
	// retries it so a database that comes up late still gets its tables.
	schemaReady atomic.Bool
	schemaMu    sync.Mutex
	tables      atomic.Pointer[map[string]string]
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

// OpenSQL opens and pings the database named by dsn. See ParseDSN for the
// accepted forms.
func OpenSQL(ctx context.Context, dsn string) (*SQLStore, error) {
	s, err := ConnectSQL(dsn)
	if err != nil {
		return nil, err
	}
	db, driver := s.db, s.driver

	if driver == DriverSQLite {
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 10000",
		}
		if !isMemoryDSN(dsn) {
			pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite pragma: %w", err)
			}
		}
	}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return s, nil
}

// ConnectSQL prepares the connection pool without touching the database.
// Calls fail until the server is reachable.
func ConnectSQL(dsn string) (*SQLStore, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite && isMemoryDSN(source) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, driver), nil
}

// ParseDSN maps a DATABASE_URL to a database/sql driver and data source.
//
//	postgres://…, postgresql://…, postgresql+asyncpg://…  -> pgx
//	sqlite://path, file:path, path.db, :memory:           -> sqlite
func ParseDSN(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)

	switch {
	case dsn == "":
		return "", "", ErrNotConfigured
	case strings.HasPrefix(lower, "postgresql+"):
		// SQLAlchemy-style URL, e.g. postgresql+asyncpg://
		rest := dsn[strings.Index(dsn, "://"):]
		return DriverPostgres, "postgresql" + rest, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return DriverSQLite, dsn[len("sqlite://"):], nil
	case strings.HasPrefix(lower, "file:"), isMemoryDSN(dsn):
		return DriverSQLite, dsn, nil
	case strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DriverSQLite, dsn, nil
	}
	return "", "", fmt.Errorf("unsupported database url %q", dsn)
}

func isMemoryDSN(source string) bool {
	return source == ":memory:" || strings.Contains(source, "mode=memory")
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if missing and reports, per table, whether it
// was created or already existed.
func (s *SQLStore) Migrate(ctx context.Context) (map[string]string, error) {
	before := make(map[string]bool, len(tables))
	for _, t := range tables {
		ok, err := s.tableExists(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", t, err)
		}
		before[t] = ok
	}

	for _, stmt := range strings.Split(schemaDDL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
	}

	status := make(map[string]string, len(tables))
	for _, t := range tables {
		if before[t] {
			status[t] = TableAlreadyExisted
		} else {
			status[t] = TableCreated
		}
	}
	s.tables.Store(&status)
	s.schemaReady.Store(true)
	return status, nil
}

// SchemaStatus returns a copy of the per-table outcome of the last
// successful migration, or nil if none has run yet.
func (s *SQLStore) SchemaStatus() map[string]string {
	p := s.tables.Load()
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(*p))
	for k, v := range *p {
		out[k] = v
	}
	return out
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady.Load() {
		return nil
	}
	_, err := s.Migrate(ctx)
	return err
}

func (s *SQLStore) tableExists(ctx context.Context, name string) (bool, error) {
	q := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	if s.driver == DriverPostgres {
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Sources ---

const sourceColumns = `id, url, title, priority, last_indexed, active`

func (s *SQLStore) CreateSource(ctx context.Context, in schema.SourceInput) (*schema.Source, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	src := in.NewSource(NewID())

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		src.ID, src.URL, src.Title, src.Priority, unixNanoPtr(src.LastIndexed), src.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	return &src, nil
}

func (s *SQLStore) GetSource(ctx context.Context, id string) (*schema.Source, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`), id)
	return scanSource(row)
}

func (s *SQLStore) ListSources(ctx context.Context, limit int) ([]schema.Source, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+sourceColumns+` FROM sources ORDER BY priority ASC, id ASC LIMIT ?`),
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	list := []schema.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *src)
	}
	return list, rows.Err()
}

func (s *SQLStore) UpdateSource(ctx context.Context, id string, patch schema.SourcePatch) (*schema.Source, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + sourceColumns + ` FROM sources WHERE id = ?`
	if s.driver == DriverPostgres {
		q += ` FOR UPDATE`
	}
	current, err := scanSource(tx.QueryRowContext(ctx, s.rebind(q), id))
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(*current)
	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE sources SET url = ?, title = ?, priority = ?, last_indexed = ?, active = ? WHERE id = ?`),
		updated.URL, updated.Title, updated.Priority, unixNanoPtr(updated.LastIndexed), updated.Active, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &updated, nil
}

func (s *SQLStore) DeleteSource(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sources WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*schema.Source, error) {
	var (
		src         schema.Source
		title       sql.NullString
		lastIndexed sql.NullInt64
	)
	err := row.Scan(&src.ID, &src.URL, &title, &src.Priority, &lastIndexed, &src.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	if title.Valid {
		src.Title = &title.String
	}
	if lastIndexed.Valid {
		ts := time.Unix(0, lastIndexed.Int64).UTC()
		src.LastIndexed = &ts
	}
	return &src, nil
}

// --- Usage events ---

const eventColumns = `id, pseudo_user_id, event_time, event_type, query_hash, confidence, citations, anchors, metadata`

func (s *SQLStore) CreateEvent(ctx context.Context, ev schema.UsageEvent) (*schema.UsageEvent, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ev = ev.Stamp(NewID(), s.now())

	citations, err := encodeJSON(ev.Citations)
	if err != nil {
		return nil, fmt.Errorf("encode citations: %w", err)
	}
	anchors, err := encodeJSON(ev.Anchors)
	if err != nil {
		return nil, fmt.Errorf("encode anchors: %w", err)
	}
	metadata, err := encodeJSON(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO usage_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.PseudoUserID, ev.EventTime.UnixNano(), ev.EventType, ev.QueryHash, ev.Confidence,
		citations, anchors, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("insert usage event: %w", err)
	}
	return &ev, nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*schema.UsageEvent, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM usage_events WHERE id = ?`), id)
	return scanEvent(row)
}

func (s *SQLStore) ListEvents(ctx context.Context, limit int) ([]schema.UsageEvent, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM usage_events ORDER BY event_time DESC, id DESC LIMIT ?`),
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	list := []schema.UsageEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *ev)
	}
	return list, rows.Err()
}

func (s *SQLStore) DeleteEvent(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM usage_events WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete usage event: %w", err)
	}
	return nil
}

func scanEvent(row rowScanner) (*schema.UsageEvent, error) {
	var (
		ev                           schema.UsageEvent
		pseudo, queryHash            sql.NullString
		citations, anchors, metadata sql.NullString
		confidence                   sql.NullFloat64
		eventTime                    int64
	)
	err := row.Scan(&ev.ID, &pseudo, &eventTime, &ev.EventType, &queryHash, &confidence,
		&citations, &anchors, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage event: %w", err)
	}

	ev.EventTime = time.Unix(0, eventTime).UTC()
	if pseudo.Valid {
		ev.PseudoUserID = &pseudo.String
	}
	if queryHash.Valid {
		ev.QueryHash = &queryHash.String
	}
	if confidence.Valid {
		ev.Confidence = &confidence.Float64
	}
	if err := decodeJSON(citations, &ev.Citations); err != nil {
		return nil, fmt.Errorf("decode citations: %w", err)
	}
	if err := decodeJSON(anchors, &ev.Anchors); err != nil {
		return nil, fmt.Errorf("decode anchors: %w", err)
	}
	if err := decodeJSON(metadata, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &ev, nil
}

func encodeJSON[T any](v T) (*string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	out := string(raw)
	return &out, nil
}

func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func unixNanoPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}
