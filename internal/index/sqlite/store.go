// Package sqlite persists the drive index: entries, per-directory recursive
// stats, and a small meta table. The database is a disposable cache; any
// schema mismatch or corruption silently drops it and starts empty.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"driveindex/internal/index/model"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is compared against the stored meta value on open. Bump it
// whenever schema.sql changes shape; old databases are discarded, not
// migrated.
const SchemaVersion = "1"

// Meta keys.
const (
	MetaSchemaVersion   = "schema_version"
	MetaVolumePath      = "volume_path"
	MetaScanCompletedAt = "scan_completed_at"
	MetaScanDurationMS  = "scan_duration_ms"
	MetaTotalEntries    = "total_entries"
	MetaLastEventID     = "last_event_id"
)

var log = logrus.WithField("component", "sqlite")

type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the index database at dbPath. A database written
// by a different schema version, or one that fails to open or initialize,
// is deleted together with its WAL sidecars and recreated empty. Losing the
// index is never an error.
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("dbPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	s, err := open(dbPath)
	if err == nil {
		ver, verr := s.GetMeta(MetaSchemaVersion)
		if verr == nil && (ver == "" || ver == SchemaVersion) {
			if ver == "" {
				if err := s.SetMeta(MetaSchemaVersion, SchemaVersion); err != nil {
					_ = s.Close()
					return nil, err
				}
			}
			return s, nil
		}
		log.WithFields(logrus.Fields{"have": ver, "want": SchemaVersion}).
			Info("schema version changed, rebuilding index")
		_ = s.Close()
	} else {
		log.WithError(err).Warn("index unreadable, rebuilding")
	}

	RemoveDatabase(dbPath)
	s, err = open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.SetMeta(MetaSchemaVersion, SchemaVersion); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: dbPath}
	if err := execStatements(db, schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn enables WAL and a busy timeout on every pooled connection, not just
// the first one.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + filepath.ToSlash(dbPath) + "?" + q.Encode()
}

// RemoveDatabase deletes the database file and its WAL sidecars.
func RemoveDatabase(dbPath string) {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"} {
		_ = os.Remove(p)
	}
}

func execStatements(db *sql.DB, script string) error {
	for _, raw := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		lines := strings.Split(stmt, "\n")
		keep := lines[:0]
		for _, ln := range lines {
			if strings.HasPrefix(strings.TrimSpace(ln), "--") {
				continue
			}
			keep = append(keep, ln)
		}
		stmt = strings.TrimSpace(strings.Join(keep, "\n"))
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// AcquireWrite hands out the dedicated write connection. Exactly one
// WriteConn should exist at a time; the writer goroutine owns it.
func (s *Store) AcquireWrite(ctx context.Context) (*WriteConn, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is closed")
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &WriteConn{conn: conn}, nil
}

// GetEntry returns the entry at path, or nil if it is not indexed.
func (s *Store) GetEntry(ctx context.Context, path string) (*model.Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is closed")
	}
	return getEntry(ctx, s.db, path)
}

// GetChildren returns the direct children of parent, ordered by path.
func (s *Store) GetChildren(ctx context.Context, parent string) ([]model.Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is closed")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent_path, name, is_directory, is_symlink, size, modified_at
		 FROM entries WHERE parent_path = ? ORDER BY path`, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var e model.Entry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDirStats returns the recursive stats for path, or nil if absent.
func (s *Store) GetDirStats(ctx context.Context, path string) (*model.DirStats, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is closed")
	}
	return getDirStats(ctx, s.db, path)
}

// batchLookupThreshold is the point at which GetDirStatsBatch switches from
// individual lookups to a single IN query.
const batchLookupThreshold = 20

// GetDirStatsBatch looks up stats for many paths at once. The result is
// aligned with the input: out[i] is the stats for paths[i], nil for misses.
func (s *Store) GetDirStatsBatch(ctx context.Context, paths []string) ([]*model.DirStats, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is closed")
	}
	out := make([]*model.DirStats, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	if len(paths) <= batchLookupThreshold {
		for i, p := range paths {
			st, err := getDirStats(ctx, s.db, p)
			if err != nil {
				return nil, err
			}
			out[i] = st
		}
		return out, nil
	}

	args := make([]any, len(paths))
	ph := make([]string, len(paths))
	for i, p := range paths {
		args[i] = p
		ph[i] = "?"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, recursive_size, recursive_file_count, recursive_dir_count
		 FROM dir_stats WHERE path IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPath := make(map[string]*model.DirStats, len(paths))
	for rows.Next() {
		var st model.DirStats
		if err := rows.Scan(&st.Path, &st.RecursiveSize, &st.FileCount, &st.DirCount); err != nil {
			return nil, err
		}
		byPath[st.Path] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, p := range paths {
		out[i] = byPath[p]
	}
	return out, nil
}

// EntryCount returns the number of indexed entries.
func (s *Store) EntryCount(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store is closed")
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

func (s *Store) GetMeta(key string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("store is closed")
	}
	return getMeta(context.Background(), s.db, key)
}

func (s *Store) SetMeta(key, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is closed")
	}
	return setMeta(context.Background(), s.db, key, value)
}

// LastEventID returns the persisted watcher watermark, 0 if none.
func (s *Store) LastEventID(ctx context.Context) (uint64, error) {
	v, err := getMeta(ctx, s.db, MetaLastEventID)
	if err != nil || v == "" {
		return 0, err
	}
	var id uint64
	if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
		return 0, nil
	}
	return id, nil
}

// Status assembles the index status snapshot from meta, the entry count,
// and the database file size.
func (s *Store) Status(ctx context.Context) (model.Status, error) {
	if s == nil || s.db == nil {
		return model.Status{}, fmt.Errorf("store is closed")
	}

	var st model.Status
	st.SchemaVersion, _ = getMeta(ctx, s.db, MetaSchemaVersion)
	st.VolumePath, _ = getMeta(ctx, s.db, MetaVolumePath)
	st.ScanCompletedAt = metaInt(ctx, s.db, MetaScanCompletedAt)
	st.ScanDurationMS = metaInt(ctx, s.db, MetaScanDurationMS)
	st.TotalEntries = metaInt(ctx, s.db, MetaTotalEntries)
	st.LastEventID, _ = s.LastEventID(ctx)
	if fi, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = fi.Size()
	}
	return st, nil
}

func metaInt(ctx context.Context, q querier, key string) int64 {
	v, err := getMeta(ctx, q, key)
	if err != nil || v == "" {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}
