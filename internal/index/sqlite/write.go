package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"driveindex/internal/index/model"
)

// WriteConn is the single dedicated write connection. All index mutations
// go through it, serialized by the writer goroutine. It supports an
// explicit batch (one transaction spanning many operations) used by event
// replay; outside a batch every operation that needs one opens its own
// IMMEDIATE transaction.
type WriteConn struct {
	conn    *sql.Conn
	inBatch bool
	inTx    bool
}

func (w *WriteConn) Release() error {
	if w == nil || w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// BeginBatch opens the batch transaction. Nested batches are an error.
func (w *WriteConn) BeginBatch(ctx context.Context) error {
	if w.inBatch {
		return fmt.Errorf("batch already open")
	}
	if _, err := w.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	w.inBatch = true
	return nil
}

func (w *WriteConn) CommitBatch(ctx context.Context) error {
	if !w.inBatch {
		return fmt.Errorf("no batch open")
	}
	w.inBatch = false
	_, err := w.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (w *WriteConn) RollbackBatch(ctx context.Context) error {
	if !w.inBatch {
		return nil
	}
	w.inBatch = false
	_, err := w.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

// Transact runs fn inside a transaction. Inside an open batch, or nested
// inside another Transact, it runs fn directly so operations compose into
// the enclosing transaction. The writer goroutine is the only caller, so
// the flags need no locking.
func (w *WriteConn) Transact(ctx context.Context, fn func() error) error {
	if w.inBatch || w.inTx {
		return fn()
	}
	if _, err := w.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	w.inTx = true
	committed := false
	defer func() {
		w.inTx = false
		if !committed {
			_, _ = w.conn.ExecContext(ctx, "ROLLBACK")
		}
	}()
	if err := fn(); err != nil {
		return err
	}
	if _, err := w.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	committed = true
	return nil
}

const upsertEntrySQL = `
INSERT INTO entries(path, parent_path, name, is_directory, is_symlink, size, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  parent_path = excluded.parent_path,
  name        = excluded.name,
  is_directory = excluded.is_directory,
  is_symlink   = excluded.is_symlink,
  size         = excluded.size,
  modified_at  = excluded.modified_at`

// InsertEntries bulk-upserts a scan batch inside one transaction.
func (w *WriteConn) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return w.Transact(ctx, func() error {
		stmt, err := w.conn.PrepareContext(ctx, upsertEntrySQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.Path, e.ParentPath, e.Name,
				boolInt(e.IsDir), boolInt(e.IsSymlink), e.Size, e.ModifiedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *WriteConn) UpsertEntry(ctx context.Context, e model.Entry) error {
	_, err := w.conn.ExecContext(ctx, upsertEntrySQL, e.Path, e.ParentPath, e.Name,
		boolInt(e.IsDir), boolInt(e.IsSymlink), e.Size, e.ModifiedAt)
	return err
}

// DeleteEntryRow removes one entry and its stats row, if any.
func (w *WriteConn) DeleteEntryRow(ctx context.Context, path string) error {
	if _, err := w.conn.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path); err != nil {
		return err
	}
	_, err := w.conn.ExecContext(ctx, `DELETE FROM dir_stats WHERE path = ?`, path)
	return err
}

// DeleteSubtreeRows removes path and everything below it from both tables.
func (w *WriteConn) DeleteSubtreeRows(ctx context.Context, path string) error {
	pat := subtreePattern(path)
	if _, err := w.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE path = ? OR path LIKE ? ESCAPE '\'`, path, pat); err != nil {
		return err
	}
	_, err := w.conn.ExecContext(ctx,
		`DELETE FROM dir_stats WHERE path = ? OR path LIKE ? ESCAPE '\'`, path, pat)
	return err
}

const upsertDirStatsSQL = `
INSERT INTO dir_stats(path, recursive_size, recursive_file_count, recursive_dir_count)
VALUES(?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  recursive_size       = excluded.recursive_size,
  recursive_file_count = excluded.recursive_file_count,
  recursive_dir_count  = excluded.recursive_dir_count`

func (w *WriteConn) UpsertDirStats(ctx context.Context, stats []model.DirStats) error {
	if len(stats) == 0 {
		return nil
	}
	return w.Transact(ctx, func() error {
		stmt, err := w.conn.PrepareContext(ctx, upsertDirStatsSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, st := range stats {
			if _, err := stmt.ExecContext(ctx, st.Path, st.RecursiveSize, st.FileCount, st.DirCount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *WriteConn) SetDirStats(ctx context.Context, st model.DirStats) error {
	_, err := w.conn.ExecContext(ctx, upsertDirStatsSQL, st.Path, st.RecursiveSize, st.FileCount, st.DirCount)
	return err
}

func (w *WriteConn) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, w.conn, key, value)
}

func (w *WriteConn) SetLastEventID(ctx context.Context, id uint64) error {
	return setMeta(ctx, w.conn, MetaLastEventID, strconv.FormatUint(id, 10))
}

// ClearAll empties every table but keeps the schema version.
func (w *WriteConn) ClearAll(ctx context.Context) error {
	return w.Transact(ctx, func() error {
		for _, q := range []string{
			`DELETE FROM entries`,
			`DELETE FROM dir_stats`,
			`DELETE FROM meta WHERE key != ?`,
		} {
			var err error
			if q == `DELETE FROM meta WHERE key != ?` {
				_, err = w.conn.ExecContext(ctx, q, MetaSchemaVersion)
			} else {
				_, err = w.conn.ExecContext(ctx, q)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Read helpers on the write connection. These see uncommitted batch state,
// which deletion delta computation and delta propagation depend on.

func (w *WriteConn) GetEntry(ctx context.Context, path string) (*model.Entry, error) {
	return getEntry(ctx, w.conn, path)
}

func (w *WriteConn) GetDirStats(ctx context.Context, path string) (*model.DirStats, error) {
	return getDirStats(ctx, w.conn, path)
}

func (w *WriteConn) ChildrenStats(ctx context.Context, parent string) (model.Delta, error) {
	return getChildrenStats(ctx, w.conn, parent)
}

func (w *WriteConn) SumSubtree(ctx context.Context, root string) (model.Delta, error) {
	return sumSubtree(ctx, w.conn, root)
}

func (w *WriteConn) DirectoryPaths(ctx context.Context) ([]string, error) {
	return directoryPaths(ctx, w.conn)
}

func (w *WriteConn) DirectoryPathsUnder(ctx context.Context, root string) ([]string, error) {
	return directoryPathsUnder(ctx, w.conn, root)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
