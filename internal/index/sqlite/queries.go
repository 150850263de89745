package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"driveindex/internal/index/model"
)

// querier is the overlap of *sql.DB and *sql.Conn used by the shared query
// helpers, so reads work both on the pooled read side and on the dedicated
// write connection (where they must see uncommitted batch state).
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// subtreePattern builds the LIKE pattern matching strict descendants of
// root. Paths can legally contain % and _, so those are escaped and every
// query using the pattern carries ESCAPE '\'.
func subtreePattern(root string) string {
	return likeEscaper.Replace(root) + "/%"
}

func scanEntry(r rowScanner, e *model.Entry) error {
	var isDir, isSym int64
	if err := r.Scan(&e.Path, &e.ParentPath, &e.Name, &isDir, &isSym, &e.Size, &e.ModifiedAt); err != nil {
		return err
	}
	e.IsDir = isDir != 0
	e.IsSymlink = isSym != 0
	return nil
}

func getEntry(ctx context.Context, q querier, path string) (*model.Entry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT path, parent_path, name, is_directory, is_symlink, size, modified_at
		 FROM entries WHERE path = ?`, path)
	var e model.Entry
	if err := scanEntry(row, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func getDirStats(ctx context.Context, q querier, path string) (*model.DirStats, error) {
	row := q.QueryRowContext(ctx,
		`SELECT path, recursive_size, recursive_file_count, recursive_dir_count
		 FROM dir_stats WHERE path = ?`, path)
	var st model.DirStats
	if err := row.Scan(&st.Path, &st.RecursiveSize, &st.FileCount, &st.DirCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// getChildrenStats sums the direct children of parent: file sizes and file
// count from child files, plus the number of child directories. Child
// directories contribute no size here; their recursive stats are folded in
// by the aggregator.
func getChildrenStats(ctx context.Context, q querier, parent string) (model.Delta, error) {
	row := q.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN is_directory = 0 THEN size ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN is_directory = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN is_directory = 1 THEN 1 ELSE 0 END), 0)
		 FROM entries WHERE parent_path = ?`, parent)
	var d model.Delta
	if err := row.Scan(&d.Size, &d.FileCount, &d.DirCount); err != nil {
		return model.Delta{}, err
	}
	return d, nil
}

// sumSubtree recomputes recursive stats for root from raw entries. Used as
// a fallback when a dir_stats row is missing at deletion time.
func sumSubtree(ctx context.Context, q querier, root string) (model.Delta, error) {
	row := q.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN is_directory = 0 THEN size ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN is_directory = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN is_directory = 1 THEN 1 ELSE 0 END), 0)
		 FROM entries WHERE path = ? OR path LIKE ? ESCAPE '\'`, root, subtreePattern(root))
	var d model.Delta
	if err := row.Scan(&d.Size, &d.FileCount, &d.DirCount); err != nil {
		return model.Delta{}, err
	}
	return d, nil
}

func directoryPaths(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT path FROM entries WHERE is_directory = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func directoryPathsUnder(ctx context.Context, q querier, root string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path FROM entries WHERE is_directory = 1 AND (path = ? OR path LIKE ? ESCAPE '\')`,
		root, subtreePattern(root))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	row := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
