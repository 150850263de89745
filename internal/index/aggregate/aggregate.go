// Package aggregate maintains the dir_stats table. Three modes, matched to
// how much of the tree changed: a full bottom-up pass after a volume scan,
// the same pass restricted to a subtree, and an O(depth) delta walk up the
// parent chain for single-entry changes.
package aggregate

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
)

var log = logrus.WithField("component", "aggregate")

// upsertChunkSize bounds the per-statement batch during full recomputes.
const upsertChunkSize = 1000

// ComputeAll rebuilds dir_stats for the whole volume. Directories are
// processed deepest-first so each one only needs its direct children plus
// the already-finished recursive totals of its child directories. The
// volume root itself is never an entry, so its row is synthesized last.
func ComputeAll(ctx context.Context, w *sqlite.WriteConn, root string) error {
	dirs, err := w.DirectoryPaths(ctx)
	if err != nil {
		return err
	}
	return computeDirs(ctx, w, root, dirs)
}

// ComputeSubtree rebuilds dir_stats for root and everything below it.
// Ancestors above root are left alone.
func ComputeSubtree(ctx context.Context, w *sqlite.WriteConn, root string) error {
	dirs, err := w.DirectoryPathsUnder(ctx, root)
	if err != nil {
		return err
	}
	// root may not be an entry itself (volume root, or a dir scanned before
	// its parent); it still gets a stats row.
	seen := false
	for _, d := range dirs {
		if d == root {
			seen = true
			break
		}
	}
	if !seen {
		dirs = append(dirs, root)
	}
	return computeDirs(ctx, w, root, dirs)
}

func computeDirs(ctx context.Context, w *sqlite.WriteConn, root string, dirs []string) error {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := depth(dirs[i]), depth(dirs[j])
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})

	// childAgg accumulates the finished recursive totals of child
	// directories into their parent as we move up.
	childAgg := make(map[string]model.Delta, len(dirs))
	batch := make([]model.DirStats, 0, upsertChunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.UpsertDirStats(ctx, batch)
		batch = batch[:0]
		return err
	}

	rootDone := false
	for _, dir := range dirs {
		direct, err := w.ChildrenStats(ctx, dir)
		if err != nil {
			return err
		}
		agg := childAgg[dir]
		st := model.DirStats{
			Path:          dir,
			RecursiveSize: direct.Size + agg.Size,
			FileCount:     direct.FileCount + agg.FileCount,
			DirCount:      direct.DirCount + agg.DirCount,
		}
		batch = append(batch, st)
		if len(batch) >= upsertChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if dir == root {
			rootDone = true
			continue
		}
		if p, ok := model.Parent(dir); ok {
			d := childAgg[p]
			d.Size += st.RecursiveSize
			d.FileCount += st.FileCount
			d.DirCount += st.DirCount
			childAgg[p] = d
		}
	}

	if !rootDone {
		direct, err := w.ChildrenStats(ctx, root)
		if err != nil {
			return err
		}
		agg := childAgg[root]
		batch = append(batch, model.DirStats{
			Path:          root,
			RecursiveSize: direct.Size + agg.Size,
			FileCount:     direct.FileCount + agg.FileCount,
			DirCount:      direct.DirCount + agg.DirCount,
		})
	}
	if err := flush(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"dirs": len(dirs), "root": root}).Debug("aggregates computed")
	return nil
}

// PropagateDelta applies d to path and every ancestor up to and including
// root, inside one transaction. Counters clamp at zero and missing ancestor
// rows are created, so a delta against a directory the full pass has not
// reached yet still lands.
func PropagateDelta(ctx context.Context, w *sqlite.WriteConn, root, path string, d model.Delta) error {
	if d.IsZero() {
		return nil
	}
	if !model.IsUnder(path, root) {
		path = root
	}
	return w.Transact(ctx, func() error {
		cur := path
		for {
			st, err := w.GetDirStats(ctx, cur)
			if err != nil {
				return err
			}
			if st == nil {
				st = &model.DirStats{Path: cur}
			}
			st.RecursiveSize = clamp(st.RecursiveSize + d.Size)
			st.FileCount = clamp(st.FileCount + d.FileCount)
			st.DirCount = clamp(st.DirCount + d.DirCount)
			if err := w.SetDirStats(ctx, *st); err != nil {
				return err
			}
			if cur == root {
				return nil
			}
			p, ok := model.Parent(cur)
			if !ok {
				return nil
			}
			cur = p
		}
	})
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func depth(path string) int {
	return strings.Count(strings.TrimRight(path, "/"), "/")
}
