package aggregate

import (
	"context"
	"path/filepath"
	"testing"

	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
)

func setup(t *testing.T) (*sqlite.Store, *sqlite.WriteConn) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "index-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	w, err := s.AcquireWrite(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = w.Release() })
	return s, w
}

func file(path string, size int64) model.Entry {
	parent, _ := model.Parent(path)
	return model.Entry{Path: path, ParentPath: parent, Name: model.BaseName(path), Size: size}
}

func dir(path string) model.Entry {
	parent, _ := model.Parent(path)
	return model.Entry{Path: path, ParentPath: parent, Name: model.BaseName(path), IsDir: true}
}

func wantStats(t *testing.T, s *sqlite.Store, path string, size, files, dirs int64) {
	t.Helper()
	st, err := s.GetDirStats(context.Background(), path)
	if err != nil {
		t.Fatalf("stats %s: %v", path, err)
	}
	if st == nil {
		t.Fatalf("no stats row for %s", path)
	}
	if st.RecursiveSize != size || st.FileCount != files || st.DirCount != dirs {
		t.Fatalf("%s = {size %d files %d dirs %d}, want {size %d files %d dirs %d}",
			path, st.RecursiveSize, st.FileCount, st.DirCount, size, files, dirs)
	}
}

// The canonical tree: /a holds 100k + 200k, /b holds 50k.
func seedTree(t *testing.T, w *sqlite.WriteConn) {
	t.Helper()
	err := w.InsertEntries(context.Background(), []model.Entry{
		dir("/a"),
		file("/a/f1", 100_000),
		file("/a/f2", 200_000),
		dir("/b"),
		file("/b/f3", 50_000),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestComputeAllSimpleTree(t *testing.T) {
	s, w := setup(t)
	seedTree(t, w)
	ctx := context.Background()

	if err := ComputeAll(ctx, w, "/"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	wantStats(t, s, "/a", 300_000, 2, 0)
	wantStats(t, s, "/b", 50_000, 1, 0)
	wantStats(t, s, "/", 350_000, 3, 2)
}

func TestComputeAllDeepTree(t *testing.T) {
	s, w := setup(t)
	ctx := context.Background()
	err := w.InsertEntries(ctx, []model.Entry{
		dir("/d1"), dir("/d1/d2"), dir("/d1/d2/d3"),
		file("/d1/top", 10),
		file("/d1/d2/mid", 20),
		file("/d1/d2/d3/leaf", 30),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := ComputeAll(ctx, w, "/"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	wantStats(t, s, "/d1/d2/d3", 30, 1, 0)
	wantStats(t, s, "/d1/d2", 50, 2, 1)
	wantStats(t, s, "/d1", 60, 3, 2)
	wantStats(t, s, "/", 60, 3, 3)
}

func TestComputeSubtreeLeavesSiblingsAlone(t *testing.T) {
	s, w := setup(t)
	seedTree(t, w)
	ctx := context.Background()

	if err := ComputeSubtree(ctx, w, "/a"); err != nil {
		t.Fatalf("subtree: %v", err)
	}

	wantStats(t, s, "/a", 300_000, 2, 0)
	if st, _ := s.GetDirStats(ctx, "/b"); st != nil {
		t.Fatalf("sibling got a stats row: %+v", st)
	}
	if st, _ := s.GetDirStats(ctx, "/"); st != nil {
		t.Fatalf("ancestor got a stats row: %+v", st)
	}
}

func TestPropagateDeltaMatchesRecompute(t *testing.T) {
	s, w := setup(t)
	seedTree(t, w)
	ctx := context.Background()
	if err := ComputeAll(ctx, w, "/"); err != nil {
		t.Fatalf("compute: %v", err)
	}

	// Simulate adding a 25k file under /a.
	if err := w.UpsertEntry(ctx, file("/a/f4", 25_000)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := PropagateDelta(ctx, w, "/", "/a", model.Delta{Size: 25_000, FileCount: 1}); err != nil {
		t.Fatalf("propagate: %v", err)
	}

	wantStats(t, s, "/a", 325_000, 3, 0)
	wantStats(t, s, "/", 375_000, 4, 2)

	// A fresh full recompute must land on exactly the same numbers.
	if err := ComputeAll(ctx, w, "/"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	wantStats(t, s, "/a", 325_000, 3, 0)
	wantStats(t, s, "/", 375_000, 4, 2)
}

func TestPropagateDeltaClampsAtZero(t *testing.T) {
	s, w := setup(t)
	ctx := context.Background()
	if err := w.UpsertDirStats(ctx, []model.DirStats{
		{Path: "/a", RecursiveSize: 10, FileCount: 1},
		{Path: "/", RecursiveSize: 10, FileCount: 1, DirCount: 1},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := PropagateDelta(ctx, w, "/", "/a", model.Delta{Size: -500, FileCount: -5}); err != nil {
		t.Fatalf("propagate: %v", err)
	}

	wantStats(t, s, "/a", 0, 0, 0)
	wantStats(t, s, "/", 0, 0, 1)
}

func TestPropagateDeltaCreatesMissingAncestors(t *testing.T) {
	s, w := setup(t)
	ctx := context.Background()

	if err := PropagateDelta(ctx, w, "/", "/x/y/z", model.Delta{Size: 100, FileCount: 1}); err != nil {
		t.Fatalf("propagate: %v", err)
	}

	for _, p := range []string{"/x/y/z", "/x/y", "/x", "/"} {
		wantStats(t, s, p, 100, 1, 0)
	}
}

func TestPropagateDeltaAccumulates(t *testing.T) {
	s, w := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := PropagateDelta(ctx, w, "/", "/a", model.Delta{Size: 10, FileCount: 1}); err != nil {
			t.Fatalf("propagate %d: %v", i, err)
		}
	}
	wantStats(t, s, "/a", 30, 3, 0)
	wantStats(t, s, "/", 30, 3, 0)
}

func TestPropagateZeroDeltaIsNoop(t *testing.T) {
	s, w := setup(t)
	if err := PropagateDelta(context.Background(), w, "/", "/a", model.Delta{}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if st, _ := s.GetDirStats(context.Background(), "/a"); st != nil {
		t.Fatalf("zero delta created a row: %+v", st)
	}
}
