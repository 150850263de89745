package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driveindex/internal/core/scan"
	"driveindex/internal/core/watch"
	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
	"driveindex/internal/index/writer"
)

type notifyLog struct {
	mu      sync.Mutex
	batches [][]string
}

func (n *notifyLog) notify(paths []string) {
	n.mu.Lock()
	n.batches = append(n.batches, paths)
	n.mu.Unlock()
}

func (n *notifyLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batches)
}

func (n *notifyLog) last() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.batches) == 0 {
		return nil
	}
	return n.batches[len(n.batches)-1]
}

type fixture struct {
	root  string
	store *sqlite.Store
	w     *writer.Writer
	rec   *Reconciler
	notes *notifyLog
}

func newFixture(t *testing.T, watermark uint64) *fixture {
	t.Helper()
	root := filepath.ToSlash(t.TempDir())
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "index-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	w, err := writer.Start(s, root)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	notes := &notifyLog{}
	rec := New(Config{
		Store:         s,
		Writer:        w,
		Root:          root,
		Notify:        notes.notify,
		Watermark:     watermark,
		FlushInterval: 20 * time.Millisecond,
	})
	return &fixture{root: root, store: s, w: w, rec: rec, notes: notes}
}

func (f *fixture) mkfile(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(filepath.FromSlash(f.root), rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return filepath.ToSlash(p)
}

func (f *fixture) mkdir(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(filepath.FromSlash(f.root), rel)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return filepath.ToSlash(p)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestReplayAppliesBufferedEvents(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	dir := f.mkdir(t, "a")
	file := f.mkfile(t, "a/f1", "hello")

	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: dir, Op: watch.OpCreate})
	f.rec.HandleEvent(ctx, watch.Event{ID: 2, Path: file, Op: watch.OpCreate})

	affected, err := f.rec.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(affected) == 0 {
		t.Fatal("no affected directories reported")
	}
	if got := f.rec.Watermark(); got != 2 {
		t.Fatalf("watermark = %d, want 2", got)
	}

	for _, p := range []string{dir, file} {
		e, err := f.store.GetEntry(ctx, p)
		if err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
		if e == nil {
			t.Fatalf("%s not applied", p)
		}
	}
	id, err := f.store.LastEventID(ctx)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if id != 2 {
		t.Fatalf("persisted watermark = %d, want 2", id)
	}
	if f.notes.count() != 1 {
		t.Fatalf("notify batches = %d, want exactly 1", f.notes.count())
	}

	st, err := f.store.GetDirStats(ctx, dir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st == nil || st.FileCount != 1 {
		t.Fatalf("dir stats = %+v, want 1 file", st)
	}
}

func TestReplaySkipsEventsAtOrBelowWatermark(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	old := f.mkfile(t, "old.txt", "x")
	fresh := f.mkfile(t, "fresh.txt", "y")

	f.rec.HandleEvent(ctx, watch.Event{ID: 5, Path: old, Op: watch.OpCreate})
	f.rec.HandleEvent(ctx, watch.Event{ID: 6, Path: fresh, Op: watch.OpCreate})

	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if e, _ := f.store.GetEntry(ctx, old); e != nil {
		t.Fatal("event at the watermark was replayed")
	}
	if e, _ := f.store.GetEntry(ctx, fresh); e == nil {
		t.Fatal("event past the watermark was dropped")
	}
	if got := f.rec.Watermark(); got != 6 {
		t.Fatalf("watermark = %d, want 6", got)
	}
}

func TestReplayTwiceDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	file := f.mkfile(t, "f1", "data")
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: file, Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	st1, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st1 == nil {
		t.Fatalf("stats: %v %v", st1, err)
	}

	// The same event shows up again after a pause and resume.
	f.rec.Buffering()
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: file, Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("second replay: %v", err)
	}

	st2, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st2 == nil {
		t.Fatalf("stats: %v %v", st2, err)
	}
	if st2.FileCount != st1.FileCount || st2.RecursiveSize != st1.RecursiveSize {
		t.Fatalf("stats drifted on duplicate replay: %+v vs %+v", st1, st2)
	}
}

func TestReplayGapTooLarge(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	file := f.mkfile(t, "f1", "x")
	f.rec.HandleEvent(ctx, watch.Event{ID: 10 + gapThreshold + 1, Path: file, Op: watch.OpCreate})

	if _, err := f.rec.Replay(ctx); err != ErrGapTooLarge {
		t.Fatalf("replay = %v, want ErrGapTooLarge", err)
	}
}

func TestDiscardBufferGoesLiveAfterFailedReplay(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	stale := f.mkfile(t, "stale", "x")
	f.rec.HandleEvent(ctx, watch.Event{ID: 10 + gapThreshold + 1, Path: stale, Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != ErrGapTooLarge {
		t.Fatalf("replay = %v, want ErrGapTooLarge", err)
	}

	// Without the discard the reconciler would keep buffering and no event
	// would ever reach the index again.
	f.rec.DiscardBuffer()

	fresh := f.mkfile(t, "fresh", "data")
	f.rec.HandleEvent(ctx, watch.Event{ID: 10 + gapThreshold + 2, Path: fresh, Op: watch.OpCreate})
	if err := f.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if e, _ := f.store.GetEntry(ctx, fresh); e == nil {
		t.Fatal("live event after discard not applied")
	}
	if e, _ := f.store.GetEntry(ctx, stale); e != nil {
		t.Fatal("discarded buffered event was applied")
	}
}

func TestLiveEventsCoalesceNotifications(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	go f.rec.Run(ctx)

	f1 := f.mkfile(t, "f1", "a")
	f2 := f.mkfile(t, "f2", "bb")
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: f1, Op: watch.OpCreate})
	f.rec.HandleEvent(ctx, watch.Event{ID: 2, Path: f2, Op: watch.OpCreate})

	waitUntil(t, func() bool { return f.notes.count() > 0 })
	batch := f.notes.last()
	if len(batch) != 1 || batch[0] != f.root {
		t.Fatalf("batch = %v, want just the root", batch)
	}

	if err := f.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.FileCount != 2 {
		t.Fatalf("files = %d, want 2", st.FileCount)
	}
	if got := f.rec.Watermark(); got != 2 {
		t.Fatalf("watermark = %d, want 2", got)
	}
}

func TestLiveRemovalUpdatesIndex(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	file := f.mkfile(t, "f1", "data")
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: file, Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if err := os.Remove(filepath.FromSlash(file)); err != nil {
		t.Fatalf("rm: %v", err)
	}
	f.rec.HandleEvent(ctx, watch.Event{ID: 2, Path: file, Op: watch.OpRemove})
	if err := f.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if e, _ := f.store.GetEntry(ctx, file); e != nil {
		t.Fatal("removed entry still indexed")
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.FileCount != 0 || st.RecursiveSize != 0 {
		t.Fatalf("stats after removal = %+v, want zero", st)
	}
}

func TestLiveResizeAdjustsDelta(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	file := f.mkfile(t, "f1", "1234")
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: file, Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	// Grow the file well past its old allocation.
	big := make([]byte, 1<<20)
	if err := os.WriteFile(filepath.FromSlash(file), big, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.rec.HandleEvent(ctx, watch.Event{ID: 2, Path: file, Op: watch.OpWrite})
	if err := f.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	e, err := f.store.GetEntry(ctx, file)
	if err != nil || e == nil {
		t.Fatalf("get: %v %v", e, err)
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.RecursiveSize != e.Size {
		t.Fatalf("root size %d != entry size %d", st.RecursiveSize, e.Size)
	}
	if st.FileCount != 1 {
		t.Fatalf("files = %d, want 1", st.FileCount)
	}
}

func TestEventsOutsideRootOrFilteredAreIgnored(t *testing.T) {
	f := newFixture(t, 0)
	f.rec.cfg.Filter = scan.NewFilter([]string{f.root + "/skip/"})
	ctx := context.Background()

	skipped := f.mkfile(t, "skip/f", "x")
	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: skipped, Op: watch.OpCreate})
	f.rec.HandleEvent(ctx, watch.Event{ID: 2, Path: "/elsewhere/f", Op: watch.OpCreate})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if e, _ := f.store.GetEntry(ctx, skipped); e != nil {
		t.Fatal("filtered path indexed")
	}
	if e, _ := f.store.GetEntry(ctx, "/elsewhere/f"); e != nil {
		t.Fatal("out-of-root path indexed")
	}
	if got := f.rec.Watermark(); got != 2 {
		t.Fatalf("watermark = %d, want 2 (ignored events still advance it)", got)
	}
}

func TestRescanEventInvokesCallback(t *testing.T) {
	f := newFixture(t, 0)
	var mu sync.Mutex
	var got []string
	f.rec.cfg.Rescan = func(p string) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}
	ctx := context.Background()

	f.rec.HandleEvent(ctx, watch.Event{ID: 1, Path: f.root, Op: watch.OpRescan})
	if _, err := f.rec.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != f.root {
		t.Fatalf("rescan callbacks = %v, want [%s]", got, f.root)
	}
}

func TestVerifyDirsDeletesGhostEntries(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	ghost := f.root + "/ghost.txt"
	parent, _ := model.Parent(ghost)
	if err := f.w.Send(writer.UpsertEntry{Entry: model.Entry{
		Path: ghost, ParentPath: parent, Name: "ghost.txt", Size: 100,
	}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.w.Send(writer.PropagateDelta{Path: f.root,
		Delta: model.Delta{Size: 100, FileCount: 1}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	f.rec.VerifyDirs(ctx, []string{f.root})

	if e, _ := f.store.GetEntry(ctx, ghost); e != nil {
		t.Fatal("ghost entry survived verification")
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.FileCount != 0 || st.RecursiveSize != 0 {
		t.Fatalf("stats after correction = %+v, want zero", st)
	}
	if f.notes.count() != 1 {
		t.Fatalf("notify batches = %d, want 1", f.notes.count())
	}
}

func TestVerifyDirsAddsMissingFile(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	missing := f.mkfile(t, "unseen.txt", "abc")
	f.rec.VerifyDirs(ctx, []string{f.root})

	e, err := f.store.GetEntry(ctx, missing)
	if err != nil || e == nil {
		t.Fatalf("unseen file not added: %v %v", e, err)
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.FileCount != 1 {
		t.Fatalf("files = %d, want 1", st.FileCount)
	}
}

func TestVerifyDirsScansMissingDirectory(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.mkfile(t, "newdir/a.txt", "1")
	f.mkfile(t, "newdir/b.txt", "22")
	f.rec.VerifyDirs(ctx, []string{f.root})

	for _, p := range []string{"/newdir", "/newdir/a.txt", "/newdir/b.txt"} {
		if e, _ := f.store.GetEntry(ctx, f.root+p); e == nil {
			t.Fatalf("%s not indexed by verification", p)
		}
	}
	st, err := f.store.GetDirStats(ctx, f.root)
	if err != nil || st == nil {
		t.Fatalf("stats: %v %v", st, err)
	}
	if st.FileCount != 2 || st.DirCount != 1 {
		t.Fatalf("root stats = %+v, want 2 files 1 dir", st)
	}
}
