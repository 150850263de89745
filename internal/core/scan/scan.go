// Package scan walks a volume and feeds batches of entries to the index
// writer. The full scan fans directory reads out over a bounded worker
// pool; subtree scans run synchronously. Directory reads that fail are
// skipped, not fatal: an index of what was readable still beats no index.
package scan

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"driveindex/internal/index/model"
	"driveindex/internal/index/writer"
)

var log = logrus.WithField("component", "scan")

// DefaultBatchSize is the number of entries per InsertEntries message.
const DefaultBatchSize = 2000

type Config struct {
	Root      string
	BatchSize int
	Workers   int
	Filter    *Filter
	Aliases   *AliasTable
	Progress  *Progress
}

func (c *Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.GOMAXPROCS(0)
	if n > 8 {
		n = 8
	}
	return n
}

// Progress is sampled by the manager while a scan runs.
type Progress struct {
	entries atomic.Int64
	dirs    atomic.Int64
}

func (p *Progress) Snapshot() (entries, dirs int64) {
	if p == nil {
		return 0, 0
	}
	return p.entries.Load(), p.dirs.Load()
}

func (p *Progress) Reset() {
	if p == nil {
		return
	}
	p.entries.Store(0)
	p.dirs.Store(0)
}

type Summary struct {
	TotalEntries int64
	TotalDirs    int64
	DurationMS   int64
	WasCancelled bool
}

// EntryFromInfo builds an index entry from lstat data. Directories carry no
// size of their own; symlinks are recorded but never followed.
func EntryFromInfo(path string, info os.FileInfo) model.Entry {
	isSym := info.Mode()&os.ModeSymlink != 0
	isDir := info.IsDir() && !isSym
	var size int64
	if !isDir {
		size = physicalSize(info)
	}
	parent, _ := model.Parent(path)
	return model.Entry{
		Path:       path,
		ParentPath: parent,
		Name:       model.BaseName(path),
		IsDir:      isDir,
		IsSymlink:  isSym,
		Size:       size,
		ModifiedAt: info.ModTime().Unix(),
	}
}

// Volume scans everything under cfg.Root in parallel, skipping the root
// itself, and triggers a full aggregate rebuild on uncancelled completion.
func Volume(ctx context.Context, cfg Config, w *writer.Writer) (Summary, error) {
	start := time.Now()
	b := newBatcher(cfg.batchSize(), w)

	g := &errgroup.Group{}
	g.SetLimit(cfg.workers())

	var walk func(dir string) error
	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		subdirs := walkOne(cfg, dir, b)
		for _, sd := range subdirs {
			// Hand subdirectories to idle workers; recurse inline when the
			// pool is saturated so a blocked TryGo never deadlocks.
			if !g.TryGo(func() error { return walk(sd) }) {
				if err := walk(sd); err != nil {
					return err
				}
			}
		}
		return nil
	}

	g.Go(func() error { return walk(cfg.Root) })
	err := g.Wait()
	b.flush()

	entries, dirs := cfg.Progress.Snapshot()
	sum := Summary{
		TotalEntries: entries,
		TotalDirs:    dirs,
		DurationMS:   time.Since(start).Milliseconds(),
		WasCancelled: err != nil && ctx.Err() != nil,
	}
	if sum.WasCancelled {
		log.WithField("root", cfg.Root).Info("scan cancelled")
		return sum, nil
	}
	if err != nil {
		return sum, err
	}
	if err := w.Send(writer.ComputeAll{}); err != nil {
		return sum, err
	}
	log.WithFields(logrus.Fields{
		"root": cfg.Root, "entries": entries, "dirs": dirs, "ms": sum.DurationMS,
	}).Info("scan complete")
	return sum, nil
}

// Subtree synchronously rescans one path: the stored subtree is replaced
// wholesale, including the directory's own entry, its aggregates are
// recomputed, and the net change is pushed up to the ancestors so their
// totals stay balanced against the deletion.
func Subtree(ctx context.Context, cfg Config, root string, w *writer.Writer) error {
	if err := w.Send(writer.DeleteSubtree{Path: root}); err != nil {
		return err
	}
	if cfg.Filter.Excluded(root) || cfg.Aliases.IsAliasPath(root) {
		return nil
	}
	info, err := os.Lstat(filepath.FromSlash(root))
	if err != nil {
		// Gone between the event and the rescan; the deletion stands.
		return nil
	}

	b := newBatcher(cfg.batchSize(), w)
	e := EntryFromInfo(root, info)
	if root != cfg.Root {
		b.add(e)
	}
	if !e.IsDir {
		b.flush()
		if parent, ok := model.Parent(root); ok && root != cfg.Root {
			return w.Send(writer.PropagateDelta{Path: parent,
				Delta: model.Delta{Size: e.Size, FileCount: 1}})
		}
		return nil
	}

	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, walkOne(cfg, dir, b)...)
	}
	b.flush()

	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Send(writer.ComputeSubtree{Root: root, Propagate: root != cfg.Root})
}

// walkOne reads one directory, batches its children, and returns the
// subdirectories to descend into.
func walkOne(cfg Config, dir string, b *batcher) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Debug("unreadable directory skipped")
		return nil
	}

	var subdirs []string
	for _, de := range ents {
		path := filepath.ToSlash(filepath.Join(dir, de.Name()))
		if cfg.Aliases.IsAliasPath(path) {
			// The canonical walk covers this tree under its real name.
			continue
		}
		if cfg.Filter.Excluded(path) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := EntryFromInfo(path, info)
		b.add(e)
		cfg.Progress.add(e.IsDir)
		if e.IsDir {
			subdirs = append(subdirs, path)
		}
	}
	return subdirs
}

func (p *Progress) add(isDir bool) {
	if p == nil {
		return
	}
	p.entries.Add(1)
	if isDir {
		p.dirs.Add(1)
	}
}

type batcher struct {
	mu   sync.Mutex
	buf  []model.Entry
	size int
	w    *writer.Writer
}

func newBatcher(size int, w *writer.Writer) *batcher {
	return &batcher{buf: make([]model.Entry, 0, size), size: size, w: w}
}

func (b *batcher) add(e model.Entry) {
	b.mu.Lock()
	b.buf = append(b.buf, e)
	if len(b.buf) < b.size {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = make([]model.Entry, 0, b.size)
	b.mu.Unlock()
	if err := b.w.Send(writer.InsertEntries{Entries: batch}); err != nil {
		log.WithError(err).Warn("batch dropped")
	}
}

func (b *batcher) flush() {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := b.w.Send(writer.InsertEntries{Entries: batch}); err != nil {
		log.WithError(err).Warn("batch dropped")
	}
}
