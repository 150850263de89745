// Package reconcile applies watcher events to the index. It starts out
// buffering (a full scan is racing the event stream), replays the buffer in
// one transaction once the scan lands, then processes events live, batching
// dir-updated notifications into a small coalescing window.
package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"driveindex/internal/core/scan"
	"driveindex/internal/core/watch"
	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
	"driveindex/internal/index/writer"
)

// ErrGapTooLarge means the buffered events start so far past the watermark
// that replay cannot be trusted; the caller must run a full rescan.
var ErrGapTooLarge = errors.New("event id gap exceeds replay threshold")

// gapThreshold is the maximum tolerated jump between the persisted
// watermark and the first replayable event.
const gapThreshold = 1_000_000

// DefaultFlushInterval is the live-mode notification coalescing window.
const DefaultFlushInterval = 300 * time.Millisecond

type Config struct {
	Store   *sqlite.Store
	Writer  *writer.Writer
	Root    string
	Filter  *scan.Filter
	Aliases *scan.AliasTable
	// Notify receives batched dir-updated paths.
	Notify func(paths []string)
	// Rescan queues a subtree rescan after stream overflow.
	Rescan func(path string)
	// Watermark is the last event ID already applied to the index.
	Watermark     uint64
	FlushInterval time.Duration
}

type Reconciler struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	live      bool
	buffer    []watch.Event
	watermark uint64
	pending   map[string]struct{}

	// replaySeen shadows rows touched earlier in the open replay batch,
	// which reads on the pooled connection cannot see yet.
	replaySeen map[string]*model.Entry
}

func New(cfg Config) *Reconciler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Reconciler{
		cfg:       cfg,
		log:       logrus.WithField("component", "reconcile"),
		watermark: cfg.Watermark,
		pending:   make(map[string]struct{}),
	}
}

func (r *Reconciler) Watermark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// Buffering returns the reconciler to buffering mode (indexing paused or a
// new scan starting); events pile up in memory until the next Replay.
func (r *Reconciler) Buffering() {
	r.mu.Lock()
	r.live = false
	r.mu.Unlock()
}

// DiscardBuffer drops everything buffered and flips the reconciler live.
// Used when replay fails right after a full scan: the scan already captured
// the tree, so the untrusted buffer is worth less than a live reconciler.
func (r *Reconciler) DiscardBuffer() {
	r.mu.Lock()
	n := len(r.buffer)
	r.buffer = nil
	r.live = true
	r.mu.Unlock()
	if n > 0 {
		r.log.WithField("events", n).Warn("buffered events discarded")
	}
}

// HandleEvent is the watcher sink. Buffered or applied depending on mode.
func (r *Reconciler) HandleEvent(ctx context.Context, ev watch.Event) {
	r.mu.Lock()
	if !r.live {
		r.buffer = append(r.buffer, ev)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.processLive(ctx, ev)
}

// Replay applies everything buffered since the scan started: sorted by ID,
// watermark duplicates skipped, all inside one writer batch. It returns the
// affected directories after emitting exactly one batched dir-updated for
// them, and leaves the reconciler live.
func (r *Reconciler) Replay(ctx context.Context) ([]string, error) {
	affected := make(map[string]struct{})
	r.replaySeen = make(map[string]*model.Entry)
	defer func() { r.replaySeen = nil }()

	total := 0
	for {
		r.mu.Lock()
		buf := r.buffer
		r.buffer = nil
		wm := r.watermark
		if len(buf) == 0 {
			// Nothing left to catch up on; flip to live under the same
			// lock so no event can slip into a buffer nobody drains.
			r.live = true
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		sort.Slice(buf, func(i, j int) bool { return buf[i].ID < buf[j].ID })

		events := buf[:0]
		for _, ev := range buf {
			if ev.ID > wm {
				events = append(events, ev)
			}
		}
		if len(events) > 0 && events[0].ID > wm+gapThreshold {
			return nil, ErrGapTooLarge
		}

		if err := r.cfg.Writer.Send(writer.BeginBatch{}); err != nil {
			return nil, err
		}
		maxID := wm
		for _, ev := range events {
			for _, p := range r.processEvent(ctx, ev) {
				affected[p] = struct{}{}
			}
			maxID = ev.ID
		}
		if maxID > wm {
			if err := r.cfg.Writer.Send(writer.SetLastEventID{ID: maxID}); err != nil {
				return nil, err
			}
		}
		if err := r.cfg.Writer.Send(writer.CommitBatch{}); err != nil {
			return nil, err
		}
		if err := r.cfg.Writer.Flush(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.watermark = maxID
		r.mu.Unlock()
		total += len(events)
	}

	paths := sortedKeys(affected)
	if len(paths) > 0 && r.cfg.Notify != nil {
		r.cfg.Notify(paths)
	}
	r.log.WithFields(logrus.Fields{"events": total, "dirs": len(paths)}).
		Info("replay complete")
	return paths, nil
}

// Run drives the live-mode notification flush until ctx ends. Each tick
// drains the pending set into one dir-updated; empty ticks emit nothing.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flushPending()
			return
		case <-ticker.C:
			r.flushPending()
		}
	}
}

func (r *Reconciler) flushPending() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	paths := sortedKeys(r.pending)
	r.pending = make(map[string]struct{})
	r.mu.Unlock()

	if r.cfg.Notify != nil {
		r.cfg.Notify(paths)
	}
}

func (r *Reconciler) processLive(ctx context.Context, ev watch.Event) {
	affected := r.processEvent(ctx, ev)

	r.mu.Lock()
	if ev.ID > r.watermark {
		r.watermark = ev.ID
	}
	wm := r.watermark
	for _, p := range affected {
		r.pending[p] = struct{}{}
	}
	r.mu.Unlock()

	_ = r.cfg.Writer.Send(writer.SetLastEventID{ID: wm})
}

// processEvent turns one filesystem event into writer messages and returns
// the directories whose stats it touched.
func (r *Reconciler) processEvent(ctx context.Context, ev watch.Event) []string {
	if ev.Op == watch.OpRescan {
		if r.cfg.Rescan != nil {
			r.cfg.Rescan(r.normalize(ev.Path))
		}
		return nil
	}

	path := r.normalize(ev.Path)
	if path == "" || path == r.cfg.Root {
		return nil
	}
	if r.cfg.Filter.Excluded(path) || !model.IsUnder(path, r.cfg.Root) {
		return nil
	}

	switch ev.Op {
	case watch.OpRemove, watch.OpRename:
		return r.applyRemoval(path)
	default:
		return r.applyUpsert(ctx, path)
	}
}

func (r *Reconciler) applyRemoval(path string) []string {
	// The writer reads the stored row on the write connection and computes
	// the negative delta itself, handling the file/dir split there.
	if err := r.cfg.Writer.Send(writer.DeleteEntry{Path: path}); err != nil {
		return nil
	}
	if r.replaySeen != nil {
		r.replaySeen[path] = nil
	}
	parent, ok := model.Parent(path)
	if !ok {
		return nil
	}
	return []string{parent}
}

func (r *Reconciler) applyUpsert(ctx context.Context, path string) []string {
	info, err := os.Lstat(filepath.FromSlash(path))
	if err != nil {
		// Already gone again; treat as a removal.
		return r.applyRemoval(path)
	}
	e := scan.EntryFromInfo(path, info)

	prior, known := r.priorEntry(ctx, path)
	if err := r.cfg.Writer.Send(writer.UpsertEntry{Entry: e}); err != nil {
		return nil
	}
	if r.replaySeen != nil {
		cp := e
		r.replaySeen[path] = &cp
	}

	parent, hasParent := model.Parent(path)
	var delta model.Delta
	switch {
	case !known || prior == nil:
		if e.IsDir {
			delta = model.Delta{DirCount: 1}
		} else {
			delta = model.Delta{Size: e.Size, FileCount: 1}
		}
	case !prior.IsDir && !e.IsDir:
		delta = model.Delta{Size: e.Size - prior.Size}
	}
	if hasParent && !delta.IsZero() {
		_ = r.cfg.Writer.Send(writer.PropagateDelta{Path: parent, Delta: delta})
	}

	affected := []string{}
	if hasParent {
		affected = append(affected, parent)
	}
	if e.IsDir {
		affected = append(affected, path)
	}
	return affected
}

// priorEntry reports what the index already holds for path: the replay
// shadow first, then the store. known=false means the lookup failed and no
// delta should be derived from it.
func (r *Reconciler) priorEntry(ctx context.Context, path string) (*model.Entry, bool) {
	if r.replaySeen != nil {
		if e, ok := r.replaySeen[path]; ok {
			return e, true
		}
	}
	e, err := r.cfg.Store.GetEntry(ctx, path)
	if err != nil {
		return nil, false
	}
	return e, true
}

func (r *Reconciler) normalize(path string) string {
	p := filepath.ToSlash(path)
	if r.cfg.Aliases != nil {
		p = r.cfg.Aliases.Normalize(p)
	}
	return p
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
