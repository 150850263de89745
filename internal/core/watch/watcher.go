// Package watch turns raw filesystem notifications into the ordered event
// stream the reconciler consumes. Every event carries a monotonically
// increasing ID; a bounded in-process journal supports replay from a
// watermark, and a watermark older than the journal window surfaces as
// ErrJournalGap so the caller can fall back to a full rescan.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrJournalGap means events between the requested watermark and the oldest
// retained journal entry have been lost.
var ErrJournalGap = errors.New("event journal gap")

type Op uint8

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
	// OpRescan means the event stream overflowed; the subtree at Path can
	// no longer be trusted and must be rescanned.
	OpRescan
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpChmod:
		return "chmod"
	case OpRescan:
		return "rescan"
	}
	return fmt.Sprintf("op(%d)", op)
}

type Event struct {
	ID   uint64
	Path string
	Op   Op
}

// journalSize bounds the replay window. Older events fall off and turn a
// later replay request into ErrJournalGap.
const journalSize = 65536

type Options struct {
	Root string
	// Seed starts the ID counter; the first event gets Seed+1. Seeding with
	// the persisted watermark keeps IDs monotonic across sessions.
	Seed uint64
	// BufferSize is the capacity of the outbound event channel.
	BufferSize int
}

type Watcher struct {
	fsw  *fsnotify.Watcher
	root string
	out  chan Event
	log  *logrus.Entry

	mu      sync.Mutex
	nextID  uint64
	journal []Event
	dropped bool // journal has shed events since start

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a watcher over root and registers the existing directory tree.
// Run must be called to start delivering events.
func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("root is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}

	w := &Watcher{
		fsw:    fsw,
		root:   filepath.ToSlash(opts.Root),
		out:    make(chan Event, opts.BufferSize),
		log:    logrus.WithField("component", "watch"),
		nextID: opts.Seed,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := w.addTree(opts.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Events() <-chan Event { return w.out }

// LastEventID returns the highest ID assigned so far (the seed before any
// event has fired).
func (w *Watcher) LastEventID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextID
}

// ReplaySince returns the journaled events with ID > watermark, oldest
// first. watermark 0 means "from now" and replays nothing. If the journal
// no longer reaches back to the watermark the result is ErrJournalGap.
func (w *Watcher) ReplaySince(watermark uint64) ([]Event, error) {
	if watermark == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.journal) == 0 {
		if w.dropped {
			return nil, ErrJournalGap
		}
		return nil, nil
	}
	oldest := w.journal[0].ID
	if watermark < oldest-1 {
		return nil, ErrJournalGap
	}
	var out []Event
	for _, ev := range w.journal {
		if ev.ID > watermark {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Run pumps fsnotify until Close. New directories join the watch set as
// they appear; overflow degrades to a root-level rescan event.
func (w *Watcher) Run() error {
	defer close(w.done)
	// Only this goroutine emits, so consumers get a clean close.
	defer close(w.out)
	for {
		select {
		case <-w.closed:
			return nil
		case fe, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fe)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("event queue overflowed, requesting rescan")
				w.emit(Event{Path: w.root, Op: OpRescan})
				continue
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) handle(fe fsnotify.Event) {
	path := filepath.ToSlash(fe.Name)
	if isSidecar(path) {
		return
	}

	var op Op
	switch {
	case fe.Has(fsnotify.Create):
		op = OpCreate
		// Watch new directories immediately so their children are seen.
		// A lost race (dir already gone) is fine.
		_ = w.addTree(fe.Name)
	case fe.Has(fsnotify.Remove):
		op = OpRemove
	case fe.Has(fsnotify.Rename):
		op = OpRename
	case fe.Has(fsnotify.Write):
		op = OpWrite
	case fe.Has(fsnotify.Chmod):
		op = OpChmod
	default:
		return
	}
	w.emit(Event{Path: path, Op: op})
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	w.nextID++
	ev.ID = w.nextID
	w.journal = append(w.journal, ev)
	if len(w.journal) > journalSize {
		over := len(w.journal) - journalSize
		w.journal = append(w.journal[:0], w.journal[over:]...)
		w.dropped = true
	}
	w.mu.Unlock()

	select {
	case w.out <- ev:
	case <-w.closed:
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			// Unwatchable subdirectories are skipped, not fatal.
			w.log.WithError(err).WithField("dir", path).Debug("watch add failed")
			return fs.SkipDir
		}
		return nil
	})
}

// isSidecar filters this index's own database churn out of the stream.
func isSidecar(path string) bool {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "index-") {
		return false
	}
	for _, suf := range []string{".db", ".db-wal", ".db-shm", ".db-journal"} {
		if strings.HasSuffix(base, suf) {
			return true
		}
	}
	return false
}
