// Package writer serializes every index mutation through one goroutine
// holding the dedicated write connection. Readers keep using the pooled
// side of the store; WAL keeps them off the writer's back.
package writer

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"driveindex/internal/index/aggregate"
	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
)

var ErrClosed = errors.New("writer is closed")

type Writer struct {
	conn *sqlite.WriteConn
	root string
	log  *logrus.Entry

	statsCh chan Message
	msgCh   chan Message

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Start acquires the write connection and spins up the writer goroutine.
// root is the volume root; delta propagation never walks above it.
func Start(store *sqlite.Store, root string) (*Writer, error) {
	conn, err := store.AcquireWrite(context.Background())
	if err != nil {
		return nil, err
	}
	w := &Writer{
		conn:    conn,
		root:    root,
		log:     logrus.WithField("component", "writer"),
		statsCh: make(chan Message, 256),
		msgCh:   make(chan Message, 4096),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Send enqueues a message. UpdateDirStats goes to the priority lane,
// everything else to the general lane.
func (w *Writer) Send(msg Message) error {
	if w == nil {
		return ErrClosed
	}
	ch := w.msgCh
	if _, ok := msg.(UpdateDirStats); ok {
		ch = w.statsCh
	}
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-w.closed:
		return ErrClosed
	}
}

// Flush blocks until everything enqueued before it has committed.
func (w *Writer) Flush() error {
	done := make(chan struct{})
	if err := w.Send(Flush{Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// Close drains both lanes, rolls back any open batch, and releases the
// write connection.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	<-w.done
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	defer func() {
		ctx := context.Background()
		_ = w.conn.RollbackBatch(ctx)
		_ = w.conn.Release()
	}()

	ctx := context.Background()
	for {
		// Stats lane first: pending dir_stats updates overtake queued bulk
		// work so enrichment reads stay current during a scan.
		select {
		case m := <-w.statsCh:
			w.apply(ctx, m)
			continue
		default:
		}

		select {
		case m := <-w.statsCh:
			w.apply(ctx, m)
		case m := <-w.msgCh:
			w.apply(ctx, m)
		case <-w.closed:
			w.drain(ctx)
			return
		}
	}
}

// drain applies whatever is still queued at close time so acked sends are
// never silently dropped.
func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case m := <-w.statsCh:
			w.apply(ctx, m)
			continue
		default:
		}
		select {
		case m := <-w.msgCh:
			w.apply(ctx, m)
		default:
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, msg Message) {
	var err error
	switch m := msg.(type) {
	case InsertEntries:
		err = w.conn.InsertEntries(ctx, m.Entries)
	case UpdateDirStats:
		err = w.conn.UpsertDirStats(ctx, m.Stats)
	case UpsertEntry:
		err = w.conn.UpsertEntry(ctx, m.Entry)
	case DeleteEntry:
		err = w.deleteEntry(ctx, m.Path)
	case DeleteSubtree:
		err = w.deleteSubtree(ctx, m.Path)
	case PropagateDelta:
		err = aggregate.PropagateDelta(ctx, w.conn, w.root, m.Path, m.Delta)
	case ComputeAll:
		err = aggregate.ComputeAll(ctx, w.conn, w.root)
	case ComputeSubtree:
		err = w.computeSubtree(ctx, m)
	case SetMeta:
		err = w.conn.SetMeta(ctx, m.Key, m.Value)
	case SetLastEventID:
		err = w.conn.SetLastEventID(ctx, m.ID)
	case BeginBatch:
		err = w.conn.BeginBatch(ctx)
	case CommitBatch:
		err = w.conn.CommitBatch(ctx)
	case Flush:
		if m.Done != nil {
			close(m.Done)
		}
	default:
		w.log.Warnf("unknown message %T", msg)
	}
	if err != nil {
		// One bad row must not take the writer down; the index self-heals
		// on the next scan or verification pass.
		w.log.WithError(err).Warnf("apply %T failed", msg)
	}
}

// computeSubtree rebuilds stats below m.Root and, for replacement rescans,
// pushes the fresh subtree totals up to the ancestors.
func (w *Writer) computeSubtree(ctx context.Context, m ComputeSubtree) error {
	return w.conn.Transact(ctx, func() error {
		if err := aggregate.ComputeSubtree(ctx, w.conn, m.Root); err != nil {
			return err
		}
		if !m.Propagate || m.Root == w.root {
			return nil
		}
		parent, ok := model.Parent(m.Root)
		if !ok {
			return nil
		}
		d := model.Delta{DirCount: 1}
		st, err := w.conn.GetDirStats(ctx, m.Root)
		if err != nil {
			return err
		}
		if st != nil {
			d.Size += st.RecursiveSize
			d.FileCount += st.FileCount
			d.DirCount += st.DirCount
		}
		return aggregate.PropagateDelta(ctx, w.conn, w.root, parent, d)
	})
}

// deleteEntry removes one entry and propagates the compensating negative
// delta computed from what was actually stored.
func (w *Writer) deleteEntry(ctx context.Context, path string) error {
	return w.conn.Transact(ctx, func() error {
		e, err := w.conn.GetEntry(ctx, path)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.IsDir {
			return w.deleteSubtreeLocked(ctx, e)
		}
		if err := w.conn.DeleteEntryRow(ctx, path); err != nil {
			return err
		}
		parent, ok := model.Parent(path)
		if !ok {
			return nil
		}
		return aggregate.PropagateDelta(ctx, w.conn, w.root, parent,
			model.Delta{Size: -e.Size, FileCount: -1})
	})
}

func (w *Writer) deleteSubtree(ctx context.Context, path string) error {
	return w.conn.Transact(ctx, func() error {
		e, err := w.conn.GetEntry(ctx, path)
		if err != nil {
			return err
		}
		if e == nil {
			// Nothing recorded for the dir itself; still clear any
			// descendants that made it in.
			d, err := w.conn.SumSubtree(ctx, path)
			if err != nil {
				return err
			}
			if err := w.conn.DeleteSubtreeRows(ctx, path); err != nil {
				return err
			}
			if parent, ok := model.Parent(path); ok {
				return aggregate.PropagateDelta(ctx, w.conn, w.root, parent, d.Neg())
			}
			return nil
		}
		return w.deleteSubtreeLocked(ctx, e)
	})
}

// deleteSubtreeLocked removes a directory entry plus descendants. The
// negative delta is the directory's recursive stats plus the directory
// itself; when the stats row is missing it is recomputed from entries.
func (w *Writer) deleteSubtreeLocked(ctx context.Context, e *model.Entry) error {
	var d model.Delta
	st, err := w.conn.GetDirStats(ctx, e.Path)
	if err != nil {
		return err
	}
	if st != nil {
		d = model.Delta{Size: st.RecursiveSize, FileCount: st.FileCount, DirCount: st.DirCount}
	} else {
		sum, err := w.conn.SumSubtree(ctx, e.Path)
		if err != nil {
			return err
		}
		// SumSubtree counts e itself among the dirs; back it out here and
		// add it explicitly below.
		d = model.Delta{Size: sum.Size, FileCount: sum.FileCount, DirCount: sum.DirCount - 1}
	}
	d.DirCount++ // the directory itself

	if err := w.conn.DeleteSubtreeRows(ctx, e.Path); err != nil {
		return err
	}
	parent, ok := model.Parent(e.Path)
	if !ok {
		return nil
	}
	return aggregate.PropagateDelta(ctx, w.conn, w.root, parent, d.Neg())
}
