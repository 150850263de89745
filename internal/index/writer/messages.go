package writer

import "driveindex/internal/index/model"

// Message is one unit of work for the writer goroutine. Messages are
// applied strictly in order within a lane; UpdateDirStats rides a separate
// lane that is drained ahead of everything else so stat reads stay fresh
// while bulk inserts queue up.
type Message interface{ message() }

// InsertEntries bulk-upserts one scan batch.
type InsertEntries struct{ Entries []model.Entry }

// UpdateDirStats upserts precomputed stats rows. Priority lane.
type UpdateDirStats struct{ Stats []model.DirStats }

// UpsertEntry writes a single entry.
type UpsertEntry struct{ Entry model.Entry }

// DeleteEntry removes one entry. The writer reads the row first and
// propagates the compensating negative delta itself; callers never supply
// deltas for deletions.
type DeleteEntry struct{ Path string }

// DeleteSubtree removes a directory and everything below it, propagating
// the full negative delta (subtree stats plus the directory itself).
type DeleteSubtree struct{ Path string }

// PropagateDelta adjusts Path and all its ancestors by Delta.
type PropagateDelta struct {
	Path  string
	Delta model.Delta
}

// ComputeAll rebuilds every dir_stats row.
type ComputeAll struct{}

// ComputeSubtree rebuilds dir_stats under Root. With Propagate set, the
// recomputed totals plus the directory itself are pushed up to Root's
// ancestors, balancing the negative delta a preceding DeleteSubtree
// propagated.
type ComputeSubtree struct {
	Root      string
	Propagate bool
}

// SetMeta writes one meta key.
type SetMeta struct{ Key, Value string }

// SetLastEventID advances the persisted watcher watermark.
type SetLastEventID struct{ ID uint64 }

// BeginBatch opens a transaction spanning the following messages until
// CommitBatch. Used by event replay.
type BeginBatch struct{}

// CommitBatch commits the open batch.
type CommitBatch struct{}

// Flush acks on Done once every message enqueued before it has been
// applied and committed.
type Flush struct{ Done chan struct{} }

func (InsertEntries) message()  {}
func (UpdateDirStats) message() {}
func (UpsertEntry) message()    {}
func (DeleteEntry) message()    {}
func (DeleteSubtree) message()  {}
func (PropagateDelta) message() {}
func (ComputeAll) message()     {}
func (ComputeSubtree) message() {}
func (SetMeta) message()        {}
func (SetLastEventID) message() {}
func (BeginBatch) message()     {}
func (CommitBatch) message()    {}
func (Flush) message()          {}
