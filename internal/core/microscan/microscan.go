// Package microscan serves priority requests to index small pieces of the
// tree ahead of (or instead of) the full scan: directories the user opens,
// and directories the user explicitly selects. A bounded pool runs the
// scans; duplicates are folded, lower-priority work is preempted, and the
// whole mechanism stands down once a full scan has covered everything.
package microscan

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"

	"driveindex/internal/index/model"
)

type Priority uint8

const (
	// PriorityCurrentDir marks scans triggered by navigation.
	PriorityCurrentDir Priority = iota
	// PriorityUserSelected marks scans the user asked for; they outrank
	// navigation scans.
	PriorityUserSelected
)

func (p Priority) String() string {
	if p == PriorityUserSelected {
		return "user-selected"
	}
	return "current-dir"
}

// DefaultConcurrency is the pool size.
const DefaultConcurrency = 3

// ScanFunc performs the actual subtree scan. A cancelled ctx must abort it.
type ScanFunc func(ctx context.Context, path string) error

type request struct {
	path string
	prio Priority
	seq  uint64
}

// Queue order: higher priority first, FIFO within a priority.
func requestLess(a, b request) bool {
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	return a.seq < b.seq
}

type activeScan struct {
	prio   Priority
	cancel context.CancelFunc
}

type Manager struct {
	scan ScanFunc
	log  *logrus.Entry

	mu            sync.Mutex
	maxConcurrent int
	seq           uint64
	active        map[string]*activeScan
	queued        map[string]request
	queue         *btree.BTreeG[request]
	completed     map[string]struct{}
	fullScanDone  bool
	closed        bool
	idle          *sync.Cond
}

func New(maxConcurrent int, scan ScanFunc) *Manager {
	if maxConcurrent < 0 {
		maxConcurrent = 0
	} else if maxConcurrent == 0 {
		maxConcurrent = DefaultConcurrency
	}
	m := &Manager{
		scan:          scan,
		log:           logrus.WithField("component", "microscan"),
		maxConcurrent: maxConcurrent,
		active:        make(map[string]*activeScan),
		queued:        make(map[string]request),
		queue:         btree.NewBTreeG[request](requestLess),
		completed:     make(map[string]struct{}),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// NewPaused builds a manager whose pool never starts work; requests only
// queue. Used in tests to observe ordering.
func NewPaused(scan ScanFunc) *Manager {
	m := New(1, scan)
	m.maxConcurrent = 0
	return m
}

// Request asks for path to be scanned at prio. Requests for territory that
// is already covered, in flight at equal-or-higher priority, or queued at
// equal-or-higher priority are dropped; a lower-priority in-flight scan of
// the same path is cancelled and requeued at the higher priority.
func (m *Manager) Request(path string, prio Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.fullScanDone {
		return
	}
	if _, done := m.completed[path]; done {
		return
	}
	if a, ok := m.active[path]; ok {
		if a.prio >= prio {
			return
		}
		a.cancel()
		delete(m.active, path)
	}
	if q, ok := m.queued[path]; ok {
		if q.prio >= prio {
			return
		}
		m.queue.Delete(q)
		delete(m.queued, path)
	}

	m.seq++
	req := request{path: path, prio: prio, seq: m.seq}
	m.queue.Set(req)
	m.queued[path] = req
	m.pumpLocked()
}

// CancelNav cancels navigation-priority scans at or under ancestor, both
// running and queued. User-selected scans are untouched.
func (m *Manager) CancelNav(ancestor string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, a := range m.active {
		if a.prio == PriorityCurrentDir && model.IsUnder(path, ancestor) {
			a.cancel()
		}
	}
	var drop []request
	m.queue.Scan(func(req request) bool {
		if req.prio == PriorityCurrentDir && model.IsUnder(req.path, ancestor) {
			drop = append(drop, req)
		}
		return true
	})
	for _, req := range drop {
		m.queue.Delete(req)
		delete(m.queued, req.path)
	}
}

// FullScanComplete stops all micro-scanning for good: the full index
// supersedes anything a micro-scan could add.
func (m *Manager) FullScanComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullScanDone = true
	m.cancelAllLocked()
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelAllLocked()
}

// Wait blocks until no scan is running or queued. Test helper.
func (m *Manager) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.active) > 0 || m.queue.Len() > 0 {
		m.idle.Wait()
	}
}

// Stats returns the running and queued scan counts.
func (m *Manager) Stats() (active, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), m.queue.Len()
}

// QueuedPaths returns the queue contents in dispatch order. Test helper.
func (m *Manager) QueuedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	m.queue.Scan(func(req request) bool {
		out = append(out, req.path)
		return true
	})
	return out
}

func (m *Manager) cancelAllLocked() {
	for _, a := range m.active {
		a.cancel()
	}
	var drop []request
	m.queue.Scan(func(req request) bool {
		drop = append(drop, req)
		return true
	})
	for _, req := range drop {
		m.queue.Delete(req)
		delete(m.queued, req.path)
	}
}

func (m *Manager) pumpLocked() {
	for len(m.active) < m.maxConcurrent {
		req, ok := m.queue.PopMin()
		if !ok {
			break
		}
		delete(m.queued, req.path)
		if _, done := m.completed[req.path]; done {
			continue
		}
		if _, running := m.active[req.path]; running {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		a := &activeScan{prio: req.prio, cancel: cancel}
		m.active[req.path] = a
		go m.run(ctx, req, a)
	}
	if len(m.active) == 0 && m.queue.Len() == 0 {
		m.idle.Broadcast()
	}
}

func (m *Manager) run(ctx context.Context, req request, self *activeScan) {
	err := m.scan(ctx, req.path)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Only retire our own slot; a preempting Request may have replaced it.
	if m.active[req.path] == self {
		delete(m.active, req.path)
	}
	if err == nil && ctx.Err() == nil {
		m.completed[req.path] = struct{}{}
	} else if err != nil && ctx.Err() == nil {
		m.log.WithError(err).WithField("path", req.path).Warn("micro-scan failed")
	}
	m.pumpLocked()
}
