package dridxd

import (
	"sync"

	"driveindex/internal/core/scan"
)

// eventHub fans index events out to subscribed connections. Slow
// subscribers drop events rather than stall the index.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, 256)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// hubNotifier adapts one volume's lifecycle callbacks onto the hub.
type hubNotifier struct {
	hub      *eventHub
	volumeID string
	root     string
}

func (n *hubNotifier) ScanStarted(root string) {
	n.hub.publish(Event{Kind: EventScanStarted, VolumeID: n.volumeID, Root: root})
}

func (n *hubNotifier) ScanProgress(entries, dirs int64) {
	n.hub.publish(Event{
		Kind: EventScanProgress, VolumeID: n.volumeID,
		EntriesScanned: entries, DirsFound: dirs,
	})
}

func (n *hubNotifier) ScanComplete(sum scan.Summary) {
	n.hub.publish(Event{
		Kind: EventScanComplete, VolumeID: n.volumeID,
		TotalEntries: sum.TotalEntries, TotalDirs: sum.TotalDirs,
		DurationMS: sum.DurationMS, WasCancelled: sum.WasCancelled,
	})
}

func (n *hubNotifier) DirsUpdated(paths []string) {
	n.hub.publish(Event{Kind: EventDirUpdated, VolumeID: n.volumeID, Paths: paths})
}
