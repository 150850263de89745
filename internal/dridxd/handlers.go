package dridxd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"driveindex/internal/core/indexer"
	"driveindex/internal/core/microscan"
	"driveindex/internal/index/model"
)

// Handlers own the per-volume index managers behind the RPC surface.
type Handlers struct {
	mu      sync.RWMutex
	dataDir string
	// force bypasses the production/env gating (tests, explicit opt-in).
	force   bool
	volumes map[string]*indexer.Manager
	hub     *eventHub
}

type HandlerOptions struct {
	DataDir string
	// Force allows index.start even when indexing is gated off.
	Force bool
}

func NewHandlers(opts HandlerOptions) *Handlers {
	return &Handlers{
		dataDir: opts.DataDir,
		force:   opts.Force,
		volumes: make(map[string]*indexer.Manager),
		hub:     newEventHub(),
	}
}

func (h *Handlers) getVolume(id string) (*indexer.Manager, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.volumes[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("unknown volume %q", id)
	}
	return m, nil
}

// IndexStart opens (if needed) and starts the index for root. Calling it
// again for a running volume is a no-op that returns the same volume id.
func (h *Handlers) IndexStart(ctx context.Context, p IndexStartParams) (IndexStartResult, error) {
	if !h.force && !indexer.Enabled() {
		return IndexStartResult{}, fmt.Errorf("indexing is disabled (set %s=1 to enable)", indexer.EnableEnv)
	}
	root := strings.TrimSpace(p.Root)
	if root == "" {
		return IndexStartResult{}, fmt.Errorf("root is required")
	}

	id := indexer.VolumeID(root)
	h.mu.Lock()
	m, ok := h.volumes[id]
	if !ok {
		var err error
		m, err = indexer.Open(indexer.Options{
			DataDir:  h.dataDir,
			Root:     root,
			Notifier: &hubNotifier{hub: h.hub, volumeID: id, root: root},
		})
		if err != nil {
			h.mu.Unlock()
			return IndexStartResult{}, err
		}
		h.volumes[id] = m
	}
	h.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		return IndexStartResult{}, err
	}
	return IndexStartResult{VolumeID: id, Root: m.Root()}, nil
}

func (h *Handlers) IndexStop(p VolumeParams) error {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return err
	}
	m.Stop()
	return nil
}

func (h *Handlers) IndexClear(ctx context.Context, p VolumeParams) error {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return err
	}
	return m.Clear(ctx)
}

func (h *Handlers) IndexStatus(ctx context.Context, p VolumeParams) (indexer.StatusInfo, error) {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return indexer.StatusInfo{}, err
	}
	return m.Status(ctx)
}

func (h *Handlers) Enrich(ctx context.Context, p EnrichParams) ([]*model.DirStats, error) {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return nil, err
	}
	return m.EnrichDirStats(ctx, p.Paths)
}

func (h *Handlers) Prioritize(p PrioritizeParams) error {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return err
	}
	prio := microscan.PriorityCurrentDir
	switch strings.TrimSpace(p.Priority) {
	case "", "current-dir":
	case "user-selected":
		prio = microscan.PriorityUserSelected
	default:
		return fmt.Errorf("unknown priority %q", p.Priority)
	}
	m.Prioritize(p.Path, prio)
	return nil
}

func (h *Handlers) CancelNav(p CancelNavParams) error {
	m, err := h.getVolume(p.VolumeID)
	if err != nil {
		return err
	}
	m.CancelNav(p.Path)
	return nil
}

// Close shuts every volume down.
func (h *Handlers) Close() {
	h.mu.Lock()
	vols := h.volumes
	h.volumes = make(map[string]*indexer.Manager)
	h.mu.Unlock()

	for _, m := range vols {
		_ = m.Close()
	}
	h.hub.closeAll()
}
