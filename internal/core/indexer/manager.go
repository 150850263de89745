// Package indexer owns the moving parts of one volume's index: store,
// writer, watcher, reconciler, and the micro-scan pool. It decides between
// resuming from a watermark and running a fresh full scan, serves
// enrichment lookups, and fans lifecycle notifications out to a Notifier.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"driveindex/internal/core/microscan"
	"driveindex/internal/core/reconcile"
	"driveindex/internal/core/scan"
	"driveindex/internal/core/watch"
	"driveindex/internal/index/model"
	"driveindex/internal/index/sqlite"
	"driveindex/internal/index/writer"
	"driveindex/internal/version"
)

// EnableEnv force-enables indexing in non-production builds.
const EnableEnv = "DRIVEINDEX_ENABLE"

// progressInterval paces scan-progress notifications.
const progressInterval = 500 * time.Millisecond

// Enabled reports whether indexing may start at all. Production builds
// default on; everything else needs the env switch.
func Enabled() bool {
	if v := os.Getenv(EnableEnv); v != "" {
		on, err := strconv.ParseBool(v)
		return err == nil && on
	}
	return version.IsProduction()
}

// VolumeID derives the stable identifier a volume's database is named
// after.
func VolumeID(root string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("driveindex://"+filepath.ToSlash(root))).String()
}

type Options struct {
	DataDir  string
	Root     string
	Notifier Notifier
	Filter   *scan.Filter
	Aliases  *scan.AliasTable
	// Workers overrides the scan pool size; 0 means automatic.
	Workers int
	// MicroScans overrides the micro-scan pool size; 0 means the default.
	MicroScans int
}

type Manager struct {
	volumeID string
	root     string
	dataDir  string
	dbPath   string
	notifier Notifier
	filter   *scan.Filter
	aliases  *scan.AliasTable
	workers  int
	log      *logrus.Entry

	mu         sync.Mutex
	store      *sqlite.Store
	w          *writer.Writer
	watcher    *watch.Watcher
	rec        *reconcile.Reconciler
	micro      *microscan.Manager
	cancelScan context.CancelFunc
	cancelLive context.CancelFunc
	closed     bool

	scanning   atomic.Bool
	rescanBusy atomic.Bool
	progress   scan.Progress
}

// Open prepares the index for one volume root. No scanning starts until
// Start is called.
func Open(opts Options) (*Manager, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	root = filepath.ToSlash(root)
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Filter == nil {
		opts.Filter = scan.DefaultFilter()
	}
	if opts.Aliases == nil {
		opts.Aliases = scan.LoadSystemAliases()
	}

	id := VolumeID(root)
	m := &Manager{
		volumeID: id,
		root:     root,
		dataDir:  opts.DataDir,
		dbPath:   filepath.Join(opts.DataDir, "index-"+id+".db"),
		notifier: opts.Notifier,
		filter:   opts.Filter,
		aliases:  opts.Aliases,
		workers:  opts.Workers,
		log:      logrus.WithFields(logrus.Fields{"component": "indexer", "volume": id}),
	}
	if err := m.openStore(opts.MicroScans); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) openStore(microScans int) error {
	store, err := sqlite.Open(m.dbPath)
	if err != nil {
		return err
	}
	w, err := writer.Start(store, m.root)
	if err != nil {
		_ = store.Close()
		return err
	}

	m.store = store
	m.w = w
	m.micro = microscan.New(microScans, func(ctx context.Context, path string) error {
		return scan.Subtree(ctx, m.scanConfig(), path, m.w)
	})

	wm, _ := store.LastEventID(context.Background())
	m.rec = reconcile.New(reconcile.Config{
		Store:     store,
		Writer:    w,
		Root:      m.root,
		Filter:    m.filter,
		Aliases:   m.aliases,
		Watermark: wm,
		Notify:    m.notifier.DirsUpdated,
		Rescan:    m.rescanSubtree,
	})
	return nil
}

// rescanSubtree recovers from watcher overflow. It runs outside the
// micro-scan pool, which stands down once the full scan lands, so overflow
// recovery keeps working for the life of the index. Requests arriving while
// one is running fold into it.
func (m *Manager) rescanSubtree(path string) {
	if !m.rescanBusy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.rescanBusy.Store(false)
		if err := scan.Subtree(context.Background(), m.scanConfig(), path, m.w); err != nil {
			m.log.WithError(err).WithField("path", path).Warn("overflow rescan failed")
			return
		}
		if err := m.w.Flush(); err != nil {
			return
		}
		m.notifier.DirsUpdated([]string{path})
	}()
}

func (m *Manager) VolumeIDString() string { return m.volumeID }
func (m *Manager) Root() string           { return m.root }

func (m *Manager) scanConfig() scan.Config {
	return scan.Config{
		Root:     m.root,
		Workers:  m.workers,
		Filter:   m.filter,
		Aliases:  m.aliases,
		Progress: &m.progress,
	}
}

// Start brings the index up: watcher first so nothing is missed, then
// either a watermark resume (completed scan on disk plus a replayable
// journal) or a full scan. Safe to call again after Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("index manager is closed")
	}
	if m.scanning.Load() || m.cancelLive != nil {
		return nil
	}

	hadWatcher := m.watcher != nil
	if err := m.ensureWatcherLocked(ctx); err != nil {
		return err
	}

	st, err := m.store.Status(ctx)
	if err == nil && st.ScanCompletedAt > 0 && (st.LastEventID > 0 || hadWatcher) {
		if resumed := m.tryResumeLocked(ctx, st.LastEventID); resumed {
			return nil
		}
		m.log.Info("resume not possible, falling back to full scan")
	}
	return m.startScanLocked()
}

func (m *Manager) ensureWatcherLocked(ctx context.Context) error {
	if m.watcher != nil {
		return nil
	}
	wm, _ := m.store.LastEventID(ctx)
	w, err := watch.New(watch.Options{Root: filepath.FromSlash(m.root), Seed: wm})
	if err != nil {
		return err
	}
	m.watcher = w
	go func() { _ = w.Run() }()
	go m.pumpEvents(w)
	return nil
}

func (m *Manager) pumpEvents(w *watch.Watcher) {
	ctx := context.Background()
	for ev := range w.Events() {
		m.rec.HandleEvent(ctx, ev)
	}
}

// tryResumeLocked replays the journal from the persisted watermark. Any
// gap, oversized jump, or replay failure means the index cannot be trusted
// forward and the caller falls back to scanning.
func (m *Manager) tryResumeLocked(ctx context.Context, watermark uint64) bool {
	events, err := m.watcher.ReplaySince(watermark)
	if err != nil {
		if errors.Is(err, watch.ErrJournalGap) {
			m.log.Info("journal gap since last session")
		} else {
			m.log.WithError(err).Warn("journal replay failed")
		}
		return false
	}

	m.rec.Buffering()
	for _, ev := range events {
		m.rec.HandleEvent(ctx, ev)
	}
	affected, err := m.rec.Replay(ctx)
	if err != nil {
		m.log.WithError(err).Warn("resume replay failed")
		return false
	}
	m.goLiveLocked(affected)
	m.micro.FullScanComplete()
	m.log.WithField("events", len(events)).Info("resumed from watermark")
	return true
}

func (m *Manager) startScanLocked() error {
	m.scanning.Store(true)
	m.progress.Reset()
	m.rec.Buffering()

	sctx, cancel := context.WithCancel(context.Background())
	m.cancelScan = cancel
	m.notifier.ScanStarted(m.root)

	scanDone := make(chan struct{})
	go m.reportProgress(scanDone)
	go m.runScan(sctx, scanDone)
	return nil
}

func (m *Manager) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			entries, dirs := m.progress.Snapshot()
			m.notifier.ScanProgress(entries, dirs)
		}
	}
}

func (m *Manager) runScan(ctx context.Context, scanDone chan<- struct{}) {
	defer close(scanDone)

	sum, err := scan.Volume(ctx, m.scanConfig(), m.w)
	if err != nil {
		m.log.WithError(err).Warn("scan failed")
		m.scanning.Store(false)
		m.notifier.ScanComplete(sum)
		return
	}
	if sum.WasCancelled {
		m.scanning.Store(false)
		m.notifier.ScanComplete(sum)
		return
	}

	now := time.Now()
	for k, v := range map[string]string{
		sqlite.MetaVolumePath:      m.root,
		sqlite.MetaScanCompletedAt: strconv.FormatInt(now.Unix(), 10),
		sqlite.MetaScanDurationMS:  strconv.FormatInt(sum.DurationMS, 10),
		sqlite.MetaTotalEntries:    strconv.FormatInt(sum.TotalEntries, 10),
	} {
		_ = m.w.Send(writer.SetMeta{Key: k, Value: v})
	}
	m.mu.Lock()
	var seenID uint64
	if m.watcher != nil {
		seenID = m.watcher.LastEventID()
	}
	m.mu.Unlock()
	if seenID > 0 {
		// Persist the watermark alongside the scan metadata so a later
		// session can resume even if no further events arrive.
		_ = m.w.Send(writer.SetLastEventID{ID: seenID})
	}
	if err := m.w.Flush(); err != nil {
		m.scanning.Store(false)
		m.notifier.ScanComplete(sum)
		return
	}

	affected, err := m.rec.Replay(context.Background())
	if err != nil {
		// Even an oversized gap right after a scan just means the buffered
		// stream is useless; the freshly scanned tree stands on its own. The
		// reconciler must still go live or events would buffer forever.
		m.log.WithError(err).Warn("post-scan replay failed")
		m.rec.DiscardBuffer()
	}

	m.mu.Lock()
	m.scanning.Store(false)
	m.goLiveLocked(affected)
	m.micro.FullScanComplete()
	m.mu.Unlock()

	m.notifier.ScanComplete(sum)
}

func (m *Manager) goLiveLocked(affected []string) {
	lctx, cancel := context.WithCancel(context.Background())
	m.cancelLive = cancel
	go m.rec.Run(lctx)
	if len(affected) > 0 {
		go m.rec.VerifyDirs(lctx, affected)
	}
}

// Stop halts scanning and live application. The watcher keeps journaling so
// a later Start can resume without a rescan; the database stays put.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.cancelScan != nil {
		m.cancelScan()
		m.cancelScan = nil
	}
	if m.cancelLive != nil {
		m.cancelLive()
		m.cancelLive = nil
	}
	if m.rec != nil {
		m.rec.Buffering()
	}
	m.scanning.Store(false)
}

// Clear tears the index down and deletes the database. The manager stays
// usable; the next Start scans from scratch.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("index manager is closed")
	}

	m.stopLocked()
	m.micro.Close()
	_ = m.w.Close()
	_ = m.store.Close()
	sqlite.RemoveDatabase(m.dbPath)
	m.log.Info("index cleared")
	return m.openStore(0)
}

// Close releases everything. The database file is kept.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.stopLocked()
	m.micro.Close()
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
	err := m.w.Close()
	if serr := m.store.Close(); err == nil {
		err = serr
	}
	return err
}

// StatusInfo is the externally visible state of one volume index.
type StatusInfo struct {
	VolumeID       string       `json:"volume_id"`
	Root           string       `json:"root"`
	Initialized    bool         `json:"initialized"`
	Scanning       bool         `json:"scanning"`
	EntriesScanned int64        `json:"entries_scanned"`
	DirsFound      int64        `json:"dirs_found"`
	Index          model.Status `json:"index"`
}

func (m *Manager) Status(ctx context.Context) (StatusInfo, error) {
	st, err := m.store.Status(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	entries, dirs := m.progress.Snapshot()
	return StatusInfo{
		VolumeID:       m.volumeID,
		Root:           m.root,
		Initialized:    st.ScanCompletedAt > 0,
		Scanning:       m.scanning.Load(),
		EntriesScanned: entries,
		DirsFound:      dirs,
		Index:          st,
	}, nil
}

// EnrichDirStats returns recursive stats aligned with paths; nil for
// directories the index has not covered yet.
func (m *Manager) EnrichDirStats(ctx context.Context, paths []string) ([]*model.DirStats, error) {
	norm := make([]string, len(paths))
	for i, p := range paths {
		norm[i] = m.aliases.Normalize(strings.TrimRight(filepath.ToSlash(p), "/"))
		if norm[i] == "" {
			norm[i] = "/"
		}
	}
	return m.store.GetDirStatsBatch(ctx, norm)
}

// Prioritize requests a micro-scan of path.
func (m *Manager) Prioritize(path string, prio microscan.Priority) {
	m.micro.Request(m.aliases.Normalize(filepath.ToSlash(path)), prio)
}

// CancelNav drops navigation-priority micro-scans at or under path.
func (m *Manager) CancelNav(path string) {
	m.micro.CancelNav(m.aliases.Normalize(filepath.ToSlash(path)))
}

// Flush waits for all queued index writes. Test hook.
func (m *Manager) Flush() error { return m.w.Flush() }
