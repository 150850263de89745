package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"driveindex/internal/core/scan"
	"driveindex/internal/index/model"
	"driveindex/internal/index/writer"
)

// verifyConcurrency bounds parallel directory verification.
const verifyConcurrency = 4

// VerifyDirs re-checks directories touched during replay against the live
// filesystem, in both directions: indexed entries that vanished from disk
// are deleted, on-disk children the index missed are added. Corrections go
// out as their own dir-updated batch, separate from the replay one.
func (r *Reconciler) VerifyDirs(ctx context.Context, dirs []string) {
	if len(dirs) == 0 {
		return
	}

	sem := semaphore.NewWeighted(verifyConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	corrected := make(map[string]struct{})

	for _, dir := range dirs {
		if r.cfg.Filter.Excluded(dir) || !model.IsUnder(dir, r.cfg.Root) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			defer sem.Release(1)
			for _, p := range r.verifyOne(ctx, dir) {
				mu.Lock()
				corrected[p] = struct{}{}
				mu.Unlock()
			}
		}(dir)
	}
	wg.Wait()

	if len(corrected) == 0 {
		return
	}
	if err := r.cfg.Writer.Flush(); err != nil {
		return
	}
	paths := sortedKeys(corrected)
	r.log.WithField("dirs", len(paths)).Info("verification corrected index drift")
	if r.cfg.Notify != nil {
		r.cfg.Notify(paths)
	}
}

func (r *Reconciler) verifyOne(ctx context.Context, dir string) []string {
	indexed, err := r.cfg.Store.GetChildren(ctx, dir)
	if err != nil {
		return nil
	}

	disk, err := os.ReadDir(filepath.FromSlash(dir))
	if err != nil {
		// The directory itself is gone; its removal event may have been
		// lost too.
		if os.IsNotExist(err) {
			_ = r.cfg.Writer.Send(writer.DeleteEntry{Path: dir})
			if parent, ok := model.Parent(dir); ok {
				return []string{parent}
			}
		}
		return nil
	}

	onDisk := make(map[string]os.DirEntry, len(disk))
	for _, de := range disk {
		onDisk[de.Name()] = de
	}

	var corrected []string
	inIndex := make(map[string]struct{}, len(indexed))
	for _, e := range indexed {
		inIndex[e.Name] = struct{}{}
		if _, ok := onDisk[e.Name]; ok {
			continue
		}
		if err := r.cfg.Writer.Send(writer.DeleteEntry{Path: e.Path}); err == nil {
			corrected = append(corrected, dir)
		}
	}

	for name, de := range onDisk {
		if _, ok := inIndex[name]; ok {
			continue
		}
		path := dir + "/" + name
		if r.cfg.Filter.Excluded(path) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := scan.EntryFromInfo(path, info)
		if !e.IsDir {
			if err := r.cfg.Writer.Send(writer.UpsertEntry{Entry: e}); err != nil {
				continue
			}
			_ = r.cfg.Writer.Send(writer.PropagateDelta{
				Path:  dir,
				Delta: model.Delta{Size: e.Size, FileCount: 1},
			})
			corrected = append(corrected, dir)
			continue
		}
		// A whole directory appeared unseen. A subtree rescan records its
		// entry, rebuilds its stats, and pushes the totals up the tree.
		cfg := scan.Config{
			Root:    r.cfg.Root,
			Filter:  r.cfg.Filter,
			Aliases: r.cfg.Aliases,
		}
		if err := scan.Subtree(ctx, cfg, path, r.cfg.Writer); err != nil {
			continue
		}
		corrected = append(corrected, dir, path)
	}
	return corrected
}
