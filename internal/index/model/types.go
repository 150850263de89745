// Package model holds the shared types of the drive index: filesystem
// entries, per-directory recursive stats, and index status snapshots.
package model

import "strings"

// Entry is one filesystem object as recorded in the index. Paths are
// absolute and slash-normalized. Size is the physical (allocated) size
// for files and always 0 for directories.
type Entry struct {
	Path       string `json:"path"`
	ParentPath string `json:"parent_path"`
	Name       string `json:"name"`
	IsDir      bool   `json:"is_directory"`
	IsSymlink  bool   `json:"is_symlink"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// DirStats holds the recursive totals for one directory: everything at or
// below it, not counting the directory itself.
type DirStats struct {
	Path          string `json:"path"`
	RecursiveSize int64  `json:"recursive_size"`
	FileCount     int64  `json:"recursive_file_count"`
	DirCount      int64  `json:"recursive_dir_count"`
}

// Delta is a signed adjustment applied to a directory and its ancestors.
type Delta struct {
	Size      int64
	FileCount int64
	DirCount  int64
}

// IsZero reports whether applying d would change nothing.
func (d Delta) IsZero() bool {
	return d.Size == 0 && d.FileCount == 0 && d.DirCount == 0
}

// Neg returns the inverse delta.
func (d Delta) Neg() Delta {
	return Delta{Size: -d.Size, FileCount: -d.FileCount, DirCount: -d.DirCount}
}

// Status is a snapshot of the on-disk index for one volume.
type Status struct {
	SchemaVersion   string `json:"schema_version"`
	VolumePath      string `json:"volume_path"`
	ScanCompletedAt int64  `json:"scan_completed_at"`
	ScanDurationMS  int64  `json:"scan_duration_ms"`
	TotalEntries    int64  `json:"total_entries"`
	LastEventID     uint64 `json:"last_event_id"`
	DBSizeBytes     int64  `json:"db_size_bytes"`
}

// Parent returns the parent of a slash-normalized absolute path. The root
// "/" has no parent; every other top-level path's parent is "/".
func Parent(path string) (string, bool) {
	p := strings.TrimRight(path, "/")
	if p == "" {
		// path was "/" (or empty)
		return "", false
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", false
	}
	if i == 0 {
		return "/", true
	}
	return p[:i], true
}

// BaseName returns the final path segment.
func BaseName(path string) string {
	p := strings.TrimRight(path, "/")
	if p == "" {
		return "/"
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// IsUnder reports whether path is anc itself or located below it.
func IsUnder(path, anc string) bool {
	if path == anc {
		return true
	}
	a := strings.TrimRight(anc, "/")
	return strings.HasPrefix(path, a+"/")
}
