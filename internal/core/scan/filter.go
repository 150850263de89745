package scan

import (
	"runtime"
	"strings"
)

// Filter decides which paths stay out of the index. Prefixes ending in "/"
// match everything below them; exact patterns match one path. Scans and
// live events share the same filter so they never disagree.
type Filter struct {
	prefixes []string
	exact    map[string]struct{}
}

func NewFilter(patterns []string) *Filter {
	f := &Filter{exact: make(map[string]struct{})}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			f.prefixes = append(f.prefixes, p)
		} else {
			f.exact[p] = struct{}{}
		}
	}
	return f
}

// DefaultFilter excludes virtual and service trees for the current
// platform: pseudo filesystems, system volume mirrors, package caches, and
// index service directories.
func DefaultFilter() *Filter {
	switch runtime.GOOS {
	case "darwin":
		return NewFilter([]string{
			"/System/Volumes/Data/",
			"/System/Volumes/Preboot/",
			"/System/Volumes/VM/",
			"/System/Volumes/Update/",
			"/Volumes/",
			"/private/var/",
			"/Library/Caches/",
			"/.Spotlight-V100/",
			"/.fseventsd/",
			"/dev/",
			"/.Spotlight-V100",
			"/.fseventsd",
		})
	case "linux":
		return NewFilter([]string{
			"/proc/",
			"/sys/",
			"/dev/",
			"/run/",
			"/var/run/",
			"/lost+found/",
			"/proc",
			"/sys",
			"/dev",
		})
	default:
		return NewFilter(nil)
	}
}

// Excluded reports whether path should be skipped entirely.
func (f *Filter) Excluded(path string) bool {
	if f == nil {
		return false
	}
	if _, ok := f.exact[path]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(path, p) || path == strings.TrimSuffix(p, "/") {
			return true
		}
	}
	return false
}
