package indexer

import "driveindex/internal/core/scan"

// Notifier receives index lifecycle events. Implementations must not
// block; the daemon fans these out to subscribed connections.
type Notifier interface {
	ScanStarted(root string)
	ScanProgress(entriesScanned, dirsFound int64)
	ScanComplete(sum scan.Summary)
	DirsUpdated(paths []string)
}

type NopNotifier struct{}

func (NopNotifier) ScanStarted(string)            {}
func (NopNotifier) ScanProgress(int64, int64)     {}
func (NopNotifier) ScanComplete(scan.Summary)     {}
func (NopNotifier) DirsUpdated([]string)          {}
