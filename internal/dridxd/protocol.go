package dridxd

import "encoding/json"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type IndexStartParams struct {
	Root string `json:"root"`
}

type IndexStartResult struct {
	VolumeID string `json:"volume_id"`
	Root     string `json:"root"`
}

type VolumeParams struct {
	VolumeID string `json:"volume_id"`
}

type EnrichParams struct {
	VolumeID string   `json:"volume_id"`
	Paths    []string `json:"paths"`
}

type PrioritizeParams struct {
	VolumeID string `json:"volume_id"`
	Path     string `json:"path"`
	// Priority is "user-selected" or "current-dir" (default).
	Priority string `json:"priority,omitempty"`
}

type CancelNavParams struct {
	VolumeID string `json:"volume_id"`
	Path     string `json:"path"`
}

// Event kinds pushed to subscribed connections.
const (
	EventScanStarted  = "scan-started"
	EventScanProgress = "scan-progress"
	EventScanComplete = "scan-complete"
	EventDirUpdated   = "dir-updated"
)

// Event is the payload of an "index.event" notification.
type Event struct {
	Kind           string   `json:"kind"`
	VolumeID       string   `json:"volume_id"`
	Root           string   `json:"root,omitempty"`
	EntriesScanned int64    `json:"entries_scanned,omitempty"`
	DirsFound      int64    `json:"dirs_found,omitempty"`
	TotalEntries   int64    `json:"total_entries,omitempty"`
	TotalDirs      int64    `json:"total_dirs,omitempty"`
	DurationMS     int64    `json:"duration_ms,omitempty"`
	WasCancelled   bool     `json:"was_cancelled,omitempty"`
	Paths          []string `json:"paths,omitempty"`
}
