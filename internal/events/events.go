// Package events centralizes the event-kind string constants and
// payload types emitted on the CallbackBus, avoiding magic strings
// spread across scheduler, pipeline and service code.
package events

// Event kinds emitted on the CallbackBus (spec.md §4.5).
const (
	KindProgress   = "job:progress"
	KindStatus     = "job:status"
	KindQueueStats = "queue:stats"
)

// Progress reports incremental byte-level advance for a single job.
// The bus coalesces these per sink (spec.md §4.5, minimum 200ms apart).
type Progress struct {
	JobID          string  `json:"job_id"`
	Percent        float64 `json:"percent"`
	BytesProcessed int64   `json:"bytes_processed"`
	TotalBytes     int64   `json:"total_bytes"`
}

// Status reports a job status transition. Terminal statuses are never
// dropped or coalesced by the bus.
type Status struct {
	JobID     string `json:"job_id"`
	NewStatus string `json:"new_status"`
	Error     string `json:"error,omitempty"`
}

// QueueStats reports aggregate queue counters. The bus coalesces these
// independently of Progress (spec.md §4.5, roughly every 500ms).
type QueueStats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}
