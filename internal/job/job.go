package job

import "time"

// Lifecycle states tracked by the queue's state table. Transitions are
// monotonic within one delivery attempt; a retry starts over at queued.
const (
	StateQueued    = "queued"
	StateAssigned  = "assigned"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one unit of capture work. Immutable once created; lifecycle state
// lives in the queue's side table, not here.
type Job struct {
	ID          string    `json:"id"`
	Collection  string    `json:"collection"`
	Project     string    `json:"project"`
	BundleID    string    `json:"bundleID"`
	DeviceType  string    `json:"deviceType"`
	Platform    string    `json:"platform"` // ios, android
	AutoBuild   bool      `json:"autoBuild,omitempty"`
	UseProtoV2  bool      `json:"useProtoV2,omitempty"`
	APIKey      string    `json:"apiKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Result summarizes one finished job attempt.
type Result struct {
	JobID     string   `json:"jobId"`
	Status    string   `json:"status"` // completed, failed
	Captures  int      `json:"captures"`
	Duration  string   `json:"duration"`
	Errors    []string `json:"errors,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}
