package api

import "time"

// JobStateResponse reports a job's current lifecycle state.
type JobStateResponse struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
}

// RunnerInfo describes one known runner, connected or not.
type RunnerInfo struct {
	RunnerID    string    `json:"runnerId"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

// QueueStats counts jobs per lifecycle state.
type QueueStats struct {
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
