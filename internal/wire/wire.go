package wire

import (
	"encoding/json"
	"time"

	"github.com/seralvarez/capturefleet/internal/job"
)

// Envelope is the top-level WebSocket message format.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message type constants.
const (
	// Client -> Hub
	TypeTriggerJob     = "trigger_job"
	TypePromptResponse = "job_prompt_response"

	// Hub -> Runner
	TypeRunJob = "run_job"

	// Runner -> Hub -> subscribers (relayed verbatim)
	TypeJobUpdate      = "job_update"
	TypeJobArtifact    = "job_artifact"
	TypeJobComplete    = "job_complete"
	TypeLog            = "log"
	TypePromptRequired = "job_prompt_required"

	// Hub -> Client
	TypeError = "error"
)

// TriggerJobPayload carries job parameters from a client. The hub assigns
// the id.
type TriggerJobPayload struct {
	Collection string `json:"collection"`
	Project    string `json:"project"`
	BundleID   string `json:"bundleID"`
	DeviceType string `json:"deviceType"`
	Platform   string `json:"platform"`
	AutoBuild  bool   `json:"autoBuild,omitempty"`
	UseProtoV2 bool   `json:"useProtoV2,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
}

// RunJobPayload carries the full job, id included, to a runner.
type RunJobPayload struct {
	Job job.Job `json:"job"`
}

type JobUpdatePayload struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type JobArtifactPayload struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"` // screenshot, video, report
	URL   string `json:"url"`
	Name  string `json:"name,omitempty"`
}

type JobCompletePayload struct {
	job.Result
}

type LogPayload struct {
	JobID     string    `json:"jobId"`
	Message   string    `json:"message"`
	Type      string    `json:"type"` // stdout, error
	Timestamp time.Time `json:"timestamp"`
}

type PromptRequiredPayload struct {
	JobID    string `json:"jobId"`
	Prompt   string `json:"prompt"`
	PromptID string `json:"promptId"`
}

type PromptResponsePayload struct {
	JobID    string `json:"jobId"`
	PromptID string `json:"promptId"`
	Input    string `json:"input"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// MakeEnvelope creates a marshaled Envelope with the given type and payload.
func MakeEnvelope(msgType string, payload interface{}) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: p})
}
