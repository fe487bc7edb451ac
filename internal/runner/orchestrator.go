// Package runner executes capture jobs on a single machine: it leases a
// simulator from the device pool, drives the capture tool through the
// process bridge, streams progress to the hub, and always hands the
// device back when the job ends.
package runner

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralvarez/capturefleet/internal/artifact"
	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/pool"
	"github.com/seralvarez/capturefleet/internal/procbridge"
	"github.com/seralvarez/capturefleet/internal/wire"
)

const defaultConcurrency = 5

// Emitter sends events back to the hub. The websocket client implements it;
// tests substitute a recorder.
type Emitter interface {
	Emit(msgType string, payload interface{})
}

// Config holds per-runner settings.
type Config struct {
	RunnerID    string
	HubURL      string
	CaptureTool string
	Concurrency int
}

// artifactLine matches capture-tool output announcing a saved file, e.g.
// "capture saved: /tmp/shots/home.png".
var artifactLine = regexp.MustCompile(`(?i)^(?:capture|screenshot|recording) saved:\s*(\S+)`)

// Orchestrator runs jobs assigned by the hub.
type Orchestrator struct {
	cfg      Config
	pool     *pool.Pool
	bridge   *procbridge.Bridge
	uploader artifact.Uploader
	emitter  Emitter

	mu      sync.Mutex
	prompts map[string]string // promptID -> jobID
	sem     chan struct{}
}

func New(cfg Config, p *pool.Pool, bridge *procbridge.Bridge, uploader artifact.Uploader, emitter Emitter) *Orchestrator {
	if cfg.CaptureTool == "" {
		cfg.CaptureTool = "appcapture"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Orchestrator{
		cfg:      cfg,
		pool:     p,
		bridge:   bridge,
		uploader: uploader,
		emitter:  emitter,
		prompts:  make(map[string]string),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Execute runs one job end to end. It emits a running update first, then
// logs, artifacts, and prompts as they happen, and finishes with exactly
// one job_complete regardless of how the job ends.
func (o *Orchestrator) Execute(ctx context.Context, j job.Job) job.Result {
	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	start := time.Now()
	res := job.Result{JobID: j.ID, Status: job.StateFailed}
	defer func() {
		res.Duration = time.Since(start).Round(time.Millisecond).String()
		o.emitter.Emit(wire.TypeJobComplete, wire.JobCompletePayload{Result: res})
	}()

	o.emitUpdate(j.ID, job.StateRunning, "")

	udid, err := o.pool.Acquire(ctx, j.ID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("acquiring device: %v", err))
		return res
	}
	// Release is unconditional: whatever happens below, the device goes back.
	defer func() {
		if err := o.pool.Release(context.Background(), udid, j.BundleID); err != nil {
			log.Printf("runner %s: releasing device %s: %v", o.cfg.RunnerID, udid, err)
		}
	}()

	cmd := o.buildCommand(j, udid)
	err = o.bridge.Register(j.ID, cmd, procbridge.Callbacks{
		OnLine: func(line string) {
			o.handleLine(ctx, j.ID, line, &res)
		},
		OnPrompt: func(prompt string) {
			o.handlePrompt(j.ID, prompt)
		},
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("launching %s: %v", o.cfg.CaptureTool, err))
		return res
	}

	if err := o.bridge.Wait(j.ID); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("capture process: %v", err))
		return res
	}

	res.Status = job.StateCompleted
	return res
}

// HandlePromptResponse forwards a prompt answer to the owning process.
// An unknown prompt id is a logged no-op, not an error: the prompt may
// already have been answered or the process may have exited.
func (o *Orchestrator) HandlePromptResponse(jobID, promptID, input string) {
	o.mu.Lock()
	owner, ok := o.prompts[promptID]
	if ok {
		delete(o.prompts, promptID)
	}
	o.mu.Unlock()

	if !ok || owner != jobID {
		log.Printf("runner %s: ignoring response for unknown prompt %s (job %s)", o.cfg.RunnerID, promptID, jobID)
		return
	}
	if !o.bridge.WriteInput(jobID, input) {
		log.Printf("runner %s: prompt %s answered but process for job %s is gone", o.cfg.RunnerID, promptID, jobID)
	}
}

func (o *Orchestrator) handleLine(ctx context.Context, jobID, line string, res *job.Result) {
	o.emitter.Emit(wire.TypeLog, wire.LogPayload{
		JobID:     jobID,
		Message:   line,
		Type:      "stdout",
		Timestamp: time.Now(),
	})

	m := artifactLine.FindStringSubmatch(line)
	if m == nil {
		return
	}
	res.Captures++

	url, err := o.uploader.Upload(ctx, jobID, m[1])
	if err != nil {
		// Upload failures are non-fatal: report and keep going.
		res.Errors = append(res.Errors, fmt.Sprintf("uploading %s: %v", m[1], err))
		return
	}
	res.Artifacts = append(res.Artifacts, url)
	o.emitter.Emit(wire.TypeJobArtifact, wire.JobArtifactPayload{
		JobID: jobID,
		Type:  "capture",
		URL:   url,
		Name:  m[1],
	})
}

func (o *Orchestrator) handlePrompt(jobID, prompt string) {
	promptID := uuid.NewString()
	o.mu.Lock()
	o.prompts[promptID] = jobID
	o.mu.Unlock()

	log.Printf("runner %s: job %s waiting on prompt: %s", o.cfg.RunnerID, jobID, prompt)
	o.emitter.Emit(wire.TypePromptRequired, wire.PromptRequiredPayload{
		JobID:    jobID,
		Prompt:   prompt,
		PromptID: promptID,
	})
}

func (o *Orchestrator) emitUpdate(jobID, status, message string) {
	o.emitter.Emit(wire.TypeJobUpdate, wire.JobUpdatePayload{
		JobID:   jobID,
		Status:  status,
		Message: message,
	})
}

func (o *Orchestrator) buildCommand(j job.Job, udid string) *exec.Cmd {
	args := []string{
		"run",
		"--udid", udid,
		"--bundle-id", j.BundleID,
		"--project", j.Project,
	}
	if j.Collection != "" {
		args = append(args, "--collection", j.Collection)
	}
	if j.AutoBuild {
		args = append(args, "--auto-build")
	}
	if j.UseProtoV2 {
		args = append(args, "--proto-v2")
	}
	cmd := exec.Command(o.cfg.CaptureTool, args...)
	if j.APIKey != "" {
		cmd.Env = append(cmd.Environ(), "CAPTURE_API_KEY="+j.APIKey)
	}
	return cmd
}
