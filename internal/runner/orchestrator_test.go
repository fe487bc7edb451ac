package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seralvarez/capturefleet/internal/artifact"
	"github.com/seralvarez/capturefleet/internal/device"
	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/pool"
	"github.com/seralvarez/capturefleet/internal/procbridge"
	"github.com/seralvarez/capturefleet/internal/wire"
)

type recorded struct {
	Type    string
	Payload interface{}
}

type recordEmitter struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recordEmitter) Emit(msgType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Type: msgType, Payload: payload})
}

func (r *recordEmitter) byType(msgType string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordEmitter) waitFor(msgType string, timeout time.Duration) (recorded, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evs := r.byType(msgType); len(evs) > 0 {
			return evs[0], true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return recorded{}, false
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appcapture")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func setupOrchestrator(t *testing.T, tool string, uploader artifact.Uploader) (*Orchestrator, *recordEmitter, *pool.Pool, *device.MockClient) {
	t.Helper()
	mock := device.NewMockClient()
	p := pool.New(pool.Config{
		PreCreate:      1,
		MaxDevices:     1,
		AcquireTimeout: 2 * time.Second,
	}, mock)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initializing pool: %v", err)
	}

	if uploader == nil {
		uploader = &artifact.MockUploader{}
	}
	rec := &recordEmitter{}
	orch := New(Config{RunnerID: "runner-1", CaptureTool: tool}, p, procbridge.New(procbridge.DefaultMatcher()), uploader, rec)
	return orch, rec, p, mock
}

func TestExecuteEmitsRunningBeforeComplete(t *testing.T) {
	tool := writeScript(t, `echo "starting capture"
echo "capture saved: /tmp/home.png"`)
	up := &artifact.MockUploader{}
	orch, rec, p, _ := setupOrchestrator(t, tool, up)

	res := orch.Execute(context.Background(), job.Job{ID: "job-1", Project: "proj", BundleID: "com.example.app"})

	if res.Status != job.StateCompleted {
		t.Fatalf("expected completed, got %s (errors: %v)", res.Status, res.Errors)
	}
	if res.Captures != 1 || len(res.Artifacts) != 1 {
		t.Errorf("expected one uploaded capture, got %+v", res)
	}

	rec.mu.Lock()
	events := append([]recorded(nil), rec.events...)
	rec.mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected at least running + complete, got %d events", len(events))
	}
	if events[0].Type != wire.TypeJobUpdate {
		t.Errorf("first event should be a running update, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != wire.TypeJobComplete {
		t.Errorf("last event should be job_complete, got %s", events[len(events)-1].Type)
	}
	if got := rec.byType(wire.TypeJobArtifact); len(got) != 1 {
		t.Errorf("expected one artifact event, got %d", len(got))
	}

	if idle, inUse, _ := p.Status(); idle != 1 || inUse != 0 {
		t.Errorf("device not returned to pool: idle=%d inUse=%d", idle, inUse)
	}
}

func TestProcessFailureReleasesDeviceAndFails(t *testing.T) {
	tool := writeScript(t, `echo "started"
exit 3`)
	orch, rec, p, mock := setupOrchestrator(t, tool, nil)

	res := orch.Execute(context.Background(), job.Job{ID: "job-1", BundleID: "com.example.app"})

	if res.Status != job.StateFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if len(res.Errors) == 0 {
		t.Error("expected the process failure in the errors list")
	}
	if got := rec.byType(wire.TypeJobComplete); len(got) != 1 {
		t.Fatalf("expected exactly one job_complete, got %d", len(got))
	}

	// The device must come back even though the process died.
	if idle, inUse, _ := p.Status(); idle != 1 || inUse != 0 {
		t.Errorf("device leaked: idle=%d inUse=%d", idle, inUse)
	}
	if len(mock.Uninstalled) != 1 || !strings.HasSuffix(mock.Uninstalled[0], ":com.example.app") {
		t.Errorf("expected cleanup uninstall, got %v", mock.Uninstalled)
	}
}

func TestUploadFailureIsNonFatal(t *testing.T) {
	tool := writeScript(t, `echo "capture saved: /tmp/home.png"`)
	up := &artifact.MockUploader{Err: errors.New("bucket unreachable")}
	orch, rec, _, _ := setupOrchestrator(t, tool, up)

	res := orch.Execute(context.Background(), job.Job{ID: "job-1"})

	if res.Status != job.StateCompleted {
		t.Fatalf("upload failure must not fail the job, got %s", res.Status)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "bucket unreachable") {
		t.Errorf("expected the upload error recorded, got %v", res.Errors)
	}
	if len(res.Artifacts) != 0 {
		t.Errorf("expected no artifact references, got %v", res.Artifacts)
	}
	if got := rec.byType(wire.TypeJobArtifact); len(got) != 0 {
		t.Errorf("expected no artifact events, got %d", len(got))
	}
}

func TestAcquireFailureEmitsSingleComplete(t *testing.T) {
	tool := writeScript(t, `echo "never runs"`)
	orch, rec, _, mock := setupOrchestrator(t, tool, nil)

	// Drain the only device so acquisition times out.
	mock.CreateErr = errors.New("no runtime available")
	held, err := orch.pool.Acquire(context.Background(), "other-job")
	if err != nil {
		t.Fatalf("draining acquire failed: %v", err)
	}
	defer orch.pool.Release(context.Background(), held, "")

	res := orch.Execute(context.Background(), job.Job{ID: "job-1"})

	if res.Status != job.StateFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "acquiring device") {
		t.Errorf("expected an acquire error, got %v", res.Errors)
	}
	if got := rec.byType(wire.TypeJobComplete); len(got) != 1 {
		t.Errorf("expected exactly one job_complete, got %d", len(got))
	}
}

func TestPromptAnsweredByID(t *testing.T) {
	tool := writeScript(t, `printf "Overwrite session? [y/N]: "
read answer
echo "answered:$answer"`)
	orch, rec, _, _ := setupOrchestrator(t, tool, nil)

	done := make(chan job.Result, 1)
	go func() { done <- orch.Execute(context.Background(), job.Job{ID: "job-1"}) }()

	ev, ok := rec.waitFor(wire.TypePromptRequired, 5*time.Second)
	if !ok {
		t.Fatal("prompt was never detected")
	}
	p := ev.Payload.(wire.PromptRequiredPayload)
	if p.JobID != "job-1" || p.PromptID == "" {
		t.Fatalf("malformed prompt event: %+v", p)
	}

	// An unknown prompt id must be ignored without touching the process.
	orch.HandlePromptResponse("job-1", "bogus-prompt", "n")

	orch.HandlePromptResponse("job-1", p.PromptID, "y")

	var res job.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after prompt answer")
	}
	if res.Status != job.StateCompleted {
		t.Fatalf("expected completed, got %s (errors: %v)", res.Status, res.Errors)
	}

	var echoed bool
	for _, ev := range rec.byType(wire.TypeLog) {
		if strings.Contains(ev.Payload.(wire.LogPayload).Message, "answered:y") {
			echoed = true
		}
	}
	if !echoed {
		t.Error("input did not reach the process verbatim")
	}
}

func TestPromptResponseAfterAnswerIsNoOp(t *testing.T) {
	tool := writeScript(t, `echo "plain output"`)
	orch, _, _, _ := setupOrchestrator(t, tool, nil)

	res := orch.Execute(context.Background(), job.Job{ID: "job-1"})
	if res.Status != job.StateCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}

	// The process is gone; responding must not panic or error.
	orch.HandlePromptResponse("job-1", "stale-prompt", "y")
}
