package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/queue"
	"github.com/seralvarez/capturefleet/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the stateless relay between clients, the job queue, and connected
// runners. It tracks live connections and performs assignment; lifecycle
// events are fanned out to subscribers verbatim, never interpreted.
type Hub struct {
	store    *queue.Store
	registry *RunnerRegistry

	mu          sync.RWMutex
	runners     map[string]*Conn // runnerID -> connection
	order       []string         // round-robin order
	next        int
	clients     map[*Conn]bool
	assignments map[string]string          // jobID -> runnerID
	results     map[string]chan job.Result // jobID -> completion hand-off
}

func New(store *queue.Store, registry *RunnerRegistry) *Hub {
	return &Hub{
		store:       store,
		registry:    registry,
		runners:     make(map[string]*Conn),
		clients:     make(map[*Conn]bool),
		assignments: make(map[string]string),
		results:     make(map[string]chan job.Result),
	}
}

// ServeWS upgrades the connection. Runners declare identity via
// connection-time metadata (type=runner, runnerId); clients declare no type.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	connType := r.URL.Query().Get("type")
	runnerID := r.URL.Query().Get("runnerId")

	if connType == "runner" && runnerID == "" {
		http.Error(w, "runnerId is required for runner connections", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Hub: upgrade failed: %v", err)
		return
	}

	if connType != "runner" {
		runnerID = ""
	}
	c := newConn(h, ws, runnerID)
	h.addConn(c, r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) addConn(c *Conn, remoteAddr string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.runnerID != "" {
		// A reconnect replaces the previous connection for that runner.
		if old, ok := h.runners[c.runnerID]; ok {
			close(old.send)
		} else {
			h.order = append(h.order, c.runnerID)
		}
		h.runners[c.runnerID] = c
		if h.registry != nil {
			h.registry.MarkConnected(c.runnerID, remoteAddr)
		}
		log.Printf("Hub: runner %s connected (total: %d)", c.runnerID, len(h.runners))
		return
	}

	h.clients[c] = true
	log.Printf("Hub: client connected (total: %d)", len(h.clients))
}

func (h *Hub) removeConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.runnerID != "" {
		if h.runners[c.runnerID] == c {
			delete(h.runners, c.runnerID)
			for i, id := range h.order {
				if id == c.runnerID {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
			close(c.send)
			if h.registry != nil {
				h.registry.MarkDisconnected(c.runnerID)
			}
			// Fail every job assigned to the departing runner so its
			// dispatcher unblocks and the queue can retry.
			for jobID, runnerID := range h.assignments {
				if runnerID != c.runnerID {
					continue
				}
				if ch, ok := h.results[jobID]; ok {
					select {
					case ch <- job.Result{
						JobID:  jobID,
						Status: job.StateFailed,
						Errors: []string{"runner " + c.runnerID + " disconnected"},
					}:
					default:
					}
				}
			}
			log.Printf("Hub: runner %s disconnected (total: %d)", c.runnerID, len(h.runners))
		}
		return
	}

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		log.Printf("Hub: client disconnected (total: %d)", len(h.clients))
	}
}

// RunnerCount reports connected runners.
func (h *Hub) RunnerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runners)
}

// ClientCount reports connected watch clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleMessage(c *Conn, env wire.Envelope, raw []byte) {
	if c.runnerID != "" {
		h.handleRunnerMessage(c, env, raw)
		return
	}

	switch env.Type {
	case wire.TypeTriggerJob:
		h.handleTrigger(c, env.Payload)
	case wire.TypePromptResponse:
		h.routePromptResponse(env.Payload, raw)
	default:
		log.Printf("Hub: unknown client message type %q", env.Type)
	}
}

// handleTrigger accepts a job submission. With no runner connected the
// client gets an explicit error and no job id is ever created.
func (h *Hub) handleTrigger(c *Conn, payload json.RawMessage) {
	var req wire.TriggerJobPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(c, "invalid trigger_job payload: "+err.Error())
		return
	}

	if h.RunnerCount() == 0 {
		h.sendError(c, "no runners available")
		return
	}

	j := &job.Job{
		Collection: req.Collection,
		Project:    req.Project,
		BundleID:   req.BundleID,
		DeviceType: req.DeviceType,
		Platform:   req.Platform,
		AutoBuild:  req.AutoBuild,
		UseProtoV2: req.UseProtoV2,
		APIKey:     req.APIKey,
	}

	id, err := h.store.Enqueue(j)
	if err != nil {
		h.sendError(c, "enqueue failed: "+err.Error())
		return
	}
	log.Printf("Hub: job %s queued (project: %s)", id, j.Project)

	msg, err := wire.MakeEnvelope(wire.TypeJobUpdate, wire.JobUpdatePayload{
		JobID:  id,
		Status: job.StateQueued,
	})
	if err == nil {
		c.Send(msg)
	}
}

// ExecuteJob is the queue consumer handler: it assigns the delivery to a
// connected runner and blocks until that attempt's terminal event arrives.
func (h *Hub) ExecuteJob(ctx context.Context, d *queue.Delivery) error {
	jobID := d.Job.ID

	h.mu.Lock()
	runner := h.pickRunnerLocked()
	if runner == nil {
		h.mu.Unlock()
		return fmt.Errorf("no runners available for job %s", jobID)
	}
	resultCh := make(chan job.Result, 1)
	h.assignments[jobID] = runner.runnerID
	h.results[jobID] = resultCh
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.assignments, jobID)
		delete(h.results, jobID)
		h.mu.Unlock()
	}()

	msg, err := wire.MakeEnvelope(wire.TypeRunJob, wire.RunJobPayload{Job: *d.Job})
	if err != nil {
		return err
	}
	runner.Send(msg)
	log.Printf("Hub: job %s assigned to runner %s (attempt %d)", jobID, runner.runnerID, d.Attempt)

	select {
	case res := <-resultCh:
		if res.Status != job.StateCompleted {
			return fmt.Errorf("job %s failed: %v", jobID, res.Errors)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pickRunnerLocked selects the next connected runner round-robin. Callers
// hold h.mu.
func (h *Hub) pickRunnerLocked() *Conn {
	if len(h.order) == 0 {
		return nil
	}
	h.next = h.next % len(h.order)
	c := h.runners[h.order[h.next]]
	h.next++
	return c
}

// handleRunnerMessage relays lifecycle events verbatim to all subscribers.
// The hub performs no interpretation beyond state-table bookkeeping and
// completion hand-off.
func (h *Hub) handleRunnerMessage(c *Conn, env wire.Envelope, raw []byte) {
	switch env.Type {
	case wire.TypeJobUpdate:
		var upd wire.JobUpdatePayload
		if err := json.Unmarshal(env.Payload, &upd); err == nil && upd.Status == job.StateRunning {
			if err := h.store.SetState(upd.JobID, job.StateRunning); err != nil {
				log.Printf("Hub: state update for %s: %v", upd.JobID, err)
			}
		}
		h.broadcast(raw)

	case wire.TypeJobComplete:
		var res wire.JobCompletePayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			log.Printf("Hub: invalid job_complete: %v", err)
			return
		}
		h.mu.RLock()
		ch := h.results[res.JobID]
		h.mu.RUnlock()
		if ch != nil {
			ch <- res.Result
		}
		h.broadcast(raw)

	case wire.TypeJobArtifact, wire.TypeLog, wire.TypePromptRequired:
		h.broadcast(raw)

	default:
		log.Printf("Hub: unknown runner message type %q", env.Type)
	}
}

// routePromptResponse forwards a client's prompt answer to the runner
// executing that job.
func (h *Hub) routePromptResponse(payload json.RawMessage, raw []byte) {
	var resp wire.PromptResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Printf("Hub: invalid prompt response: %v", err)
		return
	}

	h.mu.RLock()
	runnerID, ok := h.assignments[resp.JobID]
	runner := h.runners[runnerID]
	h.mu.RUnlock()

	if !ok || runner == nil {
		log.Printf("Hub: prompt response for unassigned job %s dropped", resp.JobID)
		return
	}
	runner.Send(raw)
}

// broadcast fans a message out to every client subscriber.
func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Send(msg)
	}
}

func (h *Hub) sendError(c *Conn, message string) {
	msg, err := wire.MakeEnvelope(wire.TypeError, wire.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.Send(msg)
}
