package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunnerRecord is one known runner and its connection history.
type RunnerRecord struct {
	RunnerID    string    `json:"runnerID"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// RunnerRegistry persists the set of runners that have ever connected. A
// runner with no open connection is unavailable for dispatch regardless of
// what the registry holds; live assignment always consults the hub's
// connection map.
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]*RunnerRecord
	path    string
}

func NewRunnerRegistry(baseDir string) (*RunnerRegistry, error) {
	r := &RunnerRegistry{
		runners: make(map[string]*RunnerRecord),
		path:    filepath.Join(baseDir, "runners.json"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	// Connections do not survive a hub restart.
	for _, rec := range r.runners {
		rec.Connected = false
	}
	return r, nil
}

func (r *RunnerRegistry) MarkConnected(runnerID, remoteAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec, ok := r.runners[runnerID]
	if !ok {
		rec = &RunnerRecord{RunnerID: runnerID}
		r.runners[runnerID] = rec
	}
	rec.RemoteAddr = remoteAddr
	rec.Connected = true
	rec.ConnectedAt = now
	rec.LastSeen = now
	r.persist()
}

func (r *RunnerRegistry) MarkDisconnected(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.runners[runnerID]; ok {
		rec.Connected = false
		rec.LastSeen = time.Now()
		r.persist()
	}
}

func (r *RunnerRegistry) List() []*RunnerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*RunnerRecord, 0, len(r.runners))
	for _, rec := range r.runners {
		copied := *rec
		result = append(result, &copied)
	}
	return result
}

func (r *RunnerRegistry) Get(runnerID string) (*RunnerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runners[runnerID]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

func (r *RunnerRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var runners map[string]*RunnerRecord
	if err := json.Unmarshal(data, &runners); err != nil {
		return err
	}
	r.runners = runners
	return nil
}

func (r *RunnerRegistry) persist() {
	data, err := json.MarshalIndent(r.runners, "", "  ")
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(r.path), 0755)
	os.WriteFile(r.path, data, 0644)
}
