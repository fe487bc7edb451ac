package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient implements the Client interface for testing. Safe for
// concurrent use; tests script failures and delays through the exported
// fields before handing the mock to the code under test.
type MockClient struct {
	mu          sync.Mutex
	Simulators  map[string]*Simulator
	SpawnFn     func(ctx context.Context, opts SpawnOptions) (string, error)
	CreateErr   error
	CreateDelay time.Duration
	BootErr     error
	EraseErr    error
	DeleteErr   error

	Created     int
	Deleted     int
	Erased      []string
	Uninstalled []string // "udid:bundleID" pairs, in order
}

func NewMockClient() *MockClient {
	return &MockClient{
		Simulators: make(map[string]*Simulator),
	}
}

func (m *MockClient) Create(ctx context.Context, opts CreateOptions) (string, error) {
	m.mu.Lock()
	createErr, delay := m.CreateErr, m.CreateDelay
	m.mu.Unlock()
	if createErr != nil {
		return "", createErr
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	udid := uuid.New().String()
	m.Simulators[udid] = &Simulator{
		UDID:       udid,
		Name:       opts.Name,
		DeviceType: opts.DeviceType,
		Runtime:    opts.Runtime,
		State:      StateShutdown,
	}
	m.Created++
	return udid, nil
}

func (m *MockClient) Boot(ctx context.Context, udid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BootErr != nil {
		return m.BootErr
	}
	sim, ok := m.Simulators[udid]
	if !ok {
		return fmt.Errorf("device %q not found", udid)
	}
	sim.State = StateBooted
	return nil
}

func (m *MockClient) WaitBooted(ctx context.Context, udid string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sim, ok := m.Simulators[udid]
	if !ok {
		return fmt.Errorf("device %q not found", udid)
	}
	if sim.State != StateBooted {
		return fmt.Errorf("device %q did not boot", udid)
	}
	return nil
}

func (m *MockClient) Shutdown(ctx context.Context, udid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sim, ok := m.Simulators[udid]
	if !ok {
		return fmt.Errorf("device %q not found", udid)
	}
	sim.State = StateShutdown
	return nil
}

func (m *MockClient) Erase(ctx context.Context, udid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EraseErr != nil {
		return m.EraseErr
	}
	if _, ok := m.Simulators[udid]; !ok {
		return fmt.Errorf("device %q not found", udid)
	}
	m.Erased = append(m.Erased, udid)
	return nil
}

func (m *MockClient) Uninstall(ctx context.Context, udid, bundleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Simulators[udid]; !ok {
		return fmt.Errorf("device %q not found", udid)
	}
	m.Uninstalled = append(m.Uninstalled, udid+":"+bundleID)
	return nil
}

func (m *MockClient) Delete(ctx context.Context, udid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Simulators, udid)
	m.Deleted++
	return nil
}

func (m *MockClient) List(ctx context.Context) ([]Simulator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Simulator, 0, len(m.Simulators))
	for _, sim := range m.Simulators {
		result = append(result, *sim)
	}
	return result, nil
}

func (m *MockClient) Spawn(ctx context.Context, opts SpawnOptions) (string, error) {
	m.mu.Lock()
	fn := m.SpawnFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, opts)
	}
	return "", nil
}

// CreatedCount reads the creation counter without racing concurrent callers.
func (m *MockClient) CreatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Created
}
