package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seralvarez/capturefleet/internal/device"
)

func setupTestPool(t *testing.T, cfg Config) (*Pool, *device.MockClient) {
	t.Helper()
	if cfg.DeviceType == "" {
		cfg.DeviceType = "iPhone 15 Pro"
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	mock := device.NewMockClient()
	p := New(cfg, mock)
	return p, mock
}

func TestInitializePreCreates(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 2, MaxDevices: 5})
	ctx := context.Background()

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	idle, inUse, _ := p.Status()
	if idle != 2 || inUse != 0 {
		t.Errorf("expected 2 idle / 0 in-use, got %d/%d", idle, inUse)
	}
	if mock.Created != 2 {
		t.Errorf("expected 2 devices created, got %d", mock.Created)
	}
}

func TestInitializeSweepsStaleDevices(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 0, MaxDevices: 5})
	ctx := context.Background()

	// A leftover from a crashed prior run, plus an unrelated simulator.
	stale, _ := mock.Create(ctx, device.CreateOptions{Name: "capturefleet-99", DeviceType: "iPhone 15"})
	other, _ := mock.Create(ctx, device.CreateOptions{Name: "My iPhone", DeviceType: "iPhone 15"})

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, ok := mock.Simulators[stale]; ok {
		t.Error("expected stale pool-owned device to be deleted")
	}
	if _, ok := mock.Simulators[other]; !ok {
		t.Error("expected unrelated device to be kept")
	}
}

func TestAcquireBindsSingleJob(t *testing.T) {
	p, _ := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 5})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	d, ok := p.Get(udid)
	if !ok {
		t.Fatal("expected device to be tracked")
	}
	if d.State != DeviceInUse || d.InUseBy != "job-1" {
		t.Errorf("expected in-use by job-1, got %s by %q", d.State, d.InUseBy)
	}
}

func TestAcquireCreatesOnDemand(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 0, MaxDevices: 2})
	ctx := context.Background()

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if udid == "" {
		t.Fatal("expected a device udid")
	}
	if mock.Created != 1 {
		t.Errorf("expected 1 device created, got %d", mock.Created)
	}
}

func TestPoolNeverExceedsMax(t *testing.T) {
	p, _ := setupTestPool(t, Config{PreCreate: 0, MaxDevices: 3, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.Acquire(ctx, fmt.Sprintf("job-%d", n))
		}(i)
	}
	wg.Wait()

	if got := p.Count(); got > 3 {
		t.Errorf("pool exceeded max size: %d devices", got)
	}
}

func TestSecondAcquireParksUntilRelease(t *testing.T) {
	// Scenario: maxSize=1, preCreate=1, two concurrent acquisitions.
	p, _ := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	first, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	type result struct {
		udid string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		udid, err := p.Acquire(ctx, "job-2")
		done <- result{udid, err}
	}()

	// The second caller must be parked, not resolved.
	select {
	case r := <-done:
		t.Fatalf("second Acquire resolved before release: %v %v", r.udid, r.err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := p.Release(ctx, first, ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("second Acquire failed: %v", r.err)
		}
		if r.udid != first {
			t.Errorf("expected hand-off of %s, got %s", first, r.udid)
		}
		d, _ := p.Get(r.udid)
		if d.InUseBy != "job-2" {
			t.Errorf("expected device bound to job-2, got %q", d.InUseBy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire did not resolve after release")
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	p, _ := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := p.Acquire(ctx, "job-1"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	_, err := p.Acquire(ctx, "job-2")
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("expected ErrPoolTimeout, got %v", err)
	}
}

func TestFailedProbeDestroysAndReplaces(t *testing.T) {
	// Scenario: the idle device always fails its health probe; acquisition
	// must destroy it and succeed with a fresh one.
	p, mock := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 2})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var probed []string
	mock.SpawnFn = func(ctx context.Context, opts device.SpawnOptions) (string, error) {
		probed = append(probed, opts.UDID)
		return "", errors.New("device unresponsive")
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(probed) != 1 {
		t.Errorf("expected 1 probe, got %d", len(probed))
	}
	if udid == probed[0] {
		t.Error("expected the corrupted device to be replaced, not handed out")
	}
	if mock.Deleted != 1 {
		t.Errorf("expected 1 device deleted, got %d", mock.Deleted)
	}
	if got := p.Count(); got > 2 {
		t.Errorf("pool exceeded max size after recovery: %d", got)
	}
}

func TestPersistentProbeFailureSurfaces(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 3, MaxDevices: 3})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	mock.SpawnFn = func(ctx context.Context, opts device.SpawnOptions) (string, error) {
		return "", errors.New("device unresponsive")
	}

	_, err := p.Acquire(ctx, "job-1")
	var perr *device.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError past the probe cap, got %v", err)
	}
}

func TestProvisioningFailureIsFatal(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 0, MaxDevices: 2})
	ctx := context.Background()

	mock.CreateErr = &device.ProvisioningError{Op: "create", Detail: "no runtime available"}

	_, err := p.Acquire(ctx, "job-1")
	var perr *device.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
}

func TestReleaseCleansAndIdles(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := p.Release(ctx, udid, "com.example.app"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if len(mock.Uninstalled) != 1 || mock.Uninstalled[0] != udid+":com.example.app" {
		t.Errorf("expected uninstall of com.example.app on %s, got %v", udid, mock.Uninstalled)
	}

	d, _ := p.Get(udid)
	if d.State != DeviceIdle || d.InUseBy != "" {
		t.Errorf("expected idle/unbound, got %s by %q", d.State, d.InUseBy)
	}
}

func TestDoubleReleaseIsError(t *testing.T) {
	p, _ := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := p.Release(ctx, udid, ""); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}

	err = p.Release(ctx, udid, "")
	if !errors.Is(err, ErrNotInUse) {
		t.Fatalf("expected ErrNotInUse on double release, got %v", err)
	}

	idle, _, _ := p.Status()
	if idle != 1 {
		t.Errorf("expected exactly 1 idle device after double release, got %d", idle)
	}
}

func TestFailedCleanReplacesDevice(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 2, EraseOnClean: true})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mock.EraseErr = errors.New("erase failed")
	if err := p.Release(ctx, udid, ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, ok := p.Get(udid); ok {
		t.Error("expected corrupted device to be removed from tracking")
	}
	idle, _, _ := p.Status()
	if idle != 1 {
		t.Errorf("expected a replacement idle device, got %d idle", idle)
	}
}

func TestReplacementCreationRespectsCeiling(t *testing.T) {
	// Scenario: maxSize=1, the only device fails its post-release clean
	// while another caller is acquiring. The replacement boot must hold a
	// capacity reservation so the concurrent Acquire parks instead of
	// creating a second device past the ceiling.
	p, mock := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1, EraseOnClean: true, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	mock.EraseErr = errors.New("erase failed")
	mock.CreateDelay = 200 * time.Millisecond

	releaseDone := make(chan error, 1)
	go func() {
		releaseDone <- p.Release(ctx, udid, "")
	}()

	// Land the second Acquire inside the window where the corrupted
	// device is destroyed but its replacement is still booting.
	time.Sleep(50 * time.Millisecond)
	got, err := p.Acquire(ctx, "job-2")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if err := <-releaseDone; err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if count := p.Count(); count > 1 {
		t.Errorf("pool exceeded max size during replacement: %d devices", count)
	}
	if mock.CreatedCount() != 2 {
		t.Errorf("expected exactly the initial device plus one replacement, got %d created", mock.CreatedCount())
	}
	d, ok := p.Get(got)
	if !ok || d.InUseBy != "job-2" {
		t.Errorf("expected replacement bound to job-2, got %+v", d)
	}
}

func TestShutdownRejectsWaiters(t *testing.T) {
	p, mock := setupTestPool(t, Config{PreCreate: 1, MaxDevices: 1, AcquireTimeout: 5 * time.Second, ShutdownTimeout: 300 * time.Millisecond})
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	udid, err := p.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "job-2")
		waitErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Release(ctx, udid, "")
	}()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolShuttingDown) {
			t.Fatalf("expected ErrPoolShuttingDown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected on shutdown")
	}

	if len(mock.Simulators) != 0 {
		t.Errorf("expected all devices destroyed, %d remain", len(mock.Simulators))
	}

	if _, err := p.Acquire(ctx, "job-3"); !errors.Is(err, ErrPoolShuttingDown) {
		t.Errorf("expected ErrPoolShuttingDown after shutdown, got %v", err)
	}
}
