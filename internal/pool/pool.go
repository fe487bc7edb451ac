package pool

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/seralvarez/capturefleet/internal/device"
)

const maxAcquireAttempts = 3

// Pool manages a bounded set of emulated devices on one runner machine. All
// acquire/release decisions are serialized through the pool's mutex; callers
// never touch the device map directly.
type Pool struct {
	cfg    Config
	client device.Client

	mu           sync.Mutex
	devices      map[string]*PoolDevice
	waiters      []*waiter
	counter      int
	creating     int // reserved capacity for in-flight creations
	shuttingDown bool
}

func New(cfg Config, client device.Client) *Pool {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "capturefleet-"
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 2 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		client:  client,
		devices: make(map[string]*PoolDevice),
	}
}

// Initialize tears down stale pool-owned devices left by a crashed prior run,
// then pre-creates the configured number of idle devices.
func (p *Pool) Initialize(ctx context.Context) error {
	sims, err := p.client.List(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	for _, sim := range sims {
		if !strings.HasPrefix(sim.Name, p.cfg.NamePrefix) {
			continue
		}
		log.Printf("Pool: removing stale device %s (%s)", sim.Name, sim.UDID)
		if err := p.client.Delete(ctx, sim.UDID); err != nil {
			log.Printf("Pool: failed to delete stale device %s: %v", sim.UDID, err)
		}
	}

	for i := 0; i < p.cfg.PreCreate; i++ {
		d, err := p.createDevice(ctx)
		if err != nil {
			return fmt.Errorf("pre-creating device: %w", err)
		}
		p.mu.Lock()
		d.State = DeviceIdle
		p.devices[d.UDID] = d
		p.mu.Unlock()
		log.Printf("Pool: warm device %s ready (%s)", d.Name, d.UDID)
	}
	return nil
}

// Acquire leases a device for jobID. Order: idle device (after a health
// probe), on-demand creation below the ceiling, then a parked wait bounded by
// the configured timeout.
func (p *Pool) Acquire(ctx context.Context, jobID string) (string, error) {
	var probeFailures int

	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return "", ErrPoolShuttingDown
		}

		if d := p.findIdleLocked(); d != nil {
			// Bind before unlocking so no other acquirer can observe
			// the same idle device.
			d.State = DeviceInUse
			d.InUseBy = jobID
			p.mu.Unlock()

			if err := p.probe(ctx, d.UDID); err != nil {
				log.Printf("Pool: health probe failed for %s: %v", d.UDID, err)
				p.destroyDevice(ctx, d.UDID)
				probeFailures++
				if probeFailures >= maxAcquireAttempts {
					return "", &device.ProvisioningError{
						Op:     "acquire",
						Detail: fmt.Sprintf("%d consecutive health probe failures", probeFailures),
					}
				}
				continue
			}

			p.mu.Lock()
			d.LastUsedAt = time.Now()
			p.mu.Unlock()
			return d.UDID, nil
		}

		if len(p.devices)+p.creating < p.cfg.MaxDevices {
			p.creating++
			p.mu.Unlock()

			d, err := p.createDevice(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				return "", err
			}
			d.State = DeviceInUse
			d.InUseBy = jobID
			d.LastUsedAt = time.Now()
			p.devices[d.UDID] = d
			p.mu.Unlock()
			return d.UDID, nil
		}

		// Saturated: park until a release hands a device over.
		w := &waiter{
			jobID:      jobID,
			ch:         make(chan acquireResult, 1),
			enqueuedAt: time.Now(),
		}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		return p.wait(ctx, w)
	}
}

func (p *Pool) wait(ctx context.Context, w *waiter) (string, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.udid, res.err
	case <-timer.C:
		if p.removeWaiter(w) {
			return "", ErrPoolTimeout
		}
		// A hand-off raced the timeout; the buffered send has already
		// happened or is imminent.
		res := <-w.ch
		return res.udid, res.err
	case <-ctx.Done():
		if p.removeWaiter(w) {
			return "", ctx.Err()
		}
		res := <-w.ch
		return res.udid, res.err
	}
}

// removeWaiter reports whether w was still parked. False means a hand-off
// already claimed it.
func (p *Pool) removeWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a leased device to the pool. The device is cleaned (a
// targeted uninstall when bundleID is given, a full erase when the pool's
// strategy calls for it) before going back to idle or straight to a waiter.
func (p *Pool) Release(ctx context.Context, udid, bundleID string) error {
	p.mu.Lock()
	d, ok := p.devices[udid]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: unknown device %q", udid)
	}
	if d.State != DeviceInUse {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotInUse, udid, d.State)
	}
	d.State = DeviceCleaning
	d.InUseBy = ""
	p.mu.Unlock()

	if err := p.clean(ctx, udid, bundleID); err != nil {
		log.Printf("Pool: cleaning %s failed: %v", udid, err)

		// Reserve the capacity freed by the destroy before releasing it,
		// so a concurrent Acquire cannot create past the ceiling while
		// the replacement is still booting.
		p.mu.Lock()
		p.creating++
		p.mu.Unlock()
		p.destroyDevice(ctx, udid)

		// Replace the destroyed device so the idle count doesn't starve.
		replacement, cerr := p.createDevice(ctx)

		p.mu.Lock()
		p.creating--
		if cerr != nil {
			p.mu.Unlock()
			log.Printf("Pool: failed to create replacement device: %v", cerr)
			return nil
		}
		p.devices[replacement.UDID] = replacement
		p.handOffOrIdleLocked(replacement)
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	p.handOffOrIdleLocked(d)
	p.mu.Unlock()
	return nil
}

// handOffOrIdleLocked gives d to the oldest waiter if one is parked,
// otherwise marks it idle. Callers hold p.mu.
func (p *Pool) handOffOrIdleLocked(d *PoolDevice) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		d.State = DeviceInUse
		d.InUseBy = w.jobID
		d.LastUsedAt = time.Now()
		w.ch <- acquireResult{udid: d.UDID}
		return
	}
	d.State = DeviceIdle
}

// Shutdown waits (bounded) for in-use devices to be released, rejects any
// pending waiters, and destroys every tracked device.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	for _, w := range p.waiters {
		w.ch <- acquireResult{err: ErrPoolShuttingDown}
	}
	p.waiters = nil
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		if p.inUseCount() == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	p.mu.Lock()
	udids := make([]string, 0, len(p.devices))
	for udid := range p.devices {
		udids = append(udids, udid)
	}
	p.devices = make(map[string]*PoolDevice)
	p.mu.Unlock()

	for _, udid := range udids {
		if err := p.client.Delete(ctx, udid); err != nil {
			log.Printf("Pool: failed to delete %s during shutdown: %v", udid, err)
		}
	}
	return nil
}

// Status reports device counts by state.
func (p *Pool) Status() (idle, inUse, cleaning int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		switch d.State {
		case DeviceIdle:
			idle++
		case DeviceInUse:
			inUse++
		case DeviceCleaning:
			cleaning++
		}
	}
	return
}

// Count reports the number of tracked devices.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// Get returns a copy of the tracked device record.
func (p *Pool) Get(udid string) (PoolDevice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[udid]
	if !ok {
		return PoolDevice{}, false
	}
	return *d, true
}

func (p *Pool) findIdleLocked() *PoolDevice {
	for _, d := range p.devices {
		if d.State == DeviceIdle {
			return d
		}
	}
	return nil
}

func (p *Pool) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.devices {
		if d.State == DeviceInUse {
			n++
		}
	}
	return n
}

// createDevice provisions and boots a fresh device. The returned record is
// not yet tracked; callers insert it under the lock.
func (p *Pool) createDevice(ctx context.Context) (*PoolDevice, error) {
	p.mu.Lock()
	p.counter++
	name := fmt.Sprintf("%s%d", p.cfg.NamePrefix, p.counter)
	p.mu.Unlock()

	udid, err := p.client.Create(ctx, device.CreateOptions{
		Name:       name,
		DeviceType: p.cfg.DeviceType,
		Runtime:    p.cfg.Runtime,
	})
	if err != nil {
		return nil, err
	}

	if err := p.client.Boot(ctx, udid); err != nil {
		p.client.Delete(ctx, udid)
		return nil, fmt.Errorf("booting %s: %w", name, err)
	}
	if err := p.client.WaitBooted(ctx, udid, 2*time.Minute); err != nil {
		p.client.Delete(ctx, udid)
		return nil, fmt.Errorf("waiting for %s to boot: %w", name, err)
	}

	return &PoolDevice{
		UDID:       udid,
		Name:       name,
		DeviceType: p.cfg.DeviceType,
		CreatedAt:  time.Now(),
	}, nil
}

// probe runs a cheap time-boxed command against the device.
func (p *Pool) probe(ctx context.Context, udid string) error {
	_, err := p.client.Spawn(ctx, device.SpawnOptions{
		UDID:    udid,
		Command: "launchctl",
		Args:    []string{"print", "system"},
		Timeout: p.cfg.ProbeTimeout,
	})
	return err
}

// destroyDevice marks the device corrupted, removes it from tracking, and
// deletes the backing resource.
func (p *Pool) destroyDevice(ctx context.Context, udid string) {
	p.mu.Lock()
	if d, ok := p.devices[udid]; ok {
		d.State = DeviceCorrupted
		delete(p.devices, udid)
	}
	p.mu.Unlock()

	if err := p.client.Delete(ctx, udid); err != nil {
		log.Printf("Pool: failed to delete corrupted device %s: %v", udid, err)
	}
}

func (p *Pool) clean(ctx context.Context, udid, bundleID string) error {
	if bundleID != "" {
		if err := p.client.Uninstall(ctx, udid, bundleID); err != nil {
			return fmt.Errorf("uninstalling %s: %w", bundleID, err)
		}
	}
	if p.cfg.EraseOnClean {
		if err := p.client.Erase(ctx, udid); err != nil {
			return fmt.Errorf("erasing device: %w", err)
		}
		if err := p.client.Boot(ctx, udid); err != nil {
			return fmt.Errorf("rebooting device: %w", err)
		}
		if err := p.client.WaitBooted(ctx, udid, 2*time.Minute); err != nil {
			return fmt.Errorf("waiting for reboot: %w", err)
		}
	}
	return nil
}
