package pool

import (
	"errors"
	"time"
)

type DeviceState string

const (
	DeviceIdle      DeviceState = "idle"
	DeviceInUse     DeviceState = "in-use"
	DeviceCleaning  DeviceState = "cleaning"
	DeviceCorrupted DeviceState = "corrupted"
)

// PoolDevice is one leased emulated device tracked by a Pool.
type PoolDevice struct {
	UDID       string      `json:"udid"`
	Name       string      `json:"name"`
	DeviceType string      `json:"deviceType"`
	State      DeviceState `json:"state"`
	InUseBy    string      `json:"inUseBy,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	LastUsedAt time.Time   `json:"lastUsedAt,omitempty"`
}

type Config struct {
	PreCreate       int           `json:"preCreate"`
	MaxDevices      int           `json:"maxDevices"`
	DeviceType      string        `json:"deviceType"`
	Runtime         string        `json:"runtime"`
	NamePrefix      string        `json:"namePrefix"`
	AcquireTimeout  time.Duration `json:"acquireTimeout"`
	ProbeTimeout    time.Duration `json:"probeTimeout"`
	EraseOnClean    bool          `json:"eraseOnClean"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

var (
	// ErrPoolTimeout is returned when an acquisition waits longer than the
	// configured timeout for a device to free up.
	ErrPoolTimeout = errors.New("pool: timed out waiting for a device")

	// ErrPoolShuttingDown rejects acquisitions and pending waiters once
	// Shutdown has begun.
	ErrPoolShuttingDown = errors.New("pool: shutting down")

	// ErrNotInUse is returned when releasing a device that is not leased.
	ErrNotInUse = errors.New("pool: device is not in use")
)

type acquireResult struct {
	udid string
	err  error
}

// waiter is a parked acquisition request. Resolved by at most one hand-off;
// the result channel is buffered so a hand-off never blocks on a caller that
// already timed out.
type waiter struct {
	jobID      string
	ch         chan acquireResult
	enqueuedAt time.Time
}
