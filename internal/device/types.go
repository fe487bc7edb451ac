package device

import "time"

type SimState string

const (
	StateBooted   SimState = "Booted"
	StateShutdown SimState = "Shutdown"
	StateCreating SimState = "Creating"
	StateUnknown  SimState = ""
)

// Simulator is one emulated device as reported by the provisioning backend.
type Simulator struct {
	UDID       string   `json:"udid"`
	Name       string   `json:"name"`
	DeviceType string   `json:"deviceTypeIdentifier"`
	Runtime    string   `json:"runtime"`
	State      SimState `json:"state"`
}

type CreateOptions struct {
	Name       string
	DeviceType string // e.g. "iPhone 15 Pro"
	Runtime    string // e.g. "iOS 17.5"; empty means the newest available
	Timeout    time.Duration
}

type SpawnOptions struct {
	UDID    string
	Command string
	Args    []string
	Timeout time.Duration
}

// ProvisioningError reports a fatal provisioning failure: no matching device
// template or no available runtime. Not retryable.
type ProvisioningError struct {
	Op     string
	Detail string
}

func (e *ProvisioningError) Error() string {
	return "provisioning " + e.Op + ": " + e.Detail
}
