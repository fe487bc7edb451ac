package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Client is the device-provisioning backend. The real implementation shells
// out to `xcrun simctl`; tests use MockClient.
type Client interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Boot(ctx context.Context, udid string) error
	WaitBooted(ctx context.Context, udid string, timeout time.Duration) error
	Shutdown(ctx context.Context, udid string) error
	Erase(ctx context.Context, udid string) error
	Uninstall(ctx context.Context, udid, bundleID string) error
	Delete(ctx context.Context, udid string) error
	List(ctx context.Context) ([]Simulator, error)
	Spawn(ctx context.Context, opts SpawnOptions) (string, error)
}

type client struct {
	xcrunPath string
}

func NewClient() (Client, error) {
	path, err := exec.LookPath("xcrun")
	if err != nil {
		return nil, fmt.Errorf("xcrun not found in PATH: %w", err)
	}
	return &client{xcrunPath: path}, nil
}

func (c *client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.xcrunPath, append([]string{"simctl"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.String(), fmt.Errorf("simctl %s failed: %w\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (c *client) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"create", opts.Name, opts.DeviceType}
	if opts.Runtime != "" {
		args = append(args, opts.Runtime)
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		lower := strings.ToLower(output)
		if strings.Contains(lower, "invalid device type") {
			return "", &ProvisioningError{Op: "create", Detail: "no device type matching " + opts.DeviceType}
		}
		if strings.Contains(lower, "invalid runtime") || strings.Contains(lower, "no runtime") {
			return "", &ProvisioningError{Op: "create", Detail: "no runtime available for " + opts.DeviceType}
		}
		return "", err
	}
	return strings.TrimSpace(output), nil
}

func (c *client) Boot(ctx context.Context, udid string) error {
	output, err := c.run(ctx, "boot", udid)
	if err != nil {
		// Booting an already-booted device is fine.
		if strings.Contains(output, "current state: Booted") {
			return nil
		}
		return err
	}
	return nil
}

// WaitBooted blocks until the device finishes booting.
func (c *client) WaitBooted(ctx context.Context, udid string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := c.run(ctx, "bootstatus", udid, "-b")
	return err
}

func (c *client) Shutdown(ctx context.Context, udid string) error {
	output, err := c.run(ctx, "shutdown", udid)
	if err != nil && !strings.Contains(output, "current state: Shutdown") {
		return err
	}
	return nil
}

func (c *client) Erase(ctx context.Context, udid string) error {
	// Erase requires the device to be shut down first.
	if err := c.Shutdown(ctx, udid); err != nil {
		return err
	}
	_, err := c.run(ctx, "erase", udid)
	return err
}

func (c *client) Uninstall(ctx context.Context, udid, bundleID string) error {
	_, err := c.run(ctx, "uninstall", udid, bundleID)
	return err
}

func (c *client) Delete(ctx context.Context, udid string) error {
	_, err := c.run(ctx, "delete", udid)
	return err
}

type simctlList struct {
	Devices map[string][]struct {
		UDID       string `json:"udid"`
		Name       string `json:"name"`
		DeviceType string `json:"deviceTypeIdentifier"`
		State      string `json:"state"`
	} `json:"devices"`
}

func (c *client) List(ctx context.Context) ([]Simulator, error) {
	output, err := c.run(ctx, "list", "devices", "-j")
	if err != nil {
		return nil, err
	}
	return parseDeviceList([]byte(output))
}

func parseDeviceList(data []byte) ([]Simulator, error) {
	var list simctlList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing device list: %w", err)
	}

	var sims []Simulator
	for runtime, devices := range list.Devices {
		for _, d := range devices {
			sims = append(sims, Simulator{
				UDID:       d.UDID,
				Name:       d.Name,
				DeviceType: d.DeviceType,
				Runtime:    runtime,
				State:      SimState(d.State),
			})
		}
	}
	return sims, nil
}

func (c *client) Spawn(ctx context.Context, opts SpawnOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	args := append([]string{"spawn", opts.UDID, opts.Command}, opts.Args...)
	return c.run(ctx, args...)
}
