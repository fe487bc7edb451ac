package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/seralvarez/capturefleet/internal/artifact"
)

type Config struct {
	Hub      HubConfig       `yaml:"hub"`
	Runner   RunnerConfig    `yaml:"runner"`
	Pool     PoolConfig      `yaml:"pool"`
	Queue    QueueConfig     `yaml:"queue"`
	Artifact artifact.Config `yaml:"artifact"`
}

type HubConfig struct {
	Port int `yaml:"port"`
}

type RunnerConfig struct {
	ID          string `yaml:"id"`
	HubURL      string `yaml:"hubURL"`
	CaptureTool string `yaml:"captureTool"`
	Concurrency int    `yaml:"concurrency"`
}

type PoolConfig struct {
	PreCreate         int    `yaml:"preCreate"`
	MaxDevices        int    `yaml:"maxDevices"`
	DeviceType        string `yaml:"deviceType"`
	Runtime           string `yaml:"runtime"`
	AcquireTimeoutSec int    `yaml:"acquireTimeoutSec"`
	EraseOnClean      bool   `yaml:"eraseOnClean"`
}

type QueueConfig struct {
	Path      string `yaml:"path"`
	Retention int    `yaml:"retention"`
}

func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Hub: HubConfig{
			Port: 8790,
		},
		Runner: RunnerConfig{
			ID:          hostname,
			HubURL:      "ws://localhost:8790/ws",
			CaptureTool: "appcapture",
			Concurrency: 5,
		},
		Pool: PoolConfig{
			PreCreate:         2,
			MaxDevices:        5,
			DeviceType:        "iPhone 15",
			Runtime:           "iOS 17.5",
			AcquireTimeoutSec: 120,
		},
		Queue: QueueConfig{
			Path:      filepath.Join(BaseDir(), "queue.db"),
			Retention: 100,
		},
		Artifact: artifact.Config{
			Bucket: "capturefleet-artifacts",
		},
	}
}

func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".capturefleet")
}

func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func Save(cfg Config) error {
	if err := os.MkdirAll(BaseDir(), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), data, 0644)
}

func EnsureDirs() error {
	dirs := []string{
		BaseDir(),
		filepath.Join(BaseDir(), "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}
