package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seralvarez/capturefleet/internal/artifact"
	"github.com/seralvarez/capturefleet/internal/config"
	"github.com/seralvarez/capturefleet/internal/device"
	"github.com/seralvarez/capturefleet/internal/pool"
	"github.com/seralvarez/capturefleet/internal/procbridge"
	"github.com/seralvarez/capturefleet/internal/runner"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("runnerd starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := config.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	devClient, err := device.NewClient()
	if err != nil {
		log.Fatalf("Failed to create device client: %v", err)
	}

	p := pool.New(pool.Config{
		PreCreate:      cfg.Pool.PreCreate,
		MaxDevices:     cfg.Pool.MaxDevices,
		DeviceType:     cfg.Pool.DeviceType,
		Runtime:        cfg.Pool.Runtime,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeoutSec) * time.Second,
		EraseOnClean:   cfg.Pool.EraseOnClean,
	}, devClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize device pool: %v", err)
	}

	uploader, err := artifact.NewMinioUploader(ctx, cfg.Artifact)
	if err != nil {
		log.Fatalf("Failed to connect to artifact storage: %v", err)
	}

	runnerCfg := runner.Config{
		RunnerID:    cfg.Runner.ID,
		HubURL:      cfg.Runner.HubURL,
		CaptureTool: cfg.Runner.CaptureTool,
		Concurrency: cfg.Runner.Concurrency,
	}
	client := runner.NewClient(runnerCfg)
	orch := runner.New(runnerCfg, p, procbridge.New(procbridge.DefaultMatcher()), uploader, client)

	go func() {
		if err := client.Run(ctx, orch); err != nil && ctx.Err() == nil {
			log.Fatalf("Hub connection failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Printf("Pool shutdown: %v", err)
	}
}
