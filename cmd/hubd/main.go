package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seralvarez/capturefleet/internal/config"
	"github.com/seralvarez/capturefleet/internal/hub"
	"github.com/seralvarez/capturefleet/internal/queue"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("hubd starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := config.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	store, err := queue.Open(cfg.Queue.Path, queue.Options{Retention: cfg.Queue.Retention})
	if err != nil {
		log.Fatalf("Failed to open job queue: %v", err)
	}
	defer store.Close()

	registry, err := hub.NewRunnerRegistry(config.BaseDir())
	if err != nil {
		log.Fatalf("Failed to create runner registry: %v", err)
	}

	h := hub.New(store, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := queue.NewConsumer(store, h.ExecuteJob, 0)
	go consumer.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Hub.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}
	go func() {
		log.Printf("Hub listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Hub server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
