// Package main is the TyreRescue offline agent.
//
// The agent sits between the emergency submission form and the booking
// API: submissions that cannot be delivered are queued durably and resent
// when connectivity returns. See the handlers package for the local API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tyrerescue/agent/cmd/agent/handlers"
	"github.com/tyrerescue/agent/internal/connectivity"
	"github.com/tyrerescue/agent/internal/db"
	"github.com/tyrerescue/agent/internal/logging"
	"github.com/tyrerescue/agent/internal/queue"
	syncpkg "github.com/tyrerescue/agent/internal/sync"
	"github.com/tyrerescue/agent/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	var (
		dataDir        = flag.String("data-dir", defaultDataDir(), "directory for the agent database")
		endpoint       = flag.String("endpoint", "", "booking API submission endpoint (required)")
		listen         = flag.String("listen", "127.0.0.1:8090", "local API listen address")
		fallbackPhone  = flag.String("fallback-phone", "", "dispatch phone number shown when a submission is queued")
		drainInterval  = flag.Duration("drain-interval", 1*time.Minute, "periodic queue drain interval")
		purgeInterval  = flag.Duration("purge-interval", 1*time.Hour, "synced-entry purge interval")
		retention      = flag.Duration("retention", 24*time.Hour, "synced-entry retention window")
		probeInterval  = flag.Duration("probe-interval", connectivity.DefaultProbeInterval, "connectivity probe interval")
		attemptTimeout = flag.Duration("attempt-timeout", syncpkg.DefaultAttemptTimeout, "per-request delivery timeout")
		maxAttempts    = flag.Int("max-attempts", 0, "dead-letter after this many failed deliveries (0 = retry forever)")
		leaseTTL       = flag.Duration("lease-ttl", 0, "delivery claim lease for multi-process setups (0 = disabled)")
		debugLog       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "error: -endpoint is required")
		flag.Usage()
		os.Exit(2)
	}

	level := logging.LevelInfo
	if *debugLog {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)

	logging.Info("TyreRescue offline agent starting",
		map[string]interface{}{"version": Version, "endpoint": *endpoint})

	database, err := db.Open(*dataDir)
	if err != nil {
		logging.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err, nil)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err, nil)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	requestQueue := queue.New(repo, queue.Options{
		MaxAttempts: *maxAttempts,
		LeaseTTL:    *leaseTTL,
	})

	deliverer := syncpkg.NewHTTPDeliverer(*endpoint, *attemptTimeout)
	coordinator := syncpkg.NewCoordinator(requestQueue, deliverer, *attemptTimeout)

	sched := scheduler.New(coordinator, requestQueue, &scheduler.Config{
		DrainInterval:   *drainInterval,
		PurgeInterval:   *purgeInterval,
		Retention:       *retention,
		TriggerDebounce: 2 * time.Second,
	})

	hub := NewWSHub()
	sched.SetNotifier(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	prober := connectivity.NewProber(*endpoint, *probeInterval, sched)
	prober.Start(ctx)
	defer prober.Stop()

	queueHandler := handlers.NewQueueHandler(requestQueue, *fallbackPhone)
	queueHandler.SetNotifier(hub)
	syncHandler := handlers.NewSyncHandler(sched)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", queueHandler.Enqueue)
	mux.HandleFunc("GET /queue/pending", queueHandler.Pending)
	mux.HandleFunc("GET /queue/dead", queueHandler.DeadLetters)
	mux.HandleFunc("GET /queue/status", syncHandler.Status)
	mux.HandleFunc("POST /sync/trigger", syncHandler.Trigger)
	mux.HandleFunc("POST /sync/now", syncHandler.SyncNow)
	mux.HandleFunc("GET /ws", hub.ServeWS)

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Local API listening",
			map[string]interface{}{"addr": *listen})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("Shutting down",
			map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logging.Error("API server failed", err, nil)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("API shutdown failed", err, nil)
	}
}

// defaultDataDir resolves the per-user data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tyrerescue"
	}
	return home + "/.tyrerescue"
}
