package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"catalogsyncd/internal/config"
	"catalogsyncd/internal/exportjob"
	"catalogsyncd/internal/freightrun"
	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/priceresetrun"
	"catalogsyncd/internal/scheduler"
	"catalogsyncd/internal/shopify"
	"catalogsyncd/internal/store"
	"catalogsyncd/internal/supplier"
)

var version = "dev"

// loadDotEnv loads environment variables from a local .env file so that
// binaries launched outside a shell can still pick up CATSYNC_* settings.
// Order of lookup:
//  1. ./.env (current working directory)
//  2. <binary-dir>/.env
//
// Existing OS env vars are NOT overridden.
func loadDotEnv() {
	paths := []string{".env"}

	if exePath, err := os.Executable(); err == nil {
		if exeDir := filepath.Dir(exePath); exeDir != "" {
			paths = append(paths, filepath.Join(exeDir, ".env"))
		}
	}

	seen := make(map[string]bool)

	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			l := strings.TrimSpace(line)
			if l == "" || strings.HasPrefix(l, "#") {
				continue
			}
			parts := strings.SplitN(l, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			if key == "" {
				continue
			}
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

func main() {
	// Load .env for local builds. No-op when the file is absent, never
	// overrides existing OS env vars.
	loadDotEnv()

	logger.Banner(version)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("load failed: %v", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath, cfg.BusyTimeoutMS)
	if err != nil {
		logger.Error("STORE", fmt.Sprintf("open failed: %v", err))
		os.Exit(1)
	}
	defer st.Close()

	supplierClient := supplier.New(cfg.Supplier, st.DB)
	storefrontClient := shopify.New(cfg.Storefront)

	syncOrch := scheduler.New(st, supplierClient, storefrontClient, cfg)
	freightOrch := freightrun.New(st)
	freightOrch.BatchSize = cfg.Batch.ComputeBatch
	priceResetOrch := priceresetrun.New(st, cfg.Timezone)

	// exportEngine is driven on demand (create/apply an export job),
	// never by the schedule tick; it is constructed here so an
	// operator-facing trigger (CLI command, admin endpoint) has it ready
	// to call.
	exportEngine := exportjob.New(st)
	exportEngine.BatchSize = cfg.Batch.CSVBatch
	_ = exportEngine

	var tickCount atomic.Int64

	jobs := map[string]func(context.Context) error{
		// A full sync chains straight into a freight recalculation over
		// that run's candidate SKUs; the run is finalized before the
		// recalculation starts.
		"product_full_sync": func(ctx context.Context) error {
			runID, err := syncOrch.RunFullSync(ctx)
			if err != nil {
				return fmt.Errorf("product full sync: %w", err)
			}
			if _, err := freightOrch.Run(ctx, freightrun.TriggeredByPostSync, &runID); err != nil {
				return fmt.Errorf("post-sync freight calc: %w", err)
			}
			return nil
		},
		"price_reset": func(ctx context.Context) error {
			_, err := priceResetOrch.Run(ctx)
			return err
		},
	}

	healthServer := &http.Server{Addr: cfg.Addr, Handler: adminHandler(&tickCount, cfg, st)}
	go func() {
		logger.Server(cfg.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HEALTH", fmt.Sprintf("listener failed: %v", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	logger.Info("DAEMON", fmt.Sprintf("tick interval %s, timezone %s, dry_run=%v", cfg.TickInterval, cfg.Timezone, cfg.DryRun))

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	runTick(ctx, syncOrch, jobs, &tickCount)
	for {
		select {
		case <-ctx.Done():
			logger.Info("DAEMON", "shutting down")
			return
		case <-ticker.C:
			runTick(ctx, syncOrch, jobs, &tickCount)
		}
	}
}

func runTick(ctx context.Context, syncOrch *scheduler.Orchestrator, jobs map[string]func(context.Context) error, tickCount *atomic.Int64) {
	tickCount.Add(1)
	if err := syncOrch.Tick(ctx, jobs); err != nil {
		logger.Error("TICK", err.Error())
	}
}

// adminHandler serves the minimal admin surface: a liveness probe, a
// plain-text tick counter, and the bulk-finish webhook receiver. The
// operator-facing REST API is a separate layer that consumes the internal
// packages directly.
func adminHandler(tickCount *atomic.Int64, cfg *config.Config, st *store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "version %s\nticks %d\n", version, tickCount.Load())
	})
	// The webhook must answer fast: signature-verify, stamp the arrival
	// on the owning run, and return. The poll loop already picks up the
	// completed export; whichever signal lands first wins and the other
	// is a no-op.
	mux.HandleFunc("/webhooks/shopify", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		n, err := shopify.AuthenticateWebhook(
			cfg.Storefront.WebhookSecret, body,
			r.Header.Get("X-Shopify-Hmac-Sha256"), r.Header.Get("X-Shopify-Topic"),
		)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if n.Topic == shopify.TopicBulkOperationsFinish && n.AdminGraphQLAPIID != "" {
			if err := st.RecordWebhookReceived(r.Context(), n.AdminGraphQLAPIID, time.Now().UTC()); err != nil {
				logger.Warn("WEBHOOK", fmt.Sprintf("record arrival: %v", err))
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
