// Command biasbench runs the benchmark daemon: it consumes the task
// queue, executes benchmark runs against the configured LLM backend
// and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traitlab/biasbench/bench"
	"github.com/traitlab/biasbench/bench/config"
	"github.com/traitlab/biasbench/bench/emit"
	"github.com/traitlab/biasbench/bench/store"
)

func main() {
	configPath := flag.String("config", "biasbench.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("biasbench: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := bench.NewMetrics(prometheus.DefaultRegisterer)

	var emitter emit.Emitter = emit.NewNullEmitter()
	if cfg.PromptLog.Enabled {
		emitter = emit.NewPromptLog(cfg.PromptLog.Dir, "daemon")
	}

	executor := bench.NewExecutor(bench.ExecutorConfig{
		Store:    st,
		Registry: bench.NewProgressRegistry(),
		Emitter:  emitter,
		Metrics:  metrics,
	})

	queue := bench.InitQueue(st, metrics)
	queue.Register("benchmark", benchmarkRunner(st, executor, cfg))
	queue.SetNotify(func(task *store.Task) {
		log.Printf("task %s (%s) finished: %s", task.ID, task.Type, task.Status)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("metrics listening on %s", cfg.Server.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	queue.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// benchmarkTaskConfig is the task payload of type "benchmark". It
// either names an existing run or carries the options to create one.
type benchmarkTaskConfig struct {
	RunID string `json:"run_id"`

	DatasetID     string  `json:"dataset_id"`
	ModelID       string  `json:"model_id"`
	Backend       string  `json:"backend"`
	BaseURL       string  `json:"base_url"`
	BatchSize     int     `json:"batch_size"`
	MaxAttempts   int     `json:"max_attempts"`
	MaxNewTokens  int     `json:"max_new_tokens"`
	ScaleMode     string  `json:"scale_mode"`
	DualFraction  float64 `json:"dual_fraction"`
	SkipCompleted bool    `json:"skip_completed"`
	AttrGenRunID  string  `json:"attr_gen_run_id"`
}

// benchmarkRunner executes one benchmark task: it resolves or creates
// the run, validates its options and drives it to a terminal state.
func benchmarkRunner(st store.Store, executor *bench.Executor, cfg config.Config) bench.TaskRunner {
	return func(ctx context.Context, task *store.Task) (string, string, error) {
		var tc benchmarkTaskConfig
		if len(task.Config) > 0 {
			if err := json.Unmarshal(task.Config, &tc); err != nil {
				return "", "", fmt.Errorf("parse task config: %w", err)
			}
		}

		runID := tc.RunID
		if runID == "" {
			run := &store.BenchmarkRun{
				ID:            task.ID,
				DatasetID:     tc.DatasetID,
				ModelID:       tc.ModelID,
				Backend:       tc.Backend,
				BaseURL:       tc.BaseURL,
				BatchSize:     tc.BatchSize,
				MaxAttempts:   tc.MaxAttempts,
				MaxNewTokens:  tc.MaxNewTokens,
				ScaleMode:     store.ScaleMode(tc.ScaleMode),
				DualFraction:  tc.DualFraction,
				SkipCompleted: tc.SkipCompleted,
				AttrGenRunID:  tc.AttrGenRunID,
				Status:        store.RunQueued,
			}
			cfg.ApplyDefaults(run)
			if err := config.ValidateRun(run); err != nil {
				return "", "", err
			}
			if err := st.CreateRun(ctx, run); err != nil {
				return "", "", fmt.Errorf("create run: %w", err)
			}
			runID = run.ID
		}

		if err := executor.RunBenchmark(ctx, runID); err != nil {
			return runID, "benchmark", err
		}
		// Cancellation surfaces through the run status; the task itself
		// reflects it too.
		if run, err := st.GetRun(ctx, runID); err == nil && run.Status == store.RunCancelled {
			return runID, "benchmark", fmt.Errorf("run %s: %w", runID, bench.ErrCancelled)
		}
		return runID, "benchmark", nil
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.DSN)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
