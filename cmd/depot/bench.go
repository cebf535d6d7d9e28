package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/domain"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	ops         int
	workers     int
	keys        int
	readRatio   float64
	metricsAddr string
	hold        bool
}

func benchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a mixed read/write workload against the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ops <= 0 || opts.workers <= 0 || opts.keys <= 0 {
				return fmt.Errorf("--ops, --workers and --keys must be positive")
			}
			if opts.metricsAddr == "" {
				opts.metricsAddr = cfg.Metrics.Addr
			}
			return runBench(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.ops, "ops", 10000, "Total operations")
	cmd.Flags().IntVar(&opts.workers, "workers", 8, "Concurrent workers")
	cmd.Flags().IntVar(&opts.keys, "keys", 500, "Distinct record IDs")
	cmd.Flags().Float64Var(&opts.readRatio, "read-ratio", 0.8, "Fraction of operations that are fetches")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "Keep serving metrics after the run until interrupted")

	return cmd
}

func runBench(ctx context.Context, opts benchOptions) error {
	logger := logging.Component("bench")
	prom := metrics.NewPrometheus(cfg.Metrics.Namespace, nil)

	var server *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		server = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", opts.metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	s, err := openStore(ctx, cfg, prom)
	if err != nil {
		return err
	}
	defer s.Close()

	tracker := metrics.NewLatencyTracker(0.01)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	perWorker := opts.ops / opts.workers
	for w := 0; w < opts.workers; w++ {
		n := perWorker
		if w == 0 {
			n += opts.ops % opts.workers
		}
		g.Go(func() error {
			return benchWorker(gctx, s, tracker, n, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("Backend:    %s\n", cfg.Backend)
	fmt.Printf("Operations: %d in %s (%.0f ops/s)\n", opts.ops, elapsed.Round(time.Millisecond), float64(opts.ops)/elapsed.Seconds())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tCOUNT\tMIN\tP50\tP90\tP99\tMAX")
	for _, st := range tracker.GetAllStats() {
		fmt.Fprintf(w, "%s\t%d\t%.3fms\t%.3fms\t%.3fms\t%.3fms\t%.3fms\n",
			st.Operation, st.Count, st.Min, st.P50, st.P90, st.P99, st.Max)
	}
	w.Flush()

	if cs, ok := s.(interface{ CacheStats() cache.Stats }); ok {
		stats := cs.CacheStats()
		fmt.Printf("Cache:      hits=%d misses=%d evictions=%d expirations=%d size=%d\n",
			stats.Hits, stats.Misses, stats.Evictions, stats.Expirations, stats.Size)
	}

	if opts.hold && server != nil {
		fmt.Println("Serving metrics (Ctrl+C to stop)...")
		<-ctx.Done()
	}
	return nil
}

func benchWorker(ctx context.Context, s recordStore, tracker *metrics.LatencyTracker, n int, opts benchOptions) error {
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := "bench-" + strconv.Itoa(rand.IntN(opts.keys))

		if rand.Float64() < opts.readRatio {
			err := tracker.RecordFunc("fetch", func() error {
				_, _, err := s.Fetch(ctx, id)
				return err
			})
			if err != nil {
				return err
			}
			continue
		}

		rec := domain.NewRecord(id, "bench", map[string]string{"seq": strconv.Itoa(i)}, time.Now())
		if err := tracker.RecordFunc("save", func() error { return s.Save(ctx, rec) }); err != nil {
			return err
		}
	}
	return nil
}
