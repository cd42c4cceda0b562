package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	analytics "roundabout.dev/analytics"
	"roundabout.dev/analytics/metrics"
	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/parse"
	"roundabout.dev/analytics/schedule"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>...",
	Short: "Runs recorded cycles through the engine",
	Long: `Runs recorded cycles through the engine and commits the derived records
to the configured sinks. Files ending in .pb are GTFS-Realtime TripUpdates
feeds, one cycle each. Anything else is read as newline delimited JSON
observations.`,
	Args: cobra.MinimumNArgs(1),
	RunE: replay,
}

var (
	summariesPath string
	metricsAddr   string
	retryFor      time.Duration
)

func init() {
	replayCmd.Flags().StringVarP(&summariesPath, "summaries", "", "", "Newline delimited JSON cycle summaries")
	replayCmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "", "", "Serve /metrics and /healthz on this address (overrides config)")
	replayCmd.Flags().DurationVarP(&retryFor, "retry-for", "", 2*time.Minute, "Give up on a failing commit after this long")
	rootCmd.AddCommand(replayCmd)
}

func replay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	index, err := loadSchedule(ctx, cfg)
	if err != nil {
		return err
	}

	batches, err := readBatches(ctx, index, args)
	if err != nil {
		return err
	}
	log.Printf("Replaying %d cycles", len(batches))

	collector := metrics.NewCollector()

	sink, err := cfg.OpenSink(ctx, collector)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}

	engineCfg := cfg.ToEngine()
	engineCfg.Sink = sink
	engineCfg.Metrics = collector

	engine, err := analytics.NewEngine(index, engineCfg)
	if err != nil {
		sink.Close()
		return err
	}
	defer engine.Close()

	if cfg.MetricsAddr != "" {
		srv := collector.Serve(cfg.MetricsAddr, nil)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var predictions, arrivals, headways, bunched, segments, malformed, replayed int
	for i := range batches {
		out, err := processWithRetry(ctx, engine, &batches[i])
		if err != nil {
			return fmt.Errorf("cycle %s: %w", batches[i].CycleID, err)
		}

		if out.Replayed {
			replayed++
			continue
		}
		predictions += out.Summary.Predictions
		arrivals += len(out.Arrivals)
		headways += len(out.Headways)
		for _, h := range out.Headways {
			if h.Bunched {
				bunched++
			}
		}
		segments += len(out.SegmentDelays)
		malformed += out.Malformed
	}

	fmt.Printf(
		"%d cycles (%d replayed), %d predictions, %d malformed\n",
		len(batches), replayed, predictions, malformed,
	)
	fmt.Printf(
		"%d arrivals, %d headways (%d bunched), %d segment delays\n",
		arrivals, headways, bunched, segments,
	)

	return nil
}

// Processes a cycle, retrying failed commits with exponential
// backoff. Commit retries never fold the cycle twice.
func processWithRetry(ctx context.Context, engine *analytics.Engine, batch *model.CycleBatch) (*model.CycleOutput, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = retryFor

	return backoff.RetryNotifyWithData(
		func() (*model.CycleOutput, error) {
			out, err := engine.ProcessCycle(ctx, batch)
			if err == nil {
				return out, nil
			}
			// No output means the cycle could not be folded.
			// Retrying won't help.
			if out == nil || errors.Is(err, context.Canceled) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			log.Printf("Backing off %s - %s", d, err)
		},
	)
}

// Reads every input file into cycle batches, in cycle order.
func readBatches(ctx context.Context, index *schedule.Index, paths []string) ([]model.CycleBatch, error) {
	var observations []model.Observation
	var realtime []model.CycleBatch

	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		if filepath.Ext(path) == ".pb" {
			rt, err := parse.ParseRealtime(ctx, [][]byte{buf})
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			obs := rt.Observations(index)
			if len(obs) == 0 {
				log.Printf("No predictions in %s", path)
				continue
			}
			realtime = append(realtime, model.CycleBatch{
				CycleID:      obs[0].CycleID,
				Observations: obs,
			})
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		obs, skipped, err := parse.ParseObservations(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if skipped > 0 {
			log.Printf("Skipped %d undecodable lines in %s", skipped, path)
		}
		observations = append(observations, obs...)
	}

	summaries := map[string]*model.CycleSummary{}
	if summariesPath != "" {
		f, err := os.Open(summariesPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		summaries, err = parse.ParseCycleSummaries(f)
		if err != nil {
			return nil, fmt.Errorf("parsing summaries: %w", err)
		}
	}

	batches := append(parse.BatchCycles(observations, summaries), realtime...)
	sort.SliceStable(batches, func(i, j int) bool {
		return cycleTime(&batches[i]).Before(cycleTime(&batches[j]))
	})

	return batches, nil
}

func cycleTime(batch *model.CycleBatch) time.Time {
	if batch.Summary != nil && !batch.Summary.StartedAt.IsZero() {
		return batch.Summary.StartedAt
	}
	var first time.Time
	for _, o := range batch.Observations {
		if first.IsZero() || (!o.ObservedAt.IsZero() && o.ObservedAt.Before(first)) {
			first = o.ObservedAt
		}
	}
	return first
}
