package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"roundabout.dev/analytics/config"
	"roundabout.dev/analytics/downloader"
	"roundabout.dev/analytics/parse"
	"roundabout.dev/analytics/schedule"
)

var rootCmd = &cobra.Command{
	Use:          "roundabout",
	Short:        "Roundabout transit analytics",
	Long:         "Derives arrivals, ETA accuracy, headways and segment delays from stop predictions",
	SilenceUsage: true,
}

var (
	configPath       string
	scheduleLocation string
	scheduleHeaders  []string
	cacheDir         string
	cacheTTL         time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&scheduleLocation, "schedule", "s", "", "GTFS Static path or URL (overrides config)")
	rootCmd.PersistentFlags().StringSliceVarP(
		&scheduleHeaders,
		"schedule-header",
		"",
		[]string{},
		"GTFS Static HTTP header",
	)
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "cache-dir", "", "", "Directory to cache downloaded schedules in")
	rootCmd.PersistentFlags().DurationVarP(&cacheTTL, "cache-ttl", "", 24*time.Hour, "How long a cached schedule stays fresh")
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if scheduleLocation != "" {
		cfg.Schedule.Location = scheduleLocation
	}
	return cfg, nil
}

// Fetches and indexes the configured schedule.
func loadSchedule(ctx context.Context, cfg *config.Config) (*schedule.Index, error) {
	location := cfg.Schedule.Location
	if location == "" {
		return nil, fmt.Errorf("schedule location is required")
	}

	options := downloader.GetOptions{
		MaxSize: cfg.Schedule.MaxSizeBytes,
		Timeout: cfg.Schedule.Timeout,
	}

	var buf []byte
	var err error
	if downloader.IsURL(location) {
		headers, err := parseHeaders(scheduleHeaders)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule header: %w", err)
		}

		var d downloader.Downloader = httpDownloader{}
		if cacheDir != "" {
			fs, err := downloader.NewFilesystem(cacheDir)
			if err != nil {
				return nil, err
			}
			d = fs
			options.Cache = true
			options.CacheTTL = cacheTTL
		}
		buf, err = d.Get(ctx, location, headers, options)
		if err != nil {
			return nil, fmt.Errorf("downloading schedule: %w", err)
		}
	} else {
		buf, err = downloader.Get(ctx, nil, location, options)
		if err != nil {
			return nil, fmt.Errorf("reading schedule: %w", err)
		}
	}

	index := schedule.NewIndex()
	metadata, err := parse.ParseStatic(index, buf)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}

	log.Printf(
		"Loaded schedule: %d trips, %d stops, timezone %s, calendar %s-%s",
		index.NumTrips(), index.NumStops(), metadata.Timezone,
		metadata.CalendarStartDate, metadata.CalendarEndDate,
	)

	return index, nil
}

type httpDownloader struct{}

func (httpDownloader) Get(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) ([]byte, error) {
	return downloader.HTTPGet(ctx, url, headers, options)
}
