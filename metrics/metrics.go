package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roundabout.dev/analytics/model"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles       prometheus.Counter
	Observations *prometheus.CounterVec // outcome label: valid|malformed|out_of_order
	Records      *prometheus.CounterVec // kind label: arrival|eta_error|headway|segment_delay|movement
	Closed       *prometheus.CounterVec // reason label: abandoned|evicted

	Commits        *prometheus.CounterVec // result label: ok|error
	CycleDuration  prometheus.Histogram
	CommitDuration prometheus.Histogram

	Tracks     prometheus.Gauge
	Approaches prometheus.Gauge
	Buckets    prometheus.Gauge

	Published       *prometheus.CounterVec
	PublishErrs     *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	Connected       *prometheus.GaugeVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundabout_cycles_total",
			Help: "Total cycles folded.",
		}),
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_observations_total",
			Help: "Observations seen, by outcome.",
		}, []string{"outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_records_total",
			Help: "Derived records emitted, by kind.",
		}, []string{"kind"}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_closed_total",
			Help: "Approaches abandoned and tracks evicted.",
		}, []string{"reason"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_commits_total",
			Help: "Commit attempts, by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roundabout_cycle_duration_seconds",
			Help:    "Time spent folding a cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roundabout_commit_duration_seconds",
			Help:    "Time spent committing a cycle to the sink.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Tracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundabout_tracks",
			Help: "Vehicle keys currently tracked.",
		}),
		Approaches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundabout_approaches",
			Help: "Open approaches.",
		}),
		Buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundabout_rollup_buckets",
			Help: "Hourly rollup buckets held in memory.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_published_total",
			Help: "Messages published, by backend.",
		}, []string{"backend"}),
		PublishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundabout_publish_errors_total",
			Help: "Publish errors, by backend.",
		}, []string{"backend"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roundabout_publish_duration_seconds",
			Help:    "Duration to publish a message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"backend"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roundabout_broker_connected",
			Help: "1 if the broker connection is established, 0 otherwise.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		c.Cycles, c.Observations, c.Records, c.Closed,
		c.Commits, c.CycleDuration, c.CommitDuration,
		c.Tracks, c.Approaches, c.Buckets,
		c.Published, c.PublishErrs, c.PublishDuration, c.Connected,
	)

	return c
}

func (c *Collector) ObserveCycle(out *model.CycleOutput, elapsed time.Duration) {
	c.Cycles.Inc()
	c.CycleDuration.Observe(elapsed.Seconds())

	valid := out.Summary.Predictions
	c.Observations.WithLabelValues("valid").Add(float64(valid))
	c.Observations.WithLabelValues("malformed").Add(float64(out.Malformed))
	c.Observations.WithLabelValues("out_of_order").Add(float64(out.OutOfOrder))

	c.Records.WithLabelValues("arrival").Add(float64(len(out.Arrivals)))
	c.Records.WithLabelValues("eta_error").Add(float64(len(out.ETAErrors)))
	c.Records.WithLabelValues("headway").Add(float64(len(out.Headways)))
	c.Records.WithLabelValues("segment_delay").Add(float64(len(out.SegmentDelays)))
	c.Records.WithLabelValues("movement").Add(float64(len(out.Movements)))

	c.Closed.WithLabelValues("abandoned").Add(float64(out.Abandoned))
	c.Closed.WithLabelValues("evicted").Add(float64(out.Evicted))
}

func (c *Collector) ObserveCommit(err error, elapsed time.Duration) {
	c.CommitDuration.Observe(elapsed.Seconds())
	if err != nil {
		c.Commits.WithLabelValues("error").Inc()
		return
	}
	c.Commits.WithLabelValues("ok").Inc()
}

func (c *Collector) SetState(tracks, approaches, buckets int) {
	c.Tracks.Set(float64(tracks))
	c.Approaches.Set(float64(approaches))
	c.Buckets.Set(float64(buckets))
}

func (c *Collector) PublishedInc(backend string) {
	c.Published.WithLabelValues(backend).Inc()
}

func (c *Collector) PublishErrInc(backend string) {
	c.PublishErrs.WithLabelValues(backend).Inc()
}

func (c *Collector) PublishObserve(backend string, d time.Duration) {
	c.PublishDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (c *Collector) SetConnected(backend string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	c.Connected.WithLabelValues(backend).Set(v)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Router serves /metrics, and /healthz which reports 503 while healthy
// returns an error. healthy may be nil.
func (c *Collector) Router(healthy func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", c.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := healthy(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// Serve starts an HTTP server for Router on the given address.
func (c *Collector) Serve(addr string, healthy func(ctx context.Context) error) *http.Server {
	srv := &http.Server{Addr: addr, Handler: c.Router(healthy)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
