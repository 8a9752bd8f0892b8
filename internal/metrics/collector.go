package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector collects and exposes engine metrics
type Collector struct {
	gatherer prometheus.Gatherer

	livingTasks      prometheus.Gauge
	inflightWorkers  *prometheus.GaugeVec
	checkpointSaves  *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	tasksFinished    *prometheus.CounterVec

	objectsTotal *prometheus.CounterVec
	bytesTotal   prometheus.Counter
	duration     prometheus.Histogram
}

// New creates a collector registered with reg. Pass prometheus.NewRegistry()
// for isolated collectors.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		gatherer: reg,
		livingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osspipe_living_tasks",
			Help: "Number of tasks with a live execution",
		}),
		inflightWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osspipe_inflight_workers",
			Help: "Number of workers currently running",
		}, []string{"category"}),
		checkpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osspipe_checkpoint_saves_total",
			Help: "Checkpoint writes by result",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "osspipe_snapshot_duration_seconds",
			Help:    "Time taken by one snapshot cycle over all live tasks",
			Buckets: prometheus.DefBuckets,
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osspipe_tasks_finished_total",
			Help: "Tasks that reached stopped, by reason",
		}, []string{"reason"}),
		objectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osspipe_objects_total",
			Help: "Total number of objects processed",
		}, []string{"kind", "status"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osspipe_bytes_total",
			Help: "Total bytes transferred",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "osspipe_object_duration_seconds",
			Help:    "Time taken to transfer an object",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.livingTasks,
		c.inflightWorkers,
		c.checkpointSaves,
		c.snapshotDuration,
		c.tasksFinished,
		c.objectsTotal,
		c.bytesTotal,
		c.duration,
	)

	return c
}

func (c *Collector) IncLivingTasks() { c.livingTasks.Inc() }

func (c *Collector) DecLivingTasks() { c.livingTasks.Dec() }

// AddInflightWorkers moves the inflight gauge of a worker category by delta
func (c *Collector) AddInflightWorkers(category string, delta int) {
	c.inflightWorkers.WithLabelValues(category).Add(float64(delta))
}

// IncCheckpointSave counts a checkpoint write; ok=false counts a failure
func (c *Collector) IncCheckpointSave(ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	c.checkpointSaves.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveSnapshot(d time.Duration) {
	c.snapshotDuration.Observe(d.Seconds())
}

func (c *Collector) IncTaskFinished(reason string) {
	c.tasksFinished.WithLabelValues(reason).Inc()
}

// IncObjects counts one object of a task kind ending in status
// (success, failed, skipped, differ)
func (c *Collector) IncObjects(kind, status string) {
	c.objectsTotal.WithLabelValues(kind, status).Inc()
}

// AddBytes adds to total bytes transferred
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// ObserveDuration observes one object transfer
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
