// Package metrics exposes Prometheus collectors for the scheduler,
// orchestrator, and bus. Collectors are registered on the default
// registry; Handler hands out the promhttp handler for the admin
// server's /metrics endpoint, and Serve runs a standalone listener
// for the headless services.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler ticks by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	leaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_scheduler_lease_acquisitions_total",
			Help: "Total lease acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	runbookSyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_scheduler_runbook_errors_total",
			Help: "Total per-runbook sync failures",
		},
		[]string{"runbook"},
	)

	batchesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_batches_detected_total",
			Help: "Total batches detected by runbook",
		},
		[]string{"runbook"},
	)

	membersAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_batch_members_added_total",
			Help: "Total members added to batches by runbook",
		},
		[]string{"runbook"},
	)

	membersRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_batch_members_removed_total",
			Help: "Total members removed from batches by runbook",
		},
		[]string{"runbook"},
	)

	phasesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_phases_dispatched_total",
			Help: "Total phases dispatched by runbook",
		},
		[]string{"runbook"},
	)

	stepsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_steps_dispatched_total",
			Help: "Total step jobs dispatched by function name",
		},
		[]string{"function"},
	)

	workerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_worker_results_total",
			Help: "Total worker results consumed by status",
		},
		[]string{"status"},
	)

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cutover_step_retries_scheduled_total",
		Help: "Total step retries scheduled",
	})

	pollChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cutover_poll_checks_total",
		Help: "Total poll-check rounds dispatched",
	})

	deferredPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_deferred_messages_published_total",
			Help: "Total deferred messages released to the bus by topic",
		},
		[]string{"topic"},
	)
)

// ObserveTick records the duration of one scheduler tick.
// outcome should be one of: "ok", "error", "lease_held".
func ObserveTick(seconds float64, outcome string) {
	tickDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordLeaseAcquisition increments the lease counter.
// outcome should be one of: "acquired", "held", "error".
func RecordLeaseAcquisition(outcome string) {
	leaseAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordRunbookSyncError increments the per-runbook sync failure counter.
func RecordRunbookSyncError(runbook string) {
	runbookSyncErrors.WithLabelValues(runbook).Inc()
}

// RecordBatchDetected increments the detected-batch counter.
func RecordBatchDetected(runbook string) {
	batchesDetected.WithLabelValues(runbook).Inc()
}

// RecordMembersAdded adds n to the member-added counter.
func RecordMembersAdded(runbook string, n int) {
	if n > 0 {
		membersAdded.WithLabelValues(runbook).Add(float64(n))
	}
}

// RecordMembersRemoved adds n to the member-removed counter.
func RecordMembersRemoved(runbook string, n int) {
	if n > 0 {
		membersRemoved.WithLabelValues(runbook).Add(float64(n))
	}
}

// RecordPhaseDispatched increments the phase dispatch counter.
func RecordPhaseDispatched(runbook string) {
	phasesDispatched.WithLabelValues(runbook).Inc()
}

// RecordStepDispatched increments the step dispatch counter.
func RecordStepDispatched(function string) {
	stepsDispatched.WithLabelValues(function).Inc()
}

// RecordWorkerResult increments the consumed-result counter.
// status is the envelope status string ("Success" or "Failure").
func RecordWorkerResult(status string) {
	workerResults.WithLabelValues(status).Inc()
}

// RecordRetryScheduled increments the retry counter.
func RecordRetryScheduled() {
	retriesScheduled.Inc()
}

// RecordPollCheck increments the poll-check counter.
func RecordPollCheck() {
	pollChecks.Inc()
}

// RecordDeferredPublished adds n to the deferred-release counter.
func RecordDeferredPublished(topic string, n int) {
	if n > 0 {
		deferredPublished.WithLabelValues(topic).Add(float64(n))
	}
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a standalone /metrics listener until the context is cancelled.
// The admin server exposes the handler on its own mux; the scheduler and
// orchestrator processes call this instead.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", slog.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener failed", slog.String("error", err.Error()))
	}
}
