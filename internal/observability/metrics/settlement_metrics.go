// Package metrics exposes prometheus instruments for the settlement scheduler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	AttemptResultSuccess = "success"
	AttemptResultFailed  = "failed"
	AttemptResultError   = "error"
)

const (
	LockScopeGlobal     = "global"
	LockScopeSubscriber = "subscriber"
)

const (
	ExpiryReasonRetriesExhausted = "retries_exhausted"
	ExpiryReasonCancelledLapsed  = "cancelled_lapsed"
)

// SettlementMetrics captures scheduler health signals.
type SettlementMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	paymentAttempts  *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
	expired          *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	notifierFailures prometheus.Counter
}

var (
	settlementMetricsOnce sync.Once
	settlementMetrics     *SettlementMetrics
)

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementMetrics = newSettlementMetrics(prometheus.DefaultRegisterer)
	})
	return settlementMetrics
}

// ResetSettlementMetricsForTest resets the singleton for tests.
func ResetSettlementMetricsForTest() {
	settlementMetricsOnce = sync.Once{}
	settlementMetrics = nil
}

func newSettlementMetrics(registerer prometheus.Registerer) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &SettlementMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_scheduler_job_runs_total",
			Help: "Number of scheduler job executions.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_scheduler_job_errors_total",
			Help: "Number of scheduler job executions that finished with errors.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autobill_scheduler_job_duration_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		paymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_payment_attempts_total",
			Help: "Recurring charge attempts by result.",
		}, []string{"result"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_lock_contention_total",
			Help: "Lock acquisitions refused because another holder was active.",
		}, []string{"scope"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_subscriptions_expired_total",
			Help: "Subscriptions transitioned to EXPIRED by the scheduler.",
		}, []string{"reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobill_scheduler_batch_processed_total",
			Help: "Subscriptions processed per job.",
		}, []string{"job"}),
		notifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobill_notifier_failures_total",
			Help: "Notification sends that failed and were swallowed.",
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.paymentAttempts,
		m.lockContention,
		m.expired,
		m.batchProcessed,
		m.notifierFailures,
	)

	return m
}

func (m *SettlementMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SettlementMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SettlementMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SettlementMetrics) IncPaymentAttempt(result string) {
	m.paymentAttempts.WithLabelValues(result).Inc()
}

func (m *SettlementMetrics) IncLockContention(scope string) {
	m.lockContention.WithLabelValues(scope).Inc()
}

func (m *SettlementMetrics) IncExpired(reason string) {
	m.expired.WithLabelValues(reason).Inc()
}

func (m *SettlementMetrics) AddBatchProcessed(job string, count int) {
	if count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *SettlementMetrics) IncNotifierFailure() {
	m.notifierFailures.Inc()
}
