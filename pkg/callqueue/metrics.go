// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection classes, used as metric label values.
const (
	classUnknownQueue      = "unknown_queue"
	classNoTier            = "no_tier"
	classQueueFull         = "queue_full"
	classRateLimited       = "rate_limited"
	classEndOfBusySequence = "end_of_busy_sequence"
	classBusyPolicy        = "busy_policy"
	classCanceled          = "canceled"
	classCommutationFailed = "commutation_failed"
	classStopped           = "stopped"
	classInvalid           = "invalid"
)

// Dispatch attempt results.
const (
	resultAssigned            = "assigned"
	resultOperatorUnavailable = "operator_unavailable"
	resultNoEndpoint          = "no_endpoint"
	resultBusy                = "busy"
)

type metrics struct {
	admitted         *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	queueWait        *prometheus.HistogramVec
	timeToBridge     *prometheus.HistogramVec
	operatorCalls    *prometheus.CounterVec
	commutations     *prometheus.CounterVec
	disconnections   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		admitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_requests_admitted_total",
			Help: "Total number of requests admitted to a queue, including moves between queues.",
		}, []string{"queue"}),
		rejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_requests_rejected_total",
			Help: "Total number of rejected requests.",
		}, []string{"queue", "reason"}),
		dispatchAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_dispatch_attempts_total",
			Help: "Total number of attempts to hand a request to an operator.",
		}, []string{"queue", "result"}),
		queueWait: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callqueue_queue_wait_seconds",
			Help:    "Time a request spent queued before being assigned to an operator.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"queue"}),
		timeToBridge: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callqueue_time_to_bridge_seconds",
			Help:    "Time from the creation of a request to the abonent being bridged with an operator, across queue moves.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"queue"}),
		operatorCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_operator_calls_total",
			Help: "Total number of calls placed to operators, by outcome.",
		}, []string{"operator", "outcome"}),
		commutations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_commutations_total",
			Help: "Total number of abonents bridged with an operator.",
		}, []string{"queue"}),
		disconnections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_disconnections_total",
			Help: "Total number of bridged calls that ended.",
		}, []string{"queue"}),
	}
}
