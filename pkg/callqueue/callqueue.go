// SPDX-License-Identifier: AGPL-3.0-only

// Package callqueue matches waiting abonent calls with free operators. Every queue has its
// own dispatcher which hands requests to the operators of the matching priority tier, and
// runs the tier's busy-handling chain when none of them can take the call.
package callqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony"
	util_log "github.com/grafana/callqueue/pkg/util/log"
)

var (
	ErrTooManyRequests       = errors.New("too many outstanding requests")
	ErrStopped               = errors.New("call queue is stopped")
	ErrNoQueue               = errors.New("no such queue")
	ErrNoMatchingTier        = errors.New("no operator tier for the request priority")
	ErrAdmissionRateExceeded = errors.New("admission rate exceeded")
	ErrInvalidTransition     = errors.New("invalid request state transition")
	ErrNotCommutating        = errors.New("request is not being commutated")
	ErrAlreadyBridged        = errors.New("request is already bridged")
	ErrNoAbonent             = errors.New("request has no abonent conversation")
)

const (
	ReasonEndOfBusySequence = "reached the end of busy-handling sequence"
	ReasonStopped           = "call queue stopped"
)

// CallQueue dispatches requests from all configured queues.
type CallQueue struct {
	services.Service

	cfg     Config
	logger  log.Logger
	pool    endpoint.Pool
	inviter telephony.Inviter
	bridger telephony.Bridger

	queues    map[string]*queue
	operators map[string]*Operator
	listeners []Listener
	executor  *executor
	metrics   *metrics

	// Sampled, as it fires on every dispatch cycle while operators are busy.
	busyLogger log.Logger
}

func New(cfg Config, pool endpoint.Pool, inviter telephony.Inviter, bridger telephony.Bridger, logger log.Logger, reg prometheus.Registerer) (*CallQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid call queue config")
	}

	logger = log.With(logger, "component", "callqueue")
	cq := &CallQueue{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		inviter:    inviter,
		bridger:    bridger,
		queues:     make(map[string]*queue, len(cfg.Queues)),
		operators:  make(map[string]*Operator, len(cfg.Operators)),
		executor:   newExecutor(cfg.MaxConcurrentAttempts),
		metrics:    newMetrics(reg),
		busyLogger: util_log.NewSampledLogger(logger, util_log.NewSampler(100)),
	}

	for _, oc := range cfg.Operators {
		cq.operators[oc.Name] = newOperator(oc, cfg.OperatorFailureThreshold, cfg.OperatorBackoff, logger)
	}
	for _, qc := range cfg.Queues {
		q := newQueue(qc, cq.operators, logger)
		cq.queues[qc.Name] = q

		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "callqueue_queue_length",
			Help:        "Number of requests waiting in the queue.",
			ConstLabels: prometheus.Labels{"queue": qc.Name},
		}, func() float64 { return float64(q.bpq.Len()) })
	}

	cq.Service = services.NewBasicService(nil, cq.running, cq.stopping).WithName("call queue")
	return cq, nil
}

// Subscribe registers a listener notified of every request of every queue. It must be
// called before the service is started.
func (cq *CallQueue) Subscribe(l Listener) {
	cq.listeners = append(cq.listeners, l)
}

// Operator returns the named operator, or nil.
func (cq *CallQueue) Operator(name string) *Operator {
	return cq.operators[name]
}

// QueueLength returns the number of requests waiting in the named queue.
func (cq *CallQueue) QueueLength(name string) int {
	q, ok := cq.queues[name]
	if !ok {
		return 0
	}
	return q.bpq.Len()
}

// ReplaceBusyChain swaps the busy-handling chain of a tier. Requests currently walking the old
// chain start over with the new one the next time they run out of operators.
func (cq *CallQueue) ReplaceBusyChain(queueName string, priority int, chain *BusyChain) error {
	q, ok := cq.queues[queueName]
	if !ok {
		return errors.Wrap(ErrNoQueue, queueName)
	}
	t := q.tierFor(priority)
	if t == nil {
		return errors.Wrapf(ErrNoMatchingTier, "queue %s, priority %d", queueName, priority)
	}
	t.busyChain.Store(chain)
	return nil
}

// QueueCall admits a request to its queue. If the request cannot be admitted, it is rejected
// and the returned error tells why.
func (cq *CallQueue) QueueCall(r *Request) error {
	r.mu.Lock()
	if r.owner != nil || r.state != Created {
		r.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "request %s was already submitted", r.id)
	}
	r.owner = cq
	queueName, priority := r.queueName, r.priority
	r.mu.Unlock()

	if cq.State() != services.Running {
		cq.reject(r, classStopped, ReasonStopped)
		return ErrStopped
	}
	if r.abonent == nil {
		cq.reject(r, classInvalid, "request has no abonent conversation")
		return ErrNoAbonent
	}

	q, ok := cq.queues[queueName]
	if !ok {
		cq.reject(r, classUnknownQueue, fmt.Sprintf("no such queue %q", queueName))
		return errors.Wrap(ErrNoQueue, queueName)
	}
	if q.tierFor(priority) == nil {
		cq.reject(r, classNoTier, fmt.Sprintf("queue %q has no operators for priority %d", queueName, priority))
		return errors.Wrapf(ErrNoMatchingTier, "queue %s, priority %d", queueName, priority)
	}
	if q.limiter != nil && !q.limiter.Allow() {
		cq.reject(r, classRateLimited, fmt.Sprintf("queue %q admission rate exceeded", queueName))
		return errors.Wrap(ErrAdmissionRateExceeded, queueName)
	}

	if !cq.enqueue(q, r, Created) {
		if r.State() == Rejected {
			return errors.Wrap(ErrInvalidTransition, "request was canceled while being admitted")
		}
		cq.reject(r, classQueueFull, fmt.Sprintf("queue %q is full", queueName))
		return ErrTooManyRequests
	}

	// Stopping may have drained the queue between the state check above and the enqueue. If
	// the request is still there nothing else will ever take it out.
	if cq.State() != services.Running && q.bpq.RemoveElement(r) {
		cq.reject(r, classStopped, ReasonStopped)
		return ErrStopped
	}

	level.Debug(q.logger).Log("msg", "request admitted", "request", r.id, "priority", priority)
	return nil
}

// enqueue moves a request coming from the given state into q. It reports false if the
// request is not in that state anymore or q is full, in which case the request is back in
// its original state or was rejected concurrently.
func (cq *CallQueue) enqueue(q *queue, r *Request, from State) bool {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return false
	}
	// Queued first: once offered, the dispatcher may take the request at any time.
	if err := r.transitionLocked(Queued); err != nil {
		r.mu.Unlock()
		return false
	}
	prevQueue := r.queue
	r.queue = q
	r.lastQueued = time.Now()
	r.mu.Unlock()

	if !q.bpq.Offer(r) {
		r.mu.Lock()
		if r.state == Queued {
			r.state = from
			r.queue = prevQueue
		}
		r.mu.Unlock()
		return false
	}

	cq.metrics.admitted.WithLabelValues(q.name).Inc()
	r.notify(func(l Listener) { l.Queued(r) })
	q.wake()
	return true
}

// requeue puts a request which is out of operators back into its queue, and reports whether
// it is still queued.
func (cq *CallQueue) requeue(q *queue, r *Request) bool {
	if err := r.transition(Queued); err != nil {
		return false
	}

	r.mu.Lock()
	r.lastQueued = time.Now()
	r.mu.Unlock()

	if !q.bpq.OfferTimeout(r, cq.cfg.RequeueTimeout) {
		cq.reject(r, classQueueFull, fmt.Sprintf("queue %q is full", q.name))
		return false
	}
	return true
}

// move transfers a dispatching request to another queue with a new priority. On failure the
// request keeps its original queue and priority.
func (cq *CallQueue) move(r *Request, target *queue, priority int) bool {
	r.mu.Lock()
	prevName, prevPriority := r.queueName, r.priority
	prevIndex, prevStep, prevChain := r.operatorIndex, r.onBusyStep, r.busyChain
	r.queueName, r.priority = target.name, priority
	r.operatorIndex, r.onBusyStep, r.busyChain = -1, 0, nil
	r.mu.Unlock()

	if cq.enqueue(target, r, Dispatching) {
		level.Debug(target.logger).Log("msg", "request moved", "request", r.id, "from", prevName, "priority", priority)
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Dispatching {
		// Rejected concurrently, nothing left to move.
		return true
	}
	r.queueName, r.priority = prevName, prevPriority
	r.operatorIndex, r.onBusyStep, r.busyChain = prevIndex, prevStep, prevChain
	return false
}

// reject rejects the request and notifies listeners. It returns false if the request was
// already past the point where it can be rejected.
func (cq *CallQueue) reject(r *Request, class, reason string) bool {
	if !r.reject(reason) {
		return false
	}

	queueName := r.QueueName()
	cq.metrics.rejected.WithLabelValues(queueName, class).Inc()
	level.Debug(cq.logger).Log("msg", "request rejected", "request", r.id, "queue", queueName, "reason", reason)
	r.notify(func(l Listener) { l.Rejected(r, reason) })
	return true
}

// disconnect ends a bridged request.
func (cq *CallQueue) disconnect(r *Request) {
	if err := r.transition(Disconnected); err != nil {
		return
	}
	cq.metrics.disconnections.WithLabelValues(r.QueueName()).Inc()
	r.notify(func(l Listener) { l.Disconnected(r) })
}

func (cq *CallQueue) wakeAll() {
	for _, q := range cq.queues {
		q.wake()
	}
}

func (cq *CallQueue) running(ctx context.Context) error {
	names := make([]string, 0, len(cq.queues))
	for name := range cq.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	level.Info(cq.logger).Log("msg", "call queue running", "queues", fmt.Sprint(names), "operators", len(cq.operators))

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		q := cq.queues[name]
		g.Go(func() error {
			cq.dispatcherLoop(ctx, q)
			return nil
		})
	}
	return g.Wait()
}

func (cq *CallQueue) stopping(_ error) error {
	var errs error
	for _, q := range cq.queues {
		drained := q.bpq.Drain()
		for _, r := range drained {
			cq.reject(r, classStopped, ReasonStopped)
		}
		if len(drained) > 0 {
			level.Info(q.logger).Log("msg", "rejected queued requests on shutdown", "count", len(drained))
		}
		if n := q.bpq.Len(); n > 0 {
			errs = multierr.Append(errs, errors.Errorf("queue %s: %d requests left after shutdown", q.name, n))
		}
	}

	cq.executor.Close()
	return errs
}

// dispatcherLoop hands the requests of one queue to operators, one at a time.
func (cq *CallQueue) dispatcherLoop(ctx context.Context, q *queue) {
	var (
		timer  = time.NewTimer(cq.cfg.RetryInterval)
		misses int
	)
	defer timer.Stop()

	for {
		r, err := q.bpq.Take(ctx)
		if err != nil {
			return
		}
		if err := r.transition(Dispatching); err != nil {
			// Canceled while queued, its rejection was already reported.
			continue
		}
		if ctx.Err() != nil {
			cq.reject(r, classStopped, ReasonStopped)
			return
		}

		if !cq.dispatch(ctx, q, r) {
			misses = 0
			continue
		}

		// Once every queued request had its chance without success, wait for something to
		// change rather than spinning.
		misses++
		if misses < q.bpq.Len() {
			continue
		}
		misses = 0

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(cq.cfg.RetryInterval)
		select {
		case <-q.wakeup:
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch tries the operators of the request's tier and runs the busy-handling chain if none
// took it. It returns true if the request was left in the queue.
func (cq *CallQueue) dispatch(ctx context.Context, q *queue, r *Request) bool {
	t := q.tierFor(r.priority)
	if t == nil {
		cq.reject(r, classNoTier, fmt.Sprintf("queue %q has no operators for priority %d", q.name, r.priority))
		return false
	}

	for i := r.operatorIndex + 1; i < len(t.operators); i++ {
		assigned, result := cq.tryOperator(ctx, q, r, t.operators[i], i)
		cq.metrics.dispatchAttempts.WithLabelValues(q.name, result).Inc()
		if assigned {
			return false
		}
		if r.State() != Dispatching {
			return false
		}
	}

	r.operatorIndex = -1
	cq.metrics.dispatchAttempts.WithLabelValues(q.name, resultBusy).Inc()
	level.Debug(cq.busyLogger).Log("msg", "no operator available", "queue", q.name, "request", r.id, "priority", r.priority, "step", r.onBusyStep)
	return cq.handleBusy(q, t, r)
}

// tryOperator leases an endpoint for the operator and, if it gets one, assigns the request
// and starts calling the operator.
func (cq *CallQueue) tryOperator(ctx context.Context, q *queue, r *Request, op *Operator, index int) (bool, string) {
	if !op.tryAcquire() {
		return false, resultOperatorUnavailable
	}

	ep, err := cq.leaseEndpoint(ctx, r)
	if err != nil {
		op.release()
		level.Debug(q.logger).Log("msg", "no endpoint for operator", "operator", op.name, "request", r.id, "err", err)
		return false, resultNoEndpoint
	}

	if !op.permit() {
		cq.releaseEndpoint(ep)
		op.release()
		return false, resultOperatorUnavailable
	}

	r.mu.Lock()
	if err := r.transitionLocked(Assigned); err != nil {
		r.mu.Unlock()
		op.recordAnswered()
		cq.releaseEndpoint(ep)
		op.release()
		return false, resultOperatorUnavailable
	}
	r.operatorIndex = index
	r.operator = op.name
	waited := time.Since(r.lastQueued)
	r.mu.Unlock()

	cq.metrics.queueWait.WithLabelValues(q.name).Observe(waited.Seconds())
	level.Debug(q.logger).Log("msg", "request assigned", "request", r.id, "operator", op.name, "endpoint", ep.Address())
	r.notify(func(l Listener) { l.AssignedToOperator(r, op.name) })

	s := newOperatorSession(cq, q, r, op, ep)
	if err := cq.executor.Go(r.ctx, s.inviteNext); err != nil {
		s.finishUnanswered()
	}
	return true, resultAssigned
}

// leaseEndpoint leases an endpoint on the executor. It gives up when either the request or the
// dispatcher is done.
func (cq *CallQueue) leaseEndpoint(ctx context.Context, r *Request) (endpoint.Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	type result struct {
		ep  endpoint.Endpoint
		err error
	}
	done := make(chan result, 1)
	err := cq.executor.Go(ctx, func() {
		ep, err := cq.pool.RequestEndpoint(ctx, r.id, r.priority, cq.cfg.EndpointWaitTimeout)
		done <- result{ep: ep, err: err}
	})
	if err != nil {
		return nil, err
	}

	res := <-done
	return res.ep, res.err
}

func (cq *CallQueue) releaseEndpoint(ep endpoint.Endpoint) {
	if err := cq.pool.ReleaseEndpoint(ep); err != nil {
		level.Warn(cq.logger).Log("msg", "failed to release endpoint", "endpoint", ep.Address(), "err", err)
	}
	cq.wakeAll()
}
