// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony"
	"github.com/grafana/callqueue/pkg/telephony/fake"
	util_test "github.com/grafana/callqueue/pkg/util/test"
)

func TestMain(m *testing.M) {
	util_test.VerifyNoLeakTestMain(m)
}

// eventRecorder records the lifecycle events of every request.
type eventRecorder struct {
	mu     sync.Mutex
	events map[string][]string

	onGreeting   func(r *Request)
	onCommutated func(r *Request)
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: map[string][]string{}}
}

func (e *eventRecorder) record(r *Request, event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[r.ID()] = append(e.events[r.ID()], event)
}

func (e *eventRecorder) Queued(r *Request) { e.record(r, "queued") }

func (e *eventRecorder) AssignedToOperator(r *Request, operator string) {
	e.record(r, "assigned:"+operator)
}

func (e *eventRecorder) OperatorGreeting(r *Request) {
	e.record(r, "greeting")
	if e.onGreeting != nil {
		e.onGreeting(r)
	}
}

func (e *eventRecorder) ReadyToCommutate(r *Request) { e.record(r, "ready") }

func (e *eventRecorder) Commutated(r *Request) {
	e.record(r, "commutated")
	if e.onCommutated != nil {
		e.onCommutated(r)
	}
}

func (e *eventRecorder) Disconnected(r *Request) { e.record(r, "disconnected") }

func (e *eventRecorder) Rejected(r *Request, reason string) { e.record(r, "rejected:"+reason) }

func (e *eventRecorder) Events(r *Request) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events[r.ID()]...)
}

func (e *eventRecorder) Count(r *Request, event string) int {
	n := 0
	for _, ev := range e.Events(r) {
		if ev == event {
			n++
		}
	}
	return n
}

// failingPool never has a free endpoint.
type failingPool struct {
	calls atomic.Int64
}

func (p *failingPool) RequestEndpoint(context.Context, string, int, time.Duration) (endpoint.Endpoint, error) {
	p.calls.Inc()
	return nil, endpoint.ErrTimeout
}

func (p *failingPool) ReleaseEndpoint(endpoint.Endpoint) error {
	return endpoint.ErrNotLeased
}

func testConfig() Config {
	cfg := Config{}
	flagext.DefaultValues(&cfg)
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.RequeueTimeout = 100 * time.Millisecond
	cfg.EndpointWaitTimeout = 20 * time.Millisecond
	cfg.OperatorFailureThreshold = 0
	cfg.Operators = []OperatorConfig{
		{Name: "alice", Numbers: []string{"100"}},
		{Name: "bob", Numbers: []string{"200"}},
	}
	cfg.Queues = []QueueConfig{{
		Name:    "main",
		MaxSize: 10,
		Tiers:   []TierConfig{{Priority: 1, Operators: []string{"alice"}}},
	}}
	return cfg
}

type harness struct {
	cq     *CallQueue
	tel    *fake.Telephony
	pool   endpoint.Pool
	events *eventRecorder
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config, pool endpoint.Pool, opts ...fake.Option) *harness {
	t.Helper()

	if pool == nil {
		pool = endpoint.NewStaticPool(endpoint.Config{Addresses: []string{"sip:line-1"}}, log.NewNopLogger(), nil)
	}
	h := &harness{
		tel:    fake.New(opts...),
		pool:   pool,
		events: newEventRecorder(),
		reg:    prometheus.NewPedanticRegistry(),
	}

	var err error
	h.cq, err = New(cfg, pool, h.tel, h.tel, log.NewNopLogger(), h.reg)
	require.NoError(t, err)
	h.cq.Subscribe(h.events)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), h.cq))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), h.cq))
		h.tel.Close()
	})
	return h
}

func (h *harness) queueCall(t *testing.T, queue string, priority int) *Request {
	t.Helper()
	r := NewRequest(queue, priority, h.tel.NewConversation("abonent", nil))
	require.NoError(t, h.cq.QueueCall(r))
	return r
}

// ringing waits for the only call placed to number and returns it.
func (h *harness) ringing(t *testing.T, number string) *fake.Call {
	t.Helper()
	require.Eventually(t, func() bool {
		calls := h.tel.CallsTo(number)
		return len(calls) > 0 && calls[len(calls)-1].Ringing()
	}, time.Second, time.Millisecond)
	calls := h.tel.CallsTo(number)
	return calls[len(calls)-1]
}

// answer answers the operator call and waits until the request observed it.
func (h *harness) answer(t *testing.T, r *Request, call *fake.Call) {
	t.Helper()
	require.NoError(t, call.Answer())
	require.Eventually(t, func() bool { return h.events.Count(r, "greeting") == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Commutating, r.State())
}

func requireState(t *testing.T, r *Request, expected State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == expected }, time.Second, time.Millisecond,
		"expected request to reach state %s", expected)
}

func freeEndpoints(h *harness) int {
	return h.pool.(*endpoint.StaticPool).Free()
}

func TestCallQueue_SingleOperatorSuccess(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	r := h.queueCall(t, "main", 1)

	call := h.ringing(t, "100")
	requireState(t, r, Assigned)
	assert.Equal(t, "alice", r.Operator())
	assert.ElementsMatch(t, []string{"queued", "assigned:alice"}, h.events.Events(r))
	assert.Equal(t, "sip:line-1", call.Endpoint.Address())
	assert.Equal(t, r, call.Bindings["request"])

	// The operator is called once, and only once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.tel.CallsTo("100"), 1)
	assert.True(t, h.cq.Operator("alice").Busy())

	h.answer(t, r, call)
	require.NoError(t, r.OperatorReadyToCommutate())
	require.NoError(t, r.AbonentReadyToCommutate())
	requireState(t, r, Bridged)
	require.Len(t, h.tel.Bridges(), 1)
	assert.Equal(t, 1, h.tel.Bridges()[0].Activations())

	call.Hangup(telephony.CompletedNormally)
	requireState(t, r, Disconnected)
	assert.Equal(t, []string{"greeting", "ready", "commutated", "disconnected"}, h.events.Events(r)[2:])
	require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
	assert.False(t, h.cq.Operator("alice").Busy())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.commutations.WithLabelValues("main")))
}

func TestCallQueue_TierExhaustionRejects(t *testing.T) {
	pool := &failingPool{}
	h := newHarness(t, testConfig(), pool)
	r := h.queueCall(t, "main", 1)

	requireState(t, r, Rejected)
	assert.Equal(t, ReasonEndOfBusySequence, r.RejectReason())
	assert.ElementsMatch(t, []string{"queued", "rejected:" + ReasonEndOfBusySequence}, h.events.Events(r))
	assert.Equal(t, int64(1), pool.calls.Load())
	assert.Empty(t, h.tel.CallsTo("100"))
	assert.False(t, h.cq.Operator("alice").Busy())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.rejected.WithLabelValues("main", classEndOfBusySequence)))

	select {
	case <-r.Done():
	default:
		t.Fatal("a rejected request must be done")
	}
}

func TestCallQueue_OperatorIndexPersistsAcrossRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Queues[0].Tiers[0].Operators = []string{"alice", "bob"}
	h := newHarness(t, cfg, nil)

	// Alice can't take the call, so it goes to bob.
	require.True(t, h.cq.Operator("alice").tryAcquire())
	r := h.queueCall(t, "main", 1)
	bobCall := h.ringing(t, "200")
	requireState(t, r, Assigned)
	assert.Equal(t, 1, r.operatorIndex)

	// Alice is free again when bob misses the call: dispatching resumes after bob and does not
	// go back to alice.
	h.cq.Operator("alice").release()
	require.NoError(t, bobCall.Reject(telephony.NoAnswer))

	requireState(t, r, Rejected)
	assert.Equal(t, ReasonEndOfBusySequence, r.RejectReason())
	assert.Empty(t, h.tel.CallsTo("100"))
	assert.Len(t, h.tel.CallsTo("200"), 1)
	assert.ElementsMatch(t, []string{"queued", "assigned:bob", "queued", "rejected:" + ReasonEndOfBusySequence}, h.events.Events(r))
	require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
}

func TestCallQueue_FullPassStartsOverWithFirstOperator(t *testing.T) {
	cfg := testConfig()
	cfg.Queues[0].Tiers[0].Operators = []string{"alice", "bob"}
	cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepRetry}}
	h := newHarness(t, cfg, nil)

	r := h.queueCall(t, "main", 1)
	require.NoError(t, h.ringing(t, "100").Reject(telephony.Busy))
	require.NoError(t, h.ringing(t, "200").Reject(telephony.NoAnswer))

	// Both missed: the retry step gives the tier another full pass, starting with alice.
	aliceAgain := h.ringing(t, "100")
	assert.Len(t, h.tel.CallsTo("100"), 2)
	requireState(t, r, Assigned)

	require.NoError(t, aliceAgain.Reject(telephony.NoAnswer))
	require.NoError(t, h.ringing(t, "200").Reject(telephony.NoAnswer))
	requireState(t, r, Rejected)
	assert.Equal(t, ReasonEndOfBusySequence, r.RejectReason())
}

func TestCallQueue_CancelWhileRinging(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	r := h.queueCall(t, "main", 1)
	call := h.ringing(t, "100")
	require.Equal(t, 0, freeEndpoints(h))

	require.NoError(t, r.Cancel("abonent hung up"))
	require.NoError(t, r.Cancel("abonent hung up again"))

	assert.Equal(t, Rejected, r.State())
	assert.Equal(t, "abonent hung up", r.RejectReason())
	require.Eventually(t, call.Stopped, time.Second, time.Millisecond)
	assert.Equal(t, telephony.Canceled, call.Code())
	require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !h.cq.Operator("alice").Busy() }, time.Second, time.Millisecond)

	r.mu.Lock()
	assert.Nil(t, r.coordinator)
	r.mu.Unlock()
	assert.Equal(t, 1, h.events.Count(r, "rejected:abonent hung up"))
	assert.ErrorIs(t, r.OperatorReadyToCommutate(), ErrNotCommutating)

	// A late answer can't revive it.
	assert.ErrorIs(t, call.Answer(), fake.ErrNotRinging)
	assert.Len(t, h.tel.Bridges(), 0)
}

func TestCallQueue_CancelWhileQueued(t *testing.T) {
	cfg := testConfig()
	cfg.RetryInterval = time.Minute
	cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepHold}}
	pool := &failingPool{}
	h := newHarness(t, cfg, pool)

	r := h.queueCall(t, "main", 1)
	require.Eventually(t, func() bool { return pool.calls.Load() >= 2 && h.cq.QueueLength("main") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Cancel("changed my mind"))
	assert.Equal(t, Rejected, r.State())
	assert.Equal(t, 0, h.cq.QueueLength("main"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.rejected.WithLabelValues("main", classCanceled)))
}

func TestCallQueue_CancelBeforeSubmission(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	l := newEventRecorder()
	r := NewRequest("main", 1, h.tel.NewConversation("abonent", nil), l)

	require.NoError(t, r.Cancel("never mind"))
	assert.Equal(t, Rejected, r.State())
	assert.Equal(t, []string{"rejected:never mind"}, l.Events(r))
	assert.ErrorIs(t, h.cq.QueueCall(r), ErrInvalidTransition)
}

func TestCallQueue_AdmissionErrors(t *testing.T) {
	t.Run("unknown queue", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := NewRequest("nope", 1, h.tel.NewConversation("abonent", nil))
		require.ErrorIs(t, h.cq.QueueCall(r), ErrNoQueue)
		assert.Equal(t, Rejected, r.State())
		assert.Contains(t, r.RejectReason(), "nope")
	})

	t.Run("no matching tier", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := NewRequest("main", 7, h.tel.NewConversation("abonent", nil))
		require.ErrorIs(t, h.cq.QueueCall(r), ErrNoMatchingTier)
		assert.Equal(t, Rejected, r.State())
	})

	t.Run("no abonent", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := NewRequest("main", 1, nil)
		require.ErrorIs(t, h.cq.QueueCall(r), ErrNoAbonent)
		assert.Equal(t, Rejected, r.State())
	})

	t.Run("queue full", func(t *testing.T) {
		cfg := testConfig()
		cfg.RetryInterval = time.Minute
		cfg.Queues[0].MaxSize = 1
		cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepHold}}
		pool := &failingPool{}
		h := newHarness(t, cfg, pool)

		h.queueCall(t, "main", 1)
		require.Eventually(t, func() bool { return pool.calls.Load() >= 2 && h.cq.QueueLength("main") == 1 }, time.Second, time.Millisecond)

		r := NewRequest("main", 1, h.tel.NewConversation("abonent", nil))
		require.ErrorIs(t, h.cq.QueueCall(r), ErrTooManyRequests)
		assert.Equal(t, Rejected, r.State())
		assert.Equal(t, `queue "main" is full`, r.RejectReason())
		assert.Equal(t, []string{`rejected:queue "main" is full`}, h.events.Events(r))
	})

	t.Run("admission rate exceeded", func(t *testing.T) {
		cfg := testConfig()
		cfg.Queues[0].MaxAdmissionRate = 0.0001
		cfg.Queues[0].AdmissionBurst = 1
		h := newHarness(t, cfg, nil)

		h.queueCall(t, "main", 1)
		r := NewRequest("main", 1, h.tel.NewConversation("abonent", nil))
		require.ErrorIs(t, h.cq.QueueCall(r), ErrAdmissionRateExceeded)
		assert.Equal(t, Rejected, r.State())
	})

	t.Run("submitted twice", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := h.queueCall(t, "main", 1)
		require.ErrorIs(t, h.cq.QueueCall(r), ErrInvalidTransition)
	})
}

func TestCallQueue_StoppingRejectsQueuedRequests(t *testing.T) {
	cfg := testConfig()
	cfg.RetryInterval = time.Minute
	cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepHold}}
	pool := &failingPool{}
	h := newHarness(t, cfg, pool)

	r := h.queueCall(t, "main", 1)
	require.Eventually(t, func() bool { return pool.calls.Load() >= 2 && h.cq.QueueLength("main") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), h.cq))
	assert.Equal(t, Rejected, r.State())
	assert.Equal(t, ReasonStopped, r.RejectReason())

	late := NewRequest("main", 1, h.tel.NewConversation("abonent", nil))
	require.ErrorIs(t, h.cq.QueueCall(late), ErrStopped)
	assert.Equal(t, ReasonStopped, late.RejectReason())
}

func TestCallQueue_StoppingRejectsRequestsAdmittedConcurrently(t *testing.T) {
	const submitters = 8

	for round := 0; round < 20; round++ {
		cfg := testConfig()
		cfg.Queues[0].MaxSize = 1000
		cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepHold}}
		h := newHarness(t, cfg, &failingPool{})

		var (
			wg       sync.WaitGroup
			mtx      sync.Mutex
			requests []*Request
		)
		for i := 0; i < submitters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for h.cq.State() != services.Terminated {
					r := NewRequest("main", 1, h.tel.NewConversation("abonent", nil))
					_ = h.cq.QueueCall(r)

					mtx.Lock()
					requests = append(requests, r)
					mtx.Unlock()
				}
			}()
		}

		require.Eventually(t, func() bool { return h.cq.QueueLength("main") > 0 }, time.Second, time.Millisecond)
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), h.cq))
		wg.Wait()

		for _, r := range requests {
			require.Equal(t, Rejected, r.State(), "round %d: request %s was left behind", round, r.ID())
		}
	}
}

func TestCallQueue_StoppingRejectsRequestsOfRingingOperators(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	r := h.queueCall(t, "main", 1)
	call := h.ringing(t, "100")

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), h.cq))
	require.NoError(t, call.Reject(telephony.NoAnswer))

	requireState(t, r, Rejected)
	assert.Equal(t, ReasonStopped, r.RejectReason())
	require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
}

func TestCallQueue_TriesOperatorNumbersInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Operators[0].Numbers = []string{"100", "101", "102"}
	h := newHarness(t, cfg, nil)
	h.tel.FailInvites("100", fmt.Errorf("no route to 100"))

	r := h.queueCall(t, "main", 1)
	require.NoError(t, h.ringing(t, "101").Reject(telephony.Busy))
	third := h.ringing(t, "102")

	requireState(t, r, Assigned)
	h.answer(t, r, third)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.operatorCalls.WithLabelValues("alice", "invite_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.operatorCalls.WithLabelValues("alice", "busy")))
}

func TestCallQueue_OperatorCircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorFailureThreshold = 1
	cfg.OperatorBackoff = time.Minute
	cfg.Queues[0].Tiers[0].Operators = []string{"alice", "bob"}
	cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepRetry}, {Type: stepRetry}}
	h := newHarness(t, cfg, nil)

	r := h.queueCall(t, "main", 1)
	require.NoError(t, h.ringing(t, "100").Reject(telephony.NoAnswer))
	require.NoError(t, h.ringing(t, "200").Reject(telephony.NoAnswer))

	// Both operators missed once, so both are skipped until the backoff expires and the
	// retries run out without calling anyone.
	requireState(t, r, Rejected)
	assert.Equal(t, ReasonEndOfBusySequence, r.RejectReason())
	assert.Len(t, h.tel.CallsTo("100"), 1)
	assert.Len(t, h.tel.CallsTo("200"), 1)
	assert.True(t, h.cq.Operator("alice").breaker.IsOpen())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]OperatorStatus{
			{Name: "alice", BackingOff: true},
			{Name: "bob", BackingOff: true},
		}, h.cq.Status().Operators)
	}, time.Second, time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(h.cq.metrics.dispatchAttempts.WithLabelValues("main", resultOperatorUnavailable)), 0.0)
}

func TestCallQueue_CommutationFlows(t *testing.T) {
	t.Run("abonent ready before the operator answered", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := h.queueCall(t, "main", 1)
		require.NoError(t, r.AbonentReadyToCommutate())
		call := h.ringing(t, "100")
		require.ErrorIs(t, r.OperatorReadyToCommutate(), ErrNotCommutating)

		h.answer(t, r, call)
		require.NoError(t, r.OperatorReadyToCommutate())
		requireState(t, r, Bridged)
		require.ErrorIs(t, r.Cancel("too late"), ErrAlreadyBridged)
	})

	t.Run("operator hangs up before commutation", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := h.queueCall(t, "main", 1)
		call := h.ringing(t, "100")
		h.answer(t, r, call)
		require.NoError(t, r.OperatorReadyToCommutate())

		call.Hangup(telephony.CompletedNormally)
		requireState(t, r, Rejected)
		assert.Contains(t, r.RejectReason(), "operator hung up")
		assert.Empty(t, h.tel.Bridges())
		require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.cq.metrics.rejected.WithLabelValues("main", classCommutationFailed)))
	})

	t.Run("abonent hangs up once bridged", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := h.queueCall(t, "main", 1)
		call := h.ringing(t, "100")
		h.answer(t, r, call)
		require.NoError(t, r.OperatorReadyToCommutate())
		require.NoError(t, r.AbonentReadyToCommutate())
		requireState(t, r, Bridged)

		r.AbonentConversationStopped()
		assert.Equal(t, Disconnected, r.State())
		require.Eventually(t, call.Stopped, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 1, h.events.Count(r, "disconnected"))
	})

	t.Run("abonent hangs up while commutating", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		r := h.queueCall(t, "main", 1)
		call := h.ringing(t, "100")
		h.answer(t, r, call)

		r.AbonentConversationStopped()
		assert.Equal(t, Rejected, r.State())
		assert.Equal(t, "abonent hung up", r.RejectReason())
		require.Eventually(t, call.Stopped, time.Second, time.Millisecond)
		assert.Equal(t, 1, h.events.Count(r, "rejected:abonent hung up"))
	})

	t.Run("bridge failure", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil)
		h.tel.FailBridges(true, fmt.Errorf("no media server"))
		r := h.queueCall(t, "main", 1)
		call := h.ringing(t, "100")
		h.answer(t, r, call)
		require.NoError(t, r.OperatorReadyToCommutate())
		require.NoError(t, r.AbonentReadyToCommutate())

		requireState(t, r, Rejected)
		assert.Contains(t, r.RejectReason(), "no media server")
		require.Eventually(t, call.Stopped, time.Second, time.Millisecond)
	})
}

func TestCallQueue_ManyRequestsAllGetBridged(t *testing.T) {
	const requests = 20

	cfg := testConfig()
	cfg.Operators = append(cfg.Operators, OperatorConfig{Name: "carol", Numbers: []string{"300"}})
	cfg.Queues[0].MaxSize = requests
	cfg.Queues[0].Tiers[0].Operators = []string{"alice", "bob", "carol"}
	cfg.Queues[0].Tiers[0].OnBusy = []StepConfig{{Type: stepHold}}
	pool := endpoint.NewStaticPool(endpoint.Config{Addresses: []string{"sip:line-1", "sip:line-2"}}, log.NewNopLogger(), nil)
	h := newHarness(t, cfg, pool, fake.WithBehaviour(fake.AutoAnswer(time.Millisecond)))

	h.events.onGreeting = func(r *Request) {
		assert.NoError(t, r.OperatorReadyToCommutate())
		assert.NoError(t, r.AbonentReadyToCommutate())
	}
	h.events.onCommutated = func(r *Request) {
		r.AbonentConversationStopped()
	}

	var all []*Request
	for i := 0; i < requests; i++ {
		all = append(all, h.queueCall(t, "main", 1))
	}

	for _, r := range all {
		requireState(t, r, Disconnected)
		assert.Equal(t, 1, h.events.Count(r, "commutated"))
	}
	assert.Len(t, h.tel.Bridges(), requests)
	require.Eventually(t, func() bool { return pool.Free() == 2 }, time.Second, time.Millisecond)
}
