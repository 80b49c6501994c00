// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Operator is a human agent reachable on one or more phone numbers. An operator is shared by
// every tier listing it, and handles one call at a time.
type Operator struct {
	name    string
	numbers []string
	busy    *atomic.Bool

	// breaker stops calling an operator who keeps not answering. Nil when disabled.
	breaker circuitbreaker.CircuitBreaker[any]
}

func newOperator(cfg OperatorConfig, failureThreshold uint, backoff time.Duration, logger log.Logger) *Operator {
	o := &Operator{
		name:    cfg.Name,
		numbers: append([]string(nil), cfg.Numbers...),
		busy:    atomic.NewBool(false),
	}
	if failureThreshold > 0 {
		logger := log.With(logger, "operator", cfg.Name)
		o.breaker = circuitbreaker.NewBuilder[any]().
			WithFailureThreshold(failureThreshold).
			WithDelay(backoff).
			OnOpen(func(circuitbreaker.StateChangedEvent) {
				level.Warn(logger).Log("msg", "operator keeps missing calls, skipping it for a while", "backoff", backoff)
			}).
			OnClose(func(circuitbreaker.StateChangedEvent) {
				level.Info(logger).Log("msg", "operator answered again")
			}).
			Build()
	}
	return o
}

func (o *Operator) Name() string { return o.name }

func (o *Operator) Numbers() []string { return o.numbers }

// Busy reports whether one of the operator's calls is in progress.
func (o *Operator) Busy() bool { return o.busy.Load() }

// tryAcquire marks the operator busy, unless it already is or is backing off.
func (o *Operator) tryAcquire() bool {
	if o.backingOff() {
		return false
	}
	return o.busy.CompareAndSwap(false, true)
}

func (o *Operator) backingOff() bool {
	return o.breaker != nil && o.breaker.IsOpen() && o.breaker.RemainingDelay() > 0
}

func (o *Operator) release() {
	o.busy.Store(false)
}

// permit asks the breaker for the right to call the operator. It must be followed by exactly
// one of recordAnswered and recordMissed.
func (o *Operator) permit() bool {
	return o.breaker == nil || o.breaker.TryAcquirePermit()
}

func (o *Operator) recordAnswered() {
	if o.breaker != nil {
		o.breaker.RecordSuccess()
	}
}

func (o *Operator) recordMissed() {
	if o.breaker != nil {
		o.breaker.RecordFailure()
	}
}
