// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"github.com/go-kit/log"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/grafana/callqueue/pkg/callqueue/bpq"
)

// queue is one named queue with its own dispatcher.
type queue struct {
	name    string
	bpq     *bpq.Queue[*Request]
	tiers   map[int]*tier
	limiter *rate.Limiter // nil when admission is not rate limited.
	logger  log.Logger

	// wakeup is signaled when something may let a waiting request through: a new request,
	// or an operator or endpoint becoming free.
	wakeup chan struct{}
}

func newQueue(cfg QueueConfig, operators map[string]*Operator, logger log.Logger) *queue {
	q := &queue{
		name:   cfg.Name,
		bpq:    bpq.New[*Request](cfg.MaxSize, bucketPriority),
		tiers:  make(map[int]*tier, len(cfg.Tiers)),
		logger: log.With(logger, "queue", cfg.Name),
		wakeup: make(chan struct{}, 1),
	}
	if cfg.MaxAdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.MaxAdmissionRate), burst)
	}

	for _, tc := range cfg.Tiers {
		t := &tier{
			priority:  tc.Priority,
			busyChain: atomic.NewPointer(BuildBusyChain(tc.OnBusy)),
		}
		for _, name := range tc.Operators {
			t.operators = append(t.operators, operators[name])
		}
		q.tiers[tc.Priority] = t
	}
	return q
}

func (q *queue) tierFor(priority int) *tier {
	return q.tiers[priority]
}

func (q *queue) wake() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// tier is the set of operators serving one priority of a queue.
type tier struct {
	priority  int
	operators []*Operator
	busyChain *atomic.Pointer[BusyChain]
}

// Chain returns the busy-handling chain currently in effect.
func (t *tier) Chain() *BusyChain {
	return t.busyChain.Load()
}
