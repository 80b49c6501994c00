// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/grafana/callqueue/pkg/commutation"
	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony"
)

// operatorSession calls an operator on behalf of an assigned request, trying the operator's
// numbers in order on the leased endpoint. The endpoint is released exactly once, when the
// last call of the session stops.
type operatorSession struct {
	cq     *CallQueue
	q      *queue
	req    *Request
	op     *Operator
	ep     endpoint.Endpoint
	logger log.Logger

	releaseOnce sync.Once

	// mu is held while placing a call, so callbacks of that call wait until it is recorded.
	mu        sync.Mutex
	next      int
	conv      telephony.Conversation
	answered  bool
	stopWatch func() bool
}

func newOperatorSession(cq *CallQueue, q *queue, r *Request, op *Operator, ep endpoint.Endpoint) *operatorSession {
	return &operatorSession{
		cq:     cq,
		q:      q,
		req:    r,
		op:     op,
		ep:     ep,
		logger: log.With(q.logger, "request", r.id, "operator", op.name, "endpoint", ep.Address()),
	}
}

// inviteNext calls the next number of the operator, giving up when there is none left.
func (s *operatorSession) inviteNext() {
	s.mu.Lock()
	for s.next < len(s.op.numbers) && s.req.ctx.Err() == nil {
		number := s.op.numbers[s.next]
		s.next++

		conv, err := s.cq.inviter.Invite(s.req.ctx, telephony.InviteRequest{
			Endpoint:        s.ep,
			Number:          number,
			InviteTimeout:   s.cq.cfg.InviteTimeout,
			MaxCallDuration: s.cq.cfg.MaxCallDuration,
			Listener:        s,
			Script:          s.cq.cfg.OperatorScript,
			Bindings: map[string]any{
				"request":    s.req,
				"request_id": s.req.id,
				"queue":      s.q.name,
				"operator":   s.op.name,
			},
		})
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to call operator", "number", number, "err", err)
			s.cq.metrics.operatorCalls.WithLabelValues(s.op.name, "invite_failed").Inc()
			continue
		}

		s.conv = conv
		// Hang up as soon as the request is canceled or otherwise done.
		s.stopWatch = context.AfterFunc(s.req.ctx, conv.Stop)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.finishUnanswered()
}

func (s *operatorSession) ConversationStarted(conv telephony.Conversation) {
	s.mu.Lock()
	if conv != s.conv || s.answered {
		s.mu.Unlock()
		return
	}
	s.answered = true
	s.mu.Unlock()

	s.op.recordAnswered()
	s.cq.metrics.operatorCalls.WithLabelValues(s.op.name, "answered").Inc()

	if err := s.cq.startCommutation(s.q, s.req, conv); err != nil {
		level.Debug(s.logger).Log("msg", "operator answered a request which is gone, hanging up", "err", err)
		conv.Stop()
	}
}

func (s *operatorSession) IncomingMediaStarted(conv telephony.Conversation) {
	level.Debug(s.logger).Log("msg", "incoming media started", "conversation", conv.ID())
}

func (s *operatorSession) OutgoingMediaStarted(conv telephony.Conversation) {
	level.Debug(s.logger).Log("msg", "outgoing media started", "conversation", conv.ID())
}

func (s *operatorSession) ConversationStopped(conv telephony.Conversation, code telephony.CompletionCode) {
	s.mu.Lock()
	if conv != s.conv {
		s.mu.Unlock()
		return
	}
	answered := s.answered
	stopWatch := s.stopWatch
	s.stopWatch = nil
	more := s.next < len(s.op.numbers)
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}

	if answered {
		s.release()
		s.cq.operatorHungUp(s.req, code)
		return
	}

	level.Debug(s.logger).Log("msg", "operator did not answer", "conversation", conv.ID(), "code", code)
	s.cq.metrics.operatorCalls.WithLabelValues(s.op.name, code.String()).Inc()
	if more && s.req.ctx.Err() == nil {
		if err := s.cq.executor.Go(s.req.ctx, s.inviteNext); err == nil {
			return
		}
	}
	s.finishUnanswered()
}

// finishUnanswered ends a session in which the operator never answered, and puts the request
// back in its queue unless it is gone.
func (s *operatorSession) finishUnanswered() {
	s.mu.Lock()
	called := s.next > 0
	s.mu.Unlock()

	if !called || s.req.ctx.Err() != nil {
		// Not the operator's fault, but the breaker permit has to be returned.
		s.op.recordAnswered()
	} else {
		s.op.recordMissed()
	}
	s.release()
	s.cq.retryLater(s.q, s.req)
}

func (s *operatorSession) release() {
	s.releaseOnce.Do(func() {
		s.op.release()
		s.cq.releaseEndpoint(s.ep)
	})
}

// retryLater puts back in queue a request whose operator did not answer. Dispatching resumes
// with the next operator of the tier.
func (cq *CallQueue) retryLater(q *queue, r *Request) {
	if cq.State() != services.Running {
		cq.reject(r, classStopped, ReasonStopped)
		return
	}

	if !cq.enqueue(q, r, Assigned) {
		if r.State() == Assigned {
			cq.reject(r, classQueueFull, fmt.Sprintf("queue %q is full", q.name))
		}
		return
	}

	// The queue may have been drained by a shutdown in the meantime.
	if cq.State() != services.Running && q.bpq.RemoveElement(r) {
		cq.reject(r, classStopped, ReasonStopped)
	}
}

// startCommutation moves an assigned request whose operator answered to Commutating.
func (cq *CallQueue) startCommutation(q *queue, r *Request, conv telephony.Conversation) error {
	l := &commutationListener{cq: cq, q: q, r: r}

	r.mu.Lock()
	if err := r.transitionLocked(Commutating); err != nil {
		r.mu.Unlock()
		return err
	}
	c := commutation.New(conv, r.abonent, cq.bridger, l, log.With(q.logger, "request", r.id))
	r.coordinator = c
	r.operatorConv = conv
	abonentReady := r.abonentReady
	r.mu.Unlock()

	r.notify(func(l Listener) { l.OperatorGreeting(r) })
	if abonentReady {
		c.AbonentReadyToCommutate()
	}
	return nil
}

// operatorHungUp handles the end of an answered operator call.
func (cq *CallQueue) operatorHungUp(r *Request, code telephony.CompletionCode) {
	r.mu.Lock()
	state, c := r.state, r.coordinator
	r.mu.Unlock()

	switch state {
	case Bridged:
		cq.disconnect(r)
	case Commutating:
		if c.Abort(fmt.Sprintf("operator hung up before commutation (%s)", code)) {
			return
		}

		// Commutated, but the request did not observe it yet.
		r.mu.Lock()
		if r.state == Bridged {
			r.mu.Unlock()
			cq.disconnect(r)
			return
		}
		r.hangupPending = true
		r.mu.Unlock()
	}
}

// commutationListener applies the outcome of a commutation to its request.
type commutationListener struct {
	cq *CallQueue
	q  *queue
	r  *Request
}

func (l *commutationListener) OperatorReady() {
	l.r.notify(func(lst Listener) { lst.ReadyToCommutate(l.r) })
}

func (l *commutationListener) AbonentReady() {
	level.Debug(l.q.logger).Log("msg", "abonent ready to commutate", "request", l.r.id)
}

func (l *commutationListener) Commutated(bridge telephony.Bridge) {
	r := l.r
	r.mu.Lock()
	err := r.transitionLocked(Bridged)
	hangupPending := r.hangupPending
	r.mu.Unlock()
	if err != nil {
		return
	}

	l.cq.metrics.commutations.WithLabelValues(l.q.name).Inc()
	l.cq.metrics.timeToBridge.WithLabelValues(l.q.name).Observe(time.Since(r.createdAt).Seconds())
	level.Debug(l.q.logger).Log("msg", "request commutated", "request", r.id, "bridge", bridge.ID())
	r.notify(func(lst Listener) { lst.Commutated(r) })

	if hangupPending {
		l.cq.disconnect(r)
	}
}

func (l *commutationListener) Disconnected(reason string) {
	l.cq.reject(l.r, classCommutationFailed, reason)
}
