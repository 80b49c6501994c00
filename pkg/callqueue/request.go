// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/grafana/callqueue/pkg/commutation"
	"github.com/grafana/callqueue/pkg/telephony"
)

// Listener is notified of the lifecycle of requests. Delivery is at-least-once per event type
// and request, and may happen concurrently from different goroutines.
type Listener interface {
	Queued(r *Request)
	AssignedToOperator(r *Request, operator string)
	OperatorGreeting(r *Request)
	ReadyToCommutate(r *Request)
	Commutated(r *Request)
	Disconnected(r *Request)
	Rejected(r *Request, reason string)
}

// NopListener can be embedded to implement only some of the Listener methods.
type NopListener struct{}

func (NopListener) Queued(*Request)                     {}
func (NopListener) AssignedToOperator(*Request, string) {}
func (NopListener) OperatorGreeting(*Request)           {}
func (NopListener) ReadyToCommutate(*Request)           {}
func (NopListener) Commutated(*Request)                 {}
func (NopListener) Disconnected(*Request)               {}
func (NopListener) Rejected(*Request, string)           {}

// Request is an abonent call waiting for an operator.
type Request struct {
	id        string
	abonent   telephony.Conversation
	listeners []Listener
	createdAt time.Time

	// ctx is canceled once the request reaches a terminal state. Everything working on
	// behalf of the request, such as a ringing operator call, watches it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	queueName     string
	priority      int
	owner         *CallQueue
	queue         *queue
	reason        string
	operator      string
	operatorConv  telephony.Conversation
	coordinator   *commutation.Coordinator
	abonentReady  bool
	hangupPending bool

	// Owned by whoever holds the request out of any queue: the dispatcher while the request
	// is Dispatching, the operator session while it is Assigned.
	operatorIndex int
	onBusyStep    int
	busyChain     *BusyChain
	stepEnteredAt time.Time
	lastQueued    time.Time
}

// NewRequest creates a request for the abonent conversation, to be admitted to queueName
// with the given priority.
func NewRequest(queueName string, priority int, abonent telephony.Conversation, listeners ...Listener) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		id:            uuid.NewString(),
		abonent:       abonent,
		listeners:     listeners,
		createdAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		queueName:     queueName,
		priority:      priority,
		operatorIndex: -1,
	}
}

func (r *Request) ID() string { return r.id }

func (r *Request) Abonent() telephony.Conversation { return r.abonent }

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// QueueName returns the queue the request is currently targeted at. It changes when the
// request is moved by a busy-handling step.
func (r *Request) QueueName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueName
}

func (r *Request) Priority() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

// Operator returns the name of the last operator the request was assigned to.
func (r *Request) Operator() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operator
}

// RejectReason returns why the request was rejected, if it was.
func (r *Request) RejectReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Done is closed once the request reached a terminal state.
func (r *Request) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Cancel rejects the request with reason, wherever it is before being bridged: it is removed
// from its queue, a ringing operator call is hung up and a pending commutation is aborted.
// Canceling a request which is already rejected or disconnected does nothing.
func (r *Request) Cancel(reason string) error {
	r.mu.Lock()
	state, owner := r.state, r.owner
	r.mu.Unlock()

	switch {
	case state == Bridged:
		return ErrAlreadyBridged
	case state.Terminal():
		return nil
	}

	if owner != nil {
		if owner.reject(r, classCanceled, reason) {
			return nil
		}
	} else if r.reject(reason) {
		r.notify(func(l Listener) { l.Rejected(r, reason) })
		return nil
	}

	if r.State() == Bridged {
		return ErrAlreadyBridged
	}
	return nil
}

// OperatorReadyToCommutate signals that the operator, who answered the call, is ready to be
// connected to the abonent.
func (r *Request) OperatorReadyToCommutate() error {
	r.mu.Lock()
	c := r.coordinator
	r.mu.Unlock()

	if c == nil {
		return ErrNotCommutating
	}
	c.OperatorReadyToCommutate()
	return nil
}

// AbonentReadyToCommutate signals that the abonent is ready to be connected. Signaling it before
// the operator answered is remembered and applied once the commutation starts.
func (r *Request) AbonentReadyToCommutate() error {
	r.mu.Lock()
	c := r.coordinator
	if c == nil {
		if r.state.Terminal() || r.state == Bridged {
			r.mu.Unlock()
			return ErrNotCommutating
		}
		r.abonentReady = true
	}
	r.mu.Unlock()

	if c != nil {
		c.AbonentReadyToCommutate()
	}
	return nil
}

// AbonentConversationStopped reports that the abonent hung up. A bridged request is
// disconnected, any other one is canceled.
func (r *Request) AbonentConversationStopped() {
	r.mu.Lock()
	state, owner := r.state, r.owner
	r.mu.Unlock()

	if state == Bridged && owner != nil {
		owner.disconnect(r)
		return
	}
	_ = r.Cancel("abonent hung up")
}

// transitionLocked moves the request to the given state if the lifecycle allows it.
func (r *Request) transitionLocked(to State) error {
	if !canTransition(r.state, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", r.state, to)
	}
	r.state = to
	if to.Terminal() {
		r.cancel()
	}
	return nil
}

func (r *Request) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

// reject moves the request to Rejected and undoes its queue membership and commutation. It
// returns false if the request could not be rejected anymore. Listeners are not notified.
func (r *Request) reject(reason string) bool {
	r.mu.Lock()
	if err := r.transitionLocked(Rejected); err != nil {
		r.mu.Unlock()
		return false
	}
	r.reason = reason
	q, c := r.queue, r.coordinator
	r.mu.Unlock()

	if q != nil {
		q.bpq.RemoveElement(r)
	}
	if c != nil {
		c.Abort(reason)
	}
	return true
}

func (r *Request) notify(fn func(Listener)) {
	for _, l := range r.listeners {
		fn(l)
	}

	r.mu.Lock()
	owner := r.owner
	r.mu.Unlock()
	if owner != nil {
		for _, l := range owner.listeners {
			fn(l)
		}
	}
}

// bucketPriority is only called by the queue holding the request, while the priority cannot
// change.
func bucketPriority(r *Request) int {
	return r.priority
}
