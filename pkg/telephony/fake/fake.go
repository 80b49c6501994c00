// SPDX-License-Identifier: AGPL-3.0-only

// Package fake provides an in-memory telephony layer. Calls are either driven by hand, which is
// what tests do, or answered and rejected automatically to simulate a pool of operators.
package fake

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony"
)

var (
	ErrNotRinging = errors.New("call is not ringing")
	ErrClosed     = errors.New("telephony is closed")
)

// Behaviour decides what happens to a freshly placed call. Returning ok=false leaves the call
// ringing until it is driven by hand or its invite timeout expires.
type Behaviour func(number string) (outcome Outcome, ok bool)

// Outcome is an automatic reaction to an invite.
type Outcome struct {
	Delay  time.Duration
	Answer bool

	// Code is the rejection code when Answer is false.
	Code telephony.CompletionCode

	// TalkDuration hangs up an answered call after the given time. Zero keeps it up until
	// it is stopped or its max duration expires.
	TalkDuration time.Duration
}

// Manual never reacts on its own.
func Manual(string) (Outcome, bool) { return Outcome{}, false }

// AutoAnswer answers every call after delay.
func AutoAnswer(delay time.Duration) Behaviour {
	return func(string) (Outcome, bool) { return Outcome{Delay: delay, Answer: true}, true }
}

// AutoReject rejects every call with code after delay.
func AutoReject(delay time.Duration, code telephony.CompletionCode) Behaviour {
	return func(string) (Outcome, bool) { return Outcome{Delay: delay, Code: code}, true }
}

type Option func(*Telephony)

func WithBehaviour(b Behaviour) Option {
	return func(t *Telephony) { t.behaviour = b }
}

func WithLogger(logger log.Logger) Option {
	return func(t *Telephony) { t.logger = logger }
}

// Telephony implements telephony.Inviter and telephony.Bridger.
type Telephony struct {
	logger    log.Logger
	behaviour Behaviour

	mu          sync.Mutex
	closed      bool
	calls       []*Call
	bridges     []*Bridge
	inviteErrs  map[string]error
	bridgeErr   error
	activateErr error
	entropy     *ulid.MonotonicEntropy
}

func New(opts ...Option) *Telephony {
	t := &Telephony{
		logger:     log.NewNopLogger(),
		behaviour:  Manual,
		inviteErrs: map[string]error{},
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailInvites makes every future invite to number fail with err. A nil err clears it.
func (t *Telephony) FailInvites(number string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.inviteErrs, number)
		return
	}
	t.inviteErrs[number] = err
}

// FailBridges makes bridge creation (create=true) or activation fail with err.
func (t *Telephony) FailBridges(create bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if create {
		t.bridgeErr = err
	} else {
		t.activateErr = err
	}
}

func (t *Telephony) Invite(ctx context.Context, req telephony.InviteRequest) (telephony.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if err := t.inviteErrs[req.Number]; err != nil {
		t.mu.Unlock()
		return nil, errors.Wrapf(err, "invite %s", req.Number)
	}
	c := &Call{
		id:              t.newIDLocked(),
		Number:          req.Number,
		Endpoint:        req.Endpoint,
		Script:          req.Script,
		Bindings:        req.Bindings,
		listener:        req.Listener,
		maxCallDuration: req.MaxCallDuration,
	}
	t.calls = append(t.calls, c)
	behaviour := t.behaviour
	t.mu.Unlock()

	level.Debug(t.logger).Log("msg", "call placed", "call", c.id, "number", req.Number, "endpoint", endpointAddress(req.Endpoint))

	if req.InviteTimeout > 0 {
		c.arm(time.AfterFunc(req.InviteTimeout, func() { _ = c.Reject(telephony.Timeout) }))
	}
	if outcome, ok := behaviour(req.Number); ok {
		c.arm(time.AfterFunc(outcome.Delay, func() { t.react(c, outcome) }))
	}
	return c, nil
}

func (t *Telephony) react(c *Call, outcome Outcome) {
	if !outcome.Answer {
		_ = c.Reject(outcome.Code)
		return
	}
	if err := c.Answer(); err != nil {
		return
	}
	if outcome.TalkDuration > 0 {
		c.arm(time.AfterFunc(outcome.TalkDuration, func() { c.Hangup(telephony.CompletedNormally) }))
	}
}

// NewConversation returns an already answered call, standing for the abonent side which
// reached the queue through an inbound call.
func (t *Telephony) NewConversation(number string, listener telephony.Listener) *Call {
	t.mu.Lock()
	c := &Call{id: t.newIDLocked(), Number: number, listener: listener, state: answered}
	t.calls = append(t.calls, c)
	t.mu.Unlock()
	return c
}

func (t *Telephony) CreateBridge(a, b telephony.Conversation) (telephony.Bridge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bridgeErr != nil {
		return nil, t.bridgeErr
	}
	br := &Bridge{id: t.newIDLocked(), A: a, B: b, activateErr: t.activateErr}
	t.bridges = append(t.bridges, br)
	return br, nil
}

// Calls returns every call placed or created so far, in order.
func (t *Telephony) Calls() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Call(nil), t.calls...)
}

// CallsTo returns the calls placed to number.
func (t *Telephony) CallsTo(number string) []*Call {
	var out []*Call
	for _, c := range t.Calls() {
		if c.Number == number {
			out = append(out, c)
		}
	}
	return out
}

func (t *Telephony) Bridges() []*Bridge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Bridge(nil), t.bridges...)
}

// Prune forgets stopped calls, and bridges both of whose sides stopped. Long running
// simulations call it to bound memory.
func (t *Telephony) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.calls[:0]
	for _, c := range t.calls {
		if !c.Stopped() {
			calls = append(calls, c)
		}
	}
	clear(t.calls[len(calls):])
	t.calls = calls

	bridges := t.bridges[:0]
	for _, b := range t.bridges {
		if !isStopped(b.A) || !isStopped(b.B) {
			bridges = append(bridges, b)
		}
	}
	clear(t.bridges[len(bridges):])
	t.bridges = bridges
}

func isStopped(conv telephony.Conversation) bool {
	c, ok := conv.(*Call)
	return !ok || c.Stopped()
}

// Close refuses further invites and hangs up every call still alive.
func (t *Telephony) Close() {
	t.mu.Lock()
	t.closed = true
	calls := append([]*Call(nil), t.calls...)
	t.mu.Unlock()

	for _, c := range calls {
		c.Stop()
	}
}

func (t *Telephony) newIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy).String()
}

func endpointAddress(e endpoint.Endpoint) string {
	if e == nil {
		return ""
	}
	return e.Address()
}

type callState int

const (
	ringing callState = iota
	answered
	stopped
)

// Call is a fake conversation. Listener callbacks are delivered in order and never
// concurrently; a callback triggered from within another callback is delivered once the
// outer one returns.
type Call struct {
	id       string
	Number   string
	Endpoint endpoint.Endpoint
	Script   string
	Bindings map[string]any

	listener        telephony.Listener
	maxCallDuration time.Duration

	mu         sync.Mutex
	state      callState
	code       telephony.CompletionCode
	timers     []*time.Timer
	pending    []func()
	delivering bool
}

func (c *Call) ID() string { return c.id }

// Answer simulates the remote side picking up.
func (c *Call) Answer() error {
	c.mu.Lock()
	if c.state != ringing {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.state = answered
	c.mu.Unlock()

	if c.maxCallDuration > 0 {
		c.arm(time.AfterFunc(c.maxCallDuration, func() { c.Hangup(telephony.Timeout) }))
	}
	c.deliver(func(l telephony.Listener) { l.ConversationStarted(c) })
	c.deliver(func(l telephony.Listener) { l.IncomingMediaStarted(c) })
	c.deliver(func(l telephony.Listener) { l.OutgoingMediaStarted(c) })
	return nil
}

// Reject simulates the remote side declining or never answering.
func (c *Call) Reject(code telephony.CompletionCode) error {
	if !c.stop(code, true) {
		return ErrNotRinging
	}
	return nil
}

// Hangup terminates the call with code, whatever state it is in.
func (c *Call) Hangup(code telephony.CompletionCode) {
	c.stop(code, false)
}

func (c *Call) Stop() {
	c.mu.Lock()
	code := telephony.CompletedNormally
	if c.state == ringing {
		code = telephony.Canceled
	}
	c.mu.Unlock()

	c.stop(code, false)
}

func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != ringing
}

func (c *Call) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stopped
}

func (c *Call) Ringing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ringing
}

// Code returns the completion code of a stopped call.
func (c *Call) Code() telephony.CompletionCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Call) stop(code telephony.CompletionCode, onlyRinging bool) bool {
	c.mu.Lock()
	if c.state == stopped || (onlyRinging && c.state != ringing) {
		c.mu.Unlock()
		return false
	}
	c.state = stopped
	c.code = code
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	c.deliver(func(l telephony.Listener) { l.ConversationStopped(c, code) })
	return true
}

func (c *Call) arm(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stopped {
		t.Stop()
		return
	}
	c.timers = append(c.timers, t)
}

func (c *Call) deliver(fn func(telephony.Listener)) {
	if c.listener == nil {
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, func() { fn(c.listener) })
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		next()
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

// Bridge is a fake media bridge.
type Bridge struct {
	id   string
	A, B telephony.Conversation

	activateErr error

	mu        sync.Mutex
	activated int
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) Activate() error {
	if b.activateErr != nil {
		return b.activateErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activated++
	return nil
}

// Activations returns how many times Activate succeeded.
func (b *Bridge) Activations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activated
}
