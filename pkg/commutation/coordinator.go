// SPDX-License-Identifier: AGPL-3.0-only

// Package commutation implements the rendezvous between an answered operator call and the
// waiting abonent: the two conversations are bridged once both sides declared themselves ready.
package commutation

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/callqueue/pkg/telephony"
)

// Listener is notified of the progress of one Coordinator. Each method is called at most
// once, and exactly one of Commutated and Disconnected is eventually called. Notifications
// are delivered in order and never concurrently.
type Listener interface {
	OperatorReady()
	AbonentReady()
	Commutated(bridge telephony.Bridge)
	Disconnected(reason string)
}

type state int

const (
	waiting state = iota
	bridging
	commutated
	disconnected
)

// Coordinator tracks the readiness of both sides of one call.
type Coordinator struct {
	operator telephony.Conversation
	abonent  telephony.Conversation
	bridger  telephony.Bridger
	listener Listener
	logger   log.Logger

	mu            sync.Mutex
	state         state
	operatorReady bool
	abonentReady  bool
	abortReason   string // Set when aborted while bridging.
	bridge        telephony.Bridge

	pending    []func()
	delivering bool
}

func New(operator, abonent telephony.Conversation, bridger telephony.Bridger, listener Listener, logger log.Logger) *Coordinator {
	return &Coordinator{
		operator: operator,
		abonent:  abonent,
		bridger:  bridger,
		listener: listener,
		logger:   log.With(logger, "operator_conversation", operator.ID(), "abonent_conversation", abonent.ID()),
	}
}

// OperatorReadyToCommutate marks the operator side ready. Only the first call has an effect.
func (c *Coordinator) OperatorReadyToCommutate() {
	c.ready(&c.operatorReady, c.listener.OperatorReady)
}

// AbonentReadyToCommutate marks the abonent side ready. Only the first call has an effect.
func (c *Coordinator) AbonentReadyToCommutate() {
	c.ready(&c.abonentReady, c.listener.AbonentReady)
}

func (c *Coordinator) ready(flag *bool, event func()) {
	c.mu.Lock()
	if c.state != waiting || *flag {
		c.mu.Unlock()
		return
	}
	*flag = true
	c.enqueueLocked(event)

	both := c.operatorReady && c.abonentReady
	if both {
		c.state = bridging
	}
	c.mu.Unlock()

	c.deliver()
	if both {
		c.commutate()
	}
}

func (c *Coordinator) commutate() {
	bridge, err := c.bridger.CreateBridge(c.operator, c.abonent)
	if err == nil {
		if err = bridge.Activate(); err != nil {
			level.Warn(c.logger).Log("msg", "failed to activate bridge", "bridge", bridge.ID(), "err", err)
		}
	} else {
		level.Warn(c.logger).Log("msg", "failed to create bridge", "err", err)
	}

	c.mu.Lock()
	switch {
	case err != nil:
		c.state = disconnected
		reason := "failed to bridge conversations: " + err.Error()
		c.enqueueLocked(func() { c.listener.Disconnected(reason) })
	case c.abortReason != "":
		c.state = disconnected
		reason := c.abortReason
		c.enqueueLocked(func() { c.listener.Disconnected(reason) })
	default:
		c.state = commutated
		c.bridge = bridge
		c.enqueueLocked(func() { c.listener.Commutated(bridge) })
		level.Debug(c.logger).Log("msg", "conversations commutated", "bridge", bridge.ID())
	}
	c.mu.Unlock()

	c.deliver()
}

// Abort reports that one of the sides went away. It returns false if the conversations were
// already commutated or the coordinator already disconnected, in which case nothing happens.
// An abort racing with bridging wins: Disconnected is reported once the bridging attempt ends.
func (c *Coordinator) Abort(reason string) bool {
	c.mu.Lock()
	switch c.state {
	case waiting:
		c.state = disconnected
		c.enqueueLocked(func() { c.listener.Disconnected(reason) })
	case bridging:
		if c.abortReason == "" {
			c.abortReason = reason
		}
	default:
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.deliver()
	return true
}

// Bridge returns the bridge once the conversations are commutated.
func (c *Coordinator) Bridge() telephony.Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge
}

func (c *Coordinator) enqueueLocked(fn func()) {
	c.pending = append(c.pending, fn)
}

// deliver runs pending notifications unless another goroutine is already doing so.
func (c *Coordinator) deliver() {
	c.mu.Lock()
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
