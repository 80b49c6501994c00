// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"fmt"
	"time"
)

// OnBusyPolicy tells the busy-handling chain what to do after a step left the request queued.
type OnBusyPolicy int

const (
	// GotoNextStep advances to the next step, which runs on the next dispatch cycle.
	GotoNextStep OnBusyPolicy = iota
	// LeaveAtThisStep runs the same step again on the next dispatch cycle.
	LeaveAtThisStep
	// ImmediatelyExecuteNextStep advances to the next step and runs it right away.
	ImmediatelyExecuteNextStep
)

func (p OnBusyPolicy) String() string {
	switch p {
	case GotoNextStep:
		return "goto_next_step"
	case LeaveAtThisStep:
		return "leave_at_this_step"
	case ImmediatelyExecuteNextStep:
		return "immediately_execute_next_step"
	default:
		return "unknown"
	}
}

// StepResult is the outcome of one busy-handling step.
type StepResult struct {
	LeaveInQueue bool
	Next         OnBusyPolicy

	// Reason is the rejection reason when the request does not stay in queue.
	Reason string

	moved     bool
	replaceBy *BusyChain
}

// Step is one stage of a busy-handling chain. The set of steps is closed: see the *Step types
// in this package.
type Step interface {
	Name() string
	process(sc *stepContext) StepResult
}

type stepContext struct {
	cq    *CallQueue
	queue *queue
	req   *Request
	now   time.Time
}

// BusyChain is an immutable sequence of steps run when no operator could take a request.
type BusyChain struct {
	steps []Step
}

func NewBusyChain(steps ...Step) *BusyChain {
	return &BusyChain{steps: append([]Step(nil), steps...)}
}

func (c *BusyChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.steps)
}

func (c *BusyChain) String() string {
	names := make([]string, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		names = append(names, c.steps[i].Name())
	}
	return fmt.Sprint(names)
}

// WaitForOperatorStep keeps the request at this step until it has been current for Timeout,
// then moves on to the next step immediately.
type WaitForOperatorStep struct {
	Timeout time.Duration
}

func (s WaitForOperatorStep) Name() string { return stepWait }

func (s WaitForOperatorStep) process(sc *stepContext) StepResult {
	if sc.now.Sub(sc.req.stepEnteredAt) < s.Timeout {
		return StepResult{LeaveInQueue: true, Next: LeaveAtThisStep}
	}
	return StepResult{LeaveInQueue: true, Next: ImmediatelyExecuteNextStep}
}

// RetryStep gives the operators one more dispatch cycle.
type RetryStep struct{}

func (RetryStep) Name() string { return stepRetry }

func (RetryStep) process(*stepContext) StepResult {
	return StepResult{LeaveInQueue: true, Next: GotoNextStep}
}

// HoldStep keeps the request in queue for as long as it takes.
type HoldStep struct{}

func (HoldStep) Name() string { return stepHold }

func (HoldStep) process(*stepContext) StepResult {
	return StepResult{LeaveInQueue: true, Next: LeaveAtThisStep}
}

// MoveToQueueStep moves the request to another queue, optionally changing its priority.
// If the target queue does not exist, has no tier for the priority or is full, the next step
// runs immediately.
type MoveToQueueStep struct {
	Queue    string
	Priority *int
}

func (s MoveToQueueStep) Name() string { return stepMoveToQueue }

func (s MoveToQueueStep) process(sc *stepContext) StepResult {
	priority := sc.req.priority
	if s.Priority != nil {
		priority = *s.Priority
	}

	target, ok := sc.cq.queues[s.Queue]
	if ok && target.tierFor(priority) != nil && sc.cq.move(sc.req, target, priority) {
		return StepResult{moved: true}
	}
	return StepResult{LeaveInQueue: true, Next: ImmediatelyExecuteNextStep}
}

// RejectStep rejects the request.
type RejectStep struct {
	Reason string
}

func (s RejectStep) Name() string { return stepReject }

func (s RejectStep) process(*stepContext) StepResult {
	return StepResult{Reason: s.Reason}
}

// ReplaceByStep permanently replaces the tier's busy-handling chain with Chain. The request
// starts over at the first step of the new chain in the same pass, and every other request of
// the tier switches to it the next time it runs out of operators.
type ReplaceByStep struct {
	Chain *BusyChain
}

func (s ReplaceByStep) Name() string { return stepReplaceBy }

func (s ReplaceByStep) process(*stepContext) StepResult {
	return StepResult{LeaveInQueue: true, Next: ImmediatelyExecuteNextStep, replaceBy: s.Chain}
}

// maxBusyIterations bounds how many steps run in one pass, so that chains replacing each
// other forever cannot stall a dispatcher.
const maxBusyIterations = 64

// handleBusy runs the tier's busy-handling chain for a request no operator could take. It
// returns true if the request was left in its queue.
func (cq *CallQueue) handleBusy(q *queue, t *tier, r *Request) bool {
	now := time.Now()
	for i := 0; i < maxBusyIterations; i++ {
		chain := t.Chain()
		if r.busyChain != chain {
			r.busyChain = chain
			r.onBusyStep = 0
			r.stepEnteredAt = now
		}

		if r.onBusyStep >= chain.Len() {
			cq.reject(r, classEndOfBusySequence, ReasonEndOfBusySequence)
			return false
		}

		res := chain.steps[r.onBusyStep].process(&stepContext{cq: cq, queue: q, req: r, now: now})
		switch {
		case res.replaceBy != nil:
			t.busyChain.CompareAndSwap(chain, res.replaceBy)
			continue
		case res.moved:
			return false
		case !res.LeaveInQueue:
			cq.reject(r, classBusyPolicy, res.Reason)
			return false
		}

		switch res.Next {
		case GotoNextStep:
			r.onBusyStep++
			r.stepEnteredAt = now
			return cq.requeue(q, r)
		case LeaveAtThisStep:
			return cq.requeue(q, r)
		case ImmediatelyExecuteNextStep:
			r.onBusyStep++
			r.stepEnteredAt = now
		}
	}

	cq.reject(r, classBusyPolicy, "busy-handling sequence did not settle")
	return false
}
