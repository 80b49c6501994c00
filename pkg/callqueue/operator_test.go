// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperator_BackingOffAfterMissedCalls(t *testing.T) {
	op := newOperator(OperatorConfig{Name: "alice", Numbers: []string{"100"}}, 2, time.Minute, log.NewNopLogger())
	require.NotNil(t, op.breaker)

	for i := 0; i < 2; i++ {
		require.False(t, op.backingOff())
		require.True(t, op.tryAcquire())
		require.True(t, op.permit())
		op.recordMissed()
		op.release()
	}

	assert.True(t, op.backingOff())
	assert.False(t, op.tryAcquire())
	assert.False(t, op.Busy())
}

func TestOperator_AnsweredCallsKeepItAvailable(t *testing.T) {
	op := newOperator(OperatorConfig{Name: "alice", Numbers: []string{"100"}}, 2, time.Minute, log.NewNopLogger())

	for i := 0; i < 5; i++ {
		require.True(t, op.tryAcquire())
		require.True(t, op.permit())
		op.recordMissed()
		require.True(t, op.permit())
		op.recordAnswered()
		op.release()
	}
	assert.False(t, op.backingOff())
}

func TestOperator_WithoutBreaker(t *testing.T) {
	op := newOperator(OperatorConfig{Name: "alice", Numbers: []string{"100"}}, 0, time.Minute, log.NewNopLogger())
	assert.Nil(t, op.breaker)

	for i := 0; i < 10; i++ {
		require.True(t, op.permit())
		op.recordMissed()
	}
	assert.False(t, op.backingOff())
	assert.True(t, op.tryAcquire())
	assert.False(t, op.tryAcquire(), "an operator takes one call at a time")
}

func TestOperatorSession_NoCallPlacedDoesNotCountAsMissed(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorFailureThreshold = 1
	cfg.OperatorBackoff = time.Minute
	h := newHarness(t, cfg, nil)

	op := h.cq.Operator("alice")
	require.True(t, op.tryAcquire())
	require.True(t, op.permit())
	ep, err := h.pool.RequestEndpoint(context.Background(), "test", 1, time.Second)
	require.NoError(t, err)

	r := NewRequest("main", 1, h.tel.NewConversation("abonent", nil))
	r.mu.Lock()
	r.owner = h.cq
	r.state = Assigned
	r.operator = op.name
	r.mu.Unlock()

	// The session ends before its first invite, as when the executor refuses the work.
	s := newOperatorSession(h.cq, h.cq.queues["main"], r, op, ep)
	s.finishUnanswered()

	assert.False(t, op.breaker.IsOpen())
	assert.False(t, op.backingOff())

	// Back in queue, the request is offered to the same operator again.
	call := h.ringing(t, "100")
	assert.Len(t, h.tel.CallsTo("100"), 1)

	require.NoError(t, r.Cancel("done"))
	requireState(t, r, Rejected)
	require.Eventually(t, call.Stopped, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return freeEndpoints(h) == 1 }, time.Second, time.Millisecond)
}
