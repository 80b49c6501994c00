// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	all := []State{Created, Queued, Dispatching, Assigned, Commutating, Bridged, Disconnected, Rejected}
	allowed := map[State]map[State]bool{
		Created:     {Queued: true, Rejected: true},
		Queued:      {Dispatching: true, Rejected: true},
		Dispatching: {Queued: true, Assigned: true, Rejected: true},
		Assigned:    {Queued: true, Commutating: true, Rejected: true},
		Commutating: {Bridged: true, Rejected: true},
		Bridged:     {Disconnected: true},
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[from][to], canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, Rejected.Terminal())
	assert.True(t, Disconnected.Terminal())
	assert.False(t, Bridged.Terminal())
	assert.Equal(t, "commutating", Commutating.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRequest_Transition(t *testing.T) {
	r := NewRequest("main", 1, nil)
	assert.Equal(t, Created, r.State())
	assert.Equal(t, -1, r.operatorIndex)
	assert.NotEmpty(t, r.ID())

	require.NoError(t, r.transition(Queued))
	require.ErrorIs(t, r.transition(Bridged), ErrInvalidTransition)
	assert.Equal(t, Queued, r.State())

	require.NoError(t, r.transition(Dispatching))
	require.NoError(t, r.transition(Rejected))
	select {
	case <-r.Done():
	default:
		t.Fatal("reaching a terminal state must cancel the request context")
	}
	require.ErrorIs(t, r.transition(Queued), ErrInvalidTransition)
}

func TestRequest_IDsAreUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewRequest("main", 1, nil).ID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
