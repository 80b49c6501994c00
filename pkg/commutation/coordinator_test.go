// SPDX-License-Identifier: AGPL-3.0-only

package commutation

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/callqueue/pkg/telephony"
	"github.com/grafana/callqueue/pkg/telephony/fake"
	util_test "github.com/grafana/callqueue/pkg/util/test"
)

func TestMain(m *testing.M) {
	util_test.VerifyNoLeakTestMain(m)
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	bridge telephony.Bridge
	reason string
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) OperatorReady() { l.record("operator-ready") }
func (l *recordingListener) AbonentReady()  { l.record("abonent-ready") }

func (l *recordingListener) Commutated(bridge telephony.Bridge) {
	l.mu.Lock()
	l.bridge = bridge
	l.mu.Unlock()
	l.record("commutated")
}

func (l *recordingListener) Disconnected(reason string) {
	l.mu.Lock()
	l.reason = reason
	l.mu.Unlock()
	l.record("disconnected")
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *recordingListener, *fake.Telephony) {
	t.Helper()
	tel := fake.New()
	t.Cleanup(tel.Close)

	l := &recordingListener{}
	operator := tel.NewConversation("operator", nil)
	abonent := tel.NewConversation("abonent", nil)
	return New(operator, abonent, tel, l, log.NewNopLogger()), l, tel
}

func TestCoordinator_BridgesOnceBothSidesAreReady(t *testing.T) {
	for name, readyInOrder := range map[string]func(c *Coordinator){
		"operator first": func(c *Coordinator) {
			c.OperatorReadyToCommutate()
			c.AbonentReadyToCommutate()
		},
		"abonent first": func(c *Coordinator) {
			c.AbonentReadyToCommutate()
			c.OperatorReadyToCommutate()
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, l, tel := newTestCoordinator(t)

			readyInOrder(c)

			require.Len(t, tel.Bridges(), 1)
			assert.Equal(t, 1, tel.Bridges()[0].Activations())
			assert.Same(t, tel.Bridges()[0], c.Bridge())
			assert.Contains(t, l.Events(), "operator-ready")
			assert.Contains(t, l.Events(), "abonent-ready")
			assert.Equal(t, "commutated", l.Events()[2])
		})
	}
}

func TestCoordinator_ConcurrentReadinessBridgesExactlyOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		c, l, tel := newTestCoordinator(t)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, ready := range []func(){c.OperatorReadyToCommutate, c.AbonentReadyToCommutate} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ready()
			}()
		}
		close(start)
		wg.Wait()

		require.Len(t, tel.Bridges(), 1)
		require.Len(t, l.Events(), 3)
		require.Equal(t, "commutated", l.Events()[2])

		// Repeating either signal after bridging has no further effect.
		c.OperatorReadyToCommutate()
		c.AbonentReadyToCommutate()
		require.False(t, c.Abort("too late"))
		require.Len(t, tel.Bridges(), 1)
		require.Len(t, l.Events(), 3)
	}
}

func TestCoordinator_AbortBeforeBothReady(t *testing.T) {
	c, l, tel := newTestCoordinator(t)

	c.OperatorReadyToCommutate()
	require.True(t, c.Abort("abonent hung up"))
	require.False(t, c.Abort("again"))
	c.AbonentReadyToCommutate()

	assert.Empty(t, tel.Bridges())
	assert.Nil(t, c.Bridge())
	assert.Equal(t, []string{"operator-ready", "disconnected"}, l.Events())
	assert.Equal(t, "abonent hung up", l.reason)
}

func TestCoordinator_BridgeFailureDisconnects(t *testing.T) {
	c, l, tel := newTestCoordinator(t)
	tel.FailBridges(false, errors.New("media server unavailable"))

	c.OperatorReadyToCommutate()
	c.AbonentReadyToCommutate()

	assert.Equal(t, []string{"operator-ready", "abonent-ready", "disconnected"}, l.Events())
	assert.Contains(t, l.reason, "media server unavailable")
	assert.Nil(t, c.Bridge())
}

type abortingBridger struct {
	telephony.Bridger
	c *Coordinator
}

func (b *abortingBridger) CreateBridge(a, o telephony.Conversation) (telephony.Bridge, error) {
	b.c.Abort("operator hung up")
	return b.Bridger.CreateBridge(a, o)
}

func TestCoordinator_AbortWhileBridgingWins(t *testing.T) {
	tel := fake.New()
	t.Cleanup(tel.Close)

	l := &recordingListener{}
	bridger := &abortingBridger{Bridger: tel}
	c := New(tel.NewConversation("operator", nil), tel.NewConversation("abonent", nil), bridger, l, log.NewNopLogger())
	bridger.c = c

	c.OperatorReadyToCommutate()
	c.AbonentReadyToCommutate()

	assert.Equal(t, []string{"operator-ready", "abonent-ready", "disconnected"}, l.Events())
	assert.Equal(t, "operator hung up", l.reason)
}
