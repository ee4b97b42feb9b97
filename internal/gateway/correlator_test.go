// correlator_test.go — Slot lifecycle: exactly-once resolution, timeout
// race, duplicate registration.
package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

func TestCorrelatorCompleteDeliversOnce(t *testing.T) {
	c := NewCorrelator(nil)
	slot, err := c.Register("req-1", "conn-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	msg := &anpx.Message{Type: anpx.TypeResponse, RequestID: "req-1"}
	assert.True(t, c.Complete("req-1", msg))
	assert.Equal(t, 0, c.Len())

	res := <-slot.Done()
	require.NoError(t, res.Err)
	assert.Same(t, msg, res.Msg)

	// Second resolution of any kind is a no-op.
	assert.False(t, c.Complete("req-1", msg))
	assert.False(t, c.Fail("req-1", ErrTunnelLost))
}

func TestCorrelatorDuplicateRequestID(t *testing.T) {
	c := NewCorrelator(nil)
	_, err := c.Register("req-1", "conn-1", time.Minute)
	require.NoError(t, err)

	_, err = c.Register("req-1", "conn-2", time.Minute)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
	assert.Equal(t, 1, c.Len())
}

func TestCorrelatorTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCorrelator(clock)
	slot, err := c.Register("req-1", "conn-1", 2*time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	res := <-slot.Done()
	require.ErrorIs(t, res.Err, ErrRequestTimeout)
	assert.Equal(t, 0, c.Len())

	// A response arriving after the deadline fired is a no-op.
	assert.False(t, c.Complete("req-1", &anpx.Message{RequestID: "req-1"}))
}

func TestCorrelatorTimeoutResponseRace(t *testing.T) {
	// Fire Complete and Fail concurrently many times: exactly one must win
	// each round, and the slot channel must deliver exactly one result.
	c := NewCorrelator(nil)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("req-%d", i)
		slot, err := c.Register(id, "conn-1", time.Minute)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wins := make(chan bool, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			wins <- c.Complete(id, &anpx.Message{RequestID: id})
		}()
		go func() {
			defer wg.Done()
			wins <- c.Fail(id, ErrRequestTimeout)
		}()
		wg.Wait()
		close(wins)

		won := 0
		for w := range wins {
			if w {
				won++
			}
		}
		require.Equal(t, 1, won, "round %d", i)

		<-slot.Done()
		select {
		case extra := <-slot.Done():
			t.Fatalf("round %d: second result delivered: %+v", i, extra)
		default:
		}
	}
}

func TestCorrelatorFailKinds(t *testing.T) {
	c := NewCorrelator(nil)
	slot, err := c.Register("req-1", "conn-1", time.Minute)
	require.NoError(t, err)

	require.True(t, c.Fail("req-1", ErrTunnelLost))
	res := <-slot.Done()
	assert.ErrorIs(t, res.Err, ErrTunnelLost)
	assert.Nil(t, res.Msg)
}
