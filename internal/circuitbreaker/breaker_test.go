package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clk.now
	return b, clk
}

var errOutage = errors.New("connection refused")

func fail() error { return errOutage }
func ok() error   { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)

	assert.ErrorIs(t, b.Do("charge", fail, nil), errOutage)
	assert.ErrorIs(t, b.Do("charge", fail, nil), errOutage)
	assert.Equal(t, StateClosed, b.State("charge"))

	assert.ErrorIs(t, b.Do("charge", fail, nil), errOutage)
	assert.Equal(t, StateOpen, b.State("charge"))

	called := false
	err := b.Do("charge", func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open circuit must not call through")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(2, time.Minute)

	_ = b.Do("charge", fail, nil)
	require.NoError(t, b.Do("charge", ok, nil))
	_ = b.Do("charge", fail, nil)
	assert.Equal(t, StateClosed, b.State("charge"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clk := newBreaker(1, time.Minute)
	_ = b.Do("transfer", fail, nil)
	require.Equal(t, StateOpen, b.State("transfer"))

	clk.advance(59 * time.Second)
	assert.False(t, b.Allow("transfer"))

	clk.advance(time.Second)
	assert.True(t, b.Allow("transfer"), "cooldown elapsed admits a trial call")
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "only one trial call at a time")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
	assert.True(t, b.Allow("transfer"))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, clk := newBreaker(1, time.Minute)
	_ = b.Do("refund", fail, nil)
	clk.advance(time.Minute)

	assert.ErrorIs(t, b.Do("refund", fail, nil), errOutage)
	assert.Equal(t, StateOpen, b.State("refund"))

	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("refund"), "cooldown restarts from the failed trial call")
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	_ = b.Do("transfer", fail, nil)

	assert.True(t, b.Allow("charge"))
	assert.Equal(t, []string{"transfer"}, b.OpenKeys())
	assert.Equal(t, StateClosed, b.State("never-seen"))
}

func TestBreakerDoCountsOnlySelectedFailures(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	declined := errors.New("card declined")
	outagesOnly := func(err error) bool { return errors.Is(err, errOutage) }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do("charge", func() error { return declined }, outagesOnly), declined)
	}
	assert.Equal(t, StateClosed, b.State("charge"))

	_ = b.Do("charge", fail, outagesOnly)
	assert.Equal(t, StateOpen, b.State("charge"))
}

func TestBreakerOnTransition(t *testing.T) {
	b, clk := newBreaker(1, time.Minute)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	_ = b.Do("charge", fail, nil)
	clk.advance(time.Minute)
	_ = b.Do("charge", ok, nil)

	assert.Equal(t, []string{
		"charge:closed->open",
		"charge:open->half_open",
		"charge:half_open->closed",
	}, got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
