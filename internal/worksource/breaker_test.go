package worksource

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalflow/internal/work"
)

var errNetwork = errors.New("connection refused")

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	b := NewBreaker(threshold, cooldown)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b.now = clk.now
	return b, clk
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	fail := func() error { return errNetwork }

	assert.ErrorIs(t, b.Call(fail), errNetwork)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Call(fail), errNetwork)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not reach upstream")
	assert.Equal(t, int64(1), b.Stats()["total_rejections"])
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Call(func() error { return errNetwork })
	require.NoError(t, b.Call(func() error { return nil }))
	_ = b.Call(func() error { return errNetwork })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	err := b.Call(func() error { return &HTTPError{Status: http.StatusBadRequest} })
	require.Error(t, err)
	_ = b.Call(func() error { return context.Canceled })
	assert.Equal(t, StateClosed, b.State())

	_ = b.Call(func() error { return &HTTPError{Status: http.StatusServiceUnavailable} })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Call(func() error { return errNetwork })
	require.Equal(t, StateOpen, b.State())

	clk.add(61 * time.Second)
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Call(func() error { return errNetwork })

	clk.add(2 * time.Minute)
	assert.ErrorIs(t, b.Call(func() error { return errNetwork }), errNetwork)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Call(func() error { return nil }), ErrCircuitOpen)
}

func TestClientFailsFastWhileOpen(t *testing.T) {
	u, srv := newUpstream(t)
	u.handle("/comparisons/vote", http.StatusInternalServerError, `boom`)
	b, _ := newTestBreaker(1, time.Minute)
	c := NewClient(srv.URL, "", time.Second, b)

	var he *HTTPError
	require.ErrorAs(t, c.Vote(context.Background(), work.Vote{PairID: "p1"}), &he)
	assert.ErrorIs(t, c.Vote(context.Background(), work.Vote{PairID: "p1"}), ErrCircuitOpen)
	assert.Equal(t, 1, u.count())
}
