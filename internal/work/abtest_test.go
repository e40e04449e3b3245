package work

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedPairs holds its first FetchPair until release is closed.
type gatedPairs struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedPairs) FetchPair(ctx context.Context, item WorkItem) (ABTestAssignment, error) {
	if g.calls.Add(1) == 1 {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ABTestAssignment{}, ctx.Err()
		}
	}
	return ABTestAssignment{
		PairID:  "pair-" + item.ID,
		OptionA: ABOption{ContributionID: "c-a"},
		OptionB: ABOption{ContributionID: "c-b"},
	}, nil
}

func pairItem(id string) WorkItem {
	return WorkItem{ID: id, Kind: KindTranscription, RequiresComparison: true}
}

// beginBlocked starts a Begin whose pair fetch is held and returns a
// function that releases it and waits for its result.
func beginBlocked(t *testing.T, c *ABController, pairs *gatedPairs, item WorkItem) func() (ABTestAssignment, error) {
	t.Helper()
	var (
		wg  sync.WaitGroup
		got ABTestAssignment
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = c.Begin(context.Background(), item)
	}()
	require.Eventually(t, func() bool { return pairs.calls.Load() == 1 }, time.Second, time.Millisecond)
	return func() (ABTestAssignment, error) {
		close(pairs.release)
		wg.Wait()
		return got, err
	}
}

func TestLateBeginDoesNotReopenResolvedComparison(t *testing.T) {
	pairs := &gatedPairs{release: make(chan struct{})}
	var flips atomic.Int32
	c := NewABController(pairs, func() bool { flips.Add(1); return true })
	item := pairItem("A")

	finish := beginBlocked(t, c, pairs, item)

	a, err := c.Begin(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "pair-A", a.PairID)
	_, err = c.Resolve(ChoiceA)
	require.NoError(t, err)

	_, err = finish()
	assert.ErrorIs(t, err, ErrNoComparison)

	d, ok := c.Decision("A")
	assert.True(t, ok)
	assert.Equal(t, ChoiceA, d)
	assert.False(t, c.Pending(item))
	_, open := c.Active()
	assert.False(t, open)
	assert.Equal(t, int32(1), flips.Load())
}

func TestLateBeginAfterResetInstallsNothing(t *testing.T) {
	pairs := &gatedPairs{release: make(chan struct{})}
	c := NewABController(pairs, func() bool { return true })
	item := pairItem("A")

	finish := beginBlocked(t, c, pairs, item)
	c.Reset()

	_, err := finish()
	assert.ErrorIs(t, err, ErrNoComparison)
	_, open := c.Active()
	assert.False(t, open)
	assert.True(t, c.Pending(item))
}

func TestConcurrentBeginsShareOneAssignment(t *testing.T) {
	pairs := &gatedPairs{release: make(chan struct{})}
	var flips atomic.Int32
	c := NewABController(pairs, func() bool { return flips.Add(1)%2 == 1 })
	item := pairItem("A")

	finish := beginBlocked(t, c, pairs, item)
	first, err := c.Begin(context.Background(), item)
	require.NoError(t, err)

	late, err := finish()
	require.NoError(t, err)
	assert.Equal(t, first, late)
	assert.Equal(t, int32(1), flips.Load())
}
