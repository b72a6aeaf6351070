package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestPoller_FetchesOnMount(t *testing.T) {
	var changes atomic.Int32
	p := New("INV1", func(ctx context.Context, id string) (string, error) {
		return "sample-" + id, nil
	}, Options{OnChange: func() { changes.Add(1) }})
	defer p.Close()

	assert.True(t, p.State().Loading || p.State().HasData)
	require.Eventually(t, func() bool { return p.State().HasData }, waitFor, tick)

	st := p.State()
	assert.Equal(t, "sample-INV1", st.Data)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Err)
	assert.False(t, st.UpdatedAt.IsZero())
	assert.GreaterOrEqual(t, changes.Load(), int32(2))
}

func TestPoller_PollsOnInterval(t *testing.T) {
	var calls atomic.Int32
	p := New("INV1", func(ctx context.Context, id string) (int32, error) {
		return calls.Add(1), nil
	}, Options{Interval: 10 * time.Millisecond})
	defer p.Close()

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, waitFor, tick)
}

func TestPoller_ErrorKeepsStaleData(t *testing.T) {
	var fail atomic.Bool
	p := New("INV1", func(ctx context.Context, id string) (string, error) {
		if fail.Load() {
			return "", errors.New("failed to fetch data: 502 Bad Gateway")
		}
		return "good", nil
	}, Options{})
	defer p.Close()

	require.Eventually(t, func() bool { return p.State().HasData }, waitFor, tick)

	fail.Store(true)
	err := p.Refetch(context.Background())
	require.Error(t, err)

	st := p.State()
	assert.Equal(t, "good", st.Data)
	assert.Equal(t, "failed to fetch data: 502 Bad Gateway", st.Err)
	assert.False(t, st.Loading)

	fail.Store(false)
	require.NoError(t, p.Refetch(context.Background()))
	assert.Empty(t, p.State().Err)
}

func TestPoller_ErrorClearedWhileFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := New("INV1", func(ctx context.Context, id string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("boom")
		}
		<-release
		return "ok", nil
	}, Options{})
	defer p.Close()

	require.Eventually(t, func() bool { return p.State().Err == "boom" }, waitFor, tick)

	done := make(chan error, 1)
	go func() { done <- p.Refetch(context.Background()) }()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	st := p.State()
	assert.Empty(t, st.Err)
	assert.True(t, st.Loading)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "ok", p.State().Data)
}

func TestPoller_SlowStaleFetchDoesNotOverwriteNewer(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var slowDone sync.WaitGroup
	slowDone.Add(1)

	p := New("INV1", func(ctx context.Context, id string) (string, error) {
		if calls.Add(1) == 1 {
			defer slowDone.Done()
			<-release
			return "old", nil
		}
		return "new", nil
	}, Options{})
	defer p.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	require.NoError(t, p.Refetch(context.Background()))
	assert.Equal(t, "new", p.State().Data)

	close(release)
	slowDone.Wait()
	// give the slow result a chance to (wrongly) land
	time.Sleep(20 * time.Millisecond)

	st := p.State()
	assert.Equal(t, "new", st.Data)
	assert.Empty(t, st.Err)
}

func TestPoller_SetIDDiscardsOldIdentifier(t *testing.T) {
	release := make(chan struct{})
	var seen sync.Map
	p := New("A", func(ctx context.Context, id string) (string, error) {
		seen.Store(id, true)
		if id == "A" {
			<-release
		}
		return "data-" + id, nil
	}, Options{})
	defer p.Close()

	require.Eventually(t, func() bool { _, ok := seen.Load("A"); return ok }, waitFor, tick)
	p.SetID("B")
	require.Eventually(t, func() bool { return p.State().Data == "data-B" }, waitFor, tick)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "data-B", p.State().Data)
	assert.Equal(t, "B", p.State().ID)
}

func TestPoller_SetIDDropsPreviousData(t *testing.T) {
	releaseB := make(chan struct{})
	p := New("A", func(ctx context.Context, id string) (string, error) {
		if id == "B" {
			select {
			case <-releaseB:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "data-" + id, nil
	}, Options{})
	defer p.Close()

	require.Eventually(t, func() bool { return p.State().Data == "data-A" }, waitFor, tick)

	p.SetID("B")
	st := p.State()
	assert.Equal(t, "B", st.ID)
	assert.Empty(t, st.Data)
	assert.False(t, st.HasData)
	assert.True(t, st.Loading)
	assert.Empty(t, st.Err)
	assert.True(t, st.UpdatedAt.IsZero())

	close(releaseB)
	require.Eventually(t, func() bool { return p.State().Data == "data-B" }, waitFor, tick)
	assert.False(t, p.State().Loading)
}

func TestPoller_VisibilityForcesRefetch(t *testing.T) {
	visibility := make(chan bool)
	var calls atomic.Int32
	p := New("INV1", func(ctx context.Context, id string) (int32, error) {
		return calls.Add(1), nil
	}, Options{Interval: time.Hour, Visibility: visibility})
	defer p.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	visibility <- false
	visibility <- true
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)

	close(visibility)
	require.NoError(t, p.Refetch(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoller_DisabledOrEmptyIDNeverFetches(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, id string) (string, error) {
		calls.Add(1)
		return "x", nil
	}

	disabled := New("INV1", fetch, Options{Disabled: true, Interval: 5 * time.Millisecond})
	defer disabled.Close()
	empty := New("", fetch, Options{Interval: 5 * time.Millisecond})
	defer empty.Close()

	assert.NoError(t, disabled.Refetch(context.Background()))
	assert.NoError(t, empty.Refetch(context.Background()))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, disabled.State().Loading)
	assert.False(t, empty.State().Loading)
}

func TestPoller_CloseStopsEverything(t *testing.T) {
	var calls atomic.Int32
	var changes atomic.Int32
	p := New("INV1", func(ctx context.Context, id string) (int32, error) {
		return calls.Add(1), nil
	}, Options{Interval: 5 * time.Millisecond, OnChange: func() { changes.Add(1) }})

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, waitFor, tick)
	p.Close()

	afterCalls, afterChanges := calls.Load(), changes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, afterCalls, calls.Load())
	assert.Equal(t, afterChanges, changes.Load())
	assert.ErrorIs(t, p.Refetch(context.Background()), ErrClosed)

	p.Close()
}

func TestPoller_CloseCancelsInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	p := New("INV1", func(ctx context.Context, id string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, Options{})

	<-started
	p.Close()
	assert.False(t, p.State().HasData)
}
