package game_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/wittsy/internal/game"
)

type countingSource struct {
	mu      sync.Mutex
	entries []game.PromptPoolEntry
	err     error
	calls   int
	gate    chan struct{}
}

func (s *countingSource) QueryActivePrompts(ctx context.Context, limit int) ([]game.PromptPoolEntry, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]game.PromptPoolEntry(nil), s.entries...), nil
}

func (s *countingSource) set(err error, entries ...game.PromptPoolEntry) {
	s.mu.Lock()
	s.err = err
	if entries != nil {
		s.entries = entries
	}
	s.mu.Unlock()
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func pool(n int) []game.PromptPoolEntry {
	out := make([]game.PromptPoolEntry, n)
	for i := range out {
		out[i] = game.PromptPoolEntry{ID: fmt.Sprintf("p%d", i), Text: fmt.Sprintf("prompt %d", i), Status: game.PromptActive}
	}
	return out
}

func newSelector(src game.PromptSource, clock *fakeClock) *game.PromptSelector {
	return game.NewPromptSelector(src, time.Minute, 100,
		game.WithPromptClock(clock.Now),
		game.WithPromptRand(rand.New(rand.NewPCG(7, 11))))
}

func draw(t *testing.T, sel *game.PromptSelector, room string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		p, err := sel.GetRandomPrompt(context.Background(), room)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	return ids
}

func TestPromptsDoNotRepeatUntilExhausted(t *testing.T) {
	src := &countingSource{entries: pool(5)}
	sel := newSelector(src, newFakeClock())

	first := draw(t, sel, "ROOM1", 5)
	assert.ElementsMatch(t, []string{"p0", "p1", "p2", "p3", "p4"}, first)

	// the sixth draw resets the room's history, so the next five are again a
	// permutation of the pool
	second := draw(t, sel, "ROOM1", 5)
	assert.ElementsMatch(t, []string{"p0", "p1", "p2", "p3", "p4"}, second)
	assert.Equal(t, 1, src.callCount())
}

func TestPromptHistoryIsPerRoom(t *testing.T) {
	src := &countingSource{entries: pool(4)}
	sel := newSelector(src, newFakeClock())

	draw(t, sel, "ROOM1", 3)
	other := draw(t, sel, "ROOM2", 4)
	assert.ElementsMatch(t, []string{"p0", "p1", "p2", "p3"}, other)
}

func TestClearRoomHistory(t *testing.T) {
	src := &countingSource{entries: pool(4)}
	sel := newSelector(src, newFakeClock())

	draw(t, sel, "ROOM1", 3)
	sel.ClearRoomHistory("ROOM1")
	assert.ElementsMatch(t, []string{"p0", "p1", "p2", "p3"}, draw(t, sel, "ROOM1", 4))
}

func TestInactivePromptsAreSkipped(t *testing.T) {
	entries := pool(3)
	entries[1].Status = game.PromptInactive
	src := &countingSource{entries: entries}
	sel := newSelector(src, newFakeClock())

	assert.ElementsMatch(t, []string{"p0", "p2"}, draw(t, sel, "ROOM1", 2))
}

func TestConcurrentColdReadsShareOneQuery(t *testing.T) {
	src := &countingSource{entries: pool(10), gate: make(chan struct{})}
	sel := newSelector(src, newFakeClock())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sel.GetRandomPrompt(context.Background(), fmt.Sprintf("ROOM%d", i))
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, 1, src.callCount())
}

func TestPromptCacheExpires(t *testing.T) {
	clock := newFakeClock()
	src := &countingSource{entries: pool(3)}
	sel := newSelector(src, clock)

	draw(t, sel, "ROOM1", 1)
	clock.Add(30 * time.Second)
	draw(t, sel, "ROOM1", 1)
	assert.Equal(t, 1, src.callCount())

	clock.Add(31 * time.Second)
	draw(t, sel, "ROOM1", 1)
	assert.Equal(t, 2, src.callCount())
}

func TestStaleCacheServedWhenRefreshFails(t *testing.T) {
	clock := newFakeClock()
	src := &countingSource{entries: pool(3)}
	sel := newSelector(src, clock)

	draw(t, sel, "ROOM1", 1)
	src.set(errors.New("connection refused"))
	clock.Add(2 * time.Minute)

	p, err := sel.GetRandomPrompt(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 2, src.callCount())
}

func TestEmptyPoolErrors(t *testing.T) {
	src := &countingSource{}
	sel := newSelector(src, newFakeClock())

	_, err := sel.GetRandomPrompt(context.Background(), "ROOM1")
	assert.ErrorIs(t, err, game.ErrPromptPoolEmpty)

	boom := errors.New("connection refused")
	src.set(boom)
	_, err = sel.GetRandomPrompt(context.Background(), "ROOM1")
	assert.ErrorIs(t, err, game.ErrPromptPoolEmpty)
	assert.ErrorIs(t, err, boom)
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	src := &countingSource{entries: pool(3), gate: make(chan struct{})}
	sel := newSelector(src, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := sel.GetRandomPrompt(ctx, "ROOM1")
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := sel.GetRandomPrompt(context.Background(), "ROOM2")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(src.gate)

	require.NoError(t, <-second)
	require.NoError(t, <-first)
	assert.Equal(t, 1, src.callCount())
}
