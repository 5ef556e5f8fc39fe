package game_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/wittsy/internal/game"
	"github.com/kiliankoe/wittsy/internal/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type grant struct {
	User  string
	Delta int
}

type recorder struct {
	mu       sync.Mutex
	grants   []grant
	phases   []game.Phase
	closed   []int
	finished []*game.MatchHistory
}

func (r *recorder) GrantReward(_ context.Context, userID string, delta int) error {
	r.mu.Lock()
	r.grants = append(r.grants, grant{userID, delta})
	r.mu.Unlock()
	return nil
}

func (r *recorder) PhaseChanged(_ context.Context, st *game.RoundState) error {
	r.mu.Lock()
	r.phases = append(r.phases, st.Phase)
	r.mu.Unlock()
	return nil
}

func (r *recorder) SubmissionsClosed(_ context.Context, _ string, _, count int) error {
	r.mu.Lock()
	r.closed = append(r.closed, count)
	r.mu.Unlock()
	return nil
}

func (r *recorder) MatchFinished(_ context.Context, h *game.MatchHistory) error {
	r.mu.Lock()
	r.finished = append(r.finished, h)
	r.mu.Unlock()
	return nil
}

func (r *recorder) grantsFor(user string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, g := range r.grants {
		if g.User == user {
			out = append(out, g.Delta)
		}
	}
	return out
}

func (r *recorder) finishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

type harness struct {
	store   *memory.Store
	prompts *game.PromptSelector
	scorer  *game.Scorer
	orch    *game.Orchestrator
	clock   *fakeClock
	rec     *recorder
}

func newHarness(t *testing.T, nPrompts int) *harness {
	t.Helper()
	store := memory.New()
	entries := make([]game.PromptPoolEntry, nPrompts)
	for i := range entries {
		entries[i] = game.PromptPoolEntry{ID: fmt.Sprintf("p%02d", i+1), Text: fmt.Sprintf("Prompt %d", i+1), Status: game.PromptActive}
	}
	store.SetPrompts(entries...)

	clock := newFakeClock()
	rec := &recorder{}
	settings := game.DefaultSettings()
	prompts := game.NewPromptSelector(store, time.Minute, 0,
		game.WithPromptClock(clock.Now),
		game.WithPromptRand(rand.New(rand.NewPCG(1, 2))))
	scorer := game.NewScorer(store, store, rec, settings)
	orch := game.NewOrchestrator(store, store, prompts, scorer, rec, settings, game.WithClock(clock.Now))
	t.Cleanup(orch.Wait)
	return &harness{store: store, prompts: prompts, scorer: scorer, orch: orch, clock: clock, rec: rec}
}

// usePicker rebuilds the orchestrator to draw prompts through picker.
func (h *harness) usePicker(t *testing.T, picker game.PromptPicker) {
	t.Helper()
	h.orch = game.NewOrchestrator(h.store, h.store, picker, h.scorer, h.rec, game.DefaultSettings(), game.WithClock(h.clock.Now))
	t.Cleanup(h.orch.Wait)
}

// hookedPicker counts draws and runs onDraw before each one.
type hookedPicker struct {
	game.PromptPicker
	mu     sync.Mutex
	draws  int
	onDraw func()
}

func (p *hookedPicker) GetRandomPrompt(ctx context.Context, roomID string) (game.PromptPoolEntry, error) {
	p.mu.Lock()
	p.draws++
	hook := p.onDraw
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p.PromptPicker.GetRandomPrompt(ctx, roomID)
}

func (p *hookedPicker) drawCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draws
}

// startedRoom creates and starts a match for players in roomID.
func (h *harness) startedRoom(t *testing.T, roomID string, players ...string) *game.RoundState {
	t.Helper()
	ctx := context.Background()
	if _, err := h.orch.CreateMatch(ctx, roomID, players, 0); err != nil {
		t.Fatalf("create match: %v", err)
	}
	st, err := h.orch.StartMatch(ctx, roomID)
	if err != nil {
		t.Fatalf("start match: %v", err)
	}
	return st
}

// expire moves the clock to the end of the room's current phase and returns
// the state that was read.
func (h *harness) expire(t *testing.T, roomID string) *game.RoundState {
	t.Helper()
	st, err := h.orch.RoundState(context.Background(), roomID)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	h.clock.Add(h.orch.Settings().Durations.For(st.Phase))
	return st
}

// step waits out the room's current phase and advances it with the stamp
// currently stored.
func (h *harness) step(t *testing.T, roomID string) game.AdvanceResult {
	t.Helper()
	ctx := context.Background()
	st := h.expire(t, roomID)
	stamp := st.Stamp()
	res, err := h.orch.Advance(ctx, roomID, &stamp)
	if err != nil {
		t.Fatalf("advance from %s: %v", st.Phase, err)
	}
	if !res.Advanced {
		t.Fatalf("advance from %s was a no-op: %s", st.Phase, res.Noop)
	}
	return res
}

// playRound drives one full round from Prompt, applying submissions and votes,
// and leaves the room in Results.
func (h *harness) playRound(t *testing.T, roomID string, subs, votes map[string]string) game.AdvanceResult {
	t.Helper()
	ctx := context.Background()
	h.step(t, roomID) // Prompt -> Submission
	for p, text := range subs {
		if _, err := h.orch.Submit(ctx, roomID, p, text); err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
	}
	h.step(t, roomID) // Submission -> Voting
	for voter, target := range votes {
		if _, err := h.orch.Vote(ctx, roomID, voter, target); err != nil {
			t.Fatalf("vote %s->%s: %v", voter, target, err)
		}
	}
	return h.step(t, roomID) // Voting -> Results
}
