package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/wittsy/internal/game"
)

func TestRoundStateStamps(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cur := &game.RoundState{RoomID: "R1", Phase: game.PhasePrompt, RoundNumber: 1, PhaseStartedAt: at}

	ok, err := s.WriteRoundStateIf(ctx, "R1", game.Stamp{}, cur)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.WriteRoundStateIf(ctx, "R1", game.Stamp{}, cur)
	require.NoError(t, err)
	assert.False(t, ok, "create-only write must not overwrite")

	got, err := s.ReadRoundState(ctx, "R1")
	require.NoError(t, err)
	got.Submissions["P1"] = "mutated copy"
	again, err := s.ReadRoundState(ctx, "R1")
	require.NoError(t, err)
	assert.Empty(t, again.Submissions)

	next := &game.RoundState{RoomID: "R1", Phase: game.PhaseSubmission, RoundNumber: 1, PhaseStartedAt: at.Add(3 * time.Second)}
	ok, err = s.WriteRoundStateIf(ctx, "R1", cur.Stamp(), next)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.WriteRoundStateIf(ctx, "R1", cur.Stamp(), next)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteRoundStateIf(ctx, "R1", cur.Stamp())
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.DeleteRoundStateIf(ctx, "R1", next.Stamp())
	require.NoError(t, err)
	assert.True(t, ok)

	rooms, err := s.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestApplyDeltaGuards(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &game.MatchRecord{RoomID: "R1", Status: game.MatchActive, CurrentRound: 2}

	assert.False(t, ApplyDelta(rec, game.MatchDelta{ExpectStatus: game.MatchWaiting, Status: game.MatchActive}, now))
	assert.False(t, ApplyDelta(rec, game.MatchDelta{RejectStatus: game.MatchActive}, now))

	assert.True(t, ApplyDelta(rec, game.MatchDelta{CurrentRound: 1}, now))
	assert.Equal(t, 2, rec.CurrentRound)

	scored := game.MatchDelta{ScoredRound: 2, Scores: map[string]game.PlayerScore{"P1": {TotalVotes: 3, RoundWins: 1}, "P2": {}}}
	assert.True(t, ApplyDelta(rec, scored, now))
	assert.False(t, ApplyDelta(rec, scored, now))
	assert.Equal(t, game.PlayerScore{TotalVotes: 3, RoundWins: 1, ReachedRound: 2}, rec.Scores["P1"])
	assert.Equal(t, game.PlayerScore{}, rec.Scores["P2"])
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestHistoryAndPrompts(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, room := range []string{"R1", "R2", "R1"} {
		h := &game.MatchHistory{ID: game.HistoryID(room, at.Add(time.Duration(i)*time.Hour)), RoomID: room, Rounds: i + 1}
		require.NoError(t, s.AppendMatchHistory(ctx, h))
		require.NoError(t, s.AppendMatchHistory(ctx, h))
	}
	assert.Len(t, s.History(), 3)

	list, err := s.ListMatchHistory(ctx, "R1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Rounds)
	assert.Equal(t, 1, list[1].Rounds)

	list, err = s.ListMatchHistory(ctx, "R1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	s.SetPrompts(StarterPrompts()...)
	require.NoError(t, s.AddPrompt(ctx, game.PromptPoolEntry{ID: "starter-001", Text: "retired", Status: game.PromptInactive}))
	require.NoError(t, s.AddPrompt(ctx, game.PromptPoolEntry{ID: "custom", Text: "A bad name for a boat"}))

	active, err := s.QueryActivePrompts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, active, 20)
	for _, p := range active {
		assert.NotEqual(t, "starter-001", p.ID)
	}
}

func TestStarterPrompts(t *testing.T) {
	prompts := StarterPrompts()
	require.Len(t, prompts, 20)
	assert.Equal(t, "starter-001", prompts[0].ID)
	assert.Equal(t, "The worst thing to hear from your pilot", prompts[0].Text)
	assert.Equal(t, "The secret ingredient in grandma's soup", prompts[10].Text)
	assert.Equal(t, "starter-020", prompts[19].ID)
}
