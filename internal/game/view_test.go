package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomViewByPhase(t *testing.T) {
	d := DefaultPhaseDurations()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := &RoundState{
		RoomID:         "ROOM1",
		Phase:          PhaseSubmission,
		RoundNumber:    2,
		PromptID:       "starter-004",
		PhaseStartedAt: start,
		Submissions:    map[string]string{"P2": "b", "P1": "a", "P3": "c"},
		Votes:          map[string]string{},
		BallotSeed:     99,
	}

	v := NewRoomView(st, d, start.Add(d.Submission+time.Second))
	assert.Equal(t, []string{"P1", "P2", "P3"}, v.Submitted)
	assert.Nil(t, v.Ballot, "texts stay hidden while players are still writing")
	assert.Zero(t, v.RemainingMs)

	st.Phase = PhaseVoting
	st.Votes = map[string]string{"P1": "P2"}
	voting := NewRoomView(st, d, start)
	require.Len(t, voting.Ballot, 3)
	for _, e := range voting.Ballot {
		assert.Empty(t, e.PlayerID, "authors stay hidden while voting")
	}
	assert.Nil(t, voting.Votes)
	assert.Equal(t, 1, voting.VoteCount)
	assert.Equal(t, d.Voting.Milliseconds(), voting.RemainingMs)

	st.Phase = PhaseResults
	st.PhaseStartedAt = start.Add(d.Voting)
	results := NewRoomView(st, d, start)
	require.Len(t, results.Ballot, 3)
	for i, e := range results.Ballot {
		assert.Equal(t, voting.Ballot[i].ID, e.ID, "ballot order is stable across phases of a round")
		assert.Equal(t, voting.Ballot[i].Text, e.Text)
		assert.Equal(t, BallotID(st, e.PlayerID), e.ID)
	}
	assert.Equal(t, map[string]string{"P1": "P2"}, results.Votes)
}

func TestBallotAuthor(t *testing.T) {
	st := &RoundState{Submissions: map[string]string{"P1": "a", "P2": "b"}, BallotSeed: 7}

	id, ok := st.BallotAuthor("P2")
	assert.True(t, ok)
	assert.Equal(t, "P2", id)

	id, ok = st.BallotAuthor(BallotID(st, "P1"))
	assert.True(t, ok)
	assert.Equal(t, "P1", id)

	_, ok = st.BallotAuthor("P3")
	assert.False(t, ok)

	other := st.Clone()
	other.BallotSeed = 8
	assert.NotEqual(t, BallotID(st, "P1"), BallotID(other, "P1"), "IDs depend on the round's seed")
}

func TestBallotIsStablePerRound(t *testing.T) {
	st := &RoundState{RoomID: "ROOM1", PromptID: "p", RoundNumber: 1, BallotSeed: 3, Submissions: map[string]string{}}
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		st.Submissions[id] = "text " + id
	}

	first := ballot(st, true)
	for range 5 {
		assert.Equal(t, first, ballot(st.Clone(), true))
	}

	texts := map[string]string{}
	for _, e := range first {
		texts[e.PlayerID] = e.Text
	}
	assert.Equal(t, st.Submissions, texts)
}
