package game_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/wittsy/internal/game"
	"github.com/kiliankoe/wittsy/internal/storage/memory"
)

type mockGranter struct {
	mock.Mock
}

func (m *mockGranter) GrantReward(ctx context.Context, userID string, delta int) error {
	args := m.Called(ctx, userID, delta)
	return args.Error(0)
}

func votesFor(target string, n int) map[string]string {
	m := make(map[string]string, n)
	for i := range n {
		m[fmt.Sprintf("V%d", i)] = target
	}
	return m
}

func TestTally(t *testing.T) {
	subs := map[string]string{"P1": "a", "P2": "b", "P3": "c"}

	tests := []struct {
		name        string
		players     []string
		votes       map[string]string
		wantWinners []string
		wantWinner  string
		wantStars   []string
		wantIgnored int
	}{
		{
			name:        "no votes",
			votes:       map[string]string{},
			wantWinners: []string{},
			wantStars:   []string{},
		},
		{
			name:        "single winner",
			votes:       map[string]string{"A": "P1", "B": "P1", "C": "P2"},
			wantWinners: []string{"P1"},
			wantWinner:  "P1",
			wantStars:   []string{},
		},
		{
			name:        "tie takes lowest id for display",
			votes:       map[string]string{"A": "P3", "B": "P2"},
			wantWinners: []string{"P2", "P3"},
			wantWinner:  "P2",
			wantStars:   []string{},
		},
		{
			name:        "star at threshold",
			votes:       votesFor("P1", 6),
			wantWinners: []string{"P1"},
			wantWinner:  "P1",
			wantStars:   []string{"P1"},
		},
		{
			name:        "no star below threshold",
			votes:       votesFor("P1", 5),
			wantWinners: []string{"P1"},
			wantWinner:  "P1",
			wantStars:   []string{},
		},
		{
			name:        "self and unknown votes ignored",
			votes:       map[string]string{"P1": "P1", "A": "GHOST", "B": "P2"},
			wantWinners: []string{"P2"},
			wantWinner:  "P2",
			wantStars:   []string{},
			wantIgnored: 2,
		},
		{
			name:        "votes from outside the roster ignored",
			players:     []string{"P1", "P2", "P3", "A"},
			votes:       map[string]string{"A": "P2", "sock1": "P1", "sock2": "P1"},
			wantWinners: []string{"P2"},
			wantWinner:  "P2",
			wantStars:   []string{},
			wantIgnored: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := game.Tally(3, tt.players, subs, tt.votes, 6)
			assert.Equal(t, 3, out.Round)
			assert.Equal(t, tt.wantWinners, out.Winners)
			assert.Equal(t, tt.wantWinner, out.WinnerID)
			assert.Equal(t, tt.wantStars, out.Stars)
			assert.Equal(t, tt.wantIgnored, out.Ignored)
			assert.Equal(t, []string{"P1", "P2", "P3"}, out.Submitted)
		})
	}
}

func TestScoreDelta(t *testing.T) {
	out := game.Tally(2, nil, map[string]string{"P1": "a", "P2": "b"}, votesFor("P1", 7), 6)
	delta := game.ScoreDelta(out)

	assert.Equal(t, game.PlayerScore{TotalVotes: 7, RoundWins: 1, Stars: 1, ReachedRound: 2}, delta["P1"])
	_, ok := delta["P2"]
	assert.False(t, ok, "players without votes get no delta")
}

func TestReward(t *testing.T) {
	table := game.RewardTable{Participation: 10, RoundWin: 25, Star: 50, MatchWin: 100}

	tests := []struct {
		name string
		p    game.Participation
		want int
	}{
		{"nothing", game.Participation{}, 0},
		{"participated", game.Participation{Participated: true}, 10},
		{"won round", game.Participation{Participated: true, WonRound: true}, 35},
		{"won round with star", game.Participation{Participated: true, WonRound: true, EarnedStar: true}, 85},
		{"match win only", game.Participation{WonMatch: true}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, game.Reward(table, tt.p))
		})
	}
}

func TestMatchWinner(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]game.PlayerScore
		want   string
	}{
		{"empty", nil, ""},
		{"nobody scored", map[string]game.PlayerScore{"P1": {}}, ""},
		{"most votes", map[string]game.PlayerScore{
			"P1": {TotalVotes: 12, ReachedRound: 3},
			"P2": {TotalVotes: 20, ReachedRound: 4},
		}, "P2"},
		{"tie goes to earlier round", map[string]game.PlayerScore{
			"P1": {TotalVotes: 20, ReachedRound: 5},
			"P2": {TotalVotes: 20, ReachedRound: 4},
		}, "P2"},
		{"full tie goes to lowest id", map[string]game.PlayerScore{
			"P2": {TotalVotes: 20, ReachedRound: 4},
			"P1": {TotalVotes: 20, ReachedRound: 4},
		}, "P1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, game.MatchWinner(tt.scores))
		})
	}
}

func TestHistoryIDIsStable(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, game.HistoryID("ROOM1", at), game.HistoryID("ROOM1", at))
	assert.NotEqual(t, game.HistoryID("ROOM1", at), game.HistoryID("ROOM1", at.Add(time.Millisecond)))
	assert.NotEqual(t, game.HistoryID("ROOM1", at), game.HistoryID("ROOM2", at))
}

func TestProcessVotesAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateMatch(ctx, &game.MatchRecord{RoomID: "ROOM1", Status: game.MatchActive}))

	granter := &mockGranter{}
	granter.On("GrantReward", mock.Anything, "P1", 35).Return(nil).Once()
	granter.On("GrantReward", mock.Anything, "P2", 10).Return(nil).Once()

	scorer := game.NewScorer(store, store, granter, game.DefaultSettings())
	subs := map[string]string{"P1": "a", "P2": "b"}
	votes := map[string]string{"A": "P1", "B": "P1"}

	out, err := scorer.ProcessVotes(ctx, "ROOM1", 1, nil, subs, votes)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = scorer.ProcessVotes(ctx, "ROOM1", 1, nil, subs, votes)
	require.NoError(t, err)
	assert.False(t, out.Applied)

	rec, err := store.ReadMatchRecord(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Scores["P1"].TotalVotes)
	granter.AssertExpectations(t)
}

func TestProcessVotesIgnoresFinishedMatch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateMatch(ctx, &game.MatchRecord{RoomID: "ROOM1", Status: game.MatchFinished}))

	granter := &mockGranter{}
	scorer := game.NewScorer(store, store, granter, game.DefaultSettings())
	out, err := scorer.ProcessVotes(ctx, "ROOM1", 4, nil, map[string]string{"P1": "a"}, map[string]string{"A": "P1"})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	granter.AssertNotCalled(t, "GrantReward", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckWinCondition(t *testing.T) {
	scorer := game.NewScorer(nil, nil, nil, game.DefaultSettings())

	rec := &game.MatchRecord{Scores: map[string]game.PlayerScore{"P1": {TotalVotes: 19}}}
	assert.False(t, scorer.CheckWinCondition(rec))
	rec.Scores["P1"] = game.PlayerScore{TotalVotes: 20}
	assert.True(t, scorer.CheckWinCondition(rec))

	rec = &game.MatchRecord{WinningVotesThreshold: 5, Scores: map[string]game.PlayerScore{"P2": {TotalVotes: 5}}}
	assert.True(t, scorer.CheckWinCondition(rec))
}
