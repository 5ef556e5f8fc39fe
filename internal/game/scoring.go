package game

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Scorer turns closed voting phases into durable score updates and finishes
// matches.
type Scorer struct {
	matches  MatchStore
	history  HistoryWriter
	rewards  RewardGranter
	settings Settings
	now      func() time.Time
}

func NewScorer(matches MatchStore, history HistoryWriter, rewards RewardGranter, settings Settings) *Scorer {
	return &Scorer{
		matches:  matches,
		history:  history,
		rewards:  rewards,
		settings: settings,
		now:      time.Now,
	}
}

// Tally counts votes per submission author. Votes for players without a
// submission, votes for oneself and votes cast by anyone outside players are
// ignored. An empty players list admits every voter.
func Tally(round int, players []string, submissions, votes map[string]string, starThreshold int) RoundOutcome {
	if starThreshold <= 0 {
		starThreshold = DefaultSettings().StarThreshold
	}
	out := RoundOutcome{
		Round:     round,
		Tally:     make(map[string]int),
		Winners:   []string{},
		Stars:     []string{},
		Submitted: slices.Sorted(maps.Keys(submissions)),
	}
	roster := toSet(players)
	for voter, target := range votes {
		_, member := roster[voter]
		if _, ok := submissions[target]; !ok || voter == target || (len(roster) > 0 && !member) {
			out.Ignored++
			continue
		}
		out.Tally[target]++
	}
	for _, n := range out.Tally {
		out.MaxVotes = max(out.MaxVotes, n)
	}
	for id, n := range out.Tally {
		if out.MaxVotes > 0 && n == out.MaxVotes {
			out.Winners = append(out.Winners, id)
		}
		if n >= starThreshold {
			out.Stars = append(out.Stars, id)
		}
	}
	slices.Sort(out.Winners)
	slices.Sort(out.Stars)
	if len(out.Winners) > 0 {
		out.WinnerID = out.Winners[0]
	}
	return out
}

// ScoreDelta is the per-player increment a round outcome contributes.
func ScoreDelta(out RoundOutcome) map[string]PlayerScore {
	delta := make(map[string]PlayerScore, len(out.Tally))
	for id, n := range out.Tally {
		if n > 0 {
			delta[id] = PlayerScore{TotalVotes: n, ReachedRound: out.Round}
		}
	}
	for _, id := range out.Winners {
		ps := delta[id]
		ps.RoundWins++
		delta[id] = ps
	}
	for _, id := range out.Stars {
		ps := delta[id]
		ps.Stars++
		delta[id] = ps
	}
	return delta
}

// ProcessVotes tallies a voting phase and applies the result to the match
// record. The update is keyed on the round number, so a second call for the
// same round returns the outcome with Applied=false and changes nothing.
func (s *Scorer) ProcessVotes(ctx context.Context, roomID string, round int, players []string, submissions, votes map[string]string) (*RoundOutcome, error) {
	out := Tally(round, players, submissions, votes, s.settings.StarThreshold)
	applied, err := s.matches.UpdateMatchRecord(ctx, roomID, MatchDelta{
		ExpectStatus: MatchActive,
		ScoredRound:  round,
		Scores:       ScoreDelta(out),
	})
	if err != nil {
		return nil, fmt.Errorf("apply round %d scores: %w", round, err)
	}
	out.Applied = applied
	if !applied {
		log.Debug().Str("room", roomID).Int("round", round).Msg("round already scored")
		return &out, nil
	}

	log.Info().Str("room", roomID).Int("round", round).Str("winner", out.WinnerID).
		Int("maxVotes", out.MaxVotes).Strs("stars", out.Stars).Int("ignored", out.Ignored).Msg("round scored")

	won := toSet(out.Winners)
	starred := toSet(out.Stars)
	for _, id := range out.Submitted {
		_, w := won[id]
		_, st := starred[id]
		s.grant(ctx, roomID, id, Reward(s.settings.Rewards, Participation{Participated: true, WonRound: w, EarnedStar: st}))
	}
	return &out, nil
}

// CheckWinCondition reports whether any player reached the match's vote
// threshold.
func (s *Scorer) CheckWinCondition(rec *MatchRecord) bool {
	threshold := rec.WinningVotesThreshold
	if threshold <= 0 {
		threshold = s.settings.WinningVotesThreshold
	}
	for _, ps := range rec.Scores {
		if ps.TotalVotes >= threshold {
			return true
		}
	}
	return false
}

// historyNamespace scopes history IDs derived from room and match creation
// time.
var historyNamespace = uuid.MustParse("6f0c1d2e-8a4b-4c1e-9d3f-2b7a5e6c9d10")

// FinalizeMatch determines the match winner and writes the history record.
// The record ID is derived from the match, so writing it twice for the same
// match yields one record in stores that dedupe on ID.
func (s *Scorer) FinalizeMatch(ctx context.Context, rec *MatchRecord) (*MatchHistory, error) {
	players := toSet(rec.Players)
	for id := range rec.Scores {
		players[id] = struct{}{}
	}
	h := &MatchHistory{
		ID:             HistoryID(rec.RoomID, rec.CreatedAt),
		RoomID:         rec.RoomID,
		Players:        slices.Sorted(maps.Keys(players)),
		FinalScores:    maps.Clone(rec.Scores),
		Rounds:         rec.CurrentRound,
		WinnerID:       MatchWinner(rec.Scores),
		EarlyEndReason: rec.EarlyEndReason,
		FinishedAt:     s.now().UTC(),
	}
	if h.FinalScores == nil {
		h.FinalScores = map[string]PlayerScore{}
	}
	if s.history != nil {
		if err := s.history.AppendMatchHistory(ctx, h); err != nil {
			return nil, fmt.Errorf("append match history: %w", err)
		}
	}
	return h, nil
}

// RewardMatchWinner grants the flat match winner bonus.
func (s *Scorer) RewardMatchWinner(ctx context.Context, h *MatchHistory) {
	if h == nil || h.WinnerID == "" {
		return
	}
	s.grant(ctx, h.RoomID, h.WinnerID, Reward(s.settings.Rewards, Participation{WonMatch: true}))
}

var promptNamespace = uuid.MustParse("b3e1f7a2-4c5d-4e8f-a9b0-1c2d3e4f5a6b")

// PromptID derives a stable prompt ID from its text.
func PromptID(text string) string {
	return uuid.NewSHA1(promptNamespace, []byte(text)).String()
}

func HistoryID(roomID string, createdAt time.Time) string {
	return uuid.NewSHA1(historyNamespace, []byte(roomID+"/"+createdAt.UTC().Format(time.RFC3339Nano))).String()
}

// MatchWinner ranks by TotalVotes; ties go to whoever reached the score in an
// earlier round, then to the lowest player ID.
func MatchWinner(scores map[string]PlayerScore) string {
	winner := ""
	var best PlayerScore
	for _, id := range slices.Sorted(maps.Keys(scores)) {
		ps := scores[id]
		if ps.TotalVotes <= 0 {
			continue
		}
		if winner == "" || ps.TotalVotes > best.TotalVotes ||
			(ps.TotalVotes == best.TotalVotes && ps.ReachedRound < best.ReachedRound) {
			winner, best = id, ps
		}
	}
	return winner
}

type Participation struct {
	Participated bool
	WonRound     bool
	EarnedStar   bool
	WonMatch     bool
}

// Reward computes the progression delta for one player and one event.
func Reward(t RewardTable, p Participation) int {
	total := 0
	if p.Participated {
		total += t.Participation
	}
	if p.WonRound {
		total += t.RoundWin
	}
	if p.EarnedStar {
		total += t.Star
	}
	if p.WonMatch {
		total += t.MatchWin
	}
	return total
}

func (s *Scorer) grant(ctx context.Context, roomID, userID string, delta int) {
	if s.rewards == nil || delta <= 0 {
		return
	}
	if err := s.rewards.GrantReward(ctx, userID, delta); err != nil {
		log.Warn().Err(err).Str("room", roomID).Str("user", userID).Int("delta", delta).Msg("grant reward failed")
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
