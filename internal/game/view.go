package game

import (
	"encoding/binary"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
)

// BallotEntry is one answer on the voting ballot. PlayerID stays empty until
// results are shown; voters refer to the entry by ID.
type BallotEntry struct {
	ID       string `json:"id"`
	PlayerID string `json:"playerId,omitempty"`
	Text     string `json:"text"`
}

// RoomView is what clients see of a room. Submission texts appear once
// voting starts, authors and individual votes once results are shown.
// Deadline and RemainingMs drive the client countdown; the server clock is
// authoritative.
type RoomView struct {
	RoomID            string            `json:"roomId"`
	Phase             Phase             `json:"phase"`
	RoundNumber       int               `json:"roundNumber"`
	PromptID          string            `json:"promptId"`
	PromptText        string            `json:"promptText"`
	PhaseStartedAt    time.Time         `json:"phaseStartedAt"`
	Deadline          time.Time         `json:"deadline"`
	RemainingMs       int64             `json:"remainingMs"`
	Submitted         []string          `json:"submitted"`
	Ballot            []BallotEntry     `json:"ballot,omitempty"`
	VoteCount         int               `json:"voteCount"`
	Votes             map[string]string `json:"votes,omitempty"`
	LastRoundWinnerID string            `json:"lastRoundWinnerId,omitempty"`
	LastRound         *RoundOutcome     `json:"lastRound,omitempty"`
}

func NewRoomView(st *RoundState, d PhaseDurations, now time.Time) RoomView {
	deadline := st.Deadline(d)
	v := RoomView{
		RoomID:            st.RoomID,
		Phase:             st.Phase,
		RoundNumber:       st.RoundNumber,
		PromptID:          st.PromptID,
		PromptText:        st.PromptText,
		PhaseStartedAt:    st.PhaseStartedAt,
		Deadline:          deadline,
		RemainingMs:       max(deadline.Sub(now).Milliseconds(), 0),
		Submitted:         slices.Sorted(maps.Keys(st.Submissions)),
		VoteCount:         len(st.Votes),
		LastRoundWinnerID: st.LastRoundWinnerID,
	}
	switch st.Phase {
	case PhaseVoting:
		v.Ballot = ballot(st, false)
	case PhaseResults:
		v.Ballot = ballot(st, true)
		v.Votes = maps.Clone(st.Votes)
		v.LastRound = st.LastRound
	}
	return v
}

var ballotNamespace = uuid.MustParse("0d9e4c71-5b2a-4f63-8e17-c4a9b3d2f6e8")

// BallotID is the opaque ID of playerID's entry on the room's current ballot.
func BallotID(st *RoundState, playerID string) string {
	seed := binary.BigEndian.AppendUint64(nil, st.BallotSeed)
	return uuid.NewSHA1(ballotNamespace, append(seed, playerID...)).String()
}

// BallotAuthor resolves a vote target given as either a player ID or a
// ballot ID.
func (s *RoundState) BallotAuthor(target string) (string, bool) {
	if _, ok := s.Submissions[target]; ok {
		return target, true
	}
	for id := range s.Submissions {
		if BallotID(s, id) == target {
			return id, true
		}
	}
	return "", false
}

// ballot lists submissions in an order that is shuffled per round but
// identical for every viewer of that round.
func ballot(st *RoundState, reveal bool) []BallotEntry {
	out := make([]BallotEntry, 0, len(st.Submissions))
	for _, id := range slices.Sorted(maps.Keys(st.Submissions)) {
		e := BallotEntry{ID: BallotID(st, id), Text: st.Submissions[id]}
		if reveal {
			e.PlayerID = id
		}
		out = append(out, e)
	}
	r := rand.New(rand.NewPCG(st.BallotSeed, uint64(st.RoundNumber)))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
