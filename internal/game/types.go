package game

import (
	"maps"
	"slices"
	"time"
)

type Phase string

const (
	PhasePrompt     Phase = "Prompt"
	PhaseSubmission Phase = "Submission"
	PhaseVoting     Phase = "Voting"
	PhaseResults    Phase = "Results"
)

// Next returns the phase that follows p within a round. Results wraps to
// Prompt; whether the match ends instead is decided by the orchestrator.
func (p Phase) Next() Phase {
	switch p {
	case PhasePrompt:
		return PhaseSubmission
	case PhaseSubmission:
		return PhaseVoting
	case PhaseVoting:
		return PhaseResults
	default:
		return PhasePrompt
	}
}

func (p Phase) Valid() bool {
	switch p {
	case PhasePrompt, PhaseSubmission, PhaseVoting, PhaseResults:
		return true
	}
	return false
}

type MatchStatus string

const (
	MatchWaiting  MatchStatus = "Waiting"
	MatchActive   MatchStatus = "Active"
	MatchFinished MatchStatus = "Finished"
)

// PhaseDurations is the fixed time budget of each phase.
type PhaseDurations struct {
	Prompt     time.Duration `json:"prompt"`
	Submission time.Duration `json:"submission"`
	Voting     time.Duration `json:"voting"`
	Results    time.Duration `json:"results"`
}

func DefaultPhaseDurations() PhaseDurations {
	return PhaseDurations{
		Prompt:     3 * time.Second,
		Submission: 20 * time.Second,
		Voting:     15 * time.Second,
		Results:    8 * time.Second,
	}
}

func (d PhaseDurations) For(p Phase) time.Duration {
	switch p {
	case PhasePrompt:
		return d.Prompt
	case PhaseSubmission:
		return d.Submission
	case PhaseVoting:
		return d.Voting
	case PhaseResults:
		return d.Results
	}
	return 0
}

// RewardTable configures the progression reward formula.
type RewardTable struct {
	Participation int `json:"participation"`
	RoundWin      int `json:"roundWin"`
	Star          int `json:"star"`
	MatchWin      int `json:"matchWin"`
}

// MinSubmissions is the number of answers a round needs to be playable.
const MinSubmissions = 2

// EarlyEndInsufficientPlayers is recorded on matches that ran out of players.
const EarlyEndInsufficientPlayers = "insufficient_players"

// Settings is the static game configuration loaded at process start.
type Settings struct {
	Durations             PhaseDurations
	WinningVotesThreshold int
	StarThreshold         int
	Rewards               RewardTable
	// AdvanceTolerance is how long before a phase's deadline an Advance is
	// already accepted. It absorbs client clock skew.
	AdvanceTolerance      time.Duration
	// MaxIdleRounds ends the match after this many consecutive rounds with
	// fewer than MinSubmissions answers. Zero disables it.
	MaxIdleRounds         int
}

func DefaultSettings() Settings {
	return Settings{
		Durations:             DefaultPhaseDurations(),
		WinningVotesThreshold: 20,
		StarThreshold:         6,
		Rewards:               RewardTable{Participation: 10, RoundWin: 25, Star: 50, MatchWin: 100},
		AdvanceTolerance:      500 * time.Millisecond,
		MaxIdleRounds:         2,
	}
}

// Stamp identifies one phase instance of a room. Two stamps match only if
// both the phase and its start time are equal.
type Stamp struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"phaseStartedAt"`
}

func (s Stamp) IsZero() bool {
	return s.Phase == "" && s.StartedAt.IsZero()
}

func (s Stamp) Matches(o Stamp) bool {
	return s.Phase == o.Phase && s.StartedAt.Equal(o.StartedAt)
}

// RoundState is the volatile per-room document. Only the orchestrator writes it.
type RoundState struct {
	RoomID            string            `json:"roomId"`
	Phase             Phase             `json:"phase"`
	RoundNumber       int               `json:"roundNumber"`
	PromptID          string            `json:"promptId"`
	PromptText        string            `json:"promptText"`
	PhaseStartedAt    time.Time         `json:"phaseStartedAt"`
	Submissions       map[string]string `json:"submissions"`
	Votes             map[string]string `json:"votes"`
	LastRoundWinnerID string            `json:"lastRoundWinnerId,omitempty"`
	LastRound         *RoundOutcome     `json:"lastRound,omitempty"`
	// IdleRounds counts consecutive rounds that closed submissions with
	// fewer than MinSubmissions answers.
	IdleRounds        int               `json:"idleRounds,omitempty"`
	// BallotSeed is drawn when voting opens. It shuffles the ballot and keys
	// ballot IDs, so authorship cannot be derived from what clients see.
	BallotSeed        uint64            `json:"ballotSeed,omitempty"`
}

func (s *RoundState) Stamp() Stamp {
	return Stamp{Phase: s.Phase, StartedAt: s.PhaseStartedAt}
}

// Deadline is the moment the current phase's budget runs out.
func (s *RoundState) Deadline(d PhaseDurations) time.Time {
	return s.PhaseStartedAt.Add(d.For(s.Phase))
}

func (s *RoundState) Clone() *RoundState {
	if s == nil {
		return nil
	}
	c := *s
	c.Submissions = maps.Clone(s.Submissions)
	c.Votes = maps.Clone(s.Votes)
	if c.Submissions == nil {
		c.Submissions = make(map[string]string)
	}
	if c.Votes == nil {
		c.Votes = make(map[string]string)
	}
	if s.LastRound != nil {
		lr := s.LastRound.clone()
		c.LastRound = &lr
	}
	return &c
}

type PlayerScore struct {
	TotalVotes int `json:"totalVotes"`
	RoundWins  int `json:"roundWins"`
	Stars      int `json:"stars"`
	// ReachedRound is the round in which TotalVotes last increased.
	ReachedRound int `json:"reachedRound"`
}

// MatchRecord is the durable per-room match document.
type MatchRecord struct {
	RoomID                string                 `json:"roomId"`
	Status                MatchStatus            `json:"status"`
	Players               []string               `json:"players"`
	CurrentRound          int                    `json:"currentRound"`
	Scores                map[string]PlayerScore `json:"scores"`
	WinningVotesThreshold int                    `json:"winningVotesThreshold"`
	EarlyEndReason        string                 `json:"earlyEndReason,omitempty"`
	LastScoredRound       int                    `json:"lastScoredRound"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// HasPlayer reports whether id may act in the match. A match created without
// a roster admits anyone.
func (r *MatchRecord) HasPlayer(id string) bool {
	return len(r.Players) == 0 || slices.Contains(r.Players, id)
}

// MatchDelta is a conditional update of a match record. Zero-valued fields
// are left unchanged. The update applies only if every precondition holds.
type MatchDelta struct {
	// ExpectStatus, when set, must equal the stored status.
	ExpectStatus MatchStatus
	// RejectStatus, when set, must differ from the stored status.
	RejectStatus MatchStatus
	Status       MatchStatus
	// CurrentRound, when positive, raises the stored round counter. It never
	// lowers it.
	CurrentRound   int
	EarlyEndReason string
	// ScoredRound, when positive, requires LastScoredRound < ScoredRound and
	// adds Scores to the stored totals.
	ScoredRound int
	Scores      map[string]PlayerScore
}

type PromptStatus string

const (
	PromptActive   PromptStatus = "active"
	PromptInactive PromptStatus = "inactive"
)

type PromptPoolEntry struct {
	ID     string       `json:"id"`
	Text   string       `json:"text"`
	Status PromptStatus `json:"status"`
}

// RoundOutcome is the result of tallying one voting phase.
type RoundOutcome struct {
	Round     int            `json:"round"`
	Tally     map[string]int `json:"tally"`
	Winners   []string       `json:"winners"`
	WinnerID  string         `json:"winnerId,omitempty"`
	MaxVotes  int            `json:"maxVotes"`
	Stars     []string       `json:"stars"`
	Ignored   int            `json:"ignoredVotes"`
	Applied   bool           `json:"-"`
	Submitted []string       `json:"-"`
}

func (o RoundOutcome) clone() RoundOutcome {
	c := o
	c.Tally = maps.Clone(o.Tally)
	c.Winners = append([]string(nil), o.Winners...)
	c.Stars = append([]string(nil), o.Stars...)
	c.Submitted = append([]string(nil), o.Submitted...)
	return c
}

// MatchHistory is the audit record written once per finished match.
type MatchHistory struct {
	ID             string                 `json:"id"`
	RoomID         string                 `json:"roomId"`
	Players        []string               `json:"players"`
	FinalScores    map[string]PlayerScore `json:"finalScores"`
	Rounds         int                    `json:"rounds"`
	WinnerID       string                 `json:"winnerId,omitempty"`
	EarlyEndReason string                 `json:"earlyEndReason,omitempty"`
	FinishedAt     time.Time              `json:"finishedAt"`
}
