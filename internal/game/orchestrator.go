package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PromptPicker is the part of PromptSelector the orchestrator depends on.
type PromptPicker interface {
	GetRandomPrompt(ctx context.Context, roomID string) (PromptPoolEntry, error)
	ClearRoomHistory(roomID string)
}

type NoopReason string

const (
	NoopNoRoom   NoopReason = "no_room"
	NoopStale    NoopReason = "stale"
	NoopLostRace NoopReason = "lost_race"
	NoopEarly    NoopReason = "early"
)

// AdvanceResult describes what a call to Advance did. When Advanced is false
// Noop says why; a no-op is never an error.
type AdvanceResult struct {
	Advanced bool          `json:"advanced"`
	Noop     NoopReason    `json:"noop,omitempty"`
	From     Phase         `json:"from,omitempty"`
	To       Phase         `json:"to,omitempty"`
	Finished bool          `json:"finished"`
	State    *RoundState   `json:"-"`
	Outcome  *RoundOutcome `json:"outcome,omitempty"`
	History  *MatchHistory `json:"history,omitempty"`
}

const (
	endMatchDeleteAttempts = 3
	hookTimeout            = 5 * time.Second
)

// Orchestrator owns the per-room phase state machine. Every transition is a
// single conditional write on the room's RoundState, so concurrent callers
// (clients and the sweep) race safely: one wins, the others become no-ops.
type Orchestrator struct {
	rooms    RoomStateStore
	matches  MatchStore
	prompts  PromptPicker
	scorer   *Scorer
	notify   Notifier
	settings Settings
	now      func() time.Time

	hooks sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		if o.scorer != nil {
			o.scorer.now = now
		}
	}
}

func NewOrchestrator(rooms RoomStateStore, matches MatchStore, prompts PromptPicker, scorer *Scorer, notify Notifier, settings Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rooms:    rooms,
		matches:  matches,
		prompts:  prompts,
		scorer:   scorer,
		notify:   notify,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Settings() Settings { return o.settings }

// CreateMatch registers a Waiting match for roomID.
func (o *Orchestrator) CreateMatch(ctx context.Context, roomID string, players []string, threshold int) (*MatchRecord, error) {
	if threshold <= 0 {
		threshold = o.settings.WinningVotesThreshold
	}
	now := o.clock()
	rec := &MatchRecord{
		RoomID:                roomID,
		Status:                MatchWaiting,
		Players:               slices.Compact(slices.Sorted(slices.Values(players))),
		Scores:                map[string]PlayerScore{},
		WinningVotesThreshold: threshold,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := o.matches.CreateMatch(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("room", roomID).Int("players", len(rec.Players)).Int("threshold", threshold).Msg("match created")
	return rec, nil
}

func (o *Orchestrator) RoundState(ctx context.Context, roomID string) (*RoundState, error) {
	return o.rooms.ReadRoundState(ctx, roomID)
}

func (o *Orchestrator) MatchRecord(ctx context.Context, roomID string) (*MatchRecord, error) {
	return o.matches.ReadMatchRecord(ctx, roomID)
}

// StartMatch moves a Waiting match into round 1, phase Prompt. Retrying after
// a partial failure completes the start instead of failing.
func (o *Orchestrator) StartMatch(ctx context.Context, roomID string) (*RoundState, error) {
	rec, err := o.matches.ReadMatchRecord(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case MatchWaiting:
	case MatchActive:
		st, err := o.rooms.ReadRoundState(ctx, roomID)
		if errors.Is(err, ErrRoundStateNotFound) {
			return nil, ErrMatchNotWaiting
		}
		return st, err
	default:
		return nil, ErrMatchNotWaiting
	}

	st, err := o.rooms.ReadRoundState(ctx, roomID)
	created := false
	switch {
	case err == nil:
		// an earlier attempt wrote the state but never activated the match
	case errors.Is(err, ErrRoundStateNotFound):
		if st, created, err = o.createFirstRound(ctx, roomID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read round state: %w", err)
	}
	if _, err := o.matches.UpdateMatchRecord(ctx, roomID, MatchDelta{
		ExpectStatus: MatchWaiting,
		Status:       MatchActive,
		CurrentRound: 1,
	}); err != nil {
		return nil, fmt.Errorf("activate match: %w", err)
	}

	if created {
		log.Info().Str("room", roomID).Str("prompt", st.PromptID).Msg("match started")
		o.notifyPhase(ctx, st)
	}
	return st, nil
}

func (o *Orchestrator) createFirstRound(ctx context.Context, roomID string) (*RoundState, bool, error) {
	prompt, err := o.prompts.GetRandomPrompt(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("start match %s: %w", roomID, err)
	}
	st := &RoundState{
		RoomID:         roomID,
		Phase:          PhasePrompt,
		RoundNumber:    1,
		PromptID:       prompt.ID,
		PromptText:     prompt.Text,
		PhaseStartedAt: o.clock(),
		Submissions:    map[string]string{},
		Votes:          map[string]string{},
	}
	created, err := o.rooms.WriteRoundStateIf(ctx, roomID, Stamp{}, st)
	if err != nil {
		return nil, false, fmt.Errorf("write round state: %w", err)
	}
	if !created {
		if st, err = o.rooms.ReadRoundState(ctx, roomID); err != nil {
			return nil, false, fmt.Errorf("read round state: %w", err)
		}
	}
	return st, created, nil
}

// Advance moves the room to its next phase. expected, when non-nil, is the
// stamp the caller last observed; a mismatch means the room already moved on
// and the call is a no-op. A phase is never cut short: calls arriving before
// its deadline, less AdvanceTolerance, are no-ops too.
func (o *Orchestrator) Advance(ctx context.Context, roomID string, expected *Stamp) (AdvanceResult, error) {
	cur, err := o.rooms.ReadRoundState(ctx, roomID)
	if errors.Is(err, ErrRoundStateNotFound) {
		return AdvanceResult{Noop: NoopNoRoom}, nil
	}
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read round state: %w", err)
	}
	if expected != nil && !expected.Matches(cur.Stamp()) {
		return AdvanceResult{Noop: NoopStale, From: cur.Phase, State: cur}, nil
	}
	if o.clock().Before(cur.Deadline(o.settings.Durations).Add(-o.settings.AdvanceTolerance)) {
		return AdvanceResult{Noop: NoopEarly, From: cur.Phase, State: cur}, nil
	}

	res := AdvanceResult{From: cur.Phase}
	next := cur.Clone()
	switch cur.Phase {
	case PhasePrompt:
		next.Submissions = map[string]string{}
		next.Votes = map[string]string{}
	case PhaseSubmission:
		if len(cur.Submissions) < MinSubmissions {
			next.IdleRounds++
		} else {
			next.IdleRounds = 0
		}
		next.BallotSeed = rand.Uint64()
	case PhaseVoting:
		rec, err := o.matches.ReadMatchRecord(ctx, roomID)
		if err != nil {
			return AdvanceResult{}, fmt.Errorf("read match record: %w", err)
		}
		out, err := o.scorer.ProcessVotes(ctx, roomID, cur.RoundNumber, rec.Players, cur.Submissions, cur.Votes)
		if err != nil {
			return AdvanceResult{}, err
		}
		lr := out.clone()
		next.LastRound = &lr
		next.LastRoundWinnerID = out.WinnerID
		res.Outcome = out
	case PhaseResults:
		return o.leaveResults(ctx, cur)
	default:
		return AdvanceResult{}, fmt.Errorf("room %s: unknown phase %q", roomID, cur.Phase)
	}
	next.Phase = cur.Phase.Next()
	next.PhaseStartedAt = o.clock()
	return o.commit(ctx, cur, next, res)
}

func (o *Orchestrator) leaveResults(ctx context.Context, cur *RoundState) (AdvanceResult, error) {
	res := AdvanceResult{From: cur.Phase}
	rec, err := o.matches.ReadMatchRecord(ctx, cur.RoomID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read match record: %w", err)
	}

	reason := ""
	done := rec.Status == MatchFinished || o.scorer.CheckWinCondition(rec)
	if !done && o.settings.MaxIdleRounds > 0 && cur.IdleRounds >= o.settings.MaxIdleRounds {
		log.Info().Str("room", cur.RoomID).Int("idleRounds", cur.IdleRounds).Msg("too few players, ending match")
		done, reason = true, EarlyEndInsufficientPlayers
	}
	if done {
		if rec.Status != MatchFinished {
			if res.History, err = o.finish(ctx, rec, reason); err != nil {
				return AdvanceResult{}, err
			}
		}
		res.Finished = true
		return o.teardown(ctx, cur, res)
	}

	round := cur.RoundNumber + 1
	prompt, err := o.prompts.GetRandomPrompt(ctx, cur.RoomID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("start round %d: %w", round, err)
	}
	applied, err := o.matches.UpdateMatchRecord(ctx, cur.RoomID, MatchDelta{ExpectStatus: MatchActive, CurrentRound: round})
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("record round %d: %w", round, err)
	}
	if !applied {
		// the match ended while the next round was being prepared
		res.Finished = true
		return o.teardown(ctx, cur, res)
	}
	next := &RoundState{
		RoomID:            cur.RoomID,
		Phase:             PhasePrompt,
		RoundNumber:       round,
		PromptID:          prompt.ID,
		PromptText:        prompt.Text,
		PhaseStartedAt:    o.clock(),
		Submissions:       map[string]string{},
		Votes:             map[string]string{},
		LastRoundWinnerID: cur.LastRoundWinnerID,
		IdleRounds:        cur.IdleRounds,
	}
	return o.commit(ctx, cur, next, res)
}

func (o *Orchestrator) commit(ctx context.Context, cur, next *RoundState, res AdvanceResult) (AdvanceResult, error) {
	ok, err := o.rooms.WriteRoundStateIf(ctx, cur.RoomID, cur.Stamp(), next)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("write round state: %w", err)
	}
	if !ok {
		log.Debug().Str("room", cur.RoomID).Str("phase", string(cur.Phase)).Msg("transition lost race")
		return AdvanceResult{Noop: NoopLostRace, From: cur.Phase}, nil
	}

	res.Advanced = true
	res.To = next.Phase
	res.State = next
	log.Info().Str("room", cur.RoomID).Int("round", next.RoundNumber).
		Str("from", string(cur.Phase)).Str("to", string(next.Phase)).Msg("phase transition")

	if cur.Phase == PhaseSubmission {
		o.submissionsClosed(cur.RoomID, cur.RoundNumber, len(cur.Submissions))
	}
	o.notifyPhase(ctx, next)
	return res, nil
}

// teardown removes the room's state after its match finished.
func (o *Orchestrator) teardown(ctx context.Context, cur *RoundState, res AdvanceResult) (AdvanceResult, error) {
	ok, err := o.rooms.DeleteRoundStateIf(ctx, cur.RoomID, cur.Stamp())
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("delete round state: %w", err)
	}
	o.prompts.ClearRoomHistory(cur.RoomID)
	if !ok {
		res.Noop = NoopLostRace
		return res, nil
	}
	res.Advanced = true
	log.Info().Str("room", cur.RoomID).Int("round", cur.RoundNumber).Msg("room state removed")
	return res, nil
}

// finish writes the history record and flips the match to Finished. The
// history ID is derived from the match, so a retried or racing finish writes
// the same record; only the caller that flips the status grants rewards and
// notifies.
func (o *Orchestrator) finish(ctx context.Context, rec *MatchRecord, reason string) (*MatchHistory, error) {
	if reason != "" {
		rec.EarlyEndReason = reason
	}
	h, err := o.scorer.FinalizeMatch(ctx, rec)
	if err != nil {
		return nil, err
	}
	applied, err := o.matches.UpdateMatchRecord(ctx, rec.RoomID, MatchDelta{
		RejectStatus:   MatchFinished,
		Status:         MatchFinished,
		EarlyEndReason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("finish match: %w", err)
	}
	if !applied {
		return nil, nil
	}
	o.scorer.RewardMatchWinner(ctx, h)

	ev := log.Info().Str("room", rec.RoomID).Str("winner", h.WinnerID).Int("rounds", h.Rounds)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("match finished")
	if o.notify != nil {
		if err := o.notify.MatchFinished(ctx, h); err != nil {
			log.Warn().Err(err).Str("room", rec.RoomID).Msg("notify match finished failed")
		}
	}
	return h, nil
}

// EndMatch terminates a match early with whatever scores exist, e.g. when too
// few players remain. Ending a finished match is a no-op.
func (o *Orchestrator) EndMatch(ctx context.Context, roomID, reason string) (*MatchHistory, error) {
	rec, err := o.matches.ReadMatchRecord(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if rec.Status == MatchFinished {
		return nil, nil
	}
	if reason == "" {
		reason = "ended"
	}
	h, err := o.finish(ctx, rec, reason)
	if err != nil {
		return nil, err
	}

	for range endMatchDeleteAttempts {
		st, err := o.rooms.ReadRoundState(ctx, roomID)
		if errors.Is(err, ErrRoundStateNotFound) {
			break
		}
		if err != nil {
			return h, fmt.Errorf("read round state: %w", err)
		}
		ok, err := o.rooms.DeleteRoundStateIf(ctx, roomID, st.Stamp())
		if err != nil {
			return h, fmt.Errorf("delete round state: %w", err)
		}
		if ok {
			break
		}
	}
	o.prompts.ClearRoomHistory(roomID)
	return h, nil
}

// Submit records a player's response for the current round. Submitting again
// replaces the earlier text. Returns the number of submissions so far.
func (o *Orchestrator) Submit(ctx context.Context, roomID, playerID, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptySubmission
	}
	count := 0
	err := o.mutate(ctx, roomID, PhaseSubmission, playerID, func(st *RoundState) error {
		st.Submissions[playerID] = text
		count = len(st.Submissions)
		return nil
	})
	return count, err
}

// Vote records voterID's single vote for a submission. targetID is either the
// author's player ID or the entry's ballot ID. Returns the number of votes so
// far.
func (o *Orchestrator) Vote(ctx context.Context, roomID, voterID, targetID string) (int, error) {
	if voterID == targetID {
		return 0, ErrSelfVote
	}
	count := 0
	err := o.mutate(ctx, roomID, PhaseVoting, voterID, func(st *RoundState) error {
		author, ok := st.BallotAuthor(targetID)
		if !ok {
			return ErrUnknownTarget
		}
		if author == voterID {
			return ErrSelfVote
		}
		if _, voted := st.Votes[voterID]; voted {
			return ErrAlreadyVoted
		}
		st.Votes[voterID] = author
		count = len(st.Votes)
		return nil
	})
	return count, err
}

// mutate applies fn to the room's state on behalf of playerID, provided the
// room is in phase and playerID belongs to the match.
func (o *Orchestrator) mutate(ctx context.Context, roomID string, phase Phase, playerID string, fn func(*RoundState) error) error {
	cur, err := o.rooms.ReadRoundState(ctx, roomID)
	if err != nil {
		return err
	}
	if cur.Phase != phase {
		return ErrInvalidPhase
	}
	rec, err := o.matches.ReadMatchRecord(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read match record: %w", err)
	}
	if !rec.HasPlayer(playerID) {
		return ErrNotAPlayer
	}
	ok, err := o.rooms.UpdateRoundStateIf(ctx, roomID, cur.Stamp(), func(st *RoundState) error {
		if st.Submissions == nil {
			st.Submissions = map[string]string{}
		}
		if st.Votes == nil {
			st.Votes = map[string]string{}
		}
		return fn(st)
	})
	if err != nil {
		return err
	}
	if !ok {
		// the phase ended between the read and the write
		return ErrInvalidPhase
	}
	return nil
}

// Wait blocks until asynchronous hooks have finished.
func (o *Orchestrator) Wait() {
	o.hooks.Wait()
}

func (o *Orchestrator) submissionsClosed(roomID string, round, count int) {
	log.Info().Str("room", roomID).Int("round", round).Int("submissions", count).Msg("submissions closed")
	if o.notify == nil {
		return
	}
	o.hooks.Add(1)
	go func() {
		defer o.hooks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := o.notify.SubmissionsClosed(ctx, roomID, round, count); err != nil {
			log.Warn().Err(err).Str("room", roomID).Msg("submission close hook failed")
		}
	}()
}

func (o *Orchestrator) notifyPhase(ctx context.Context, st *RoundState) {
	if o.notify == nil {
		return
	}
	if err := o.notify.PhaseChanged(ctx, st); err != nil {
		log.Warn().Err(err).Str("room", st.RoomID).Msg("notify phase change failed")
	}
}

func (o *Orchestrator) clock() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}
