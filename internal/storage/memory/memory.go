// Package memory keeps rooms, matches, prompts and history in process memory.
// It backs tests and single-process development runs.
package memory

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kiliankoe/wittsy/internal/game"
)

type Store struct {
	mu      sync.RWMutex
	rooms   map[string]*game.RoundState
	matches map[string]*game.MatchRecord
	prompts []game.PromptPoolEntry
	history map[string]*game.MatchHistory
	order   []string // history IDs in insertion order

	now func() time.Time
}

func New() *Store {
	return &Store{
		rooms:   make(map[string]*game.RoundState),
		matches: make(map[string]*game.MatchRecord),
		history: make(map[string]*game.MatchHistory),
		now:     time.Now,
	}
}

func (s *Store) ReadRoundState(_ context.Context, roomID string) (*game.RoundState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.rooms[roomID]
	if st == nil {
		return nil, game.ErrRoundStateNotFound
	}
	return st.Clone(), nil
}

func (s *Store) WriteRoundStateIf(_ context.Context, roomID string, expected game.Stamp, next *game.RoundState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stampHolds(roomID, expected) {
		return false, nil
	}
	s.rooms[roomID] = next.Clone()
	return true, nil
}

func (s *Store) UpdateRoundStateIf(_ context.Context, roomID string, expected game.Stamp, fn func(*game.RoundState) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rooms[roomID]
	if cur == nil || !cur.Stamp().Matches(expected) {
		return false, nil
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return false, err
	}
	s.rooms[roomID] = next
	return true, nil
}

func (s *Store) DeleteRoundStateIf(_ context.Context, roomID string, expected game.Stamp) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rooms[roomID]
	if cur == nil || !cur.Stamp().Matches(expected) {
		return false, nil
	}
	delete(s.rooms, roomID)
	return true, nil
}

func (s *Store) ActiveRooms(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.rooms)), nil
}

func (s *Store) stampHolds(roomID string, expected game.Stamp) bool {
	cur := s.rooms[roomID]
	if expected.IsZero() {
		return cur == nil
	}
	return cur != nil && cur.Stamp().Matches(expected)
}

// CreateMatch stores rec. A finished match in the same room is replaced, any
// other existing match yields ErrMatchExists.
func (s *Store) CreateMatch(_ context.Context, rec *game.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.matches[rec.RoomID]; cur != nil && cur.Status != game.MatchFinished {
		return game.ErrMatchExists
	}
	s.matches[rec.RoomID] = cloneMatch(rec)
	return nil
}

func (s *Store) ReadMatchRecord(_ context.Context, roomID string) (*game.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.matches[roomID]
	if rec == nil {
		return nil, game.ErrMatchNotFound
	}
	return cloneMatch(rec), nil
}

func (s *Store) UpdateMatchRecord(_ context.Context, roomID string, d game.MatchDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.matches[roomID]
	if rec == nil {
		return false, game.ErrMatchNotFound
	}
	if !ApplyDelta(rec, d, s.now().UTC()) {
		return false, nil
	}
	return true, nil
}

// ApplyDelta applies d to rec in place if its preconditions hold.
func ApplyDelta(rec *game.MatchRecord, d game.MatchDelta, now time.Time) bool {
	if d.ExpectStatus != "" && rec.Status != d.ExpectStatus {
		return false
	}
	if d.RejectStatus != "" && rec.Status == d.RejectStatus {
		return false
	}
	if d.ScoredRound > 0 && rec.LastScoredRound >= d.ScoredRound {
		return false
	}
	if d.Status != "" {
		rec.Status = d.Status
	}
	if d.CurrentRound > rec.CurrentRound {
		rec.CurrentRound = d.CurrentRound
	}
	if d.EarlyEndReason != "" {
		rec.EarlyEndReason = d.EarlyEndReason
	}
	if d.ScoredRound > 0 {
		rec.LastScoredRound = d.ScoredRound
		if rec.Scores == nil {
			rec.Scores = make(map[string]game.PlayerScore)
		}
		for id, inc := range d.Scores {
			ps := rec.Scores[id]
			ps.TotalVotes += inc.TotalVotes
			ps.RoundWins += inc.RoundWins
			ps.Stars += inc.Stars
			if inc.TotalVotes > 0 {
				ps.ReachedRound = d.ScoredRound
			}
			rec.Scores[id] = ps
		}
	}
	rec.UpdatedAt = now
	return true
}

// SetPrompts replaces the prompt pool.
func (s *Store) SetPrompts(entries ...game.PromptPoolEntry) {
	s.mu.Lock()
	s.prompts = slices.Clone(entries)
	s.mu.Unlock()
}

func (s *Store) QueryActivePrompts(_ context.Context, limit int) ([]game.PromptPoolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]game.PromptPoolEntry, 0, len(s.prompts))
	for _, p := range s.prompts {
		if p.Status == game.PromptInactive {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

// AppendMatchHistory stores h once per ID.
func (s *Store) AppendMatchHistory(_ context.Context, h *game.MatchHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[h.ID]; ok {
		return nil
	}
	c := *h
	c.FinalScores = maps.Clone(h.FinalScores)
	c.Players = slices.Clone(h.Players)
	s.history[h.ID] = &c
	s.order = append(s.order, h.ID)
	return nil
}

// ListMatchHistory returns up to limit history records of roomID, newest first.
func (s *Store) ListMatchHistory(_ context.Context, roomID string, limit int) ([]*game.MatchHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*game.MatchHistory
	for i := len(s.order) - 1; i >= 0; i-- {
		h := s.history[s.order[i]]
		if h.RoomID != roomID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h)
	}
	return out, nil
}

// AddPrompt inserts e or replaces the prompt with the same ID.
func (s *Store) AddPrompt(_ context.Context, e game.PromptPoolEntry) error {
	if e.Status == "" {
		e.Status = game.PromptActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prompts {
		if s.prompts[i].ID == e.ID {
			s.prompts[i] = e
			return nil
		}
	}
	s.prompts = append(s.prompts, e)
	return nil
}

// History returns the stored history records, oldest first.
func (s *Store) History() []*game.MatchHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*game.MatchHistory, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.history[id])
	}
	return out
}

func cloneMatch(rec *game.MatchRecord) *game.MatchRecord {
	c := *rec
	c.Players = slices.Clone(rec.Players)
	c.Scores = maps.Clone(rec.Scores)
	if c.Scores == nil {
		c.Scores = make(map[string]game.PlayerScore)
	}
	return &c
}

//go:embed starter_prompts.txt
var starterPrompts string

// StarterPrompts returns the prompts a fresh store is seeded with. IDs match
// the ones the SQL migration seeds.
func StarterPrompts() []game.PromptPoolEntry {
	var out []game.PromptPoolEntry
	for line := range strings.Lines(starterPrompts) {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		out = append(out, game.PromptPoolEntry{
			ID:     fmt.Sprintf("starter-%03d", len(out)+1),
			Text:   text,
			Status: game.PromptActive,
		})
	}
	return out
}
