package game

import "context"

// RoomStateStore holds one RoundState document per room and supports
// conditional writes keyed on the document's Stamp.
type RoomStateStore interface {
	// ReadRoundState returns ErrRoundStateNotFound when the room has no state.
	ReadRoundState(ctx context.Context, roomID string) (*RoundState, error)
	// WriteRoundStateIf replaces the document if its stamp still matches
	// expected. A zero expected stamp means "only if absent".
	WriteRoundStateIf(ctx context.Context, roomID string, expected Stamp, next *RoundState) (bool, error)
	// UpdateRoundStateIf runs fn on a copy of the stored document and writes
	// the result if the stamp still matches. Errors from fn are returned as is.
	UpdateRoundStateIf(ctx context.Context, roomID string, expected Stamp, fn func(*RoundState) error) (bool, error)
	DeleteRoundStateIf(ctx context.Context, roomID string, expected Stamp) (bool, error)
	ActiveRooms(ctx context.Context) ([]string, error)
}

type MatchStore interface {
	CreateMatch(ctx context.Context, rec *MatchRecord) error
	// ReadMatchRecord returns ErrMatchNotFound for unknown rooms.
	ReadMatchRecord(ctx context.Context, roomID string) (*MatchRecord, error)
	UpdateMatchRecord(ctx context.Context, roomID string, delta MatchDelta) (bool, error)
}

type PromptSource interface {
	QueryActivePrompts(ctx context.Context, limit int) ([]PromptPoolEntry, error)
}

type HistoryWriter interface {
	AppendMatchHistory(ctx context.Context, rec *MatchHistory) error
}

// RewardGranter hands reward deltas to the external progression system.
type RewardGranter interface {
	GrantReward(ctx context.Context, userID string, delta int) error
}

type Notifier interface {
	PhaseChanged(ctx context.Context, state *RoundState) error
	SubmissionsClosed(ctx context.Context, roomID string, round, count int) error
	MatchFinished(ctx context.Context, rec *MatchHistory) error
}
