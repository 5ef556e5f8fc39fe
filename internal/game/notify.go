package game

import (
	"context"
	"errors"
)

// Notifiers fans every event out to each notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) PhaseChanged(ctx context.Context, state *RoundState) error {
	var errs []error
	for _, n := range ns {
		errs = append(errs, n.PhaseChanged(ctx, state))
	}
	return errors.Join(errs...)
}

func (ns Notifiers) SubmissionsClosed(ctx context.Context, roomID string, round, count int) error {
	var errs []error
	for _, n := range ns {
		errs = append(errs, n.SubmissionsClosed(ctx, roomID, round, count))
	}
	return errors.Join(errs...)
}

func (ns Notifiers) MatchFinished(ctx context.Context, rec *MatchHistory) error {
	var errs []error
	for _, n := range ns {
		errs = append(errs, n.MatchFinished(ctx, rec))
	}
	return errors.Join(errs...)
}

// HistoryWriters writes to every sink in order and stops at the first error.
type HistoryWriters []HistoryWriter

func (hs HistoryWriters) AppendMatchHistory(ctx context.Context, rec *MatchHistory) error {
	for _, h := range hs {
		if err := h.AppendMatchHistory(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
