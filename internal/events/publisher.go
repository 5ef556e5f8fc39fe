package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/wittsy/internal/game"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type SubmissionsClosedEvent struct {
	RoomID string    `json:"roomId"`
	Round  int       `json:"round"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`
}

type RewardEvent struct {
	UserID string    `json:"userId"`
	Delta  int       `json:"delta"`
	At     time.Time `json:"at"`
}

// Publisher emits game events on NATS. It serves as the orchestrator's
// Notifier and as the RewardGranter handing deltas to the progression service.
type Publisher struct {
	nc     Conn
	prefix string
	now    func() time.Time
}

func NewPublisher(nc Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "wittsy"
	}
	return &Publisher{nc: nc, prefix: prefix, now: time.Now}
}

func (p *Publisher) PhaseChanged(_ context.Context, st *game.RoundState) error {
	return p.publish(roomSubject(p.prefix, st.RoomID, suffixPhase), st)
}

func (p *Publisher) SubmissionsClosed(_ context.Context, roomID string, round, count int) error {
	return p.publish(roomSubject(p.prefix, roomID, suffixSubmissions), SubmissionsClosedEvent{
		RoomID: roomID,
		Round:  round,
		Count:  count,
		At:     p.now().UTC(),
	})
}

func (p *Publisher) MatchFinished(_ context.Context, h *game.MatchHistory) error {
	return p.publish(roomSubject(p.prefix, h.RoomID, suffixFinished), h)
}

func (p *Publisher) GrantReward(_ context.Context, userID string, delta int) error {
	return p.publish(p.prefix+"."+subjectReward, RewardEvent{
		UserID: userID,
		Delta:  delta,
		At:     p.now().UTC(),
	})
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("published event")
	return nil
}

// LogGranter records reward grants in the log when no progression service is
// connected.
type LogGranter struct{}

func (LogGranter) GrantReward(_ context.Context, userID string, delta int) error {
	log.Info().Str("user", userID).Int("delta", delta).Msg("reward granted")
	return nil
}
