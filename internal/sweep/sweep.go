// Package sweep force-advances rooms whose phase outlived its time budget.
// Clients normally trigger transitions; the sweep is the liveness backstop.
package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kiliankoe/wittsy/internal/game"
)

type RoomLister interface {
	ActiveRooms(ctx context.Context) ([]string, error)
	ReadRoundState(ctx context.Context, roomID string) (*game.RoundState, error)
}

type Advancer interface {
	Advance(ctx context.Context, roomID string, expected *game.Stamp) (game.AdvanceResult, error)
}

type Config struct {
	Interval  time.Duration
	Grace     time.Duration
	Workers   int
	Durations game.PhaseDurations
}

type Sweeper struct {
	rooms RoomLister
	adv   Advancer
	cfg   Config
	now   func() time.Time
}

// Stats summarizes one pass.
type Stats struct {
	Scanned  int
	Due      int
	Advanced int
	Failed   int
}

func New(rooms RoomLister, adv Advancer, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	return &Sweeper{rooms: rooms, adv: adv, cfg: cfg, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Dur("grace", s.cfg.Grace).Int("workers", s.cfg.Workers).Msg("sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep stopped")
			return
		case <-ticker.C:
			st := s.SweepOnce(ctx)
			if st.Due > 0 || st.Failed > 0 {
				log.Info().Int("scanned", st.Scanned).Int("due", st.Due).Int("advanced", st.Advanced).Int("failed", st.Failed).Msg("sweep pass")
			}
		}
	}
}

// SweepOnce checks every active room once. A room is due when
// now - PhaseStartedAt exceeds its phase duration plus the grace period; due
// rooms are advanced with the stamp read here, so a room a client already
// moved is left alone. Per-room failures are logged and never stop the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) Stats {
	ids, err := s.rooms.ActiveRooms(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: list active rooms")
		return Stats{Failed: 1}
	}

	var due, advanced, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			ok, err := s.sweepRoom(gctx, id, &due)
			switch {
			case err != nil:
				failed.Add(1)
				log.Warn().Err(err).Str("room", id).Msg("sweep: advance failed")
			case ok:
				advanced.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Stats{
		Scanned:  len(ids),
		Due:      int(due.Load()),
		Advanced: int(advanced.Load()),
		Failed:   int(failed.Load()),
	}
}

func (s *Sweeper) sweepRoom(ctx context.Context, roomID string, due *atomic.Int32) (bool, error) {
	st, err := s.rooms.ReadRoundState(ctx, roomID)
	if errors.Is(err, game.ErrRoundStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.now().Sub(st.PhaseStartedAt) <= s.cfg.Durations.For(st.Phase)+s.cfg.Grace {
		return false, nil
	}
	due.Add(1)

	stamp := st.Stamp()
	res, err := s.adv.Advance(ctx, roomID, &stamp)
	if err != nil {
		return false, err
	}
	if res.Advanced {
		log.Info().Str("room", roomID).Str("from", string(res.From)).Str("to", string(res.To)).
			Bool("finished", res.Finished).Msg("sweep advanced stalled room")
	}
	return res.Advanced, nil
}
