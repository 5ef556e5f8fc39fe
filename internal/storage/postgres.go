package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiliankoe/wittsy/internal/config"
	"github.com/kiliankoe/wittsy/internal/game"
)

var ErrUnexpectedDatabase = errors.New("unexpected database error")

// PostgresStore holds match records, cumulative scores, the prompt pool and
// match history.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const createMatchSQL = `
INSERT INTO matches (room_id, status, players, current_round, winning_votes_threshold,
                     early_end_reason, last_scored_round, created_at, updated_at)
VALUES ($1, $2, $3, 0, $4, '', 0, $5, $5)
ON CONFLICT (room_id) DO UPDATE SET
    status = EXCLUDED.status,
    players = EXCLUDED.players,
    current_round = 0,
    winning_votes_threshold = EXCLUDED.winning_votes_threshold,
    early_end_reason = '',
    last_scored_round = 0,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at
WHERE matches.status = 'Finished'
RETURNING room_id`

// CreateMatch inserts a Waiting match. A finished match in the same room is
// reset for a rematch; any other existing match yields ErrMatchExists.
func (s *PostgresStore) CreateMatch(ctx context.Context, rec *game.MatchRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr(err)
	}
	defer tx.Rollback(ctx)

	players := rec.Players
	if players == nil {
		players = []string{}
	}
	var roomID string
	err = tx.QueryRow(ctx, createMatchSQL, rec.RoomID, string(rec.Status), players,
		rec.WinningVotesThreshold, rec.CreatedAt).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.ErrMatchExists
	}
	if err != nil {
		return dbErr(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM match_scores WHERE room_id = $1`, rec.RoomID); err != nil {
		return dbErr(err)
	}
	return dbErr(tx.Commit(ctx))
}

func (s *PostgresStore) ReadMatchRecord(ctx context.Context, roomID string) (*game.MatchRecord, error) {
	rec := &game.MatchRecord{RoomID: roomID, Scores: map[string]game.PlayerScore{}}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, players, current_round, winning_votes_threshold, early_end_reason,
		       last_scored_round, created_at, updated_at
		FROM matches WHERE room_id = $1`, roomID).
		Scan(&status, &rec.Players, &rec.CurrentRound, &rec.WinningVotesThreshold,
			&rec.EarlyEndReason, &rec.LastScoredRound, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrMatchNotFound
	}
	if err != nil {
		return nil, dbErr(err)
	}
	rec.Status = game.MatchStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT player_id, total_votes, round_wins, stars, reached_round
		FROM match_scores WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var ps game.PlayerScore
		if err := rows.Scan(&id, &ps.TotalVotes, &ps.RoundWins, &ps.Stars, &ps.ReachedRound); err != nil {
			return nil, dbErr(err)
		}
		rec.Scores[id] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return rec, nil
}

const updateMatchSQL = `
UPDATE matches SET
    status = CASE WHEN $2::text <> '' THEN $2::text ELSE status END,
    current_round = GREATEST(current_round, $3::int),
    early_end_reason = CASE WHEN $4::text <> '' THEN $4::text ELSE early_end_reason END,
    last_scored_round = CASE WHEN $5::int > 0 THEN $5::int ELSE last_scored_round END,
    updated_at = $6
WHERE room_id = $1
  AND ($7::text = '' OR status = $7::text)
  AND ($8::text = '' OR status <> $8::text)
  AND ($5::int = 0 OR last_scored_round < $5::int)
RETURNING room_id`

const upsertScoreSQL = `
INSERT INTO match_scores (room_id, player_id, total_votes, round_wins, stars, reached_round)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id, player_id) DO UPDATE SET
    total_votes = match_scores.total_votes + EXCLUDED.total_votes,
    round_wins = match_scores.round_wins + EXCLUDED.round_wins,
    stars = match_scores.stars + EXCLUDED.stars,
    reached_round = CASE WHEN EXCLUDED.total_votes > 0 THEN EXCLUDED.reached_round
                         ELSE match_scores.reached_round END`

// UpdateMatchRecord applies delta in one transaction. The guarded UPDATE on
// the match row decides whether the delta applies; score increments are only
// written when it does.
func (s *PostgresStore) UpdateMatchRecord(ctx context.Context, roomID string, d game.MatchDelta) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, dbErr(err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, updateMatchSQL, roomID, string(d.Status), d.CurrentRound, d.EarlyEndReason,
		d.ScoredRound, s.now().UTC(), string(d.ExpectStatus), string(d.RejectStatus)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE room_id = $1)`, roomID).Scan(&exists); err != nil {
			return false, dbErr(err)
		}
		if !exists {
			return false, game.ErrMatchNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, dbErr(err)
	}

	if d.ScoredRound > 0 && len(d.Scores) > 0 {
		batch := &pgx.Batch{}
		for player, inc := range d.Scores {
			reached := 0
			if inc.TotalVotes > 0 {
				reached = d.ScoredRound
			}
			batch.Queue(upsertScoreSQL, roomID, player, inc.TotalVotes, inc.RoundWins, inc.Stars, reached)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, dbErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, dbErr(err)
	}
	return true, nil
}

// QueryActivePrompts returns up to limit active prompts in random order, so a
// pool larger than the limit is sampled differently on each refresh.
func (s *PostgresStore) QueryActivePrompts(ctx context.Context, limit int) ([]game.PromptPoolEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, status FROM prompts
		WHERE status = 'active'
		ORDER BY random()
		LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.PromptPoolEntry, error) {
		var e game.PromptPoolEntry
		var status string
		err := row.Scan(&e.ID, &e.Text, &status)
		e.Status = game.PromptStatus(status)
		return e, err
	})
	if err != nil {
		return nil, dbErr(err)
	}
	return entries, nil
}

// AppendMatchHistory inserts h. Writing the same ID twice keeps the first row.
func (s *PostgresStore) AppendMatchHistory(ctx context.Context, h *game.MatchHistory) error {
	scores, err := json.Marshal(h.FinalScores)
	if err != nil {
		return fmt.Errorf("failed to marshal final scores: %w", err)
	}
	players := h.Players
	if players == nil {
		players = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO match_history (id, room_id, players, final_scores, rounds, winner_id, early_end_reason, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		h.ID, h.RoomID, players, scores, h.Rounds, h.WinnerID, h.EarlyEndReason, h.FinishedAt)
	return dbErr(err)
}

// ListMatchHistory returns the most recent history records of a room.
func (s *PostgresStore) ListMatchHistory(ctx context.Context, roomID string, limit int) ([]*game.MatchHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, room_id, players, final_scores, rounds, winner_id, early_end_reason, finished_at
		FROM match_history WHERE room_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, dbErr(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*game.MatchHistory, error) {
		h := &game.MatchHistory{}
		var scores []byte
		if err := row.Scan(&h.ID, &h.RoomID, &h.Players, &scores, &h.Rounds, &h.WinnerID, &h.EarlyEndReason, &h.FinishedAt); err != nil {
			return nil, err
		}
		h.FinishedAt = h.FinishedAt.UTC()
		return h, json.Unmarshal(scores, &h.FinalScores)
	})
	if err != nil {
		return nil, dbErr(err)
	}
	return out, nil
}

// AddPrompt inserts or reactivates a prompt.
func (s *PostgresStore) AddPrompt(ctx context.Context, e game.PromptPoolEntry) error {
	status := e.Status
	if status == "" {
		status = game.PromptActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompts (id, text, status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, status = EXCLUDED.status`,
		e.ID, e.Text, string(status))
	return dbErr(err)
}

// dbErr passes nil and context errors through and wraps everything else in
// ErrUnexpectedDatabase.
func dbErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s (%s): %w", ErrUnexpectedDatabase, pgErr.Message, pgErr.Code, err)
	}
	return fmt.Errorf("%w: %w", ErrUnexpectedDatabase, err)
}
