package game

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPromptCacheTTL   = 5 * time.Minute
	DefaultPromptQueryLimit = 500

	promptRefreshTimeout = 10 * time.Second
)

// PromptSelector serves non-repeating prompts per room from a process-wide
// cache of the active prompt pool.
type PromptSelector struct {
	source PromptSource
	ttl    time.Duration
	limit  int
	now    func() time.Time

	refresh singleflight.Group

	mu        sync.RWMutex
	cached    []PromptPoolEntry
	fetchedAt time.Time

	usedMu sync.Mutex
	used   map[string]map[string]struct{} // roomID -> prompt IDs

	rngMu sync.Mutex
	rng   *rand.Rand
}

type PromptSelectorOption func(*PromptSelector)

func WithPromptClock(now func() time.Time) PromptSelectorOption {
	return func(p *PromptSelector) { p.now = now }
}

func WithPromptRand(r *rand.Rand) PromptSelectorOption {
	return func(p *PromptSelector) { p.rng = r }
}

func NewPromptSelector(source PromptSource, ttl time.Duration, limit int, opts ...PromptSelectorOption) *PromptSelector {
	if ttl <= 0 {
		ttl = DefaultPromptCacheTTL
	}
	if limit <= 0 {
		limit = DefaultPromptQueryLimit
	}
	p := &PromptSelector{
		source: source,
		ttl:    ttl,
		limit:  limit,
		now:    time.Now,
		used:   make(map[string]map[string]struct{}),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetRandomPrompt picks a prompt the room has not seen yet. Once every cached
// prompt has been shown the room's history is reset.
func (p *PromptSelector) GetRandomPrompt(ctx context.Context, roomID string) (PromptPoolEntry, error) {
	prompts, err := p.prompts(ctx)
	if err != nil {
		return PromptPoolEntry{}, err
	}

	p.usedMu.Lock()
	defer p.usedMu.Unlock()

	used := p.used[roomID]
	if used == nil {
		used = make(map[string]struct{})
		p.used[roomID] = used
	}

	available := make([]PromptPoolEntry, 0, len(prompts))
	for _, pr := range prompts {
		if _, seen := used[pr.ID]; !seen {
			available = append(available, pr)
		}
	}
	if len(available) == 0 {
		log.Info().Str("room", roomID).Int("shown", len(used)).Msg("prompt history exhausted, resetting")
		clear(used)
		available = prompts
	}

	pick := available[p.intN(len(available))]
	used[pick.ID] = struct{}{}
	return pick, nil
}

// ClearRoomHistory drops the room's used set. Called when its match ends.
func (p *PromptSelector) ClearRoomHistory(roomID string) {
	p.usedMu.Lock()
	delete(p.used, roomID)
	p.usedMu.Unlock()
}

// Refresh reloads the pool. Concurrent callers share one underlying query,
// detached from the cancellation of whichever caller started it.
func (p *PromptSelector) Refresh(ctx context.Context) error {
	_, err, _ := p.refresh.Do("prompts", func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), promptRefreshTimeout)
		defer cancel()
		entries, err := p.source.QueryActivePrompts(qctx, p.limit)
		if err != nil {
			return nil, err
		}
		active := entries[:0:0]
		for _, e := range entries {
			if e.Status == "" || e.Status == PromptActive {
				active = append(active, e)
			}
		}
		p.mu.Lock()
		p.cached = active
		p.fetchedAt = p.now()
		p.mu.Unlock()
		log.Debug().Int("prompts", len(active)).Msg("prompt cache refreshed")
		return nil, nil
	})
	return err
}

func (p *PromptSelector) prompts(ctx context.Context) ([]PromptPoolEntry, error) {
	p.mu.RLock()
	cached, fetchedAt := p.cached, p.fetchedAt
	p.mu.RUnlock()

	if len(cached) > 0 && p.now().Sub(fetchedAt) < p.ttl {
		return cached, nil
	}

	if err := p.Refresh(ctx); err != nil {
		if len(cached) > 0 {
			log.Warn().Err(err).Msg("prompt refresh failed, serving stale cache")
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrPromptPoolEmpty, err)
	}

	p.mu.RLock()
	cached = p.cached
	p.mu.RUnlock()
	if len(cached) == 0 {
		return nil, ErrPromptPoolEmpty
	}
	return cached, nil
}

func (p *PromptSelector) intN(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.IntN(n)
}
