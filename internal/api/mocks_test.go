package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kiliankoe/wittsy/internal/game"
)

// --- Service ---

type MockService struct {
	mock.Mock
}

func (m *MockService) CreateMatch(ctx context.Context, roomID string, players []string, threshold int) (*game.MatchRecord, error) {
	args := m.Called(ctx, roomID, players, threshold)
	rec, _ := args.Get(0).(*game.MatchRecord)
	return rec, args.Error(1)
}

func (m *MockService) MatchRecord(ctx context.Context, roomID string) (*game.MatchRecord, error) {
	args := m.Called(ctx, roomID)
	rec, _ := args.Get(0).(*game.MatchRecord)
	return rec, args.Error(1)
}

func (m *MockService) StartMatch(ctx context.Context, roomID string) (*game.RoundState, error) {
	args := m.Called(ctx, roomID)
	st, _ := args.Get(0).(*game.RoundState)
	return st, args.Error(1)
}

func (m *MockService) RoundState(ctx context.Context, roomID string) (*game.RoundState, error) {
	args := m.Called(ctx, roomID)
	st, _ := args.Get(0).(*game.RoundState)
	return st, args.Error(1)
}

func (m *MockService) Advance(ctx context.Context, roomID string, expected *game.Stamp) (game.AdvanceResult, error) {
	args := m.Called(ctx, roomID, expected)
	return args.Get(0).(game.AdvanceResult), args.Error(1)
}

func (m *MockService) EndMatch(ctx context.Context, roomID, reason string) (*game.MatchHistory, error) {
	args := m.Called(ctx, roomID, reason)
	h, _ := args.Get(0).(*game.MatchHistory)
	return h, args.Error(1)
}

func (m *MockService) Submit(ctx context.Context, roomID, playerID, text string) (int, error) {
	args := m.Called(ctx, roomID, playerID, text)
	return args.Int(0), args.Error(1)
}

func (m *MockService) Vote(ctx context.Context, roomID, voterID, targetID string) (int, error) {
	args := m.Called(ctx, roomID, voterID, targetID)
	return args.Int(0), args.Error(1)
}

func (m *MockService) Settings() game.Settings {
	return game.DefaultSettings()
}

// --- Catalog ---

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) ListMatchHistory(ctx context.Context, roomID string, limit int) ([]*game.MatchHistory, error) {
	args := m.Called(ctx, roomID, limit)
	out, _ := args.Get(0).([]*game.MatchHistory)
	return out, args.Error(1)
}

func (m *MockCatalog) AddPrompt(ctx context.Context, e game.PromptPoolEntry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockCatalog) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
