package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/wittsy/internal/game"
)

const (
	roomCodeLength   = 5
	roomCodeAttempts = 5
	defaultHistory   = 10
	maxHistory       = 100
)

// Service is the part of the orchestrator exposed over HTTP.
type Service interface {
	CreateMatch(ctx context.Context, roomID string, players []string, threshold int) (*game.MatchRecord, error)
	MatchRecord(ctx context.Context, roomID string) (*game.MatchRecord, error)
	StartMatch(ctx context.Context, roomID string) (*game.RoundState, error)
	RoundState(ctx context.Context, roomID string) (*game.RoundState, error)
	Advance(ctx context.Context, roomID string, expected *game.Stamp) (game.AdvanceResult, error)
	EndMatch(ctx context.Context, roomID, reason string) (*game.MatchHistory, error)
	Submit(ctx context.Context, roomID, playerID, text string) (int, error)
	Vote(ctx context.Context, roomID, voterID, targetID string) (int, error)
	Settings() game.Settings
}

// Catalog stores prompts and finished-match history.
type Catalog interface {
	ListMatchHistory(ctx context.Context, roomID string, limit int) ([]*game.MatchHistory, error)
	AddPrompt(ctx context.Context, e game.PromptPoolEntry) error
}

type PromptRefresher interface {
	Refresh(ctx context.Context) error
}

type Handler struct {
	svc     Service
	catalog Catalog
	prompts PromptRefresher
	now     func() time.Time
}

func NewHandler(svc Service, catalog Catalog, prompts PromptRefresher) *Handler {
	return &Handler{svc: svc, catalog: catalog, prompts: prompts, now: time.Now}
}

// Register mounts the public game routes.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/api/settings", h.settings)
	r.POST("/api/matches", h.createMatch)
	r.GET("/api/matches/:roomId", h.getMatch)
	r.GET("/api/matches/:roomId/history", h.listHistory)
	r.POST("/api/rooms/:roomId/start", h.startMatch)
	r.GET("/api/rooms/:roomId/state", h.getState)
	r.POST("/api/rooms/:roomId/advance", h.advance)
	r.POST("/api/rooms/:roomId/submissions", h.submit)
	r.POST("/api/rooms/:roomId/votes", h.vote)
}

// RegisterAdmin mounts operator routes. Callers put them behind auth.
func (h *Handler) RegisterAdmin(r gin.IRouter) {
	r.POST("/api/admin/rooms/:roomId/end", h.endMatch)
	r.POST("/api/admin/prompts", h.addPrompt)
}

func (h *Handler) settings(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Settings())
}

type createMatchReq struct {
	RoomID       string   `json:"roomId"`
	Players      []string `json:"players"`
	WinningVotes int      `json:"winningVotes"`
}

func (h *Handler) createMatch(c *gin.Context) {
	var req createMatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.WinningVotes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_winning_votes"})
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID != "" {
		rec, err := h.svc.CreateMatch(c.Request.Context(), roomID, req.Players, req.WinningVotes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
		return
	}

	for range roomCodeAttempts {
		rec, err := h.svc.CreateMatch(c.Request.Context(), game.NewRoomCode(roomCodeLength), req.Players, req.WinningVotes)
		if errors.Is(err, game.ErrMatchExists) {
			continue
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room_code_exhausted"})
}

func (h *Handler) getMatch(c *gin.Context) {
	rec, err := h.svc.MatchRecord(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listHistory(c *gin.Context) {
	limit := defaultHistory
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(n, maxHistory)
	}
	out, err := h.catalog.ListMatchHistory(c.Request.Context(), c.Param("roomId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []*game.MatchHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

func (h *Handler) startMatch(c *gin.Context) {
	st, err := h.svc.StartMatch(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(st))
}

func (h *Handler) getState(c *gin.Context) {
	st, err := h.svc.RoundState(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(st))
}

type advanceReq struct {
	Phase          game.Phase `json:"phase"`
	PhaseStartedAt time.Time  `json:"phaseStartedAt"`
}

type advanceResp struct {
	game.AdvanceResult
	View *game.RoomView `json:"view,omitempty"`
}

// advance moves the room on once its phase ran out. A body naming the phase
// the caller saw makes the call a no-op if that phase already ended.
func (h *Handler) advance(c *gin.Context) {
	var req advanceReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	var expected *game.Stamp
	if req.Phase != "" {
		if !req.Phase.Valid() || req.PhaseStartedAt.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stamp"})
			return
		}
		expected = &game.Stamp{Phase: req.Phase, StartedAt: req.PhaseStartedAt}
	}
	res, err := h.svc.Advance(c.Request.Context(), c.Param("roomId"), expected)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := advanceResp{AdvanceResult: res}
	if res.State != nil {
		v := h.view(res.State)
		resp.View = &v
	}
	c.JSON(http.StatusOK, resp)
}

type submitReq struct {
	PlayerID string `json:"playerId" binding:"required"`
	Text     string `json:"text"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	n, err := h.svc.Submit(c.Request.Context(), c.Param("roomId"), req.PlayerID, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type voteReq struct {
	VoterID  string `json:"voterId" binding:"required"`
	TargetID string `json:"targetId" binding:"required"`
}

func (h *Handler) vote(c *gin.Context) {
	var req voteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	n, err := h.svc.Vote(c.Request.Context(), c.Param("roomId"), req.VoterID, req.TargetID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type endReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) endMatch(c *gin.Context) {
	var req endReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	hist, err := h.svc.EndMatch(c.Request.Context(), c.Param("roomId"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if hist == nil {
		c.JSON(http.StatusOK, gin.H{"ended": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true, "history": hist})
}

type addPromptReq struct {
	ID     string            `json:"id"`
	Text   string            `json:"text" binding:"required"`
	Status game.PromptStatus `json:"status"`
}

func (h *Handler) addPrompt(c *gin.Context) {
	var req addPromptReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.Status != "" && req.Status != game.PromptActive && req.Status != game.PromptInactive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	entry := game.PromptPoolEntry{ID: req.ID, Text: strings.TrimSpace(req.Text), Status: req.Status}
	if entry.ID == "" {
		entry.ID = game.PromptID(entry.Text)
	}
	if entry.Status == "" {
		entry.Status = game.PromptActive
	}
	if err := h.catalog.AddPrompt(c.Request.Context(), entry); err != nil {
		writeError(c, err)
		return
	}
	if h.prompts != nil {
		if err := h.prompts.Refresh(c.Request.Context()); err != nil {
			log.Warn().Err(err).Str("prompt", entry.ID).Msg("prompt cache refresh failed")
		}
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) view(st *game.RoundState) game.RoomView {
	return game.NewRoomView(st, h.svc.Settings().Durations, h.now())
}
