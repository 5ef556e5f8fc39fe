package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/wittsy/internal/game"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{game.ErrMatchNotFound, http.StatusNotFound, "match_not_found"},
	{game.ErrRoundStateNotFound, http.StatusNotFound, "room_not_found"},
	{game.ErrMatchExists, http.StatusConflict, "match_exists"},
	{game.ErrMatchNotWaiting, http.StatusConflict, "match_not_waiting"},
	{game.ErrInvalidPhase, http.StatusConflict, "invalid_phase"},
	{game.ErrAlreadyVoted, http.StatusConflict, "already_voted"},
	{game.ErrEmptySubmission, http.StatusBadRequest, "empty_submission"},
	{game.ErrSelfVote, http.StatusBadRequest, "self_vote"},
	{game.ErrUnknownTarget, http.StatusBadRequest, "unknown_target"},
	{game.ErrNotAPlayer, http.StatusForbidden, "not_a_player"},
	{game.ErrPromptPoolEmpty, http.StatusServiceUnavailable, "prompt_pool_empty"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// ErrorCode maps a service error to its HTTP status and wire code.
func ErrorCode(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}
