package game

import "errors"

var (
	ErrRoundStateNotFound = errors.New("round state not found")
	ErrMatchNotFound      = errors.New("match not found")
	ErrMatchExists        = errors.New("match already exists")
	ErrMatchNotWaiting    = errors.New("match is not waiting to start")
	ErrPromptPoolEmpty    = errors.New("prompt pool is empty")
	ErrInvalidPhase       = errors.New("invalid phase for action")
	ErrEmptySubmission    = errors.New("empty submission")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrSelfVote           = errors.New("cannot vote for own submission")
	ErrUnknownTarget      = errors.New("vote target has no submission")
	ErrNotAPlayer         = errors.New("not a player in this match")
)
