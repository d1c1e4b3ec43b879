package room

import "errors"

var (
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrSessionFull        = errors.New("session_full")
	ErrWrongState         = errors.New("wrong_state")
	ErrNotHost            = errors.New("not_host")
	ErrNotParticipant     = errors.New("not_participant")
	ErrNotEnoughPlayers   = errors.New("not_enough_players")
	ErrCountdownPending   = errors.New("countdown_pending")
	ErrStaleMatch         = errors.New("stale_match")
	ErrInvalidCode        = errors.New("invalid_code")
	ErrInvalidName        = errors.New("invalid_name")
	ErrCodeSpaceExhausted = errors.New("code_space_exhausted")
	ErrMalformed          = errors.New("malformed_session")
	ErrTransport          = errors.New("store_transport")
)
