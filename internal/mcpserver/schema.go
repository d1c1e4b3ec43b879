package mcpserver

import (
	"slices"

	"slice-duel/internal/room"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type participantSummary struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Ready          bool   `json:"ready"`
	Connected      bool   `json:"connected"`
	Score          int    `json:"score"`
	ComboBest      int    `json:"combo_best"`
	RatingEstimate int    `json:"rating_estimate"`
}

type sessionSummary struct {
	ID        string               `json:"session_id"`
	Code      string               `json:"code"`
	State     room.State           `json:"state"`
	HostID    string               `json:"host_id"`
	Seed      uint32               `json:"seed"`
	CreatedAt int64                `json:"created_at"`
	StartedAt *int64               `json:"started_at,omitempty"`
	EndedAt   *int64               `json:"ended_at,omitempty"`
	WinnerID  string               `json:"winner_id,omitempty"`
	Players   []participantSummary `json:"players"`
}

func summarize(s *room.Session) sessionSummary {
	out := sessionSummary{
		ID:        s.ID,
		Code:      s.Code,
		State:     s.State,
		HostID:    s.HostID,
		Seed:      s.Seed,
		CreatedAt: s.CreatedAt,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		WinnerID:  s.WinnerID,
		Players:   []participantSummary{},
	}
	for _, id := range s.Roster() {
		p := s.Participant(id)
		out.Players = append(out.Players, participantSummary{
			ID:             p.ID,
			DisplayName:    p.DisplayName,
			Ready:          p.Ready,
			Connected:      p.Connected,
			Score:          p.Score,
			ComboBest:      p.ComboBest,
			RatingEstimate: p.RatingEstimate,
		})
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	return min(limit, maxPageLimit)
}

func isAllowedState(v string) bool {
	return v == "" || slices.Contains([]room.State{room.StateWaiting, room.StateCountdown, room.StatePlaying, room.StateFinished}, room.State(v))
}
