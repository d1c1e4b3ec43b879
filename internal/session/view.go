package session

import (
	"time"

	"slice-duel/internal/room"
	"slice-duel/internal/signaling"
	"slice-duel/internal/sim"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWaiting   Phase = "waiting"
	PhaseCountdown Phase = "countdown"
	PhasePlaying   Phase = "playing"
	PhaseFinished  Phase = "finished"
	// PhaseEnded means the session disappeared underneath us: deleted,
	// swept, or the store connection dropped.
	PhaseEnded Phase = "ended"
)

// View is what the rendering layer reads. Participants are copies.
type View struct {
	Phase        Phase
	SessionID    string
	Code         string
	Local        *room.Participant
	Remote       *room.Participant
	Seed         uint32
	IsHost       bool
	WinnerID     string
	StartedAt    time.Time
	LocalStats   sim.Stats
	RemoteStream signaling.Stream
	VideoState   signaling.State
}

func copyParticipant(p *room.Participant) *room.Participant {
	if p == nil {
		return nil
	}
	cp := *p
	if p.LastSlice != nil {
		ls := *p.LastSlice
		cp.LastSlice = &ls
	}
	return &cp
}

func (v View) clone() View {
	v.Local = copyParticipant(v.Local)
	v.Remote = copyParticipant(v.Remote)
	return v
}
