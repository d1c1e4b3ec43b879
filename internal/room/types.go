package room

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"slice-duel/internal/rng"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateCountdown State = "countdown"
	StatePlaying   State = "playing"
	StateFinished  State = "finished"
)

const (
	MaxPlayers     = 2
	StartingRating = 1000
	MaxNameLength  = 24
)

func (s State) valid() bool {
	switch s {
	case StateWaiting, StateCountdown, StatePlaying, StateFinished:
		return true
	}
	return false
}

// Session is one match record stored at rooms/{id}. Timestamps are unix
// milliseconds.
type Session struct {
	ID        string                  `json:"-"`
	Code      string                  `json:"code"`
	State     State                   `json:"state"`
	HostID    string                  `json:"hostId"`
	Seed      uint32                  `json:"seed"`
	CreatedAt int64                   `json:"createdAt"`
	StartedAt *int64                  `json:"startedAt,omitempty"`
	EndedAt   *int64                  `json:"endedAt,omitempty"`
	WinnerID  string                  `json:"winnerId,omitempty"`
	Players   map[string]*Participant `json:"players"`
}

type Participant struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"displayName"`
	RatingEstimate int        `json:"ratingEstimate"`
	Ready          bool       `json:"ready"`
	Connected      bool       `json:"connected"`
	JoinedAt       int64      `json:"joinedAt"`
	LastActivityAt int64      `json:"lastActivityAt"`
	Score          int        `json:"score"`
	ComboCurrent   int        `json:"comboCurrent"`
	ComboBest      int        `json:"comboBest"`
	LastSlice      *SliceMark `json:"lastSliceEvent,omitempty"`
}

// SliceMark is the latest slice a participant reported. It is overwritten on
// every report, so a peer only ever sees the most recent one.
type SliceMark struct {
	FruitID string  `json:"fruitId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	At      int64   `json:"at"`
}

func newParticipant(id, name string, now int64) *Participant {
	return &Participant{
		ID:             id,
		DisplayName:    name,
		RatingEstimate: StartingRating,
		Connected:      true,
		JoinedAt:       now,
		LastActivityAt: now,
	}
}

func (s *Session) Participant(id string) *Participant {
	if s == nil || id == "" {
		return nil
	}
	return s.Players[id]
}

// Opponent returns the earliest joined participant other than id.
func (s *Session) Opponent(id string) *Participant {
	for _, pid := range s.Roster() {
		if pid != id {
			return s.Players[pid]
		}
	}
	return nil
}

// Roster lists participant ids by join time, ties broken by id.
func (s *Session) Roster() []string {
	ids := make([]string, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.Players[ids[i]], s.Players[ids[j]]
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *Session) Full() bool { return len(s.Players) >= MaxPlayers }

func (s *Session) StartedTime() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.StartedAt), true
}

// decodeSession turns a raw record into a Session, rejecting anything the
// state machine could not reason about.
func decodeSession(id string, raw json.RawMessage) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.ID = id
	switch {
	case !ValidCode(s.Code):
		return nil, fmt.Errorf("%w: code %q", ErrMalformed, s.Code)
	case !s.State.valid():
		return nil, fmt.Errorf("%w: state %q", ErrMalformed, s.State)
	case s.Seed > rng.MaxSeed:
		return nil, fmt.Errorf("%w: seed %d out of range", ErrMalformed, s.Seed)
	case s.CreatedAt <= 0:
		return nil, fmt.Errorf("%w: missing createdAt", ErrMalformed)
	case len(s.Players) == 0:
		return nil, fmt.Errorf("%w: no players", ErrMalformed)
	}
	for key, p := range s.Players {
		if p == nil {
			return nil, fmt.Errorf("%w: empty player %s", ErrMalformed, key)
		}
		if p.ID == "" {
			p.ID = key
		}
		if p.ID != key {
			return nil, fmt.Errorf("%w: player key %s holds id %s", ErrMalformed, key, p.ID)
		}
	}
	if _, ok := s.Players[s.HostID]; !ok {
		return nil, fmt.Errorf("%w: host %q not a player", ErrMalformed, s.HostID)
	}
	return &s, nil
}
