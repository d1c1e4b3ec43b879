// Package signaling negotiates the direct peer video link between the two
// participants of a session. Offers, answers and ICE candidates travel
// through the shared document store; media never does.
package signaling

import (
	"context"
	"errors"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description is a published offer or answer. Rev orders the initiator's
// offers; an answer carries the rev of the offer it answers. Restart marks
// an ICE restart offer for an existing connection.
type Description struct {
	Type    SDPType `json:"type"`
	SDP     string  `json:"sdp"`
	Rev     int64   `json:"rev"`
	Restart bool    `json:"restart,omitempty"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// State is the controller's view of the negotiation.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateRestarting  State = "restarting"
	StateDegraded    State = "degraded"
	StateClosed      State = "closed"
)

// ConnState mirrors the peer connection's aggregate connectivity.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Stream is the remote media handed to the renderer.
type Stream interface {
	StreamID() string
}

// PeerConnection is the negotiation primitive supplied by the platform.
// CreateOffer and CreateAnswer also install the result as the local
// description.
type PeerConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	OnICECandidate(fn func(Candidate))
	OnConnectionStateChange(fn func(ConnState))
	OnRemoteStream(fn func(Stream))
	Close() error
}

type PeerFactory func() (PeerConnection, error)

var (
	ErrClosed      = errors.New("signaling_closed")
	ErrNotStarted  = errors.New("signaling_not_started")
	ErrMissingPeer = errors.New("signaling_missing_peer")
)
