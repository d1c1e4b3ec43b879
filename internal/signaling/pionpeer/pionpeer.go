// Package pionpeer adapts github.com/pion/webrtc to signaling.PeerConnection.
package pionpeer

import (
	"context"
	"fmt"
	"strings"

	"slice-duel/internal/signaling"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	ICEServers     []string
	TURNUsername   string
	TURNCredential string
	// LocalTrack is sent to the peer when set; otherwise the connection
	// only receives video. Two receive-only peers negotiate an inactive
	// media section: ICE and DTLS still connect, but neither side ever
	// reports a remote stream.
	LocalTrack webrtc.TrackLocal
}

// NewFactory returns a signaling.PeerFactory building pion peer
// connections from cfg.
func NewFactory(cfg Config) signaling.PeerFactory {
	return func() (signaling.PeerConnection, error) {
		return New(cfg)
	}
}

type Peer struct {
	pc *webrtc.PeerConnection
}

func New(cfg Config) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if cfg.LocalTrack != nil {
		if _, err := pc.AddTrack(cfg.LocalTrack); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return &Peer{pc: pc}, nil
}

func iceServers(cfg Config) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		srv := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			srv.Username = cfg.TURNUsername
			srv.Credential = cfg.TURNCredential
		}
		out = append(out, srv)
	}
	return out
}

func (p *Peer) CreateOffer(_ context.Context, iceRestart bool) (signaling.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return signaling.Description{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.Description{}, err
	}
	return signaling.Description{Type: signaling.SDPOffer, SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer(context.Context) (signaling.Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.Description{}, err
	}
	return signaling.Description{Type: signaling.SDPAnswer, SDP: answer.SDP}, nil
}

func (p *Peer) SetRemoteDescription(d signaling.Description) error {
	sd := webrtc.SessionDescription{SDP: d.SDP}
	switch d.Type {
	case signaling.SDPOffer:
		sd.Type = webrtc.SDPTypeOffer
	case signaling.SDPAnswer:
		sd.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", d.Type)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *Peer) AddICECandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// OnICECandidate skips the nil candidate pion uses to mark the end of
// gathering.
func (p *Peer) OnICECandidate(fn func(signaling.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *Peer) OnConnectionStateChange(fn func(signaling.ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connState(s))
	})
}

func connState(s webrtc.PeerConnectionState) signaling.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return signaling.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return signaling.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return signaling.ConnClosed
	default:
		return signaling.ConnNew
	}
}

// OnRemoteStream reports the first remote video track. *webrtc.TrackRemote
// already satisfies signaling.Stream.
func (p *Peer) OnRemoteStream(fn func(signaling.Stream)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		fn(track)
	})
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
