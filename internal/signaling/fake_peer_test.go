package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakeStream string

func (s fakeStream) StreamID() string { return string(s) }

// fakePeer records what the controller asks of it. Like a real peer
// connection it refuses candidates before a remote description.
type fakePeer struct {
	name string

	mu          sync.Mutex
	offers      []Description
	answers     []Description
	restarts    int
	remote      []Description
	candidates  []Candidate
	earlyAdds   int
	closed      bool
	onCandidate func(Candidate)
	onState     func(ConnState)
	onStream    func(Stream)
}

func (p *fakePeer) CreateOffer(_ context.Context, iceRestart bool) (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if iceRestart {
		p.restarts++
	}
	d := Description{Type: SDPOffer, SDP: fmt.Sprintf("%s-offer-%d", p.name, len(p.offers)+1)}
	p.offers = append(p.offers, d)
	return d, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return Description{}, errors.New("answer without remote offer")
	}
	d := Description{Type: SDPAnswer, SDP: fmt.Sprintf("%s-answer-%d", p.name, len(p.answers)+1)}
	p.answers = append(p.answers, d)
	return d, nil
}

func (p *fakePeer) SetRemoteDescription(d Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		p.earlyAdds++
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteStream(fn func(Stream)) {
	p.mu.Lock()
	p.onStream = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidate(c Candidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) emitState(s ConnState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) emitStream(s Stream) {
	p.mu.Lock()
	fn := p.onStream
	p.mu.Unlock()
	fn(s)
}

type peerView struct {
	offers     []Description
	answers    []Description
	restarts   int
	remote     []Description
	candidates []Candidate
	earlyAdds  int
	closed     bool
}

func (p *fakePeer) snapshot() peerView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerView{
		offers:     append([]Description(nil), p.offers...),
		answers:    append([]Description(nil), p.answers...),
		restarts:   p.restarts,
		remote:     append([]Description(nil), p.remote...),
		candidates: append([]Candidate(nil), p.candidates...),
		earlyAdds:  p.earlyAdds,
		closed:     p.closed,
	}
}

// peerFactory hands out fakePeers and remembers them in creation order.
type peerFactory struct {
	name  string
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *peerFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: fmt.Sprintf("%s%d", f.name, len(f.peers)+1)}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
