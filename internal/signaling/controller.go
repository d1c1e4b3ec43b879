package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	maxICERestarts            = 1
	teardownTimeout           = 5 * time.Second
	eventBuffer               = 64
)

type Config struct {
	Channel            *Channel
	Role               Role
	NewPeer            PeerFactory
	NegotiationTimeout time.Duration
	// OnState and OnRemoteStream run on the controller goroutine; they must
	// not call Close or Reconnect synchronously.
	OnState        func(State)
	OnRemoteStream func(Stream)
}

// Controller drives one side of the offer/answer exchange. Store pushes,
// peer connection callbacks and caller commands are all turned into events
// handled by a single goroutine, so the peer connection is never touched
// concurrently.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	events    chan event
	done      chan struct{}
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once

	mu         sync.RWMutex
	stateSnap  State
	streamSnap Stream

	// Owned by the loop goroutine.
	ctx       context.Context
	cancel    context.CancelFunc
	gen       int
	pc        PeerConnection
	unsubs    []func()
	remoteSet bool
	queue     []Candidate
	localRev  int64
	remoteRev int64
	restarts  int
	timer     *time.Timer
	timerSeq  int
	stream    Stream
}

type event any

type (
	startEvent     struct{}
	reconnectEvent struct{}
	closeEvent     struct{ ack chan struct{} }
	inspectEvent   struct {
		fn  func()
		ack chan struct{}
	}
	descriptionEvent struct {
		gen int
		d   *Description
	}
	remoteCandidateEvent struct {
		gen  int
		key  string
		cand Candidate
	}
	localCandidateEvent struct {
		gen  int
		cand Candidate
	}
	connStateEvent struct {
		gen   int
		state ConnState
	}
	streamEvent struct {
		gen    int
		stream Stream
	}
	timeoutEvent struct {
		gen int
		seq int
	}
)

func NewController(cfg Config) *Controller {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	logger := log.With().
		Str("session_id", cfg.Channel.SessionID()).
		Str("participant_id", cfg.Channel.Self()).
		Str("role", string(cfg.Role)).
		Logger()
	return &Controller{
		cfg:       cfg,
		logger:    logger,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		stateSnap: StateIdle,
	}
}

// Start launches the negotiation. It returns immediately; progress is
// reported through OnState.
func (c *Controller) Start(ctx context.Context) error {
	if c.cfg.NewPeer == nil || c.cfg.Channel.Peer() == "" {
		return ErrMissingPeer
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		if c.closing.Load() {
			return ErrClosed
		}
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go c.loop()
	c.post(startEvent{})
	return nil
}

// Reconnect tears down the current peer connection and negotiates from
// scratch with a fresh restart budget.
func (c *Controller) Reconnect() error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if !c.post(reconnectEvent{}) {
		return ErrClosed
	}
	return nil
}

// Close stops the controller, closes the peer connection and deletes the
// local signaling record. The peer's record is left alone. Safe to call more
// than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		// claim the start slot so a racing Start cannot launch the loop
		if c.started.CompareAndSwap(false, true) {
			c.setState(StateClosed)
			close(c.done)
			return
		}
		ack := make(chan struct{})
		c.events <- closeEvent{ack: ack}
		<-ack
	})
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateSnap
}

// RemoteStream is nil until media arrives and again once the link degrades
// or closes.
func (c *Controller) RemoteStream() Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSnap
}

func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// inspect runs fn on the loop goroutine and waits for it.
func (c *Controller) inspect(fn func()) bool {
	ack := make(chan struct{})
	if !c.post(inspectEvent{fn: fn, ack: ack}) {
		return false
	}
	select {
	case <-ack:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) loop() {
	for ev := range c.events {
		if ce, ok := ev.(closeEvent); ok {
			c.shutdown()
			close(c.done)
			close(ce.ack)
			return
		}
		c.handle(ev)
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case startEvent:
		c.setup()
	case reconnectEvent:
		c.logger.Info().Msg("reconnect requested")
		c.restarts = 0
		c.setup()
	case inspectEvent:
		ev.fn()
		close(ev.ack)
	case descriptionEvent:
		if ev.gen == c.gen && ev.d != nil {
			c.onDescription(*ev.d)
		}
	case remoteCandidateEvent:
		if ev.gen == c.gen {
			c.onRemoteCandidate(ev.key, ev.cand)
		}
	case localCandidateEvent:
		if ev.gen == c.gen {
			if _, err := c.cfg.Channel.PushCandidate(c.ctx, ev.cand); err != nil {
				c.logger.Warn().Err(err).Msg("publish local candidate failed")
			}
		}
	case connStateEvent:
		if ev.gen == c.gen {
			c.onConnState(ev.state)
		}
	case streamEvent:
		if ev.gen == c.gen && c.pc != nil {
			c.setStream(ev.stream)
		}
	case timeoutEvent:
		if ev.gen == c.gen && ev.seq == c.timerSeq {
			c.onTimeout()
		}
	}
}

// setup starts a fresh attempt: drop the old peer connection, clear the
// local record, subscribe to the peer and, as initiator, publish an offer.
func (c *Controller) setup() {
	c.teardown()
	c.gen++
	c.remoteSet = false
	c.queue = nil
	c.remoteRev = 0
	c.setStream(nil)
	c.setState(StateNegotiating)

	if err := c.cfg.Channel.Reset(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("clear stale signaling failed")
	}
	pc, err := c.cfg.NewPeer()
	if err != nil {
		c.logger.Error().Err(err).Msg("create peer connection failed")
		c.degrade()
		return
	}
	c.pc = pc
	gen := c.gen
	pc.OnICECandidate(func(cand Candidate) { c.post(localCandidateEvent{gen: gen, cand: cand}) })
	pc.OnConnectionStateChange(func(s ConnState) { c.post(connStateEvent{gen: gen, state: s}) })
	pc.OnRemoteStream(func(s Stream) { c.post(streamEvent{gen: gen, stream: s}) })

	unsubDesc, err := c.cfg.Channel.WatchDescription(c.ctx, func(d *Description) {
		c.post(descriptionEvent{gen: gen, d: d})
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("watch peer description failed")
		c.degrade()
		return
	}
	c.unsubs = append(c.unsubs, unsubDesc)
	unsubCand, err := c.cfg.Channel.WatchCandidates(c.ctx, func(key string, cand Candidate) {
		c.post(remoteCandidateEvent{gen: gen, key: key, cand: cand})
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("watch peer candidates failed")
		c.degrade()
		return
	}
	c.unsubs = append(c.unsubs, unsubCand)

	c.armTimer()
	if c.cfg.Role == RoleInitiator {
		c.offer(false)
	}
}

func (c *Controller) nextRev() int64 {
	rev := time.Now().UnixMilli()
	if rev <= c.localRev {
		rev = c.localRev + 1
	}
	c.localRev = rev
	return rev
}

func (c *Controller) offer(restart bool) {
	d, err := c.pc.CreateOffer(c.ctx, restart)
	if err != nil {
		c.logger.Error().Err(err).Bool("ice_restart", restart).Msg("create offer failed")
		c.fail()
		return
	}
	d.Type = SDPOffer
	d.Rev = c.nextRev()
	d.Restart = restart
	if err := c.cfg.Channel.PublishDescription(c.ctx, d); err != nil {
		c.logger.Error().Err(err).Msg("publish offer failed")
		c.fail()
		return
	}
	c.logger.Debug().Int64("rev", d.Rev).Bool("ice_restart", restart).Msg("offer published")
}

func (c *Controller) onDescription(d Description) {
	if c.pc == nil {
		return
	}
	switch c.cfg.Role {
	case RoleInitiator:
		if d.Type != SDPAnswer || d.Rev != c.localRev || d.Rev <= c.remoteRev {
			return
		}
		if err := c.pc.SetRemoteDescription(d); err != nil {
			c.logger.Error().Err(err).Msg("apply answer failed")
			c.fail()
			return
		}
		c.remoteRev = d.Rev
		c.markRemoteSet()
	case RoleResponder:
		if d.Type != SDPOffer || d.Rev <= c.remoteRev {
			return
		}
		if c.remoteSet && !d.Restart {
			// The initiator rebuilt its peer connection; so must we.
			c.logger.Info().Int64("rev", d.Rev).Msg("fresh offer on live link, rebuilding")
			c.setup()
			if c.pc == nil {
				return
			}
		}
		if err := c.pc.SetRemoteDescription(d); err != nil {
			c.logger.Error().Err(err).Msg("apply offer failed")
			c.fail()
			return
		}
		c.remoteRev = d.Rev
		c.markRemoteSet()
		answer, err := c.pc.CreateAnswer(c.ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("create answer failed")
			c.fail()
			return
		}
		answer.Type = SDPAnswer
		answer.Rev = d.Rev
		if err := c.cfg.Channel.PublishDescription(c.ctx, answer); err != nil {
			c.logger.Error().Err(err).Msg("publish answer failed")
			c.fail()
			return
		}
		c.logger.Debug().Int64("rev", d.Rev).Msg("answer published")
	}
}

// markRemoteSet flushes every candidate that arrived early, in arrival
// order, the first time a remote description lands.
func (c *Controller) markRemoteSet() {
	if c.remoteSet {
		return
	}
	c.remoteSet = true
	queued := c.queue
	c.queue = nil
	for _, cand := range queued {
		c.addCandidate(cand)
	}
	if len(queued) > 0 {
		c.logger.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
	}
}

func (c *Controller) onRemoteCandidate(key string, cand Candidate) {
	if c.pc == nil {
		return
	}
	if !c.remoteSet {
		c.queue = append(c.queue, cand)
		return
	}
	c.addCandidate(cand)
}

func (c *Controller) addCandidate(cand Candidate) {
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.logger.Warn().Err(err).Msg("apply remote candidate failed")
	}
}

func (c *Controller) onConnState(s ConnState) {
	switch s {
	case ConnConnected:
		c.stopTimer()
		c.setState(StateConnected)
	case ConnFailed:
		c.logger.Warn().Msg("peer connectivity failed")
		c.fail()
	}
}

func (c *Controller) onTimeout() {
	if c.State() == StateConnected {
		return
	}
	c.logger.Warn().Dur("timeout", c.cfg.NegotiationTimeout).Msg("negotiation timed out")
	c.fail()
}

// fail spends the ICE restart budget or gives up.
func (c *Controller) fail() {
	if c.pc == nil {
		return
	}
	if c.restarts >= maxICERestarts {
		c.degrade()
		return
	}
	c.restarts++
	c.setState(StateRestarting)
	c.armTimer()
	c.logger.Info().Int("attempt", c.restarts).Msg("ice restart")
	if c.cfg.Role == RoleInitiator {
		c.offer(true)
	}
}

func (c *Controller) degrade() {
	c.logger.Warn().Msg("peer link degraded")
	c.teardown()
	c.setStream(nil)
	c.setState(StateDegraded)
}

func (c *Controller) armTimer() {
	c.stopTimer()
	c.timerSeq++
	gen, seq := c.gen, c.timerSeq
	c.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(timeoutEvent{gen: gen, seq: seq})
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// teardown releases subscriptions, the timer and the peer connection. It
// bumps the generation so late callbacks from them are dropped.
func (c *Controller) teardown() {
	c.stopTimer()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close peer connection")
		}
		c.pc = nil
	}
	c.gen++
}

func (c *Controller) shutdown() {
	c.teardown()
	c.setStream(nil)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), teardownTimeout)
	defer cancel()
	if err := c.cfg.Channel.Delete(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("delete signaling record failed")
	}
	c.cancel()
	c.setState(StateClosed)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.stateSnap != s
	c.stateSnap = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Controller) setStream(s Stream) {
	if c.stream == nil && s == nil {
		return
	}
	c.stream = s
	c.mu.Lock()
	c.streamSnap = s
	c.mu.Unlock()
	if c.cfg.OnRemoteStream != nil {
		c.cfg.OnRemoteStream(s)
	}
}
