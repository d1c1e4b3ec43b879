// Package session is the composition root the game layer talks to. It
// turns pushed session records into a local View, runs the lifecycle timers,
// keeps the seeded generator in step with the session and owns the peer
// video negotiation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"slice-duel/internal/docstore"
	"slice-duel/internal/rng"
	"slice-duel/internal/room"
	"slice-duel/internal/signaling"
	"slice-duel/internal/sim"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession = errors.New("no_active_session")
	ErrClosed    = errors.New("coordinator_closed")
)

const (
	DefaultMatchDuration     = 60 * time.Second
	DefaultScoreSyncInterval = 500 * time.Millisecond
	advanceRetry             = 50 * time.Millisecond
	opTimeout                = 10 * time.Second

	// a guest finishes a timed-out match itself only after this many sync
	// intervals, in case the host is gone
	guestFinishIntervals = 4
)

type Config struct {
	Store              docstore.Store
	Device             DeviceID
	Countdown          time.Duration
	MatchDuration      time.Duration
	ScoreSyncInterval  time.Duration
	NegotiationTimeout time.Duration
	// NewPeer enables the video link. Nil runs without video.
	NewPeer signaling.PeerFactory
	// Room carries overrides for the room service (clock, code and seed
	// generators). Its Countdown is taken from the field above.
	Room room.Options
}

type scheduleKey struct {
	phase     Phase
	startedAt int64
	host      bool
}

type Coordinator struct {
	cfg   Config
	self  string
	rooms *room.Service
	board *sim.Scoreboard

	mu        sync.Mutex
	alive     bool
	epoch     int
	view      View
	unsub     func()
	rng       *rng.Rand
	schedule  scheduleKey
	timers    []*time.Timer
	syncStop  chan struct{}
	timeIsUp  bool
	ctl       *signaling.Controller
	ctlPeer   string
	ctlHost   bool
	listeners []func(View)
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Device == nil {
		return nil, errors.New("session: store and device id are required")
	}
	self, err := cfg.Device.ID()
	if err != nil {
		return nil, err
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = room.DefaultCountdown
	}
	if cfg.MatchDuration <= 0 {
		cfg.MatchDuration = DefaultMatchDuration
	}
	if cfg.ScoreSyncInterval <= 0 {
		cfg.ScoreSyncInterval = DefaultScoreSyncInterval
	}
	if cfg.Room.Now == nil {
		cfg.Room.Now = time.Now
	}
	cfg.Room.Countdown = cfg.Countdown
	return &Coordinator{
		cfg:   cfg,
		self:  self,
		rooms: room.NewService(room.NewRepository(cfg.Store), self, cfg.Room),
		board: sim.NewScoreboard(),
		alive: true,
		view:  View{Phase: PhaseIdle, VideoState: signaling.StateIdle},
	}, nil
}

func (c *Coordinator) Self() string         { return c.self }
func (c *Coordinator) Rooms() *room.Service { return c.rooms }

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// OnChange registers fn to receive every new View. fn runs on whichever
// goroutine produced the change.
func (c *Coordinator) OnChange(fn func(View)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// RNG returns the generator for the current seed. A new generator is built
// every time the seed changes, so callers should fetch it at match start.
func (c *Coordinator) RNG() *rng.Rand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng
}

func (c *Coordinator) Create(ctx context.Context, displayName string) (View, error) {
	if err := c.checkAlive(); err != nil {
		return View{}, err
	}
	sess, err := c.rooms.Create(ctx, displayName)
	if err != nil {
		return View{}, err
	}
	if err := c.attach(ctx, sess); err != nil {
		return View{}, err
	}
	return c.View(), nil
}

func (c *Coordinator) JoinByCode(ctx context.Context, code, displayName string) (View, error) {
	if err := c.checkAlive(); err != nil {
		return View{}, err
	}
	sess, err := c.rooms.FindByCode(ctx, code)
	if err != nil {
		return View{}, err
	}
	if err := c.rooms.Join(ctx, sess.ID, displayName); err != nil {
		return View{}, err
	}
	if err := c.attach(ctx, sess); err != nil {
		return View{}, err
	}
	return c.View(), nil
}

func (c *Coordinator) SetReady(ctx context.Context, ready bool) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.rooms.SetReady(ctx, id, ready)
}

func (c *Coordinator) Start(ctx context.Context) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.rooms.Start(ctx, id)
}

func (c *Coordinator) Rematch(ctx context.Context) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.rooms.Rematch(ctx, id)
}

// ReportScore pushes the local scoreboard now instead of waiting for the
// next sync tick.
func (c *Coordinator) ReportScore(ctx context.Context) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	c.mu.Lock()
	seed := c.view.Seed
	c.mu.Unlock()
	st := c.board.Stats()
	return c.rooms.ReportScore(ctx, id, seed, st.Score, st.ComboCurrent, st.ComboBest)
}

func (c *Coordinator) ReportSlice(ctx context.Context, fruitID string, x, y float64) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.rooms.ReportSlice(ctx, id, fruitID, x, y)
}

// Finish flushes the local score and ends the match.
func (c *Coordinator) Finish(ctx context.Context) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	if err := c.ReportScore(ctx); err != nil && !errors.Is(err, room.ErrWrongState) && !errors.Is(err, room.ErrStaleMatch) {
		log.Warn().Err(err).Str("session_id", id).Msg("final score sync failed")
	}
	return c.rooms.Finish(ctx, id)
}

// Leave detaches from the current session and removes the local
// participant from it.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	id := c.view.SessionID
	c.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	c.detach()
	err := c.rooms.Leave(ctx, id)
	c.board.Reset()
	c.mu.Lock()
	c.view = View{Phase: PhaseIdle, VideoState: signaling.StateIdle}
	c.rng = nil
	c.schedule = scheduleKey{}
	v, listeners := c.view.clone(), c.listenersLocked()
	c.mu.Unlock()
	notify(listeners, v)
	return err
}

// HandleSliceResult scores a slice reported by the physics layer. Results
// outside the playing phase are ignored.
func (c *Coordinator) HandleSliceResult(res sim.SliceResult) int {
	c.mu.Lock()
	if c.view.Phase != PhasePlaying || c.timeIsUp {
		c.mu.Unlock()
		return 0
	}
	delta := c.board.Slice(res)
	c.view.LocalStats = c.board.Stats()
	v, listeners := c.view.clone(), c.listenersLocked()
	c.mu.Unlock()
	notify(listeners, v)
	return delta
}

func (c *Coordinator) HandleMissed(fruitID string) {
	c.mu.Lock()
	if c.view.Phase != PhasePlaying || c.timeIsUp {
		c.mu.Unlock()
		return
	}
	c.board.Miss(fruitID)
	c.view.LocalStats = c.board.Stats()
	v, listeners := c.view.clone(), c.listenersLocked()
	c.mu.Unlock()
	notify(listeners, v)
}

// Close stops every timer, subscription and peer connection and marks the
// local participant disconnected. Callbacks arriving afterwards are
// dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = false
	id, phase := c.view.SessionID, c.view.Phase
	c.mu.Unlock()

	c.detach()
	if id != "" && phase != PhaseEnded {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.rooms.SetConnected(ctx, id, false); err != nil && !errors.Is(err, room.ErrSessionNotFound) {
			log.Warn().Err(err).Str("session_id", id).Msg("mark disconnected failed")
		}
	}
}

func (c *Coordinator) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) sessionID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.alive:
		return "", ErrClosed
	case c.view.SessionID == "" || c.view.Phase == PhaseEnded:
		return "", ErrNoSession
	}
	return c.view.SessionID, nil
}

func (c *Coordinator) attach(ctx context.Context, sess *room.Session) error {
	c.detach()
	c.board.Reset()
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return ErrClosed
	}
	c.epoch++
	ep := c.epoch
	c.view = View{
		Phase:      PhaseIdle,
		SessionID:  sess.ID,
		Code:       sess.Code,
		VideoState: signaling.StateIdle,
	}
	c.rng = nil
	c.schedule = scheduleKey{}
	c.mu.Unlock()

	unsub, err := c.rooms.Subscribe(ctx, sess.ID, func(s *room.Session) { c.reconcile(ep, s) })
	if err != nil {
		return err
	}
	c.mu.Lock()
	if ep != c.epoch || !c.alive {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsub = unsub
	c.mu.Unlock()

	if err := c.rooms.SetConnected(ctx, sess.ID, true); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("mark connected failed")
	}
	return nil
}

// detach drops the subscription, timers and video link of the current
// session without touching the record.
func (c *Coordinator) detach() {
	c.mu.Lock()
	c.epoch++
	var after []func()
	c.releaseLocked(&after)
	c.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (c *Coordinator) releaseLocked(after *[]func()) {
	c.stopTimersLocked()
	if c.unsub != nil {
		*after = append(*after, c.unsub)
		c.unsub = nil
	}
	c.dropVideoLocked(after)
}

func (c *Coordinator) reconcile(ep int, s *room.Session) {
	c.mu.Lock()
	if !c.alive || ep != c.epoch {
		c.mu.Unlock()
		return
	}
	var after []func()
	if s == nil || s.Participant(c.self) == nil {
		c.endLocked(&after)
	} else {
		c.applyLocked(ep, s, &after)
	}
	v, listeners := c.view.clone(), c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	notify(listeners, v)
}

// endLocked handles the session vanishing: deletion, sweep, removal of the
// local participant or a dropped store connection.
func (c *Coordinator) endLocked(after *[]func()) {
	log.Info().Str("session_id", c.view.SessionID).Msg("session ended underneath us")
	c.epoch++
	c.releaseLocked(after)
	c.schedule = scheduleKey{}
	c.view.Phase = PhaseEnded
	c.view.Remote = nil
	c.view.RemoteStream = nil
}

func (c *Coordinator) applyLocked(ep int, s *room.Session, after *[]func()) {
	isHost := s.HostID == c.self
	remote := s.Opponent(c.self)
	prevSeed, hadRNG := c.view.Seed, c.rng != nil

	c.view.Phase = Phase(s.State)
	c.view.SessionID = s.ID
	c.view.Code = s.Code
	c.view.Local = copyParticipant(s.Participant(c.self))
	c.view.Remote = copyParticipant(remote)
	c.view.Seed = s.Seed
	c.view.IsHost = isHost
	c.view.WinnerID = s.WinnerID
	c.view.StartedAt = time.Time{}
	if started, ok := s.StartedTime(); ok {
		c.view.StartedAt = started
	}
	if !hadRNG || s.Seed != prevSeed {
		c.rng = rng.New(s.Seed)
	}

	key := scheduleKey{phase: c.view.Phase, host: isHost}
	if s.StartedAt != nil {
		key.startedAt = *s.StartedAt
	}
	// a rematch always draws a new seed; the finished push in between may
	// have been coalesced away
	rematch := hadRNG && s.Seed != prevSeed && key.phase == PhaseCountdown
	if key != c.schedule {
		c.schedule = key
		c.rescheduleLocked(ep, key, s)
	}
	c.videoLocked(s, remote, isHost, rematch, after)
}

func (c *Coordinator) rescheduleLocked(ep int, key scheduleKey, s *room.Session) {
	c.stopTimersLocked()
	c.timeIsUp = false
	started, _ := s.StartedTime()
	switch key.phase {
	case PhaseCountdown:
		c.board.Reset()
		c.view.LocalStats = sim.Stats{}
		if key.host {
			c.afterLocked(ep, key, c.until(started.Add(c.cfg.Countdown)), func() { c.advance(ep, key, s.ID) })
		}
	case PhasePlaying:
		stop := make(chan struct{})
		c.syncStop = stop
		go c.syncScores(s.ID, s.Seed, stop)
		if s.StartedAt != nil {
			end := started.Add(c.cfg.Countdown + c.cfg.MatchDuration)
			c.afterLocked(ep, key, c.until(end), func() { c.timeUp(ep, key, s.ID, s.Seed) })
			// both sides flush at the end; the host writes the result one sync
			// interval later so the guest's flush is already in
			grace := c.cfg.ScoreSyncInterval
			if !key.host {
				grace *= guestFinishIntervals
			}
			c.afterLocked(ep, key, c.until(end.Add(grace)), func() { c.finishMatch(ep, key, s.ID) })
		}
	case PhaseFinished:
		if c.rng != nil {
			log.Info().Str("session_id", s.ID).Uint32("seed", c.rng.Seed()).Uint64("rng_calls", c.rng.Calls()).
				Str("winner_id", s.WinnerID).Msg("match over")
		}
	}
}

func (c *Coordinator) until(t time.Time) time.Duration {
	return t.Sub(c.cfg.Room.Now())
}

// afterLocked schedules fn unless the session or phase has moved on by the
// time it fires.
func (c *Coordinator) afterLocked(ep int, key scheduleKey, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	c.timers = append(c.timers, time.AfterFunc(d, func() {
		if c.current(ep, key) {
			fn()
		}
	}))
}

func (c *Coordinator) current(ep int, key scheduleKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.epoch == ep && c.schedule == key
}

func (c *Coordinator) stopTimersLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	if c.syncStop != nil {
		close(c.syncStop)
		c.syncStop = nil
	}
}

func (c *Coordinator) advance(ep int, key scheduleKey, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := c.rooms.AdvanceToPlaying(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrCountdownPending):
		c.mu.Lock()
		if c.alive && c.epoch == ep && c.schedule == key {
			c.afterLocked(ep, key, advanceRetry, func() { c.advance(ep, key, id) })
		}
		c.mu.Unlock()
	default:
		log.Warn().Err(err).Str("session_id", id).Msg("advance to playing failed")
	}
}

// timeUp freezes the local scoreboard and sends the final score.
func (c *Coordinator) timeUp(ep int, key scheduleKey, id string, seed uint32) {
	c.mu.Lock()
	if !c.alive || c.epoch != ep || c.schedule != key {
		c.mu.Unlock()
		return
	}
	c.timeIsUp = true
	if c.syncStop != nil {
		close(c.syncStop)
		c.syncStop = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	st := c.board.Stats()
	if err := c.rooms.ReportScore(ctx, id, seed, st.Score, st.ComboCurrent, st.ComboBest); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("final score sync failed")
	}
}

func (c *Coordinator) finishMatch(ep int, key scheduleKey, id string) {
	if !c.current(ep, key) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.rooms.Finish(ctx, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("finish on time up failed")
	}
}

// syncScores pushes the scoreboard while playing, skipping ticks where
// nothing changed.
func (c *Coordinator) syncScores(id string, seed uint32, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.ScoreSyncInterval)
	defer t.Stop()
	var last sim.Stats
	synced := false
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		st := c.board.Stats()
		if synced && st == last {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := c.rooms.ReportScore(ctx, id, seed, st.Score, st.ComboCurrent, st.ComboBest)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("session_id", id).Msg("score sync failed")
			continue
		}
		last, synced = st, true
	}
}

// videoLocked keeps one controller per remote participant. The host
// initiates. A rematch renegotiates from scratch.
func (c *Coordinator) videoLocked(s *room.Session, remote *room.Participant, isHost, rematch bool, after *[]func()) {
	if c.cfg.NewPeer == nil {
		return
	}
	if remote == nil {
		c.dropVideoLocked(after)
		return
	}
	if c.ctl != nil && (c.ctlPeer != remote.ID || c.ctlHost != isHost) {
		c.dropVideoLocked(after)
	}
	if c.ctl == nil {
		ctl := c.newControllerLocked(s.ID, remote.ID, isHost)
		*after = append(*after, func() {
			if err := ctl.Start(context.Background()); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("start video negotiation failed")
			}
		})
		return
	}
	if rematch {
		ctl := c.ctl
		*after = append(*after, func() {
			if err := ctl.Reconnect(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("video reconnect failed")
			}
		})
	}
}

func (c *Coordinator) newControllerLocked(sessionID, peerID string, isHost bool) *signaling.Controller {
	role := signaling.RoleResponder
	if isHost {
		role = signaling.RoleInitiator
	}
	var ctl *signaling.Controller
	ctl = signaling.NewController(signaling.Config{
		Channel:            signaling.NewChannel(c.cfg.Store, sessionID, c.self, peerID),
		Role:               role,
		NewPeer:            c.cfg.NewPeer,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
		OnState: func(st signaling.State) {
			c.updateVideo(ctl, func(v *View) { v.VideoState = st })
		},
		OnRemoteStream: func(s signaling.Stream) {
			c.updateVideo(ctl, func(v *View) { v.RemoteStream = s })
		},
	})
	c.ctl, c.ctlPeer, c.ctlHost = ctl, peerID, isHost
	c.view.VideoState = signaling.StateIdle
	c.view.RemoteStream = nil
	return ctl
}

func (c *Coordinator) dropVideoLocked(after *[]func()) {
	if c.ctl == nil {
		return
	}
	*after = append(*after, c.ctl.Close)
	c.ctl, c.ctlPeer, c.ctlHost = nil, "", false
	c.view.RemoteStream = nil
	c.view.VideoState = signaling.StateIdle
}

func (c *Coordinator) updateVideo(ctl *signaling.Controller, mutate func(*View)) {
	c.mu.Lock()
	if !c.alive || c.ctl != ctl {
		c.mu.Unlock()
		return
	}
	mutate(&c.view)
	v, listeners := c.view.clone(), c.listenersLocked()
	c.mu.Unlock()
	notify(listeners, v)
}

func (c *Coordinator) listenersLocked() []func(View) {
	return append([]func(View){}, c.listeners...)
}

func notify(listeners []func(View), v View) {
	for _, fn := range listeners {
		fn(v)
	}
}
