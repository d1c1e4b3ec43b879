package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slice-duel/internal/docstore"
	"slice-duel/internal/room"
	"slice-duel/internal/signaling"
	"slice-duel/internal/sim"
)

func testConfig(st docstore.Store, device string) Config {
	return Config{
		Store:             st,
		Device:            StaticDeviceID(device),
		Countdown:         60 * time.Millisecond,
		MatchDuration:     300 * time.Millisecond,
		ScoreSyncInterval: 15 * time.Millisecond,
	}
}

func newCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitView(t *testing.T, c *Coordinator, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v := c.View(); cond(v) {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: timed out waiting for %s, view = %+v", c.Self(), what, c.View())
	return View{}
}

func joinedPair(t *testing.T, st docstore.Store, hostCfg, guestCfg Config) (*Coordinator, *Coordinator) {
	t.Helper()
	ctx := context.Background()
	host := newCoordinator(t, hostCfg)
	guest := newCoordinator(t, guestCfg)
	v, err := host.Create(ctx, "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := guest.JoinByCode(ctx, strings.ToLower(v.Code), "Ben"); err != nil {
		t.Fatalf("join by code: %v", err)
	}
	waitView(t, host, "remote joined", func(v View) bool { return v.Remote != nil && v.Remote.ID == guest.Self() })
	waitView(t, guest, "remote host", func(v View) bool { return v.Remote != nil && v.Remote.ID == host.Self() })
	return host, guest
}

func TestCoordinatorPlaysFullMatchAndRematch(t *testing.T) {
	ctx := context.Background()
	st := docstore.NewMemory()
	defer st.Close()
	host, guest := joinedPair(t, st, testConfig(st, "host-dev"), testConfig(st, "guest-dev"))

	hv, gv := host.View(), guest.View()
	if !hv.IsHost || gv.IsHost {
		t.Fatalf("isHost host=%v guest=%v", hv.IsHost, gv.IsHost)
	}
	if hv.Phase != PhaseWaiting || gv.Phase != PhaseWaiting {
		t.Fatalf("phases %s/%s", hv.Phase, gv.Phase)
	}
	if hv.Seed != gv.Seed || hv.SessionID != gv.SessionID {
		t.Fatalf("views disagree: %+v vs %+v", hv, gv)
	}
	hr, gr := host.RNG(), guest.RNG()
	for i := 0; i < 10; i++ {
		if a, b := hr.NextInt(0, 1000), gr.NextInt(0, 1000); a != b {
			t.Fatalf("draw %d differs: %d vs %d", i, a, b)
		}
	}

	if got := host.HandleSliceResult(sim.SliceResult{FruitID: "early"}); got != 0 {
		t.Fatalf("slice before playing scored %d", got)
	}
	if err := guest.Start(ctx); !errors.Is(err, room.ErrNotHost) {
		t.Fatalf("guest start err = %v", err)
	}
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitView(t, guest, "playing", func(v View) bool { return v.Phase == PhasePlaying })
	waitView(t, host, "playing", func(v View) bool { return v.Phase == PhasePlaying })

	if got := host.HandleSliceResult(sim.SliceResult{FruitID: "f1", Hand: sim.HandRight}); got != sim.FruitPoints {
		t.Fatalf("slice scored %d", got)
	}
	if err := host.ReportSlice(ctx, "f1", 0.4, 0.6); err != nil {
		t.Fatalf("report slice: %v", err)
	}
	waitView(t, guest, "remote score", func(v View) bool {
		return v.Remote != nil && v.Remote.Score == sim.FruitPoints && v.Remote.LastSlice != nil
	})

	done := waitView(t, guest, "finished", func(v View) bool { return v.Phase == PhaseFinished })
	if done.WinnerID != host.Self() {
		t.Fatalf("winner = %q, want host", done.WinnerID)
	}
	waitView(t, host, "finished", func(v View) bool { return v.Phase == PhaseFinished })

	firstSeed := done.Seed
	if err := host.Rematch(ctx); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	again := waitView(t, guest, "new seed", func(v View) bool { return v.Seed != firstSeed })
	if guest.RNG().Seed() != again.Seed {
		t.Fatalf("guest generator seed %d, view seed %d", guest.RNG().Seed(), again.Seed)
	}
	rv := waitView(t, host, "rematch reset", func(v View) bool { return v.Seed == again.Seed })
	if rv.Local.Score != 0 || rv.LocalStats.Score != 0 || rv.WinnerID != "" {
		t.Fatalf("rematch did not reset: %+v", rv)
	}
}

func TestCoordinatorLeaveHandsOverHost(t *testing.T) {
	ctx := context.Background()
	st := docstore.NewMemory()
	defer st.Close()
	host, guest := joinedPair(t, st, testConfig(st, "host-dev"), testConfig(st, "guest-dev"))

	if err := host.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if v := host.View(); v.Phase != PhaseIdle || v.SessionID != "" {
		t.Fatalf("host view after leave: %+v", v)
	}
	v := waitView(t, guest, "host handover", func(v View) bool { return v.IsHost && v.Remote == nil })
	if v.Phase != PhaseWaiting {
		t.Fatalf("phase = %s", v.Phase)
	}
	if err := host.Start(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("start after leave err = %v", err)
	}

	if err := guest.Leave(ctx); err != nil {
		t.Fatalf("last leave: %v", err)
	}
	snap, err := st.Get(ctx, docstore.Join("rooms", v.SessionID))
	if err != nil || snap.Exists {
		t.Fatalf("session should be gone: exists=%v err=%v", snap.Exists, err)
	}
}

func TestCoordinatorEndsWhenSessionDeleted(t *testing.T) {
	ctx := context.Background()
	st := docstore.NewMemory()
	defer st.Close()
	host := newCoordinator(t, testConfig(st, "host-dev"))
	v, err := host.Create(ctx, "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitView(t, host, "waiting", func(v View) bool { return v.Phase == PhaseWaiting })
	if err := st.Delete(ctx, docstore.Join("rooms", v.SessionID)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitView(t, host, "ended", func(v View) bool { return v.Phase == PhaseEnded })
	if err := host.SetReady(ctx, true); !errors.Is(err, ErrNoSession) {
		t.Fatalf("ready after end err = %v", err)
	}
}

func TestCoordinatorCloseDropsCallbacks(t *testing.T) {
	ctx := context.Background()
	st := docstore.NewMemory()
	defer st.Close()
	host := newCoordinator(t, testConfig(st, "host-dev"))
	var calls atomic.Int32
	host.OnChange(func(View) { calls.Add(1) })
	v, err := host.Create(ctx, "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitView(t, host, "connected", func(v View) bool { return v.Local != nil && v.Local.Connected })
	time.Sleep(20 * time.Millisecond)

	host.Close()
	host.Close()
	before := calls.Load()
	guest := newCoordinator(t, testConfig(st, "guest-dev"))
	if _, err := guest.JoinByCode(ctx, v.Code, "Ben"); err != nil {
		t.Fatalf("join: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Fatalf("callbacks after close: %d -> %d", before, after)
	}
	sess, err := room.NewRepository(st).Get(ctx, v.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Participant("host-dev").Connected {
		t.Fatal("host still marked connected after close")
	}
	if _, err := host.Create(ctx, "Again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("create after close err = %v", err)
	}
}

// stubPeer answers every request immediately and never connects.
type stubPeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubPeer) CreateOffer(context.Context, bool) (signaling.Description, error) {
	return signaling.Description{Type: signaling.SDPOffer, SDP: "v=0 offer"}, nil
}

func (p *stubPeer) CreateAnswer(context.Context) (signaling.Description, error) {
	return signaling.Description{Type: signaling.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (p *stubPeer) SetRemoteDescription(signaling.Description) error { return nil }
func (p *stubPeer) AddICECandidate(signaling.Candidate) error { return nil }
func (p *stubPeer) OnICECandidate(func(signaling.Candidate)) {}
func (p *stubPeer) OnConnectionStateChange(func(signaling.ConnState)) {}
func (p *stubPeer) OnRemoteStream(func(signaling.Stream)) {}

func (p *stubPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestCoordinatorStartsVideoNegotiation(t *testing.T) {
	ctx := context.Background()
	st := docstore.NewMemory()
	defer st.Close()
	newPeer := func() (signaling.PeerConnection, error) { return &stubPeer{}, nil }
	hostCfg := testConfig(st, "host-dev")
	hostCfg.NewPeer = newPeer
	guestCfg := testConfig(st, "guest-dev")
	guestCfg.NewPeer = newPeer
	host, guest := joinedPair(t, st, hostCfg, guestCfg)

	id := host.View().SessionID
	describe := func(participant string) (signaling.Description, bool) {
		snap, err := st.Get(ctx, docstore.Join("signaling", id, participant, "description"))
		if err != nil || !snap.Exists {
			return signaling.Description{}, false
		}
		var d signaling.Description
		if err := snap.Decode(&d); err != nil {
			return signaling.Description{}, false
		}
		return d, true
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		offer, ok1 := describe("host-dev")
		answer, ok2 := describe("guest-dev")
		if ok1 && ok2 && offer.Type == signaling.SDPOffer && answer.Type == signaling.SDPAnswer && answer.Rev == offer.Rev {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("negotiation did not complete: offer=%+v answer=%+v", offer, answer)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitView(t, host, "negotiating", func(v View) bool { return v.VideoState == signaling.StateNegotiating })

	guest.Close()
	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, ok := describe("guest-dev"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("guest signaling record survived close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := describe("host-dev"); !ok {
		t.Fatal("closing the guest removed the host's record")
	}
}

func TestCoordinatorTimeUpCountsFinalScores(t *testing.T) {
	st := docstore.NewMemory()
	defer st.Close()
	cfg := func(device string) Config {
		c := testConfig(st, device)
		c.MatchDuration = 150 * time.Millisecond
		// longer than the match, so only the time-up flush carries scores
		c.ScoreSyncInterval = 200 * time.Millisecond
		return c
	}
	host, guest := joinedPair(t, st, cfg("host-dev"), cfg("guest-dev"))
	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitView(t, host, "playing", func(v View) bool { return v.Phase == PhasePlaying })
	waitView(t, guest, "playing", func(v View) bool { return v.Phase == PhasePlaying })

	host.HandleSliceResult(sim.SliceResult{FruitID: "h1"})
	guest.HandleSliceResult(sim.SliceResult{FruitID: "g1"})
	guest.HandleSliceResult(sim.SliceResult{FruitID: "g2"})

	gv := waitView(t, guest, "finished", func(v View) bool { return v.Phase == PhaseFinished })
	hv := waitView(t, host, "finished", func(v View) bool { return v.Phase == PhaseFinished })
	if hv.WinnerID != guest.Self() || gv.WinnerID != guest.Self() {
		t.Fatalf("winner host view %q, guest view %q; want guest", hv.WinnerID, gv.WinnerID)
	}
	if hv.Remote.Score != gv.LocalStats.Score || gv.Remote.Score != hv.LocalStats.Score {
		t.Fatalf("stored scores %d/%d disagree with scoreboards %d/%d",
			hv.Remote.Score, gv.Remote.Score, gv.LocalStats.Score, hv.LocalStats.Score)
	}
	if got := guest.HandleSliceResult(sim.SliceResult{FruitID: "late"}); got != 0 {
		t.Fatalf("slice after time up scored %d", got)
	}
}

func TestCoordinatorRenegotiatesOnRematchWithoutFinishedPush(t *testing.T) {
	st := docstore.NewMemory()
	defer st.Close()
	var built atomic.Int32
	cfg := testConfig(st, "guest-dev")
	cfg.MatchDuration = time.Minute
	cfg.ScoreSyncInterval = time.Minute
	cfg.NewPeer = func() (signaling.PeerConnection, error) {
		built.Add(1)
		return &stubPeer{}, nil
	}
	c := newCoordinator(t, cfg)

	now := time.Now().UnixMilli()
	record := func(state room.State, seed uint32) *room.Session {
		return &room.Session{
			ID: "s1", Code: "AB3K", State: state, HostID: "host-dev", Seed: seed,
			CreatedAt: now, StartedAt: &now,
			Players: map[string]*room.Participant{
				"host-dev":  {ID: "host-dev", DisplayName: "Ana", JoinedAt: now},
				"guest-dev": {ID: "guest-dev", DisplayName: "Ben", JoinedAt: now + 1},
			},
		}
	}
	c.reconcile(c.epoch, record(room.StatePlaying, 11))
	waitBuilt := func(want int32) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for built.Load() < want {
			if time.Now().After(deadline) {
				t.Fatalf("peer connections built = %d, want %d", built.Load(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitBuilt(1)

	// the host rematched before the finished state reached us
	c.reconcile(c.epoch, record(room.StateCountdown, 22))
	waitBuilt(2)
	if c.View().Seed != 22 || c.RNG().Seed() != 22 {
		t.Fatalf("seed not picked up: view %d rng %d", c.View().Seed, c.RNG().Seed())
	}

	c.reconcile(c.epoch, record(room.StateCountdown, 22))
	time.Sleep(50 * time.Millisecond)
	if n := built.Load(); n != 2 {
		t.Fatalf("repeat push renegotiated: %d peer connections", n)
	}
}
