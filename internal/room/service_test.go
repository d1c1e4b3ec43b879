package room

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slice-duel/internal/docstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store *docstore.Memory
	repo  *Repository
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := docstore.NewMemory()
	t.Cleanup(st.Close)
	return &fixture{store: st, repo: NewRepository(st), clock: newFakeClock()}
}

func (f *fixture) service(self string, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	return NewService(f.repo, self, opts)
}

func fixedCode(code string) func() string { return func() string { return code } }

func fixedSeed(seed uint32) func() uint32 { return func() uint32 { return seed } }

func seedSequence(seeds ...uint32) func() uint32 {
	i := 0
	return func() uint32 {
		s := seeds[i%len(seeds)]
		i++
		return s
	}
}

func mustGet(t *testing.T, repo *Repository, id string) *Session {
	t.Helper()
	sess, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return sess
}

func rawSession(t *testing.T, st docstore.Store, id string) []byte {
	t.Helper()
	snap, err := st.Get(context.Background(), sessionPath(id))
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	return snap.Value
}

// startMatch creates a two player session and runs it to playing.
func startMatch(t *testing.T, f *fixture, host, guest *Service) *Session {
	t.Helper()
	ctx := context.Background()
	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(time.Millisecond)
	if err := guest.Join(ctx, sess.ID, "Guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := host.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Advance(host.Countdown())
	if err := host.AdvanceToPlaying(ctx, sess.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	return mustGet(t, f.repo, sess.ID)
}

func TestCreateFindJoinStartAdvanceScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host-device", Options{NewCode: fixedCode("AB3K"), NewSeed: fixedSeed(123456)})
	guest := f.service("guest-device", Options{})

	created, err := host.Create(ctx, "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Code != "AB3K" || created.Seed != 123456 {
		t.Fatalf("created code=%s seed=%d", created.Code, created.Seed)
	}
	if created.State != StateWaiting || created.HostID != "host-device" {
		t.Fatalf("created state=%s host=%s", created.State, created.HostID)
	}
	if p := created.Participant("host-device"); p == nil || p.RatingEstimate != StartingRating || p.Ready {
		t.Fatalf("unexpected host participant: %+v", p)
	}

	found, err := guest.FindByCode(ctx, "ab3k")
	if err != nil {
		t.Fatalf("find by code: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("found %s, want %s", found.ID, created.ID)
	}
	if err := guest.Join(ctx, found.ID, "Ben"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := guest.Start(ctx, found.ID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest start err = %v, want ErrNotHost", err)
	}
	if err := host.Start(ctx, created.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := mustGet(t, f.repo, created.ID)
	if sess.State != StateCountdown || sess.StartedAt == nil || *sess.StartedAt != f.clock.Now().UnixMilli() {
		t.Fatalf("after start state=%s startedAt=%v", sess.State, sess.StartedAt)
	}

	if err := host.AdvanceToPlaying(ctx, created.ID); !errors.Is(err, ErrCountdownPending) {
		t.Fatalf("early advance err = %v, want ErrCountdownPending", err)
	}
	f.clock.Advance(3 * time.Second)
	if err := guest.AdvanceToPlaying(ctx, created.ID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest advance err = %v, want ErrNotHost", err)
	}
	if err := host.AdvanceToPlaying(ctx, created.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := host.AdvanceToPlaying(ctx, created.ID); err != nil {
		t.Fatalf("second advance should be a no-op: %v", err)
	}
	if got := mustGet(t, f.repo, created.ID).State; got != StatePlaying {
		t.Fatalf("state = %s, want playing", got)
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	f := newFixture(t)
	svc := f.service("p1", Options{})
	for _, name := range []string{"", "   ", "abcdefghijklmnopqrstuvwxyz"} {
		if _, err := svc.Create(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestCreateRetriesTakenCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.service("p1", Options{NewCode: fixedCode("AB3K")})
	if _, err := first.Create(ctx, "One"); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := f.service("p2", Options{NewCode: seedCodes("AB3K", "AB3K", "ZZ22")})
	sess, err := second.Create(ctx, "Two")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Code != "ZZ22" {
		t.Fatalf("code = %s, want ZZ22", sess.Code)
	}

	stuck := f.service("p3", Options{NewCode: fixedCode("AB3K")})
	if _, err := stuck.Create(ctx, "Three"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("err = %v, want ErrCodeSpaceExhausted", err)
	}
}

func seedCodes(codes ...string) func() string {
	i := 0
	return func() string {
		c := codes[i%len(codes)]
		i++
		return c
	}
}

func TestFindByCodeSkipsFullAndNonWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{NewCode: fixedCode("QQQQ")})
	guest := f.service("guest", Options{})

	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := guest.Join(ctx, sess.ID, "Guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := guest.FindByCode(ctx, "qqqq"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("full session: err = %v, want ErrSessionNotFound", err)
	}
	if err := host.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := guest.FindByCode(ctx, "QQQQ"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("countdown session: err = %v, want ErrSessionNotFound", err)
	}
	if _, err := guest.FindByCode(ctx, "Q0"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("bad code: err = %v, want ErrInvalidCode", err)
	}
}

func TestJoinOnFullSessionNeverMutates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{})
	guest := f.service("guest", Options{})
	third := f.service("third", Options{})

	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := guest.Join(ctx, sess.ID, "Guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	before := rawSession(t, f.store, sess.ID)
	if err := third.Join(ctx, sess.ID, "Third"); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("err = %v, want ErrSessionFull", err)
	}
	if after := rawSession(t, f.store, sess.ID); !bytes.Equal(before, after) {
		t.Fatalf("record changed:\nbefore %s\nafter  %s", before, after)
	}
	if err := guest.Join(ctx, sess.ID, "Guest"); err != nil {
		t.Fatalf("rejoin by member should be a no-op: %v", err)
	}
}

func TestJoinRejectsMissingAndStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{})
	guest := f.service("guest", Options{})
	late := f.service("late", Options{})

	if err := guest.Join(ctx, "nope", "Guest"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
	sess := startMatch(t, f, host, guest)
	if err := guest.Leave(ctx, sess.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := late.Join(ctx, sess.ID, "Late"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("playing: err = %v, want ErrWrongState", err)
	}
}

// racingStore lets a rival guest slip in between a join's read and write.
type racingStore struct {
	docstore.Store
	once   sync.Once
	before func()
}

func (r *racingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	r.once.Do(r.before)
	return r.Store.Update(ctx, path, fields)
}

func TestJoinRaceLaterJoinerWithdraws(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	t.Cleanup(mem.Close)
	clock := newFakeClock()
	host := NewService(NewRepository(mem), "host", Options{Now: clock.Now})
	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	race := &racingStore{Store: mem}
	race.before = func() {
		rival := newParticipant("rival", "Rival", clock.Now().UnixMilli()-1)
		if err := mem.Set(ctx, sessionPath(sess.ID)+"/players/rival", rival); err != nil {
			t.Errorf("seed rival: %v", err)
		}
	}
	guest := NewService(NewRepository(race), "guest", Options{Now: clock.Now})
	if err := guest.Join(ctx, sess.ID, "Guest"); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("err = %v, want ErrSessionFull", err)
	}
	after := mustGet(t, NewRepository(mem), sess.ID)
	if len(after.Players) != 2 || after.Participant("rival") == nil || after.Participant("guest") != nil {
		t.Fatalf("players after race: %v", after.Roster())
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("sole participant deletes session", func(t *testing.T) {
		f := newFixture(t)
		host := f.service("host", Options{})
		sess, err := host.Create(ctx, "Host")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := f.store.Set(ctx, docstore.Join("signaling", sess.ID, "host", "description"), map[string]any{"type": "offer"}); err != nil {
			t.Fatalf("seed signaling: %v", err)
		}
		if err := host.Leave(ctx, sess.ID); err != nil {
			t.Fatalf("leave: %v", err)
		}
		if _, err := f.repo.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("get after leave err = %v", err)
		}
		snap, _ := f.store.Get(ctx, docstore.Join("signaling", sess.ID))
		if snap.Exists {
			t.Fatalf("signaling subtree left behind: %s", snap.Value)
		}
		if err := host.Leave(ctx, sess.ID); err != nil {
			t.Fatalf("second leave should be a no-op: %v", err)
		}
	})

	t.Run("host hands over", func(t *testing.T) {
		f := newFixture(t)
		host := f.service("host", Options{})
		guest := f.service("guest", Options{})
		sess, err := host.Create(ctx, "Host")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := guest.Join(ctx, sess.ID, "Guest"); err != nil {
			t.Fatalf("join: %v", err)
		}
		if err := host.Leave(ctx, sess.ID); err != nil {
			t.Fatalf("leave: %v", err)
		}
		after := mustGet(t, f.repo, sess.ID)
		if after.HostID != "guest" {
			t.Fatalf("hostId = %s, want guest", after.HostID)
		}
		if len(after.Players) != 1 || after.Participant("host") != nil {
			t.Fatalf("players = %v", after.Roster())
		}
	})
}

func TestFinishWinner(t *testing.T) {
	tests := []struct {
		name       string
		hostScore  int
		guestScore int
		want       string
	}{
		{name: "higher score wins", hostScore: 10, guestScore: 7, want: "host"},
		{name: "guest wins", hostScore: 3, guestScore: 9, want: "guest"},
		{name: "tie leaves winner unset", hostScore: 10, guestScore: 10, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			host := f.service("host", Options{})
			guest := f.service("guest", Options{})
			sess := startMatch(t, f, host, guest)

			if err := host.ReportScore(ctx, sess.ID, sess.Seed, tt.hostScore, 1, 2); err != nil {
				t.Fatalf("host score: %v", err)
			}
			if err := guest.ReportScore(ctx, sess.ID, sess.Seed, tt.guestScore, 1, 2); err != nil {
				t.Fatalf("guest score: %v", err)
			}
			if err := guest.Finish(ctx, sess.ID); err != nil {
				t.Fatalf("finish: %v", err)
			}
			got := mustGet(t, f.repo, sess.ID)
			if got.State != StateFinished || got.EndedAt == nil {
				t.Fatalf("state=%s endedAt=%v", got.State, got.EndedAt)
			}
			if got.WinnerID != tt.want {
				t.Fatalf("winnerId = %q, want %q", got.WinnerID, tt.want)
			}
			if err := host.Finish(ctx, sess.ID); err != nil {
				t.Fatalf("second finish should be a no-op: %v", err)
			}
			if err := host.ReportScore(ctx, sess.ID, sess.Seed+1, 99, 0, 0); !errors.Is(err, ErrStaleMatch) {
				t.Fatalf("score for another match err = %v", err)
			}
		})
	}
}

func TestRematchResetsStatsAndSeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{NewSeed: seedSequence(500, 500, 777)})
	guest := f.service("guest", Options{})
	sess := startMatch(t, f, host, guest)

	if err := host.ReportScore(ctx, sess.ID, sess.Seed, 40, 3, 5); err != nil {
		t.Fatalf("score: %v", err)
	}
	if err := guest.ReportSlice(ctx, sess.ID, "fruit-7", 0.25, 0.5); err != nil {
		t.Fatalf("slice: %v", err)
	}
	if err := host.Rematch(ctx, sess.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("rematch while playing err = %v", err)
	}
	if err := host.Finish(ctx, sess.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := guest.Rematch(ctx, sess.ID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest rematch err = %v", err)
	}
	f.clock.Advance(time.Second)
	if err := host.Rematch(ctx, sess.ID); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	got := mustGet(t, f.repo, sess.ID)
	if got.Seed != 777 {
		t.Fatalf("seed = %d, want 777", got.Seed)
	}
	if got.State != StateCountdown || got.EndedAt != nil || got.WinnerID != "" {
		t.Fatalf("state=%s endedAt=%v winner=%q", got.State, got.EndedAt, got.WinnerID)
	}
	if got.StartedAt == nil || *got.StartedAt != f.clock.Now().UnixMilli() {
		t.Fatalf("startedAt = %v", got.StartedAt)
	}
	for id, p := range got.Players {
		if p.Score != 0 || p.ComboCurrent != 0 || p.ComboBest != 0 || p.LastSlice != nil {
			t.Fatalf("participant %s not reset: %+v", id, p)
		}
	}
}

func TestLateFinalScoreAfterFinishUpdatesWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{})
	guest := f.service("guest", Options{})
	sess := startMatch(t, f, host, guest)

	if err := guest.ReportScore(ctx, sess.ID, sess.Seed, 10, 1, 1); err != nil {
		t.Fatalf("guest sync: %v", err)
	}
	if err := host.ReportScore(ctx, sess.ID, sess.Seed, 20, 1, 1); err != nil {
		t.Fatalf("host flush: %v", err)
	}
	if err := host.Finish(ctx, sess.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := mustGet(t, f.repo, sess.ID); got.WinnerID != "host" {
		t.Fatalf("winner before guest flush = %q", got.WinnerID)
	}
	if err := guest.ReportScore(ctx, sess.ID, sess.Seed, 30, 2, 4); err != nil {
		t.Fatalf("guest final flush: %v", err)
	}
	got := mustGet(t, f.repo, sess.ID)
	if got.State != StateFinished || got.Players["guest"].Score != 30 || got.Players["host"].Score != 20 {
		t.Fatalf("state=%s guest=%d host=%d", got.State, got.Players["guest"].Score, got.Players["host"].Score)
	}
	if got.WinnerID != "guest" {
		t.Fatalf("winner = %q, want guest", got.WinnerID)
	}
	if err := host.ReportScore(ctx, sess.ID, sess.Seed, 30, 0, 0); err != nil {
		t.Fatalf("host equalising flush: %v", err)
	}
	if got := mustGet(t, f.repo, sess.ID); got.WinnerID != "" {
		t.Fatalf("tie should clear winner, got %q", got.WinnerID)
	}
}

func TestScoreFromPreviousMatchIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{NewSeed: seedSequence(500, 777)})
	guest := f.service("guest", Options{})
	sess := startMatch(t, f, host, guest)
	if err := host.Finish(ctx, sess.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := host.Rematch(ctx, sess.ID); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if err := guest.ReportScore(ctx, sess.ID, sess.Seed, 55, 3, 3); !errors.Is(err, ErrStaleMatch) {
		t.Fatalf("old match score err = %v", err)
	}
	if err := guest.ReportScore(ctx, sess.ID, 777, 5, 1, 1); !errors.Is(err, ErrWrongState) {
		t.Fatalf("score during countdown err = %v", err)
	}
	if got := mustGet(t, f.repo, sess.ID); got.Players["guest"].Score != 0 {
		t.Fatalf("guest score leaked into rematch: %d", got.Players["guest"].Score)
	}
}

func TestRematchSeedAlwaysChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{NewSeed: fixedSeed(123456)})
	guest := f.service("guest", Options{})
	sess := startMatch(t, f, host, guest)
	if err := host.Finish(ctx, sess.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := host.Rematch(ctx, sess.ID); err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if got := mustGet(t, f.repo, sess.ID).Seed; got == 123456 {
		t.Fatalf("seed did not change")
	}
}

func TestSetReadyAndConnected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{})
	outsider := f.service("outsider", Options{})
	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	if err := host.SetReady(ctx, sess.ID, true); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := host.SetConnected(ctx, sess.ID, false); err != nil {
		t.Fatalf("connected: %v", err)
	}
	p := mustGet(t, f.repo, sess.ID).Participant("host")
	if !p.Ready || p.Connected || p.LastActivityAt != f.clock.Now().UnixMilli() {
		t.Fatalf("participant = %+v", p)
	}
	if got := mustGet(t, f.repo, sess.ID).State; got != StateWaiting {
		t.Fatalf("ready must not transition, state = %s", got)
	}
	if err := outsider.SetReady(ctx, sess.ID, true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider err = %v", err)
	}
}

func TestStartNeedsTwoPlayers(t *testing.T) {
	f := newFixture(t)
	host := f.service("host", Options{})
	sess, err := host.Create(context.Background(), "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := host.Start(context.Background(), sess.ID); !errors.Is(err, ErrNotEnoughPlayers) {
		t.Fatalf("err = %v, want ErrNotEnoughPlayers", err)
	}
}

func TestSubscribeSkipsMalformedAndSignalsDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	host := f.service("host", Options{})
	sess, err := host.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := make(chan *Session, 16)
	cancel, err := host.Subscribe(ctx, sess.ID, func(s *Session) { got <- s })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	next := func() *Session {
		t.Helper()
		select {
		case s := <-got:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for push")
			return nil
		}
	}
	if s := next(); s == nil || s.ID != sess.ID {
		t.Fatalf("initial push = %+v", s)
	}

	if err := f.store.Set(ctx, sessionPath(sess.ID), map[string]any{"code": "??", "state": "lost"}); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	sess.Players["host"].Ready = true
	if err := f.repo.Put(ctx, sess); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s := next(); s == nil || !s.Participant("host").Ready {
		t.Fatalf("expected restored session, got %+v", s)
	}

	if err := host.Leave(ctx, sess.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if s := next(); s != nil {
		t.Fatalf("expected nil after deletion, got %+v", s)
	}
}
