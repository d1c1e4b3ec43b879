package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"slice-duel/internal/docstore"
	"slice-duel/internal/room"
	"slice-duel/internal/session"
	"slice-duel/internal/signaling/pionpeer"
	"slice-duel/internal/sim"

	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

var errSessionEnded = errors.New("session ended")

type remoteStore interface {
	docstore.Store
	Close() error
}

func dialHub(hub string) (remoteStore, error) {
	r, err := docstore.NewRemote(hub)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func play(ctx context.Context, opts *options, out io.Writer, code string) error {
	st, err := dialHub(opts.hub)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := session.Config{
		Store:              st,
		Device:             &session.FileDeviceID{Path: opts.deviceFile},
		Countdown:          opts.client.Countdown,
		MatchDuration:      opts.client.MatchDuration,
		ScoreSyncInterval:  opts.client.ScoreSyncInterval,
		NegotiationTimeout: opts.client.NegotiationTimeout,
	}
	if opts.peer {
		cfg.NewPeer = pionpeer.NewFactory(pionpeer.Config{
			ICEServers:     opts.client.ICEServers,
			TURNUsername:   opts.client.TURNUser,
			TURNCredential: opts.client.TURNPass,
		})
	}
	coord, err := session.NewCoordinator(cfg)
	if err != nil {
		return err
	}
	defer coord.Close()

	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if removed, err := coord.Rooms().SweepStale(sweepCtx, opts.client.StaleAfter); err != nil {
		log.Warn().Err(err).Msg("startup sweep failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("startup sweep")
	}
	cancel()

	_, err = newPlayer(coord, out, opts).run(ctx, code)
	return err
}

// player drives one coordinator through a match with a simple bot.
type player struct {
	coord *session.Coordinator
	out   io.Writer
	opts  *options

	wake chan struct{}

	mu     sync.Mutex
	botEnd context.CancelFunc
}

func newPlayer(coord *session.Coordinator, out io.Writer, opts *options) *player {
	p := &player{coord: coord, out: out, opts: opts, wake: make(chan struct{}, 1)}
	coord.OnChange(func(session.View) {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	})
	return p
}

// run creates or joins, then reacts to view changes until the local player
// leaves. It returns the last view seen before leaving.
func (p *player) run(ctx context.Context, code string) (session.View, error) {
	var (
		v   session.View
		err error
	)
	if code == "" {
		v, err = p.coord.Create(ctx, p.opts.name)
		if err == nil {
			p.announce(v.Code)
		}
	} else {
		v, err = p.coord.JoinByCode(ctx, code, p.opts.name)
	}
	if err != nil {
		return session.View{}, err
	}
	defer p.stopBot()

	rematches := p.opts.rematches
	started := false
	var last session.Phase
	for {
		v = p.coord.View()
		if v.Phase != last {
			log.Info().Str("session_id", v.SessionID).Str("phase", string(v.Phase)).Msg("phase")
			p.onPhase(ctx, last, v.Phase)
			last = v.Phase
		}
		switch v.Phase {
		case session.PhaseEnded:
			return v, errSessionEnded
		case session.PhaseWaiting:
			if p.opts.autoStart && v.IsHost && v.Remote != nil && !started {
				started = true
				if err := p.coord.Start(ctx); err != nil && !errors.Is(err, room.ErrWrongState) {
					return v, err
				}
			}
		case session.PhaseFinished:
			started = false
			if !v.IsHost {
				break
			}
			if v.Remote != nil && rematches > 0 {
				rematches--
				if err := p.coord.Rematch(ctx); err != nil {
					return v, err
				}
				break
			}
			return v, p.leave()
		}

		select {
		case <-ctx.Done():
			return p.coord.View(), p.leave()
		case <-p.wake:
		}
	}
}

func (p *player) leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.coord.Leave(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	return err
}

func (p *player) onPhase(ctx context.Context, from, to session.Phase) {
	if from == session.PhasePlaying {
		p.stopBot()
	}
	switch to {
	case session.PhasePlaying:
		p.startBot(ctx)
	case session.PhaseFinished:
		printResult(p.out, p.coord.View())
	}
}

func (p *player) startBot(ctx context.Context) {
	p.stopBot()
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.botEnd = cancel
	p.mu.Unlock()
	// spawns come from the shared generator so both players see the same
	// fruit; the bot's own choices use a private source
	spawner := sim.NewSpawner(p.coord.RNG(), sim.DefaultSpawnConfig())
	go p.bot(ctx, spawner)
}

func (p *player) stopBot() {
	p.mu.Lock()
	cancel := p.botEnd
	p.botEnd = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *player) bot(ctx context.Context, spawner *sim.Spawner) {
	const frame = 16 * time.Millisecond
	t := time.NewTicker(frame)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, ev := range spawner.Advance(now.Sub(last)) {
				p.react(ctx, ev)
			}
			last = now
		}
	}
}

func (p *player) react(ctx context.Context, ev sim.SpawnEvent) {
	hand := sim.HandRight
	if rand.IntN(2) == 0 {
		hand = sim.HandLeft
	}
	switch ev.Kind {
	case sim.KindBomb:
		// a clumsy bot sometimes hits bombs
		if rand.Float64() < (1-p.opts.skill)/4 {
			p.coord.HandleSliceResult(sim.SliceResult{FruitID: ev.ID, IsBomb: true, Hand: hand})
		}
	default:
		if rand.Float64() >= p.opts.skill {
			p.coord.HandleMissed(ev.ID)
			return
		}
		if p.coord.HandleSliceResult(sim.SliceResult{FruitID: ev.ID, Hand: hand}) > 0 {
			if err := p.coord.ReportSlice(ctx, ev.ID, ev.X, 0.5); err != nil {
				log.Debug().Err(err).Msg("report slice failed")
			}
		}
	}
}

func (p *player) announce(code string) {
	link, err := room.ShareURL(p.opts.shareBase, code)
	if err != nil {
		fmt.Fprintf(p.out, "join code: %s\n", code)
		return
	}
	fmt.Fprintf(p.out, "join code: %s\nshare link: %s\n", code, link)
	if !p.opts.qr {
		return
	}
	q, err := qrcode.New(link, qrcode.Low)
	if err != nil {
		log.Warn().Err(err).Msg("qr encode failed")
		return
	}
	fmt.Fprint(p.out, q.ToSmallString(false))
}

func printResult(out io.Writer, v session.View) {
	if v.Local == nil {
		return
	}
	remote := 0
	if v.Remote != nil {
		remote = v.Remote.Score
	}
	switch {
	case v.WinnerID == "":
		fmt.Fprintf(out, "draw %d-%d (seed %d)\n", v.Local.Score, remote, v.Seed)
	case v.WinnerID == v.Local.ID:
		fmt.Fprintf(out, "you won %d-%d (seed %d)\n", v.Local.Score, remote, v.Seed)
	default:
		fmt.Fprintf(out, "you lost %d-%d (seed %d)\n", v.Local.Score, remote, v.Seed)
	}
}
