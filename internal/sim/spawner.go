package sim

import (
	"fmt"
	"time"

	"slice-duel/internal/rng"
)

type SpawnConfig struct {
	// Tick is the fixed simulation step. Spawns are only decided on tick
	// boundaries, so frame rate never changes how often the generator is
	// drawn from.
	Tick      time.Duration
	MinGap    time.Duration
	MaxGap    time.Duration
	BombRatio float64
	Variants  int
}

func DefaultSpawnConfig() SpawnConfig {
	return SpawnConfig{
		Tick:      50 * time.Millisecond,
		MinGap:    400 * time.Millisecond,
		MaxGap:    1200 * time.Millisecond,
		BombRatio: 0.15,
		Variants:  6,
	}
}

// Spawner turns a seeded generator into a spawn schedule. Two spawners built
// from the same seed and config produce the same events at the same
// simulated times regardless of how Advance is called.
type Spawner struct {
	cfg     SpawnConfig
	rng     *rng.Rand
	elapsed time.Duration
	ticks   int64
	next    time.Duration
	seq     int
}

func NewSpawner(r *rng.Rand, cfg SpawnConfig) *Spawner {
	def := DefaultSpawnConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = def.MinGap
	}
	if cfg.MaxGap < cfg.MinGap {
		cfg.MaxGap = cfg.MinGap
	}
	if cfg.Variants <= 0 {
		cfg.Variants = def.Variants
	}
	s := &Spawner{cfg: cfg, rng: r}
	s.next = s.gap()
	return s
}

func (s *Spawner) gap() time.Duration {
	ms := s.rng.NextInt(int(s.cfg.MinGap/time.Millisecond), int(s.cfg.MaxGap/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Advance moves simulated time forward by dt and returns everything that
// spawned on the ticks crossed.
func (s *Spawner) Advance(dt time.Duration) []SpawnEvent {
	if dt <= 0 {
		return nil
	}
	s.elapsed += dt
	var out []SpawnEvent
	for {
		tickAt := time.Duration(s.ticks+1) * s.cfg.Tick
		if tickAt > s.elapsed {
			break
		}
		s.ticks++
		for s.next <= tickAt {
			ev := SpawnFromSeed(s.rng, s.cfg)
			s.seq++
			ev.Seq = s.seq
			ev.ID = fmt.Sprintf("f%d", s.seq)
			ev.At = tickAt
			out = append(out, ev)
			s.next += s.gap()
		}
	}
	return out
}

// Elapsed is the simulated time consumed so far, rounded down to a tick.
func (s *Spawner) Elapsed() time.Duration {
	return time.Duration(s.ticks) * s.cfg.Tick
}

func (s *Spawner) Draws() uint64 { return s.rng.Calls() }

// SpawnFromSeed draws a single object. It always takes the same number of
// values from r.
func SpawnFromSeed(r *rng.Rand, cfg SpawnConfig) SpawnEvent {
	ev := SpawnEvent{Kind: KindFruit}
	bomb := r.Next() < cfg.BombRatio
	variant := r.Pick(max(cfg.Variants, 1))
	if bomb {
		ev.Kind = KindBomb
	} else {
		ev.Variant = variant
	}
	ev.X = r.NextFloat(0.15, 0.85)
	ev.VelocityX = r.NextFloat(-0.25, 0.25)
	ev.VelocityY = r.NextFloat(1.1, 1.6)
	ev.Spin = r.NextFloat(-3, 3)
	return ev
}
