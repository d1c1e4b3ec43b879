package sim

import "sync"

const (
	FruitPoints   = 10
	ComboStep     = 2
	MaxComboBonus = 20
	BombPenalty   = 25
)

type Stats struct {
	Score        int
	ComboCurrent int
	ComboBest    int
	Slices       int
	Bombs        int
	Misses       int
}

// Scoreboard keeps the local participant's running score. Each fruit id is
// counted once, whether it was sliced or missed.
type Scoreboard struct {
	mu    sync.Mutex
	stats Stats
	seen  map[string]struct{}
}

func NewScoreboard() *Scoreboard {
	return &Scoreboard{seen: map[string]struct{}{}}
}

// Slice applies a hit and returns the score change.
func (b *Scoreboard) Slice(res SliceResult) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.first(res.FruitID) {
		return 0
	}
	before := b.stats.Score
	if res.IsBomb {
		b.stats.Bombs++
		b.stats.ComboCurrent = 0
		b.stats.Score = max(b.stats.Score-BombPenalty, 0)
		return b.stats.Score - before
	}
	b.stats.Slices++
	b.stats.ComboCurrent++
	b.stats.ComboBest = max(b.stats.ComboBest, b.stats.ComboCurrent)
	bonus := min((b.stats.ComboCurrent-1)*ComboStep, MaxComboBonus)
	b.stats.Score += FruitPoints + bonus
	return b.stats.Score - before
}

// Miss records a fruit that left the screen unsliced. Bombs falling off are
// not misses, so callers only report fruit.
func (b *Scoreboard) Miss(fruitID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.first(fruitID) {
		return
	}
	b.stats.Misses++
	b.stats.ComboCurrent = 0
}

func (b *Scoreboard) first(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	return true
}

func (b *Scoreboard) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Scoreboard) Reset() {
	b.mu.Lock()
	b.stats = Stats{}
	b.seen = map[string]struct{}{}
	b.mu.Unlock()
}
