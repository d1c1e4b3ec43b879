// Package rng is the deterministic generator both duel clients drive their
// spawn schedulers from. Two Rand values built from the same seed return
// identical streams for identical call sequences.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

const (
	modulus    = 1 << 31
	multiplier = 1103515245
	increment  = 12345

	// MaxSeed is the largest seed a session may carry (31 bits).
	MaxSeed = modulus - 1
)

type Rand struct {
	seed  uint32
	state uint32
	calls uint64
}

// New returns a generator for seed. Bits above 31 are discarded.
func New(seed uint32) *Rand {
	s := seed & MaxSeed
	return &Rand{seed: s, state: s}
}

func (r *Rand) Seed() uint32 { return r.seed }

// Calls reports how many values have been drawn since construction.
func (r *Rand) Calls() uint64 { return r.calls }

func (r *Rand) step() uint32 {
	r.state = uint32((uint64(r.state)*multiplier + increment) % modulus)
	r.calls++
	return r.state
}

// Next returns a value in [0,1).
func (r *Rand) Next() float64 {
	return float64(r.step()) / modulus
}

// NextInt returns an integer in [min,max], both ends inclusive.
func (r *Rand) NextInt(min, max int) int {
	if max < min {
		min, max = max, min
	}
	span := float64(max - min + 1)
	v := min + int(math.Floor(r.Next()*span))
	if v > max {
		v = max
	}
	return v
}

// NextFloat returns a value in [min,max).
func (r *Rand) NextFloat(min, max float64) float64 {
	return min + r.Next()*(max-min)
}

// Pick returns an index in [0,n) or -1 when n is not positive.
func (r *Rand) Pick(n int) int {
	if n <= 0 {
		return -1
	}
	return r.NextInt(0, n-1)
}

// NewSeed draws a fresh 31-bit seed from the system CSPRNG.
func NewSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:]) & MaxSeed
}

// NewSeedExcept draws seeds until one differs from prev.
func NewSeedExcept(prev uint32) uint32 {
	for {
		if s := NewSeed(); s != prev&MaxSeed {
			return s
		}
	}
}
