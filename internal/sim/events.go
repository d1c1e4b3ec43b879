// Package sim holds the pieces of the match simulation the session engine
// talks to: the seeded spawn schedule, the gesture and slice events and the
// local scoreboard. Rendering and physics live elsewhere.
package sim

import "time"

type Hand string

const (
	HandLeft  Hand = "left"
	HandRight Hand = "right"
)

type Kind string

const (
	KindFruit Kind = "fruit"
	KindBomb  Kind = "bomb"
)

// SpawnEvent describes one object entering play. Positions are normalised
// to the unit square, x from the left and y from the bottom.
type SpawnEvent struct {
	ID        string        `json:"id"`
	Seq       int           `json:"seq"`
	At        time.Duration `json:"at"`
	Kind      Kind          `json:"kind"`
	Variant   int           `json:"variant"`
	X         float64       `json:"x"`
	VelocityX float64       `json:"vx"`
	VelocityY float64       `json:"vy"`
	Spin      float64       `json:"spin"`
}

// SliceEvent is what the gesture detector emits for one swipe.
type SliceEvent struct {
	OriginX    float64   `json:"originX"`
	OriginY    float64   `json:"originY"`
	DirectionX float64   `json:"directionX"`
	DirectionY float64   `json:"directionY"`
	Speed      float64   `json:"speed"`
	Strength   float64   `json:"strength"`
	Hand       Hand      `json:"hand"`
	Timestamp  time.Time `json:"timestamp"`
}

// SliceResult is reported by the physics layer when a slice hits something.
type SliceResult struct {
	FruitID string `json:"fruitId"`
	IsBomb  bool   `json:"isBomb"`
	Hand    Hand   `json:"hand"`
}
