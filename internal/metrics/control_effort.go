package metrics

import (
	"math"

	"github.com/san-kum/qtune/internal/dynamo"
)

// ControlEffort accumulates how far the gates have been driven.
type ControlEffort struct {
	total   float64
	largest float64
	moves   int
}

func NewControlEffort() *ControlEffort {
	return &ControlEffort{}
}

func (c *ControlEffort) Name() string {
	return "control_effort"
}

// Observe records a move from one voltage vector to another over the
// gates both share.
func (c *ControlEffort) Observe(from, to dynamo.Voltages) {
	var sum float64
	for g, v := range to {
		prev, ok := from[g]
		if !ok {
			continue
		}
		d := v - prev
		sum += d * d
	}
	n := math.Sqrt(sum)
	if n == 0 || math.IsNaN(n) {
		return
	}
	c.total += n
	c.largest = math.Max(c.largest, n)
	c.moves++
}

func (c *ControlEffort) Value() float64 {
	if c.moves == 0 {
		return 0
	}
	return c.total / float64(c.moves)
}

func (c *ControlEffort) Total() float64   { return c.total }
func (c *ControlEffort) Largest() float64 { return c.largest }
func (c *ControlEffort) Moves() int       { return c.moves }

func (c *ControlEffort) Reset() {
	c.total = 0
	c.largest = 0
	c.moves = 0
}
