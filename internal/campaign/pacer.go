package campaign

import (
	"math/rand"
	"time"
)

// Pacer spreads a campaign's sends over time so a burst of recipients
// never leaves the gateway as a burst of traffic. The first send goes out
// immediately; each following send is pushed back by the base delay plus
// a random jitter, so offsets are strictly increasing.
type Pacer struct {
	base   time.Duration
	jitter time.Duration
}

// NewPacer builds a pacer. jitter is the exclusive upper bound of the
// random component added per step; zero disables it.
func NewPacer(base, jitter time.Duration) *Pacer {
	return &Pacer{base: base, jitter: jitter}
}

// Offsets returns n monotonically non-decreasing delays from a common
// start instant. Offsets[0] is always zero.
func (p *Pacer) Offsets(n int) []time.Duration {
	offsets := make([]time.Duration, n)
	var cursor time.Duration
	for i := 0; i < n; i++ {
		offsets[i] = cursor
		step := p.base
		if p.jitter > 0 {
			// Top-level rand is safe for the concurrent admin calls that
			// share one pacer across campaigns.
			step += time.Duration(rand.Int63n(int64(p.jitter)))
		}
		cursor += step
	}
	return offsets
}

// Schedule converts offsets into absolute timestamps from start
func (p *Pacer) Schedule(start time.Time, n int) []time.Time {
	offsets := p.Offsets(n)
	times := make([]time.Time, n)
	for i, off := range offsets {
		times[i] = start.Add(off)
	}
	return times
}
