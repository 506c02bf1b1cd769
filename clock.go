package relnet

import (
	"math/rand/v2"
	"time"
)

// systemClock is the default Clock, a thin wrapper over time.Now kept
// host-scoped rather than a process-global.
type systemClock struct{ start time.Time }

func newSystemClock() *systemClock { return &systemClock{start: time.Now()} }

func (c *systemClock) NowMillis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// systemRand is the default Rand, host-scoped rather than a process-global.
type systemRand struct{ r *rand.Rand }

func newSystemRand(seed uint64) *systemRand {
	return &systemRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *systemRand) Uint32() uint32 { return uint32(r.r.Uint64()) }
