package ctrl

import (
	"math"
	"sync"
	"time"
)

const (
	// cadenceWindow is how many SOF timestamps the cadence keeps.
	cadenceWindow = 64

	// A stream is stable when the FPS standard deviation stays under 15% of
	// the mean and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// CadenceStats summarizes the SOF rate over the recent window.
type CadenceStats struct {
	Frames     int
	FPSMean    float64
	FPSStdDev  float64
	FPSMin     float64
	FPSMax     float64
	JitterMean time.Duration
	JitterMax  time.Duration
	Stable     bool
}

// cadence is a ring of recent SOF timestamps.
type cadence struct {
	mu   sync.Mutex
	ring []time.Time
	next int
	full bool
}

func newCadence(n int) *cadence {
	return &cadence{ring: make([]time.Time, n)}
}

func (c *cadence) add(ts time.Time) {
	if ts.IsZero() {
		return
	}
	c.mu.Lock()
	c.ring[c.next] = ts
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
	c.mu.Unlock()
}

// times returns the window oldest first.
func (c *cadence) times() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]time.Time(nil), c.ring[:c.next]...)
	}
	out := make([]time.Time, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// stats computes rate and jitter over the window.
//
// Mean FPS is intervals over elapsed time; jitter is each interval's
// distance from the mean interval.
func (c *cadence) stats() CadenceStats {
	ts := c.times()
	st := CadenceStats{Frames: len(ts)}
	if len(ts) < 2 {
		return st
	}
	elapsed := ts[len(ts)-1].Sub(ts[0]).Seconds()
	if elapsed <= 0 {
		return st
	}
	st.FPSMean = float64(len(ts)-1) / elapsed
	expected := 1 / st.FPSMean

	var fpsSq, jitterSum, jitterMax float64
	st.FPSMin = math.Inf(1)
	n := 0
	for i := 1; i < len(ts); i++ {
		iv := ts[i].Sub(ts[i-1]).Seconds()
		if iv <= 0 {
			continue
		}
		n++
		fps := 1 / iv
		st.FPSMin = math.Min(st.FPSMin, fps)
		st.FPSMax = math.Max(st.FPSMax, fps)
		d := fps - st.FPSMean
		fpsSq += d * d

		j := math.Abs(iv - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	if n == 0 {
		st.FPSMin = 0
		return st
	}
	st.FPSStdDev = math.Sqrt(fpsSq / float64(n))
	jitterMean := jitterSum / float64(n)
	st.JitterMean = time.Duration(jitterMean * float64(time.Second))
	st.JitterMax = time.Duration(jitterMax * float64(time.Second))
	st.Stable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		jitterMean < expected*jitterStabilityThreshold
	return st
}
