package deadline

import "time"

const (
	baseFPS = 30

	eventBase  = 18 * time.Millisecond
	sensorBase = 7 * time.Millisecond

	eventFloor  = 4 * time.Millisecond
	sensorFloor = 2 * time.Millisecond

	subsampleFloor = 1 * time.Millisecond
)

// Params are the two timer phases, both measured from the previous event:
// Event from SOF, Sensor from the end of the event phase.
type Params struct {
	Event  time.Duration
	Sensor time.Duration
}

// ComputeParams derives the phase delays from the sensor frame rate.
//
// The fps ratio is fps/30 rounded down, never below 1. Faster sensors get
// proportionally shorter phases, floored so the sensor write still fits in
// the frame. Subsampled streams use the plain ratio with a 1ms floor.
func ComputeParams(fps float64, subsampleRatio int) Params {
	ratio := int(fps) / baseFPS
	if ratio < 1 {
		ratio = 1
	}

	if subsampleRatio > 0 {
		return Params{
			Event:  max(eventBase/time.Duration(ratio), subsampleFloor),
			Sensor: max(sensorBase/time.Duration(ratio), subsampleFloor),
		}
	}

	if ratio == 1 {
		return Params{Event: eventBase, Sensor: sensorBase}
	}
	return Params{
		Event:  max(eventBase/time.Duration(ratio), eventFloor),
		Sensor: max(sensorBase/time.Duration(ratio), sensorFloor),
	}
}

// FPS converts a frame interval fraction (num/den seconds) to frames per
// second. A zero numerator yields the base rate.
func FPS(num, den int) float64 {
	if num <= 0 || den <= 0 {
		return baseFPS
	}
	return float64(den) / float64(num)
}
