package rig

import "time"

// Cutoff decides when an actuation segment has reached end of travel.
//
// Right after a reversal the motor draws an inrush spike that can exceed the
// stall threshold, so for GracePeriod after a direction change the threshold is
// scaled by GraceMultiplier. The multiplier has to sit above the inrush ratio and
// below the stall ratio of the actuator.
type Cutoff struct {
	GracePeriod     time.Duration
	GraceMultiplier float64
}

// Threshold returns the effective cutoff in amps.
func (c Cutoff) Threshold(base float64, sinceChange time.Duration, directionChanged bool) float64 {
	if directionChanged && sinceChange < c.GracePeriod {
		return base * c.GraceMultiplier
	}
	return base
}

// ShouldStop reports whether the smoothed current has reached the effective threshold.
func (c Cutoff) ShouldStop(smoothed, base float64, sinceChange time.Duration, directionChanged bool) bool {
	return smoothed >= c.Threshold(base, sinceChange, directionChanged)
}

// Personal.AI order the ending
