package rig

import "math"

const (
	adcMax       = 1023.0
	adcRefVolts  = 5.0
	zeroCurrentV = 2.5
)

// ToAmps converts a raw ADC reading of a hall-effect current sensor to amps.
// The sensor idles at mid-rail and swings sensitivity volts per amp either way.
func ToAmps(raw int, sensitivity float64) float64 {
	if sensitivity <= 0 {
		return 0
	}
	volts := (float64(raw) / adcMax) * adcRefVolts
	return math.Abs((volts - zeroCurrentV) / sensitivity)
}

// Personal.AI order the ending
