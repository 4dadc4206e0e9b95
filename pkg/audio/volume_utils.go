package audio

import "math"

// volumeToPower maps a linear 0..1 level to beep's base-2 exponent.
// 1 is unity gain, 0.5 halves the amplitude; anything at or below 0.01 is treated as silent.
func volumeToPower(vol float64) float64 {
	if vol <= 0.01 {
		return -10 // Silent
	}
	return math.Log2(vol)
}

func clampVolume(vol float64) float64 {
	switch {
	case vol < 0:
		return 0
	case vol > 1:
		return 1
	default:
		return vol
	}
}

// ClampRate bounds a playback rate to 0.5..2. Zero selects normal speed.
func ClampRate(rate float64) float64 {
	switch {
	case rate == 0:
		return 1
	case rate < 0.5:
		return 0.5
	case rate > 2:
		return 2
	default:
		return rate
	}
}
