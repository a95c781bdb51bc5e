package sequencer

import "math"

// Peak returns the largest absolute sample value.
func Peak(buf []float32) float32 {
	var peak float32
	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Normalize divides every sample by the peak so the loudest sample is 1.0.
// A silent buffer is left untouched and Normalize reports false.
func Normalize(buf []float32) bool {
	peak := Peak(buf)
	if peak == 0 || math.IsNaN(float64(peak)) {
		return false
	}
	for i, v := range buf {
		buf[i] = v / peak
	}
	return true
}

// Quantize scales samples by volume and the signed 32-bit full-scale range.
func Quantize(buf []float32, volume float64) []int32 {
	out := make([]int32, len(buf))
	scale := volume * math.MaxInt32
	for i, v := range buf {
		x := math.Round(float64(v) * scale)
		switch {
		case x >= math.MaxInt32:
			out[i] = math.MaxInt32
		case x <= math.MinInt32:
			out[i] = math.MinInt32
		default:
			out[i] = int32(x)
		}
	}
	return out
}
