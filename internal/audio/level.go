package audio

import "math"

// CalculateRMS calculates the root mean square of float32 samples.
// Useful for measuring capture levels and detecting silence.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// DetectSilence reports whether samples fall below the energy threshold
func DetectSilence(samples []float32, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
