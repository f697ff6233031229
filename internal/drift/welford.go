package drift

import "math"

// WindowStats accumulates count, mean and variance incrementally using
// Welford's online algorithm, so raw samples never need to be retained.
// The zero value is ready to use.
type WindowStats struct {
	count int64
	mean  float64
	m2    float64
}

// Add folds one sample into the running statistics.
func (s *WindowStats) Add(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (x - s.mean)
}

// Count returns the number of samples observed.
func (s *WindowStats) Count() int64 { return s.count }

// Mean returns the running mean, or 0 with no samples.
func (s *WindowStats) Mean() float64 { return s.mean }

// Variance returns the population variance, or 0 with fewer than two samples.
func (s *WindowStats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count)
}

// StdDev returns the population standard deviation.
func (s *WindowStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}
