package rig

// Smoother keeps the last few current samples and reports their mean.
// It is not safe for concurrent use; the sampler owns it.
type Smoother struct {
	size   int
	window []float64
	sum    float64
}

func NewSmoother(size int) *Smoother {
	if size < 1 {
		size = 1
	}
	return &Smoother{size: size, window: make([]float64, 0, size)}
}

// Observe appends amps, evicts the oldest sample beyond capacity and returns the new mean.
func (s *Smoother) Observe(amps float64) float64 {
	if len(s.window) == s.size {
		s.sum -= s.window[0]
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, amps)
	s.sum += amps
	return s.Average()
}

// Average returns the mean of retained samples, 0 when empty.
func (s *Smoother) Average() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return s.sum / float64(len(s.window))
}

func (s *Smoother) Len() int { return len(s.window) }

// Personal.AI order the ending
