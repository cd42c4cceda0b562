package rollup

import "math"

// Welford holds running statistics using Welford's online algorithm,
// so mean and standard deviation are updated in O(1) without keeping
// observations around.
type Welford struct {
	Count int
	Mean  float64
	M2    float64 // sum of squared differences from the mean
}

func (w *Welford) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// Merge folds in the state of another accumulator (Chan et al.
// parallel variant).
func (w *Welford) Merge(o Welford) {
	if o.Count == 0 {
		return
	}
	if w.Count == 0 {
		*w = o
		return
	}

	n := float64(w.Count + o.Count)
	delta := o.Mean - w.Mean
	w.Mean += delta * float64(o.Count) / n
	w.M2 += o.M2 + delta*delta*float64(w.Count)*float64(o.Count)/n
	w.Count += o.Count
}

// Population standard deviation. 0 with fewer than 2 observations.
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}
