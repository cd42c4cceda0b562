package rollup

import (
	"math"

	"github.com/beorn7/perks/quantile"
)

// Quantiles tracked by every Stats, with their allowed rank error.
var targets = map[float64]float64{
	0.5:  0.05,
	0.95: 0.005,
}

// Stats summarizes one bucket of values. Memory is bounded by the
// quantile stream's compression, not by the number of values.
type Stats struct {
	welford Welford
	stream  *quantile.Stream
	min     float64
	max     float64
	flagged int
}

func NewStats() *Stats {
	return &Stats{
		stream: quantile.NewTargeted(targets),
		min:    math.Inf(1),
		max:    math.Inf(-1),
	}
}

func (s *Stats) Add(v float64, flagged bool) {
	s.welford.Update(v)
	s.stream.Insert(v)
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)
	if flagged {
		s.flagged++
	}
}

// Merge folds o into s. o is left intact.
func (s *Stats) Merge(o *Stats) {
	if o.Count() == 0 {
		return
	}

	s.welford.Merge(o.welford)
	s.min = math.Min(s.min, o.min)
	s.max = math.Max(s.max, o.max)
	s.flagged += o.flagged

	// quantile.Stream.Merge is inaccurate for whole summaries, so
	// the other stream's compressed samples are inserted again
	// according to their weight.
	for _, sample := range o.stream.Samples() {
		for i := 0; i < int(sample.Width); i++ {
			s.stream.Insert(sample.Value)
		}
	}
}

func (s *Stats) Count() int {
	return s.welford.Count
}

func (s *Stats) Mean() float64 {
	return s.welford.Mean
}

func (s *Stats) StdDev() float64 {
	return s.welford.StdDev()
}

// Quantile returns the estimate for q, which must be 0.5 or 0.95.
func (s *Stats) Quantile(q float64) float64 {
	if s.Count() == 0 {
		return 0
	}
	return s.stream.Query(q)
}

func (s *Stats) Min() float64 {
	if s.Count() == 0 {
		return 0
	}
	return s.min
}

func (s *Stats) Max() float64 {
	if s.Count() == 0 {
		return 0
	}
	return s.max
}

func (s *Stats) Flagged() int {
	return s.flagged
}
