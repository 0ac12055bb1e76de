package metrics

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MTTRStats is the windowed mean-time-to-resolve aggregate with a 95%
// confidence interval from the Student's t-distribution.
type MTTRStats struct {
	Count      int     `json:"count"`
	MeanMs     float64 `json:"mean_ms"`
	CI95LowMs  float64 `json:"ci95_low_ms"`
	CI95HighMs float64 `json:"ci95_high_ms"`
}

type mttrSample struct {
	at         time.Time
	durationMs float64
}

// mttrWindow keeps the most recent resolution durations, bounded by count and
// age. Not safe for concurrent use; the service serializes access.
type mttrWindow struct {
	samples []mttrSample
	maxSize int
	maxAge  time.Duration
}

func newMTTRWindow(maxSize int, maxAge time.Duration) *mttrWindow {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &mttrWindow{maxSize: maxSize, maxAge: maxAge}
}

func (w *mttrWindow) add(at time.Time, durationMs float64) {
	w.samples = append(w.samples, mttrSample{at: at, durationMs: durationMs})
	if len(w.samples) > w.maxSize {
		w.samples = w.samples[len(w.samples)-w.maxSize:]
	}
}

// stats evicts aged samples and computes the aggregate. With fewer than two
// samples the interval collapses to the mean.
func (w *mttrWindow) stats(now time.Time) MTTRStats {
	if w.maxAge > 0 {
		cutoff := now.Add(-w.maxAge)
		kept := w.samples[:0]
		for _, s := range w.samples {
			if !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		w.samples = kept
	}

	n := len(w.samples)
	if n == 0 {
		return MTTRStats{}
	}

	xs := make([]float64, n)
	for i, s := range w.samples {
		xs[i] = s.durationMs
	}
	mean := stat.Mean(xs, nil)
	out := MTTRStats{Count: n, MeanMs: mean, CI95LowMs: mean, CI95HighMs: mean}
	if n < 2 {
		return out
	}

	sd := stat.StdDev(xs, nil)
	if sd == 0 {
		return out
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(0.975)
	margin := t * sd / math.Sqrt(float64(n))
	out.CI95LowMs = mean - margin
	out.CI95HighMs = mean + margin
	return out
}
