package relative

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Estimator selects how a single high-low diff is derived from candle ranges.
type Estimator int

const (
	Average Estimator = iota
	Median
	// VolumeWeighted weights each range by its candle volume.
	VolumeWeighted
)

func (e Estimator) String() string {
	switch e {
	case Average:
		return "average"
	case Median:
		return "median"
	case VolumeWeighted:
		return "weighted"
	default:
		return fmt.Sprintf("estimator(%d)", int(e))
	}
}

// ParseEstimator maps a config value to an Estimator.
func ParseEstimator(s string) (Estimator, error) {
	switch s {
	case "", "average":
		return Average, nil
	case "median":
		return Median, nil
	case "weighted", "volume_weighted":
		return VolumeWeighted, nil
	default:
		return Average, fmt.Errorf("unknown estimator %q", s)
	}
}

// estimate returns the estimator value for ranges (non-empty). weights are
// used only by VolumeWeighted and fall back to a plain average when they sum to 0.
func (e Estimator) estimate(ranges, weights []float64) float64 {
	switch e {
	case Median:
		return median(ranges)
	case VolumeWeighted:
		var sum float64
		for _, w := range weights {
			sum += w
		}
		if sum > 0 {
			return stat.Mean(ranges, weights)
		}
		return stat.Mean(ranges, nil)
	default:
		return stat.Mean(ranges, nil)
	}
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// sampleStdDev is the bias-corrected standard deviation; a single sample yields 0.
func sampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}
