package relative

import (
	"math"
	"testing"

	"CoinPulse/internal/domain/models"
)

func candlesWithRanges(closePrice float64, ranges ...float64) []models.Candle {
	out := make([]models.Candle, 0, len(ranges))
	for i, r := range ranges {
		out = append(out, models.Candle{
			Timestamp: int64(i * 60),
			Open:      closePrice,
			High:      closePrice + r,
			Low:       closePrice,
			Close:     closePrice,
			Volume:    float64(i + 1),
		})
	}
	return out
}

func TestAverageFiltersNearZeroCandles(t *testing.T) {
	n := NewNormalizer(Average, nil)
	pp := models.PairPeriod{Pair: "BTC/USD", Period: 300}
	n.Update(models.CandleSnapshot{pp: candlesWithRanges(100, 1, 1, 1, 1, 0.0000001)})

	b, ok := n.Baseline(pp)
	if !ok {
		t.Fatalf("expected baseline")
	}
	if math.Abs(b.HighLowDiff-1.0) > 1e-9 {
		t.Fatalf("expected diff 1.0, got %v", b.HighLowDiff)
	}
	if b.HighLowDiffRelStdDev != 0 {
		t.Fatalf("expected rel stddev 0, got %v", b.HighLowDiffRelStdDev)
	}
}

func TestEstimators(t *testing.T) {
	pp := models.PairPeriod{Pair: "ETH/USD", Period: 60}
	tests := []struct {
		name      string
		estimator Estimator
		ranges    []float64
		want      float64
	}{
		{"average", Average, []float64{1, 2, 3, 6}, 3},
		{"median odd", Median, []float64{5, 1, 3}, 3},
		{"median even", Median, []float64{4, 1, 3, 2}, 2.5},
		// volumes are 1..n so the weighted mean is (1*1 + 2*4) / 3
		{"weighted", VolumeWeighted, []float64{1, 4}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(tt.estimator, nil)
			n.Update(models.CandleSnapshot{pp: candlesWithRanges(100, tt.ranges...)})
			b, ok := n.Baseline(pp)
			if !ok {
				t.Fatalf("expected baseline")
			}
			if math.Abs(b.HighLowDiff-tt.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tt.want, b.HighLowDiff)
			}
		})
	}
}

func TestWeightedFallsBackOnZeroVolume(t *testing.T) {
	pp := models.PairPeriod{Pair: "X", Period: 60}
	candles := candlesWithRanges(100, 1, 3)
	for i := range candles {
		candles[i].Volume = 0
	}
	n := NewNormalizer(VolumeWeighted, nil)
	n.Update(models.CandleSnapshot{pp: candles})
	b, _ := n.Baseline(pp)
	if b.HighLowDiff != 2 {
		t.Fatalf("expected plain average 2, got %v", b.HighLowDiff)
	}
}

func TestAllFilteredKeepsPreviousBaseline(t *testing.T) {
	pp := models.PairPeriod{Pair: "X", Period: 60}
	n := NewNormalizer(Average, nil)
	n.Update(models.CandleSnapshot{pp: candlesWithRanges(100, 2, 2)})
	n.Update(models.CandleSnapshot{pp: candlesWithRanges(100, 0, 0.000001)})
	b, ok := n.Baseline(pp)
	if !ok || b.HighLowDiff != 2 {
		t.Fatalf("expected retained baseline 2, got %v (ok=%v)", b.HighLowDiff, ok)
	}

	other := models.PairPeriod{Pair: "Y", Period: 60}
	n.Update(models.CandleSnapshot{other: candlesWithRanges(100, 0)})
	if _, ok := n.Baseline(other); ok {
		t.Fatalf("expected no baseline for fully filtered pair")
	}
}

func TestSetRelativeChangeIdempotent(t *testing.T) {
	pp := models.PairPeriod{Pair: "BTC/USD", Period: 300}
	n := NewNormalizer(Average, nil)
	n.Update(models.CandleSnapshot{pp: candlesWithRanges(100, 2, 2, 2)})

	pc := models.PriceChanges{
		Pair: "BTC/USD", PeriodSeconds: 300,
		LastPrice: 95, LastPriceTimestamp: 30,
		MinPrice: 90, MinPriceTimestamp: 10,
		MaxPrice: 100, MaxPriceTimestamp: 20,
		MaxAfterMinPrice: 100, MaxAfterMinTimestamp: 20,
		MinAfterMaxPrice: 95, MinAfterMaxTimestamp: 30,
	}
	n.SetRelativeChange(&pc)
	if !pc.HasRelative() {
		t.Fatalf("expected relative fields")
	}
	first := [5]float64{*pc.RelativePriceChange, *pc.RelativeLastPriceChange, *pc.RelativeDropPriceChange, *pc.RelativeRisePriceChange, *pc.HighLowDiffRelativeStdDev}
	n.SetRelativeChange(&pc)
	second := [5]float64{*pc.RelativePriceChange, *pc.RelativeLastPriceChange, *pc.RelativeDropPriceChange, *pc.RelativeRisePriceChange, *pc.HighLowDiffRelativeStdDev}
	if first != second {
		t.Fatalf("not idempotent: %v vs %v", first, second)
	}
	if first[0] != 5 {
		t.Fatalf("expected relative change 10/2=5, got %v", first[0])
	}
}

func TestSetRelativeChangeWithoutBaseline(t *testing.T) {
	n := NewNormalizer(Median, nil)
	pcs := []models.PriceChanges{{Pair: "NOPE", PeriodSeconds: 60, MinPrice: 1, MaxPrice: 2, MaxPriceTimestamp: 1}}
	n.SetRelativeChanges(pcs)
	if pcs[0].HasRelative() {
		t.Fatalf("expected relative fields to stay unset")
	}
}

func TestParseEstimator(t *testing.T) {
	for in, want := range map[string]Estimator{"": Average, "average": Average, "median": Median, "weighted": VolumeWeighted} {
		got, err := ParseEstimator(in)
		if err != nil || got != want {
			t.Fatalf("ParseEstimator(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseEstimator("mode"); err == nil {
		t.Fatalf("expected error for unknown estimator")
	}
}
