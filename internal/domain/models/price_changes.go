package models

import "math"

// PriceChanges is a snapshot of one pair's movement over one window.
// Timestamps are unix seconds. Relative fields stay nil until a volatility
// baseline is attached.
type PriceChanges struct {
	Pair          string `json:"pair"`
	PeriodSeconds int64  `json:"period"`

	LastPrice          float64 `json:"last_price"`
	LastPriceTimestamp int64   `json:"last_price_ts"`
	MinPrice           float64 `json:"min_price"`
	MinPriceTimestamp  int64   `json:"min_price_ts"`
	MaxPrice           float64 `json:"max_price"`
	MaxPriceTimestamp  int64   `json:"max_price_ts"`

	// MaxAfterMinPrice is the highest price strictly after the minimum,
	// or the minimum itself when nothing followed it.
	MaxAfterMinPrice     float64 `json:"max_after_min_price"`
	MaxAfterMinTimestamp int64   `json:"max_after_min_ts"`
	// MinAfterMaxPrice is the lowest price strictly after the maximum,
	// or the maximum itself when nothing followed it.
	MinAfterMaxPrice     float64 `json:"min_after_max_price"`
	MinAfterMaxTimestamp int64   `json:"min_after_max_ts"`

	RelativePriceChange       *float64 `json:"relative_change,omitempty"`
	RelativeLastPriceChange   *float64 `json:"relative_last_change,omitempty"`
	RelativeDropPriceChange   *float64 `json:"relative_drop_change,omitempty"`
	RelativeRisePriceChange   *float64 `json:"relative_rise_change,omitempty"`
	HighLowDiffRelativeStdDev *float64 `json:"high_low_diff_rel_stddev,omitempty"`
}

func (p PriceChanges) rising() bool {
	return p.MaxPriceTimestamp > p.MinPriceTimestamp
}

// PercentChange is the min→max move in percent, signed by which extremum came last.
func (p PriceChanges) PercentChange() float64 {
	if p.rising() {
		return 100 * (p.MaxPrice - p.MinPrice) / p.MinPrice
	}
	return 100 * (p.MinPrice - p.MaxPrice) / p.MaxPrice
}

// Change is PercentChange in absolute price units.
func (p PriceChanges) Change() float64 {
	if p.rising() {
		return p.MaxPrice - p.MinPrice
	}
	return p.MinPrice - p.MaxPrice
}

// DropChange is the pullback from the maximum to the lowest later price (<= 0).
func (p PriceChanges) DropChange() float64 {
	return p.MinAfterMaxPrice - p.MaxPrice
}

func (p PriceChanges) DropPercentChange() float64 {
	return 100 * (p.MinAfterMaxPrice - p.MaxPrice) / p.MaxPrice
}

// RiseChange is minPrice - maxAfterMinPrice. The sign is kept as consumers
// of the published field expect it.
func (p PriceChanges) RiseChange() float64 {
	return p.MinPrice - p.MaxAfterMinPrice
}

func (p PriceChanges) RisePercentChange() float64 {
	return 100 * (p.MinPrice - p.MaxAfterMinPrice) / p.MaxAfterMinPrice
}

// LastChange compares the last price against both extremes and returns the
// larger move: positive when measured from the minimum, negative from the maximum.
func (p PriceChanges) LastChange() float64 {
	rise := p.LastPrice - p.MinPrice
	drop := p.MaxPrice - p.LastPrice
	if rise > drop {
		return rise
	}
	return -drop
}

func (p PriceChanges) LastPercentChange() float64 {
	rise := p.LastPrice - p.MinPrice
	drop := p.MaxPrice - p.LastPrice
	if rise > drop {
		return 100 * rise / p.MinPrice
	}
	return -100 * drop / p.LastPrice
}

func (p PriceChanges) ChangeTimeSeconds() int64 {
	d := p.MinPriceTimestamp - p.MaxPriceTimestamp
	if d < 0 {
		return -d
	}
	return d
}

func (p PriceChanges) DropChangeTimeSeconds() int64 {
	return p.MinAfterMaxTimestamp - p.MinPriceTimestamp
}

func (p PriceChanges) RiseChangeTimeSeconds() int64 {
	return p.MaxAfterMinTimestamp - p.MinPriceTimestamp
}

// PriceChangeAgeSeconds is how long ago (relative to now, unix seconds) the
// more recent extremum was observed.
func (p PriceChanges) PriceChangeAgeSeconds(now int64) int64 {
	return now - p.FinalPriceTimestamp()
}

func (p PriceChanges) FinalPriceTimestamp() int64 {
	if p.MinPriceTimestamp > p.MaxPriceTimestamp {
		return p.MinPriceTimestamp
	}
	return p.MaxPriceTimestamp
}

func (p PriceChanges) ReferencePriceTimestamp() int64 {
	if p.MinPriceTimestamp < p.MaxPriceTimestamp {
		return p.MinPriceTimestamp
	}
	return p.MaxPriceTimestamp
}

// ReferenceToLastPriceTimestamp is the timestamp of the extremum LastChange was measured from.
func (p PriceChanges) ReferenceToLastPriceTimestamp() int64 {
	if p.LastPercentChange() > 0 {
		return p.MinPriceTimestamp
	}
	return p.MaxPriceTimestamp
}

// HasRelative reports whether a volatility baseline has been attached.
func (p PriceChanges) HasRelative() bool {
	return p.RelativePriceChange != nil
}

// SetRelative scales the raw changes by highLowDiff and records relStdDev.
// Calling it again with the same inputs yields the same fields.
func (p *PriceChanges) SetRelative(highLowDiff, relStdDev float64) {
	if highLowDiff == 0 || math.IsNaN(highLowDiff) {
		return
	}
	change := p.Change() / highLowDiff
	last := p.LastChange() / highLowDiff
	drop := p.DropChange() / highLowDiff
	rise := p.RiseChange() / highLowDiff
	std := relStdDev
	p.RelativePriceChange = &change
	p.RelativeLastPriceChange = &last
	p.RelativeDropPriceChange = &drop
	p.RelativeRisePriceChange = &rise
	p.HighLowDiffRelativeStdDev = &std
}
