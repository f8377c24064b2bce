package models

import "fmt"

// Candle represents a closed (or forming) OHLCV bucket. Timestamp is the
// bucket open time in unix seconds.
type Candle struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// PairPeriod identifies chart data of one pair at one candle period (seconds).
type PairPeriod struct {
	Pair   string `json:"pair"`
	Period int64  `json:"period"`
}

func (p PairPeriod) String() string {
	return fmt.Sprintf("%s/%d", p.Pair, p.Period)
}

// PeriodNumCandles asks a chart data source for NumCandles candles of Period seconds.
type PeriodNumCandles struct {
	Period     int64
	NumCandles int
}

// CandleSnapshot maps each (pair, period) to its most recent closed candles, oldest first.
type CandleSnapshot map[PairPeriod][]Candle

// PairSelectionCriteria selects venue pairs quoted in CounterCurrency whose
// 24h quote volume is at least MinVolume.
type PairSelectionCriteria struct {
	CounterCurrency string  `yaml:"counter_currency" json:"counter_currency" validate:"required"`
	MinVolume       float64 `yaml:"min_volume" json:"min_volume" validate:"gte=0"`
}
