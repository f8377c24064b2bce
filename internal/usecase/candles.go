package usecase

import (
	"fmt"

	"CoinPulse/internal/domain/models"
)

// CandleProvider exposes chart data currently held by the engine.
type CandleProvider interface {
	Candles(pp models.PairPeriod) []models.Candle
}

// CandlesUseCase provides business logic for retrieving candles.
type CandlesUseCase struct {
	source CandleProvider
}

func NewCandlesUseCase(source CandleProvider) *CandlesUseCase {
	return &CandlesUseCase{source: source}
}

type GetCandlesParams struct {
	Pair   string
	Period int64
	Limit  int
}

type GetCandlesResult struct {
	Pair    string          `json:"pair"`
	Period  int64           `json:"period"`
	Count   int             `json:"count"`
	Candles []models.Candle `json:"candles"`
}

// GetCandles returns the newest Limit candles, oldest first.
func (uc *CandlesUseCase) GetCandles(p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Pair == "" {
		return nil, fmt.Errorf("pair required")
	}
	if p.Period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	if p.Limit <= 0 || p.Limit > 5000 {
		p.Limit = 5000
	}

	candles := uc.source.Candles(models.PairPeriod{Pair: p.Pair, Period: p.Period})
	if len(candles) > p.Limit {
		candles = candles[len(candles)-p.Limit:]
	}
	return &GetCandlesResult{
		Pair:    p.Pair,
		Period:  p.Period,
		Count:   len(candles),
		Candles: candles,
	}, nil
}
