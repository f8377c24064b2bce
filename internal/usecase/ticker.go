package usecase

import (
	"context"
	"errors"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	applogger "CoinPulse/pkg/logger"
)

// startTickerProvider connects a fresh ticker source for the current pairs.
// A concurrent call is refused.
func (e *Engine) startTickerProvider() {
	if !e.lc.tickerLock.TryLock() {
		e.logger.Warn("ticker provider is already starting")
		return
	}
	defer e.lc.tickerLock.Unlock()
	if e.lc.isStopped() {
		return
	}

	e.lc.transition(StateStartingTicker)
	e.info("Starting ticker provider...")
	src := e.exchange.NewTickerSource(e.AllPairs())

	e.mu.Lock()
	e.tickerGen++
	l := &tickerListener{e: e, src: src, gen: e.tickerGen}
	e.ticker = src
	ctx := e.ctx
	e.mu.Unlock()

	e.lc.awaitTicker()
	err := e.retry(ctx, "connect_ticker", func(ctx context.Context) error {
		return src.Connect(ctx, l)
	}, nil)
	if err != nil {
		e.logger.Debug("ticker connect abandoned", applogger.Error(err))
	}
}

func (e *Engine) stopTicker() {
	e.mu.Lock()
	src := e.ticker
	e.ticker = nil
	e.mu.Unlock()
	if src == nil {
		return
	}
	e.logger.Info("disconnecting ticker provider")
	if err := src.Disconnect(); err != nil {
		e.logger.Warn("ticker disconnect failed", applogger.Error(err))
	}
}

func (e *Engine) currentTicker() domrepo.TickerSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ticker
}

// refresh re-resolves pairs, re-fetches chart data and reconnects the ticker.
// silent suppresses Connected/Disconnected narration; stopTickerFirst drops
// the old connection before fetching instead of after.
func (e *Engine) refresh(stopTickerFirst, silent bool) error {
	if err := e.lc.beginRefresh(silent); err != nil {
		return err
	}
	e.mu.Lock()
	e.refreshGen = e.tickerGen
	e.mu.Unlock()

	e.message(models.NewEngineMessage(models.MsgReconnecting, "Reconnecting..."))
	if stopTickerFirst {
		e.stopTicker()
	}
	e.logger.Info("refreshing pairs data and reconnecting ticker", applogger.Bool("silent", silent))
	e.abortFetch()

	if err := e.fetchPairsData(); err != nil {
		e.lc.abandonRefresh()
		if errors.Is(err, errStopped) || e.lc.isStopped() {
			return nil
		}
		return err
	}
	if !stopTickerFirst {
		e.stopTicker()
	}
	e.startTickerProvider()
	return nil
}

func (e *Engine) handleConnectionState(l *tickerListener, s models.ConnectionState) {
	e.mu.RLock()
	current := e.ticker == l.src
	stale := l.gen <= e.refreshGen
	e.mu.RUnlock()

	switch s {
	case models.Connected:
		if !current {
			return
		}
		endedRefresh, silent, ok := e.lc.tickerConnected()
		if !ok {
			return
		}
		if endedRefresh {
			e.message(models.NewEngineMessage(models.MsgAutoRefreshingDone, "Engine refresh done"))
			if !silent {
				e.message(models.NewEngineMessage(models.MsgConnected, "Connected"))
			}
			return
		}
		e.message(models.NewEngineMessage(models.MsgConnected, "Connected"))
	case models.Disconnected:
		if !current {
			return
		}
		if refreshing, ok := e.lc.tickerLost(); ok && !refreshing {
			e.message(models.NewEngineMessage(models.MsgDisconnected, "Disconnected"))
		}
	case models.Reconnecting:
		// a source being replaced by a refresh must not reconnect on its own
		if e.lc.isRefreshing() && stale {
			go func() {
				if err := l.src.Disconnect(); err != nil {
					e.logger.Warn("ticker disconnect failed", applogger.Error(err))
				}
			}()
		}
	}
}

func (e *Engine) handleDelivery(d delivery) {
	e.handleTickers(d.tickers, false)
}

// handleTickers inserts tickers of one pair. Synthetic bootstrap tickers skip
// the chart source and the heartbeat.
func (e *Engine) handleTickers(tickers []models.Ticker, synthetic bool) {
	if len(tickers) == 0 {
		return
	}
	pair := tickers[0].Pair
	if !synthetic {
		if !e.lc.isRefreshing() {
			if chart := e.chartSource(); chart != nil {
				for _, t := range tickers {
					chart.InsertTicker(t)
				}
			}
		}
		e.metrics.RecordTicker(pair)
		e.metrics.RecordLastPrice(pair, tickers[len(tickers)-1].Value)
		if e.onHeartbeat != nil {
			e.onHeartbeat(pair)
		}
	}
	for _, t := range tickers {
		e.detector.InsertTicker(t)
	}
	if e.cfg.CheckChangesDelay > 0 {
		e.scheduleCheck(pair)
		return
	}
	e.checkChangesForPair(pair)
}

// scheduleCheck arms at most one pending recompute per pair.
func (e *Engine) scheduleCheck(pair string) {
	e.debounceMu.Lock()
	if _, ok := e.scheduled[pair]; ok {
		e.debounceMu.Unlock()
		return
	}
	e.scheduled[pair] = struct{}{}
	e.debounceMu.Unlock()

	time.AfterFunc(e.cfg.CheckChangesDelay, func() {
		e.debounceMu.Lock()
		delete(e.scheduled, pair)
		e.debounceMu.Unlock()
		if e.lc.isStopped() {
			return
		}
		e.checkChangesForPair(pair)
	})
}

func (e *Engine) checkChangesForPair(pair string) {
	start := time.Now()
	changes, ok := e.detector.CheckChanges(pair)
	if !ok || len(changes) == 0 {
		return
	}
	e.normalizer.SetRelativeChanges(changes)
	e.metrics.RecordRecompute(pair, time.Since(start).Seconds())
	if e.onChanges != nil {
		e.onChanges(e.runContext(), pair, changes)
	}
}

type tickerListener struct {
	e   *Engine
	src domrepo.TickerSource
	gen uint64
}

func (l *tickerListener) OnTicker(t models.Ticker) {
	l.e.ingest.submit(delivery{tickers: []models.Ticker{t}})
}

func (l *tickerListener) OnTickers(ts []models.Ticker) {
	if len(ts) == 0 {
		return
	}
	batch := make([]models.Ticker, len(ts))
	copy(batch, ts)
	l.e.ingest.submit(delivery{tickers: batch})
}

func (l *tickerListener) OnError(err error) {
	l.e.metrics.RecordError("ticker_source")
	l.e.logger.Warn("ticker source error", applogger.Error(err))
	if l.e.currentTicker() != l.src {
		return
	}
	l.e.failure("Ticker error: " + err.Error())
}

func (l *tickerListener) OnConnectionState(s models.ConnectionState) {
	l.e.handleConnectionState(l, s)
}
