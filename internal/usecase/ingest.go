package usecase

import (
	"hash/fnv"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	applogger "CoinPulse/pkg/logger"
)

// delivery is one adapter callback: tickers of a single pair.
type delivery struct {
	tickers []models.Ticker
}

// ingest moves adapter deliveries onto bounded per-shard channels. A pair
// always maps to the same shard so its tickers are handled in arrival order.
type ingest struct {
	shards  []chan delivery
	handle  func(delivery)
	timeout time.Duration
	metrics domrepo.Metrics
	logger  *applogger.Logger

	once   sync.Once
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newIngest(shards, buffer int, timeout time.Duration, handle func(delivery), metrics domrepo.Metrics, logger *applogger.Logger) *ingest {
	if shards <= 0 {
		shards = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	in := &ingest{
		shards:  make([]chan delivery, shards),
		handle:  handle,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	for i := range in.shards {
		in.shards[i] = make(chan delivery, buffer)
	}
	return in
}

func (in *ingest) start() {
	for _, ch := range in.shards {
		in.wg.Add(1)
		go in.run(ch)
	}
}

func (in *ingest) run(ch chan delivery) {
	defer in.wg.Done()
	for {
		select {
		case d := <-ch:
			in.handle(d)
		case <-in.stopCh:
			return
		}
	}
}

// submit waits at most the configured timeout for room on the pair's shard.
// An overflowing delivery is dropped and counted; price-change output is never
// dropped here because it is produced downstream of this point.
func (in *ingest) submit(d delivery) bool {
	if len(d.tickers) == 0 {
		return true
	}
	ch := in.shards[in.shardFor(d.tickers[0].Pair)]
	select {
	case ch <- d:
		return true
	case <-in.stopCh:
		return false
	default:
	}

	t := time.NewTimer(in.timeout)
	defer t.Stop()
	select {
	case ch <- d:
		return true
	case <-in.stopCh:
		return false
	case <-t.C:
		in.metrics.RecordError("ingest_overflow")
		in.logger.Warn("ingest shard full, dropping delivery",
			applogger.String("pair", d.tickers[0].Pair),
			applogger.Int("tickers", len(d.tickers)),
		)
		return false
	}
}

func (in *ingest) shardFor(pair string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair))
	return int(h.Sum32() % uint32(len(in.shards)))
}

func (in *ingest) stop() {
	in.once.Do(func() {
		close(in.stopCh)
		in.wg.Wait()
	})
}
