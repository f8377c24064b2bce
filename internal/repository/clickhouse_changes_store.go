package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	applogger "CoinPulse/pkg/logger"
)

// SQLExecutor is the part of *sql.DB the store uses.
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const changesColumns = `ts, pair, period, last_price, min_price, min_ts, max_price, max_ts,
	max_after_min_price, max_after_min_ts, min_after_max_price, min_after_max_ts, percent_change,
	relative_change, relative_last_change, relative_drop_change, relative_rise_change, rel_stddev`

const changesColumnCount = 18

// ChangesSchema returns the DDL for the changes table.
func ChangesSchema(table string, ttlDays int) []string {
	ttl := ""
	if ttlDays > 0 {
		ttl = fmt.Sprintf("TTL ts + INTERVAL %d DAY", ttlDays)
	}
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ts                   DateTime,
			pair                 LowCardinality(String),
			period               UInt32,
			last_price           Float64,
			min_price            Float64,
			min_ts               DateTime,
			max_price            Float64,
			max_ts               DateTime,
			max_after_min_price  Float64,
			max_after_min_ts     DateTime,
			min_after_max_price  Float64,
			min_after_max_ts     DateTime,
			percent_change       Float64,
			relative_change      Nullable(Float64),
			relative_last_change Nullable(Float64),
			relative_drop_change Nullable(Float64),
			relative_rise_change Nullable(Float64),
			rel_stddev           Nullable(Float64)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (pair, period, ts)
		%s`, table, ttl)}
}

// ClickHouseChangesStore persists batches whose absolute percent change
// reaches a threshold and serves them back as history.
type ClickHouseChangesStore struct {
	db        SQLExecutor
	table     string
	threshold float64
	l         *applogger.Logger
}

func NewClickHouseChangesStore(db SQLExecutor, table string, minAbsPercent float64, l *applogger.Logger) *ClickHouseChangesStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &ClickHouseChangesStore{db: db, table: table, threshold: math.Abs(minAbsPercent), l: l}
}

func (s *ClickHouseChangesStore) Name() string { return "clickhouse" }

func (s *ClickHouseChangesStore) Publish(ctx context.Context, pair string, changes []models.PriceChanges) error {
	values := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)*changesColumnCount)
	for _, pc := range changes {
		pct := pc.PercentChange()
		if math.IsNaN(pct) || math.IsInf(pct, 0) || math.Abs(pct) < s.threshold {
			continue
		}
		values = append(values, "("+strings.TrimSuffix(strings.Repeat("?, ", changesColumnCount), ", ")+")")
		args = append(args,
			unix(pc.LastPriceTimestamp),
			pc.Pair,
			uint32(pc.PeriodSeconds),
			pc.LastPrice,
			pc.MinPrice,
			unix(pc.MinPriceTimestamp),
			pc.MaxPrice,
			unix(pc.MaxPriceTimestamp),
			pc.MaxAfterMinPrice,
			unix(pc.MaxAfterMinTimestamp),
			pc.MinAfterMaxPrice,
			unix(pc.MinAfterMaxTimestamp),
			pct,
			pc.RelativePriceChange,
			pc.RelativeLastPriceChange,
			pc.RelativeDropPriceChange,
			pc.RelativeRisePriceChange,
			pc.HighLowDiffRelativeStdDev,
		)
	}
	if len(values) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, changesColumns, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.l.Error("clickhouse insert changes failed",
			applogger.String("table", s.table),
			applogger.String("pair", pair),
			applogger.Int("rows", len(values)),
			applogger.Error(err),
		)
		return fmt.Errorf("insert changes: %w", err)
	}
	return nil
}

// Query returns stored changes of pair between from and to, newest first.
func (s *ClickHouseChangesStore) Query(ctx context.Context, pair string, from, to time.Time, limit int) ([]models.PriceChanges, error) {
	start := time.Now()
	q := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE pair = ? AND ts >= ? AND ts <= ?
		ORDER BY ts DESC, period ASC
		LIMIT ?`, changesColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, pair, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	out := make([]models.PriceChanges, 0, limit)
	for rows.Next() {
		var pc models.PriceChanges
		var ts, minTs, maxTs, maTs, miTs time.Time
		var period uint32
		var pct float64
		var rel, relLast, relDrop, relRise, std sql.NullFloat64
		if err := rows.Scan(&ts, &pc.Pair, &period, &pc.LastPrice, &pc.MinPrice, &minTs, &pc.MaxPrice, &maxTs,
			&pc.MaxAfterMinPrice, &maTs, &pc.MinAfterMaxPrice, &miTs, &pct,
			&rel, &relLast, &relDrop, &relRise, &std); err != nil {
			return nil, fmt.Errorf("scan changes: %w", err)
		}
		pc.PeriodSeconds = int64(period)
		pc.LastPriceTimestamp = ts.Unix()
		pc.MinPriceTimestamp = minTs.Unix()
		pc.MaxPriceTimestamp = maxTs.Unix()
		pc.MaxAfterMinTimestamp = maTs.Unix()
		pc.MinAfterMaxTimestamp = miTs.Unix()
		pc.RelativePriceChange = nullable(rel)
		pc.RelativeLastPriceChange = nullable(relLast)
		pc.RelativeDropPriceChange = nullable(relDrop)
		pc.RelativeRisePriceChange = nullable(relRise)
		pc.HighLowDiffRelativeStdDev = nullable(std)
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse history ok",
		applogger.String("pair", pair),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func unix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var (
	_ domrepo.ChangesSink    = (*ClickHouseChangesStore)(nil)
	_ domrepo.ChangesHistory = (*ClickHouseChangesStore)(nil)
)
