// Package rollup maintains the hour-bucketed aggregate tables the
// statistics layer reads. Each run recomputes a trailing window of
// complete hours from the raw event log, so reruns are idempotent and
// late conversion postbacks still land in the right buckets.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/metrics"
)

// DefaultWindowHours is how many trailing complete hours each run
// recomputes. Conversions arriving later than this stop moving the
// per-case revenue buckets.
const DefaultWindowHours = 48

// placementDelete + placementInsert recompute one hour of
// event_logs_hourly from scratch. Conversion events carry no
// paid_amount of their own; their value is attached afterwards from
// conversion_groups.
const placementDelete = `DELETE FROM event_logs_hourly WHERE hour_timestamp = $1`

const placementInsert = `
INSERT INTO event_logs_hourly
    (hour_timestamp, publisher_id, site_id, zone_id, domain,
     views_all, views, views_unique, clicks_all, clicks, revenue_case, revenue_hour)
SELECT $1, e.publisher_id, e.site_id, e.zone_id, e.domain,
    COUNT(*) FILTER (WHERE e.event_type = 'view'),
    COUNT(*) FILTER (WHERE e.event_type = 'view' AND e.paid_amount > 0),
    COUNT(DISTINCT e.tracking_id) FILTER (WHERE e.event_type = 'view' AND e.paid_amount > 0),
    COUNT(*) FILTER (WHERE e.event_type = 'click'),
    COUNT(*) FILTER (WHERE e.event_type = 'click' AND e.paid_amount > 0),
    COALESCE(SUM(e.paid_amount), 0),
    COALESCE(SUM(e.paid_amount), 0)
FROM event_logs e
WHERE e.created_at >= $1 AND e.created_at < $2 AND e.event_type != 'conversion'
GROUP BY e.publisher_id, e.site_id, e.zone_id, e.domain`

// placementConversionHour credits conversion value to the hour the
// conversion was registered (the revenue_hour view of the money).
const placementConversionHour = `
INSERT INTO event_logs_hourly AS h
    (hour_timestamp, publisher_id, site_id, zone_id, domain, revenue_hour)
SELECT $1, c.publisher_id, c.site_id, c.zone_id, c.domain, SUM(g.value)
FROM conversion_groups g
JOIN event_logs c ON c.event_id = g.event_id
WHERE c.created_at >= $1 AND c.created_at < $2 AND c.event_type = 'conversion'
GROUP BY c.publisher_id, c.site_id, c.zone_id, c.domain
ON CONFLICT (hour_timestamp, publisher_id, site_id, zone_id, domain)
DO UPDATE SET revenue_hour = h.revenue_hour + EXCLUDED.revenue_hour`

// placementConversionCase credits conversion value back to the hour of
// the case's most recent view (the revenue_case view of the money).
const placementConversionCase = `
INSERT INTO event_logs_hourly AS h
    (hour_timestamp, publisher_id, site_id, zone_id, domain, revenue_case)
SELECT $1, c.publisher_id, c.site_id, c.zone_id, c.domain, SUM(g.value)
FROM conversion_groups g
JOIN event_logs c ON c.event_id = g.event_id
JOIN LATERAL (
    SELECT v.created_at
    FROM event_logs v
    WHERE v.campaign_id = c.campaign_id
      AND v.case_id = c.case_id
      AND v.event_type = 'view'
    ORDER BY v.created_at DESC
    LIMIT 1
) v ON TRUE
WHERE v.created_at >= $1 AND v.created_at < $2
GROUP BY c.publisher_id, c.site_id, c.zone_id, c.domain
ON CONFLICT (hour_timestamp, publisher_id, site_id, zone_id, domain)
DO UPDATE SET revenue_case = h.revenue_case + EXCLUDED.revenue_case`

const caseDelete = `DELETE FROM case_logs_hourly WHERE hour_timestamp = $1`

const caseInsert = `
INSERT INTO case_logs_hourly
    (hour_timestamp, case_id, tracking_id, publisher_id, site_id, zone_id, domain,
     is_view, is_clicked, views, clicks, revenue)
SELECT $1, e.case_id,
    MIN(e.tracking_id), MIN(e.publisher_id), MIN(e.site_id), MIN(e.zone_id), MIN(e.domain),
    MAX(CASE WHEN e.event_type = 'view' THEN 1 ELSE 0 END),
    MAX(CASE WHEN e.event_type = 'click' THEN 1 ELSE 0 END),
    COUNT(*) FILTER (WHERE e.event_type = 'view' AND e.paid_amount > 0),
    COUNT(*) FILTER (WHERE e.event_type = 'click' AND e.paid_amount > 0),
    COALESCE(SUM(e.paid_amount), 0)
FROM event_logs e
WHERE e.created_at >= $1 AND e.created_at < $2 AND e.event_type != 'conversion'
GROUP BY e.case_id`

const caseConversion = `
INSERT INTO case_logs_hourly AS h
    (hour_timestamp, case_id, tracking_id, publisher_id, site_id, zone_id, domain, revenue)
SELECT $1, c.case_id,
    MIN(c.tracking_id), MIN(c.publisher_id), MIN(c.site_id), MIN(c.zone_id), MIN(c.domain),
    SUM(g.value)
FROM conversion_groups g
JOIN event_logs c ON c.event_id = g.event_id
JOIN LATERAL (
    SELECT v.created_at
    FROM event_logs v
    WHERE v.campaign_id = c.campaign_id
      AND v.case_id = c.case_id
      AND v.event_type = 'view'
    ORDER BY v.created_at DESC
    LIMIT 1
) v ON TRUE
WHERE v.created_at >= $1 AND v.created_at < $2
GROUP BY c.case_id
ON CONFLICT (hour_timestamp, case_id)
DO UPDATE SET revenue = h.revenue + EXCLUDED.revenue`

// Aggregator recomputes the hourly rollup tables from the raw event
// log.
type Aggregator struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	window  int
	now     func() time.Time
}

func NewAggregator(pool *pgxpool.Pool, window int, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindowHours
	}
	return &Aggregator{pool: pool, metrics: m, logger: logger, window: window, now: time.Now}
}

// Run recomputes every hour in the trailing window. Errors on one
// hour stop the run; the next run repeats the hour because reruns are
// idempotent.
func (a *Aggregator) Run(ctx context.Context) error {
	for _, hour := range WindowHours(a.now(), a.window) {
		if err := a.RollupHour(ctx, hour); err != nil {
			return fmt.Errorf("rollup of hour %s failed: %w", hour.Format(time.RFC3339), err)
		}
	}
	return nil
}

// RollupHour recomputes both rollup tables for one complete hour,
// atomically per table.
func (a *Aggregator) RollupHour(ctx context.Context, hour time.Time) error {
	hour = hour.UTC().Truncate(time.Hour)
	next := hour.Add(time.Hour)

	started := time.Now()
	err := a.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, placementDelete, hour); err != nil {
			return err
		}
		for _, q := range []string{placementInsert, placementConversionHour, placementConversionCase} {
			if _, err := tx.Exec(ctx, q, hour, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.metrics.ObserveRollup("event_logs_hourly", time.Since(started))

	started = time.Now()
	err = a.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, caseDelete, hour); err != nil {
			return err
		}
		for _, q := range []string{caseInsert, caseConversion} {
			if _, err := tx.Exec(ctx, q, hour, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.metrics.ObserveRollup("case_logs_hourly", time.Since(started))

	a.logger.Debug("hour rolled up", zap.Time("hour", hour))
	return nil
}

func (a *Aggregator) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WindowHours lists the trailing complete hour buckets, oldest first.
// The hour containing now is excluded; it is still accumulating.
func WindowHours(now time.Time, window int) []time.Time {
	last := now.UTC().Truncate(time.Hour).Add(-time.Hour)
	hours := make([]time.Time, 0, window)
	for i := window - 1; i >= 0; i-- {
		hours = append(hours, last.Add(-time.Duration(i)*time.Hour))
	}
	return hours
}
