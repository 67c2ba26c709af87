// Package stats computes publisher-facing statistics from the event
// logs: gap-filled chart series and per-site/per-zone report tables.
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/metrics"
	"github.com/peakserve/adserver/internal/models"
)

// chartTable picks the table serving each chart stat type. CTR and the
// unique/case metrics need case granularity; the rest come from the
// cheaper placement rollup.
var chartTable = map[StatType]Table{
	TypeView:          TableEventLogsHourly,
	TypeViewAll:       TableEventLogsHourly,
	TypeViewUnique:    TableCaseLogsHourly,
	TypeClick:         TableEventLogsHourly,
	TypeClickAll:      TableEventLogsHourly,
	TypeCTR:           TableCaseLogsHourly,
	TypeRevenueByCase: TableCaseLogsHourly,
	TypeRevenueByHour: TableEventLogsHourly,
}

// ChartInput describes one chart query. Start and End are inclusive.
// Timezone is an IANA name; empty means UTC. Live switches to the raw
// event log so the current, not-yet-rolled-up hour is visible.
type ChartInput struct {
	Type        StatType
	Resolution  Resolution
	Start       time.Time
	End         time.Time
	Timezone    string
	PublisherID *models.Id
	SiteID      *models.Id
	ZoneID      *models.Id
	Live        bool
}

// ChartPoint is one bucket of a chart series.
type ChartPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ReportInput describes one report query, grouped by site or zone.
type ReportInput struct {
	Start       time.Time
	End         time.Time
	Timezone    string
	PublisherID *models.Id
	SiteID      *models.Id
	GroupByZone bool
}

// ReportRow is one site or zone row of a statistics report.
type ReportRow struct {
	SiteID      string  `json:"site_id,omitempty"`
	ZoneID      string  `json:"zone_id,omitempty"`
	Clicks      int64   `json:"clicks"`
	ClicksAll   int64   `json:"clicks_all"`
	Views       int64   `json:"views"`
	ViewsAll    int64   `json:"views_all"`
	ViewsUnique int64   `json:"views_unique"`
	CTR         float64 `json:"ctr"`
	Revenue     int64   `json:"revenue"`
}

// Repository runs statistics queries against Postgres. Queries run in
// a transaction with SET LOCAL TIME ZONE, so date-part bucketing
// happens in the caller's timezone without leaking session state into
// the pool.
type Repository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRepository(pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) *Repository {
	return &Repository{pool: pool, metrics: m, logger: logger}
}

// FetchChart returns the gap-filled series for the input: one point
// per bucket between Start and End, zero-valued where the database has
// no row. The first point carries the exact requested start time.
func (r *Repository) FetchChart(ctx context.Context, in ChartInput) ([]ChartPoint, error) {
	loc, err := loadLocation(in.Timezone)
	if err != nil {
		return nil, err
	}
	if in.End.Before(in.Start) {
		return nil, fmt.Errorf("chart range ends before it starts")
	}

	table := chartTable[in.Type]
	if in.Live {
		table = TableEventLogs
	}

	builder, err := NewQuery(table, in.Type)
	if err != nil {
		return nil, err
	}
	builder.WhereDateRange(in.Start, in.End)
	applyFilters(builder, in.PublisherID, in.SiteID, in.ZoneID)
	if _, err := builder.GroupByResolution(in.Resolution); err != nil {
		return nil, err
	}
	query, args, err := builder.Build()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	values := make(map[int64]float64)
	err = r.inTimezone(ctx, loc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		n := partCount(in.Resolution)
		parts := make([]int, n)
		dest := make([]interface{}, 0, n+1)
		for i := range parts {
			dest = append(dest, &parts[i])
		}
		var value float64
		dest = append(dest, &value)

		for rows.Next() {
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			bucket := bucketFromParts(in.Resolution, parts, loc)
			values[bucket.UnixNano()] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("chart query failed: %w", err)
	}
	r.metrics.ObserveStatsQuery(string(table), time.Since(started))

	buckets := BucketSeries(in.Start, in.End, in.Resolution, loc)
	points := make([]ChartPoint, len(buckets))
	for i, b := range buckets {
		points[i] = ChartPoint{Timestamp: b, Value: values[b.UnixNano()]}
	}
	if len(points) > 0 {
		// The leading bucket starts at the requested time, not its
		// truncation, so consecutive pages of a chart line up.
		points[0].Timestamp = in.Start.In(loc)
	}
	return points, nil
}

// FetchReport returns the per-site (or per-zone) statistics table.
// Rows where every metric is zero are omitted.
func (r *Repository) FetchReport(ctx context.Context, in ReportInput) ([]ReportRow, error) {
	loc, err := loadLocation(in.Timezone)
	if err != nil {
		return nil, err
	}
	if in.End.Before(in.Start) {
		return nil, fmt.Errorf("report range ends before it starts")
	}

	builder, err := NewQuery(TableEventLogsHourly, TypeStatsReport)
	if err != nil {
		return nil, err
	}
	builder.WhereDateRange(in.Start, in.End)
	applyFilters(builder, in.PublisherID, in.SiteID, nil)
	if in.GroupByZone {
		builder.GroupByZone()
	} else {
		builder.GroupBySite()
	}
	query, args, err := builder.Build()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var report []ReportRow
	err = r.inTimezone(ctx, loc, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var dim []byte
			var row ReportRow
			err := rows.Scan(&dim, &row.Clicks, &row.ClicksAll, &row.Views,
				&row.ViewsAll, &row.ViewsUnique, &row.CTR, &row.Revenue)
			if err != nil {
				return err
			}
			id, err := models.IdFromBytes(dim)
			if err != nil {
				return err
			}
			if in.GroupByZone {
				row.ZoneID = id.String()
			} else {
				row.SiteID = id.String()
			}
			report = append(report, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("report query failed: %w", err)
	}
	r.metrics.ObserveStatsQuery(string(TableEventLogsHourly), time.Since(started))

	return report, nil
}

// inTimezone runs fn in a transaction whose session timezone is loc.
// SET LOCAL scopes the setting to the transaction, so pooled
// connections are never left with a stray timezone.
func (r *Repository) inTimezone(ctx context.Context, loc *time.Location, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The name came from time.LoadLocation, quotes stripped anyway.
	tz := strings.ReplaceAll(loc.String(), "'", "")
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL TIME ZONE '%s'", tz)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func applyFilters(b *Builder, publisherID, siteID, zoneID *models.Id) {
	if publisherID != nil {
		b.WherePublisherID(*publisherID)
	}
	if siteID != nil {
		b.WhereSiteID(*siteID)
	}
	if zoneID != nil {
		b.WhereZoneID(*zoneID)
	}
}

// loadLocation validates an IANA timezone name, defaulting to UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
