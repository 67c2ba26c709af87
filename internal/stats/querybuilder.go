package stats

import (
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/peakserve/adserver/internal/models"
)

// Table selects which event-log variant a query runs against.
type Table string

const (
	// TableEventLogs is the raw append-only event log.
	TableEventLogs Table = "event_logs"
	// TableEventLogsHourly is the hour-bucketed rollup per placement.
	TableEventLogsHourly Table = "event_logs_hourly"
	// TableCaseLogsHourly is the hour-bucketed rollup per case.
	TableCaseLogsHourly Table = "case_logs_hourly"
)

// StatType selects the aggregate a query computes.
type StatType string

const (
	TypeView          StatType = "view"
	TypeViewAll       StatType = "view_all"
	TypeViewUnique    StatType = "view_unique"
	TypeClick         StatType = "click"
	TypeClickAll      StatType = "click_all"
	TypeCTR           StatType = "ctr"
	TypeRevenueByCase StatType = "revenue_by_case"
	TypeRevenueByHour StatType = "revenue_by_hour"
	// TypeStats bundles clicks, views, ctr and revenue in one row.
	TypeStats StatType = "stats"
	// TypeStatsReport is TypeStats plus the unfiltered and unique
	// counters, for report exports.
	TypeStatsReport StatType = "stats_report"
)

// Resolution is the time bucketing of a chart query.
type Resolution string

const (
	ResolutionHour    Resolution = "hour"
	ResolutionDay     Resolution = "day"
	ResolutionWeek    Resolution = "week"
	ResolutionMonth   Resolution = "month"
	ResolutionQuarter Resolution = "quarter"
	ResolutionYear    Resolution = "year"
)

// timeColumn is the bucketing column per table variant.
var timeColumn = map[Table]string{
	TableEventLogs:       "e.created_at",
	TableEventLogsHourly: "e.hour_timestamp",
	TableCaseLogsHourly:  "e.hour_timestamp",
}

// metricExpr maps (table, type) to the single aggregate expression.
// Only the pairs listed here are valid; asking a builder for anything
// else is a programming error and fails fast in NewQuery.
var metricExpr = map[Table]map[StatType]string{
	TableEventLogs: {
		TypeView:          "COUNT(e.event_id) FILTER (WHERE e.event_type = 'view' AND e.paid_amount > 0)",
		TypeViewAll:       "COUNT(e.event_id) FILTER (WHERE e.event_type = 'view')",
		TypeViewUnique:    "COUNT(DISTINCT e.tracking_id) FILTER (WHERE e.event_type = 'view' AND e.paid_amount > 0)",
		TypeClick:         "COUNT(e.event_id) FILTER (WHERE e.event_type = 'click' AND e.paid_amount > 0)",
		TypeClickAll:      "COUNT(e.event_id) FILTER (WHERE e.event_type = 'click')",
		TypeRevenueByCase: "COALESCE(SUM(e.paid_amount), 0)",
	},
	TableEventLogsHourly: {
		TypeView:          "COALESCE(SUM(e.views), 0)",
		TypeViewAll:       "COALESCE(SUM(e.views_all), 0)",
		TypeViewUnique:    "COALESCE(SUM(e.views_unique), 0)",
		TypeClick:         "COALESCE(SUM(e.clicks), 0)",
		TypeClickAll:      "COALESCE(SUM(e.clicks_all), 0)",
		TypeRevenueByCase: "COALESCE(SUM(e.revenue_case), 0)",
		TypeRevenueByHour: "COALESCE(SUM(e.revenue_hour), 0)",
	},
	TableCaseLogsHourly: {
		TypeView:          "COALESCE(SUM(e.views), 0)",
		TypeViewUnique:    "COUNT(DISTINCT e.tracking_id) FILTER (WHERE e.is_view = 1)",
		TypeClick:         "COALESCE(SUM(e.clicks), 0)",
		TypeCTR:           "COALESCE(AVG(e.is_clicked), 0)",
		TypeRevenueByCase: "COALESCE(SUM(e.revenue), 0)",
	},
}

// bundleColumns are the aggregate columns of the stats bundles, only
// available on the hourly placement rollup.
var bundleColumns = map[StatType][]string{
	TypeStats: {
		"COALESCE(SUM(e.clicks), 0) AS clicks",
		"COALESCE(SUM(e.views), 0) AS views",
		"COALESCE(SUM(e.clicks)::float / NULLIF(SUM(e.views), 0), 0) AS ctr",
		"COALESCE(SUM(e.revenue_case), 0) AS revenue",
	},
	TypeStatsReport: {
		"COALESCE(SUM(e.clicks), 0) AS clicks",
		"COALESCE(SUM(e.clicks_all), 0) AS clicks_all",
		"COALESCE(SUM(e.views), 0) AS views",
		"COALESCE(SUM(e.views_all), 0) AS views_all",
		"COALESCE(SUM(e.views_unique), 0) AS views_unique",
		"COALESCE(SUM(e.clicks)::float / NULLIF(SUM(e.views), 0), 0) AS ctr",
		"COALESCE(SUM(e.revenue_case), 0) AS revenue",
	},
}

// havingExpr is the "at least one non-zero metric" predicate applied
// when grouping by site or zone, so reports skip all-zero rows.
var havingExpr = map[StatType]string{
	TypeStats:       "SUM(e.clicks) > 0 OR SUM(e.views) > 0 OR SUM(e.revenue_case) > 0",
	TypeStatsReport: "SUM(e.clicks_all) > 0 OR SUM(e.views_all) > 0 OR SUM(e.revenue_case) > 0",
}

// Builder composes one aggregate query over an event-log table. The
// grouping columns always precede the metric columns in the select
// list, so callers scan group keys first, then metrics. Build renders
// the final SQL.
type Builder struct {
	table      Table
	typ        StatType
	leadCols   []string
	metricCols []string
	wheres     []squirrel.Sqlizer
	groupBys   []string
	orderBys   []string
	having     string
}

// NewQuery starts a builder for the given table/type pair, failing
// fast on a combination outside the allow-list.
func NewQuery(table Table, typ StatType) (*Builder, error) {
	var columns []string
	if cols, ok := bundleColumns[typ]; ok {
		if table != TableEventLogsHourly {
			return nil, fmt.Errorf("stat type %q is not supported on table %q", typ, table)
		}
		columns = cols
	} else {
		exprs, ok := metricExpr[table]
		if !ok {
			return nil, fmt.Errorf("unknown stats table %q", table)
		}
		expr, ok := exprs[typ]
		if !ok {
			return nil, fmt.Errorf("stat type %q is not supported on table %q", typ, table)
		}
		columns = []string{expr + " AS value"}
	}

	return &Builder{table: table, typ: typ, metricCols: columns}, nil
}

// WherePublisherID restricts to one publisher.
func (b *Builder) WherePublisherID(id models.Id) *Builder {
	b.wheres = append(b.wheres, squirrel.Eq{"e.publisher_id": id.Bytes()})
	return b
}

// WhereSiteID restricts to one site.
func (b *Builder) WhereSiteID(id models.Id) *Builder {
	b.wheres = append(b.wheres, squirrel.Eq{"e.site_id": id.Bytes()})
	return b
}

// WhereZoneID restricts to one zone.
func (b *Builder) WhereZoneID(id models.Id) *Builder {
	b.wheres = append(b.wheres, squirrel.Eq{"e.zone_id": id.Bytes()})
	return b
}

// WhereDateRange restricts to the inclusive [start, end] range.
func (b *Builder) WhereDateRange(start, end time.Time) *Builder {
	col := timeColumn[b.table]
	b.wheres = append(b.wheres,
		squirrel.GtOrEq{col: start},
		squirrel.LtOrEq{col: end},
	)
	return b
}

// GroupByResolution buckets rows by the resolution's date parts. The
// repository recomposes the scanned parts into bucket timestamps.
func (b *Builder) GroupByResolution(res Resolution) (*Builder, error) {
	parts, err := resolutionParts(res, timeColumn[b.table])
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		b.leadCols = append(b.leadCols, p.expr+" AS "+p.alias)
		b.groupBys = append(b.groupBys, p.expr)
		b.orderBys = append(b.orderBys, p.expr)
	}
	return b, nil
}

// GroupBySite groups by site and filters out all-zero rows.
func (b *Builder) GroupBySite() *Builder {
	return b.groupByDimension("e.site_id", "site_id")
}

// GroupByZone groups by zone and filters out all-zero rows.
func (b *Builder) GroupByZone() *Builder {
	return b.groupByDimension("e.zone_id", "zone_id")
}

func (b *Builder) groupByDimension(expr, alias string) *Builder {
	b.leadCols = append(b.leadCols, expr+" AS "+alias)
	b.groupBys = append(b.groupBys, expr)
	b.orderBys = append(b.orderBys, expr)
	if having, ok := havingExpr[b.typ]; ok {
		b.having = having
	} else {
		b.having = metricExpr[b.table][b.typ] + " > 0"
	}
	return b
}

// Build renders the SQL and arguments.
func (b *Builder) Build() (string, []interface{}, error) {
	columns := append(append([]string{}, b.leadCols...), b.metricCols...)
	sel := squirrel.Select(columns...).
		From(string(b.table) + " e").
		// Soft-deleted sites never contribute to statistics.
		Join("sites s ON s.id = e.site_id AND s.deleted_at IS NULL").
		PlaceholderFormat(squirrel.Dollar)
	for _, w := range b.wheres {
		sel = sel.Where(w)
	}
	if len(b.groupBys) > 0 {
		sel = sel.GroupBy(b.groupBys...)
	}
	if len(b.orderBys) > 0 {
		sel = sel.OrderBy(b.orderBys...)
	}
	if b.having != "" {
		sel = sel.Having(b.having)
	}
	return sel.ToSql()
}

// datePart is one decomposed component of a bucket timestamp.
type datePart struct {
	expr  string
	alias string
}

// resolutionParts returns the date-part expressions per resolution.
// Week uses the ISO year-week pair; quarter buckets months by three.
func resolutionParts(res Resolution, col string) ([]datePart, error) {
	year := datePart{"EXTRACT(YEAR FROM " + col + ")::int", "y"}
	month := datePart{"EXTRACT(MONTH FROM " + col + ")::int", "m"}
	day := datePart{"EXTRACT(DAY FROM " + col + ")::int", "d"}
	hour := datePart{"EXTRACT(HOUR FROM " + col + ")::int", "h"}
	isoYear := datePart{"EXTRACT(ISOYEAR FROM " + col + ")::int", "iy"}
	week := datePart{"EXTRACT(WEEK FROM " + col + ")::int", "w"}
	quarter := datePart{"EXTRACT(QUARTER FROM " + col + ")::int", "q"}

	switch res {
	case ResolutionHour:
		return []datePart{year, month, day, hour}, nil
	case ResolutionDay:
		return []datePart{year, month, day}, nil
	case ResolutionWeek:
		return []datePart{isoYear, week}, nil
	case ResolutionMonth:
		return []datePart{year, month}, nil
	case ResolutionQuarter:
		return []datePart{year, quarter}, nil
	case ResolutionYear:
		return []datePart{year}, nil
	default:
		return nil, fmt.Errorf("unknown resolution %q", res)
	}
}
