package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/models"
)

// ClickHouseArchive copies persisted events into a ClickHouse table
// for offline analytics. Inserts are best effort: the request path
// never waits on nor fails because of the archive.
type ClickHouseArchive struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseArchive opens a ClickHouse connection and verifies it.
func NewClickHouseArchive(addr, database, username, password string, logger *zap.Logger) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &ClickHouseArchive{conn: conn, logger: logger}, nil
}

// ArchiveEvents appends event rows in one batch.
func (a *ClickHouseArchive) ArchiveEvents(ctx context.Context, events []*models.EventLog) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO event_archive (
			event_id, case_id, tracking_id, banner_id, zone_id, site_id,
			publisher_id, campaign_id, advertiser_id, pay_to, ip,
			paid_amount, domain, event_type, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for _, ev := range events {
		err := batch.Append(
			ev.EventID.String(), ev.CaseID.String(), ev.TrackingID.String(),
			ev.BannerID.String(), ev.ZoneID.String(), ev.SiteID.String(),
			ev.PublisherID.String(), ev.CampaignID.String(), ev.AdvertiserID.String(),
			ev.PayTo, ev.IP, ev.PaidAmount, ev.Domain, string(ev.Type), ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append archive row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (a *ClickHouseArchive) Close() error {
	return a.conn.Close()
}
