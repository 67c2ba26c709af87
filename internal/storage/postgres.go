package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peakserve/adserver/internal/models"
)

// PostgresStore implements CampaignRepo, ConversionDefinitionRepo,
// EventRepo and ConversionStore on PostgreSQL.
//
// Non-repeatable conversions are guarded by a partial unique index:
//
//	CREATE UNIQUE INDEX conversion_groups_unique_case
//	    ON conversion_groups (definition_id, case_id) WHERE unique_case;
//
// so the duplicate check cannot race with a concurrent insert.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolationCode = "23505"

const eventColumns = `event_id, case_id, tracking_id, banner_id, zone_id, site_id,
	publisher_id, campaign_id, advertiser_id, pay_to, ip, headers, context,
	user_data, human_score, paid_amount, domain, event_type, created_at`

func (s *PostgresStore) FetchCampaignByUUID(ctx context.Context, id models.Id) (*models.Campaign, error) {
	var (
		c            models.Campaign
		cid, advID   []byte
		clickConv    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, advertiser_id, secret, click_conversion, created_at, updated_at
		FROM campaigns WHERE id = $1 AND deleted_at IS NULL
	`, id.Bytes()).Scan(&cid, &advID, &c.Secret, &clickConv, &c.CreatedAt, &c.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch campaign: %w", err)
	}

	if c.ID, err = models.IdFromBytes(cid); err != nil {
		return nil, err
	}
	if c.AdvertiserID, err = models.IdFromBytes(advID); err != nil {
		return nil, err
	}
	c.ClickConversion = models.ClickConversionMode(clickConv)
	return &c, nil
}

func (s *PostgresStore) FetchDefinitionByUUID(ctx context.Context, id models.Id) (*models.ConversionDefinition, error) {
	var (
		d          models.ConversionDefinition
		did, cmpID []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, is_advanced, is_repeatable, value, created_at
		FROM conversion_definitions WHERE id = $1
	`, id.Bytes()).Scan(&did, &cmpID, &d.Name, &d.Advanced, &d.Repeatable, &d.Value, &d.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversion definition: %w", err)
	}

	if d.ID, err = models.IdFromBytes(did); err != nil {
		return nil, err
	}
	if d.CampaignID, err = models.IdFromBytes(cmpID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *models.EventLog) error {
	if err := s.insertEvent(ctx, s.pool, ev); err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) insertEvent(ctx context.Context, db execer, ev *models.EventLog) error {
	_, err := db.Exec(ctx, `
		INSERT INTO event_logs (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		ev.EventID.Bytes(), ev.CaseID.Bytes(), ev.TrackingID.Bytes(),
		ev.BannerID.Bytes(), ev.ZoneID.Bytes(), ev.SiteID.Bytes(),
		ev.PublisherID.Bytes(), ev.CampaignID.Bytes(), ev.AdvertiserID.Bytes(),
		ev.PayTo, ev.IP, ev.Headers, ev.Context, ev.UserData,
		ev.HumanScore, ev.PaidAmount, ev.Domain, string(ev.Type), ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) FindViewsByCaseID(ctx context.Context, campaignID, caseID models.Id) ([]*models.EventLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM event_logs
		WHERE campaign_id = $1 AND case_id = $2 AND event_type = $3
		ORDER BY created_at DESC, case_id ASC
	`, campaignID.Bytes(), caseID.Bytes(), string(models.EventTypeView))
	if err != nil {
		return nil, fmt.Errorf("failed to find views by case id: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) FindViewsByTrackingID(ctx context.Context, campaignID, trackingID models.Id, since time.Time) ([]*models.EventLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM event_logs
		WHERE campaign_id = $1 AND tracking_id = $2 AND event_type = $3 AND created_at >= $4
		ORDER BY created_at DESC, case_id ASC
	`, campaignID.Bytes(), trackingID.Bytes(), string(models.EventTypeView), since)
	if err != nil {
		return nil, fmt.Errorf("failed to find views by tracking id: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) CountClicksByCaseIDs(ctx context.Context, campaignID models.Id, caseIDs []models.Id) (map[models.Id]int64, error) {
	raw := make([][]byte, len(caseIDs))
	for i, id := range caseIDs {
		raw[i] = id.Bytes()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT case_id, COUNT(*) FROM event_logs
		WHERE campaign_id = $1 AND case_id = ANY($2) AND event_type = $3
		GROUP BY case_id
	`, campaignID.Bytes(), raw, string(models.EventTypeClick))
	if err != nil {
		return nil, fmt.Errorf("failed to count clicks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Id]int64)
	for rows.Next() {
		var (
			cid   []byte
			count int64
		)
		if err := rows.Scan(&cid, &count); err != nil {
			return nil, err
		}
		id, err := models.IdFromBytes(cid)
		if err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ContainsConversionMatchingCaseIDs(ctx context.Context, definitionID models.Id, caseIDs []models.Id) (bool, error) {
	raw := make([][]byte, len(caseIDs))
	for i, id := range caseIDs {
		raw[i] = id.Bytes()
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversion_groups
			WHERE definition_id = $1 AND case_id = ANY($2)
		)
	`, definitionID.Bytes(), raw).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check conversion groups: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RegisterConversion(ctx context.Context, events []*models.EventLog, groups []*models.ConversionGroup, unique bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("failed to insert conversion event: %w", err)
		}
	}

	for _, g := range groups {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversion_groups
				(group_id, case_id, event_id, definition_id, value, weight, unique_case, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			g.GroupID.Bytes(), g.CaseID.Bytes(), g.EventID.Bytes(),
			g.DefinitionID.Bytes(), g.Value, g.Weight, unique, g.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return ErrDuplicateConversion
			}
			return fmt.Errorf("failed to insert conversion group: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RegisterClicks(ctx context.Context, events []*models.EventLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("failed to insert click event: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func scanEvents(rows pgx.Rows) ([]*models.EventLog, error) {
	var result []*models.EventLog
	for rows.Next() {
		var (
			ev                                  models.EventLog
			eventID, caseID, trackingID         []byte
			bannerID, zoneID, siteID            []byte
			publisherID, campaignID, advertiser []byte
			eventType                           string
		)
		err := rows.Scan(
			&eventID, &caseID, &trackingID, &bannerID, &zoneID, &siteID,
			&publisherID, &campaignID, &advertiser, &ev.PayTo, &ev.IP,
			&ev.Headers, &ev.Context, &ev.UserData, &ev.HumanScore,
			&ev.PaidAmount, &ev.Domain, &eventType, &ev.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		ids := []struct {
			dst *models.Id
			src []byte
		}{
			{&ev.EventID, eventID}, {&ev.CaseID, caseID}, {&ev.TrackingID, trackingID},
			{&ev.BannerID, bannerID}, {&ev.ZoneID, zoneID}, {&ev.SiteID, siteID},
			{&ev.PublisherID, publisherID}, {&ev.CampaignID, campaignID}, {&ev.AdvertiserID, advertiser},
		}
		for _, f := range ids {
			id, err := models.IdFromBytes(f.src)
			if err != nil {
				return nil, err
			}
			*f.dst = id
		}
		ev.Type = models.EventType(eventType)
		result = append(result, &ev)
	}
	return result, rows.Err()
}
