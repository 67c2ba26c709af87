package storage

import (
	"context"
	"errors"
	"time"

	"github.com/peakserve/adserver/internal/models"
)

// ErrDuplicateConversion is returned by RegisterConversion when a
// non-repeatable conversion already exists for one of the case ids.
// The uniqueness is enforced at the storage layer so that two
// concurrent postbacks cannot both pass the pre-insert check.
var ErrDuplicateConversion = errors.New("duplicate conversion for case")

// CampaignRepo fetches campaign state by public id. A nil campaign
// with a nil error means not found.
type CampaignRepo interface {
	FetchCampaignByUUID(ctx context.Context, id models.Id) (*models.Campaign, error)
}

// ConversionDefinitionRepo fetches conversion definitions by public id.
type ConversionDefinitionRepo interface {
	FetchDefinitionByUUID(ctx context.Context, id models.Id) (*models.ConversionDefinition, error)
}

// EventRepo reads and writes the append-only event log. The find
// methods return complete event rows, so attribution carries the view
// context forward without a second fetch.
type EventRepo interface {
	CreateEvent(ctx context.Context, ev *models.EventLog) error

	// FindViewsByCaseID returns view events for the campaign matching
	// the case id, most recent first.
	FindViewsByCaseID(ctx context.Context, campaignID, caseID models.Id) ([]*models.EventLog, error)

	// FindViewsByTrackingID returns view events for the campaign
	// matching the tracking id created at or after since, most recent
	// first.
	FindViewsByTrackingID(ctx context.Context, campaignID, trackingID models.Id, since time.Time) ([]*models.EventLog, error)

	// CountClicksByCaseIDs returns per-case click event counts for the
	// campaign. Cases with no clicks are absent from the map.
	CountClicksByCaseIDs(ctx context.Context, campaignID models.Id, caseIDs []models.Id) (map[models.Id]int64, error)
}

// ConversionStore persists attribution records.
type ConversionStore interface {
	// ContainsConversionMatchingCaseIDs reports whether any of the
	// case ids already has a conversion group for the definition.
	ContainsConversionMatchingCaseIDs(ctx context.Context, definitionID models.Id, caseIDs []models.Id) (bool, error)

	// RegisterConversion writes the conversion events and group rows
	// of one conversion occurrence atomically. When unique is true the
	// store enforces at most one group per (definition, case) and
	// returns ErrDuplicateConversion on violation; nothing is written
	// in that case.
	RegisterConversion(ctx context.Context, events []*models.EventLog, groups []*models.ConversionGroup, unique bool) error

	// RegisterClicks writes click events atomically.
	RegisterClicks(ctx context.Context, events []*models.EventLog) error
}

// EventArchive receives a best-effort copy of every persisted event
// for offline analytics. Failures must not affect the request path.
type EventArchive interface {
	ArchiveEvents(ctx context.Context, events []*models.EventLog) error
}

// ServeDomainRotator hands out alternate serving base URLs round-robin
// for the cookie-partitioning failover redirect. ok is false when no
// domains are configured.
type ServeDomainRotator interface {
	Next(ctx context.Context) (baseURL string, ok bool)
}
