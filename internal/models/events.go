package models

import (
	"time"
)

// EventType discriminates rows in the event log.
type EventType string

const (
	EventTypeView       EventType = "view"
	EventTypeClick      EventType = "click"
	EventTypeConversion EventType = "conversion"
)

// EventLog is the append-only source of truth for everything that
// happened around a served creative. A row is written on user
// interaction and never mutated afterwards, except to attach
// late-arriving enrichment (human score, keywords) before settlement.
type EventLog struct {
	EventID      Id        `json:"event_id"`
	CaseID       Id        `json:"case_id"`
	TrackingID   Id        `json:"tracking_id"`
	BannerID     Id        `json:"banner_id"`
	ZoneID       Id        `json:"zone_id"`
	SiteID       Id        `json:"site_id"`
	PublisherID  Id        `json:"publisher_id"`
	CampaignID   Id        `json:"campaign_id"`
	AdvertiserID Id        `json:"advertiser_id"`
	PayTo        string    `json:"pay_to"`
	IP           string    `json:"ip"`
	Headers      string    `json:"headers,omitempty"`
	Context      string    `json:"context,omitempty"`
	UserData     string    `json:"user_data,omitempty"`
	HumanScore   *int      `json:"human_score,omitempty"`
	PaidAmount   int64     `json:"paid_amount"`
	Domain       string    `json:"domain,omitempty"`
	Type         EventType `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClickConversionMode controls whether a campaign accepts
// click-conversion postbacks and whether they must be signed.
type ClickConversionMode string

const (
	ClickConversionNone     ClickConversionMode = "none"
	ClickConversionBasic    ClickConversionMode = "basic"
	ClickConversionAdvanced ClickConversionMode = "advanced"
)

// Campaign carries the subset of campaign state the attribution core
// needs. CRUD lives elsewhere.
type Campaign struct {
	ID              Id
	AdvertiserID    Id
	Secret          string
	ClickConversion ClickConversionMode
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasClickConversion reports whether click-conversion postbacks are
// accepted at all.
func (c *Campaign) HasClickConversion() bool {
	return c.ClickConversion == ClickConversionBasic || c.ClickConversion == ClickConversionAdvanced
}

// HasClickConversionAdvanced reports whether click-conversion postbacks
// must carry a valid signature.
func (c *Campaign) HasClickConversionAdvanced() bool {
	return c.ClickConversion == ClickConversionAdvanced
}

// ConversionDefinition is advertiser configuration for one conversion
// goal. Immutable once referenced by a conversion group.
type ConversionDefinition struct {
	ID         Id
	CampaignID Id
	Name       string
	// Advanced conversions require a signed postback and may carry an
	// advertiser-supplied value.
	Advanced bool
	// Repeatable conversions may fire more than once per case.
	Repeatable bool
	// Value is the configured conversion value in currency units
	// scaled by 10^11, used when the postback carries none.
	Value     int64
	CreatedAt time.Time
}

func (d *ConversionDefinition) IsAdvanced() bool   { return d.Advanced }
func (d *ConversionDefinition) IsRepeatable() bool { return d.Repeatable }

// ConversionGroup is the attribution record: one row per matched case,
// all rows of one conversion occurrence sharing a GroupID. Rows are
// created exactly once and never updated. The sum of partial values
// across a group is <= the original conversion value because each
// partial is floor(value * weight).
type ConversionGroup struct {
	GroupID      Id
	CaseID       Id
	EventID      Id
	DefinitionID Id
	// Value is the partial value assigned to this case.
	Value     int64
	Weight    float64
	CreatedAt time.Time
}
