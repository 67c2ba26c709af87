package attribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/enrich"
	"github.com/peakserve/adserver/internal/metrics"
	"github.com/peakserve/adserver/internal/models"
	"github.com/peakserve/adserver/internal/storage"
	"github.com/peakserve/adserver/internal/tracking"
)

// valueScale converts the advertiser-supplied decimal value parameter
// into integer currency units: 1 unit == 10^11.
var valueScale = decimal.New(1, 11)

// Scaled values must stay inside int64; decimal.IntPart wraps silently
// outside that range.
var (
	maxScaledValue = decimal.NewFromInt(math.MaxInt64)
	minScaledValue = decimal.NewFromInt(math.MinInt64)
)

var errValueOutOfRange = errors.New("conversion value out of range")

// PostbackRequest is the processor's view of one conversion or
// click-conversion postback, decoupled from the HTTP layer.
type PostbackRequest struct {
	// UUID is the path identifier: conversion definition uuid for
	// conversions, campaign uuid for click conversions.
	UUID string
	// Path is the request path, used to rebuild the failover redirect.
	Path string
	// Query carries cid, nonce, ts, value and sig.
	Query url.Values
	// TrackingCookie is the raw tid cookie value, empty when absent.
	TrackingCookie string
	IP             string
	UserAgent      string
	// Headers is a serialized subset of request headers stored on the
	// event row.
	Headers string
}

// Prepared is the outcome of the validation/matching phase: everything
// needed for the durable write, with no writes performed yet. The HTTP
// layer acknowledges the client between Prepare and Commit; that
// ordering is a deliberate latency optimization for pixel tracking and
// means a crash between the two loses the conversion silently.
type Prepared struct {
	Kind       models.EventType
	CampaignID models.Id
	GroupID    models.Id
	Events     []*models.EventLog
	Groups     []*models.ConversionGroup
	// Unique asks the store to enforce at-most-one group per
	// (definition, case) as a backstop to the pre-insert check.
	Unique bool
	// Value is the full conversion value before splitting.
	Value int64
}

// ProcessorDeps wires the processor's collaborators. Archive, Enricher
// and Metrics are optional.
type ProcessorDeps struct {
	Campaigns   storage.CampaignRepo
	Definitions storage.ConversionDefinitionRepo
	Events      storage.EventRepo
	Conversions storage.ConversionStore
	Finder      *CaseFinder
	Resolver    *tracking.Resolver
	Validator   *Validator
	Domains     storage.ServeDomainRotator
	Archive     storage.EventArchive
	Enricher    *enrich.Enricher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Processor orchestrates conversion and click-conversion postbacks:
// identity resolution, signature validation, case matching, weighted
// value splitting and the atomic attribution write.
type Processor struct {
	deps ProcessorDeps
	now  func() time.Time
}

func NewProcessor(deps ProcessorDeps) *Processor {
	return &Processor{deps: deps, now: time.Now}
}

// PrepareConversion runs the validation/matching phase for a
// conversion postback. Errors of type *RequestError describe client
// failures; anything else is an internal error.
func (p *Processor) PrepareConversion(ctx context.Context, req *PostbackRequest) (*Prepared, error) {
	started := p.now()
	defer func() { p.deps.Metrics.ObservePostback("conversion", p.now().Sub(started)) }()

	definitionID, err := models.IdFromHex(req.UUID)
	if err != nil {
		return nil, p.reject(badRequest("invalid conversion id"), req)
	}

	ref, err := p.deps.Resolver.Resolve(req.Query, req.TrackingCookie)
	if err != nil {
		return nil, p.missingCase(ctx, err, req)
	}

	definition, err := p.deps.Definitions.FetchDefinitionByUUID(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("definition lookup failed: %w", err)
	}
	if definition == nil {
		return nil, p.reject(notFound("unknown conversion"), req)
	}

	campaign, err := p.deps.Campaigns.FetchCampaignByUUID(ctx, definition.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign lookup failed: %w", err)
	}
	if campaign == nil {
		return nil, p.reject(notFound("unknown campaign"), req)
	}

	value := definition.Value
	if definition.IsAdvanced() {
		valueParam := req.Query.Get("value")
		if reqErr := p.checkSignature(req, valueParam, campaign.Secret); reqErr != nil {
			return nil, p.reject(reqErr, req)
		}
		if valueParam != "" {
			value, err = parseScaledValue(valueParam)
			if err != nil {
				return nil, p.reject(badRequest("invalid conversion value"), req)
			}
		}
	}
	if value <= 0 {
		return nil, p.reject(badRequest("non-positive conversion value"), req)
	}

	matches, err := p.findCases(ctx, campaign.ID, ref)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			return nil, p.reject(notFound("no matching case"), req)
		}
		return nil, err
	}

	if !definition.IsRepeatable() {
		exists, err := p.deps.Conversions.ContainsConversionMatchingCaseIDs(ctx, definition.ID, caseIDs(matches))
		if err != nil {
			return nil, fmt.Errorf("conversion group lookup failed: %w", err)
		}
		if exists {
			return nil, p.reject(badRequest("repeated conversion"), req)
		}
	}

	groupID := models.NewID()
	now := p.now()
	prep := &Prepared{
		Kind:       models.EventTypeConversion,
		CampaignID: campaign.ID,
		GroupID:    groupID,
		Unique:     !definition.IsRepeatable(),
		Value:      value,
	}
	for _, m := range matches {
		ev := p.eventFromView(m.View, models.EventTypeConversion, req, now)
		prep.Events = append(prep.Events, ev)
		prep.Groups = append(prep.Groups, &models.ConversionGroup{
			GroupID:      groupID,
			CaseID:       m.CaseID,
			EventID:      ev.EventID,
			DefinitionID: definition.ID,
			Value:        SplitValue(value, m.Weight),
			Weight:       m.Weight,
			CreatedAt:    now,
		})
	}
	return prep, nil
}

// PrepareClick runs the validation/matching phase for a
// click-conversion postback. No value splitting: one click event per
// matched case, skipping cases that already clicked.
func (p *Processor) PrepareClick(ctx context.Context, req *PostbackRequest) (*Prepared, error) {
	started := p.now()
	defer func() { p.deps.Metrics.ObservePostback("click", p.now().Sub(started)) }()

	campaignID, err := models.IdFromHex(req.UUID)
	if err != nil {
		return nil, p.reject(badRequest("invalid campaign id"), req)
	}

	ref, err := p.deps.Resolver.Resolve(req.Query, req.TrackingCookie)
	if err != nil {
		return nil, p.missingCase(ctx, err, req)
	}

	campaign, err := p.deps.Campaigns.FetchCampaignByUUID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign lookup failed: %w", err)
	}
	if campaign == nil || !campaign.HasClickConversion() {
		return nil, p.reject(notFound("unknown campaign"), req)
	}

	if campaign.HasClickConversionAdvanced() {
		if reqErr := p.checkSignature(req, req.Query.Get("value"), campaign.Secret); reqErr != nil {
			return nil, p.reject(reqErr, req)
		}
	}

	matches, err := p.findCases(ctx, campaign.ID, ref)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			return nil, p.reject(notFound("no matching case"), req)
		}
		return nil, err
	}

	clicked, err := p.deps.Events.CountClicksByCaseIDs(ctx, campaign.ID, caseIDs(matches))
	if err != nil {
		return nil, fmt.Errorf("click count lookup failed: %w", err)
	}

	now := p.now()
	prep := &Prepared{Kind: models.EventTypeClick, CampaignID: campaign.ID}
	for _, m := range matches {
		if clicked[m.CaseID] > 0 {
			continue
		}
		prep.Events = append(prep.Events, p.eventFromView(m.View, models.EventTypeClick, req, now))
	}
	if len(prep.Events) == 0 {
		return nil, p.reject(badRequest("click already registered"), req)
	}
	return prep, nil
}

// Commit performs the durable write for a prepared postback. It runs
// after the HTTP response has been flushed, so failures are logged by
// the caller and never surfaced to the client.
func (p *Processor) Commit(ctx context.Context, prep *Prepared) error {
	switch prep.Kind {
	case models.EventTypeConversion:
		err := p.deps.Conversions.RegisterConversion(ctx, prep.Events, prep.Groups, prep.Unique)
		if errors.Is(err, storage.ErrDuplicateConversion) {
			// A concurrent postback won the race after our pre-insert
			// check; the constraint kept the data consistent.
			p.deps.Metrics.RecordRejection("repeated conversion")
			return err
		}
		if err != nil {
			return fmt.Errorf("conversion write failed: %w", err)
		}
		p.deps.Metrics.RecordConversion(prep.CampaignID.String(), prep.Value)
	case models.EventTypeClick:
		if err := p.deps.Conversions.RegisterClicks(ctx, prep.Events); err != nil {
			return fmt.Errorf("click write failed: %w", err)
		}
		p.deps.Metrics.RecordClickConversion(prep.CampaignID.String())
	default:
		return fmt.Errorf("unexpected prepared kind %q", prep.Kind)
	}

	p.archive(ctx, prep.Events)
	return nil
}

func (p *Processor) archive(ctx context.Context, events []*models.EventLog) {
	if p.deps.Archive == nil {
		return
	}
	if err := p.deps.Archive.ArchiveEvents(ctx, events); err != nil {
		p.deps.Metrics.RecordArchiveFailure()
		p.deps.Logger.Warn("event archive write failed", zap.Error(err))
	}
}

// checkSignature enforces the mandatory advanced-postback fields and
// verifies the signature. Returns nil when valid.
func (p *Processor) checkSignature(req *PostbackRequest, valueParam, secret string) *RequestError {
	sig := req.Query.Get("sig")
	nonce := req.Query.Get("nonce")
	tsParam := req.Query.Get("ts")
	if sig == "" || nonce == "" || tsParam == "" {
		return badRequest("missing signature fields")
	}
	ts, err := strconv.ParseInt(tsParam, 10, 64)
	if err != nil || ts <= 0 {
		return badRequest("invalid signature timestamp")
	}
	if !p.deps.Validator.ValidateSignature(sig, req.UUID, nonce, ts, valueParam, secret) {
		return badRequest("invalid signature")
	}
	return nil
}

func (p *Processor) findCases(ctx context.Context, campaignID models.Id, ref tracking.CaseRef) ([]WeightedCase, error) {
	if ref.Kind == tracking.RefCase {
		return p.deps.Finder.FindByCaseID(ctx, campaignID, ref.ID)
	}
	return p.deps.Finder.FindByTrackingID(ctx, campaignID, ref.ID)
}

// missingCase converts an unresolvable identity into a BadRequest,
// attaching a failover redirect to the next serve domain when one is
// configured. The redirect lets the sender retry on a domain where its
// partitioned cookie may still be visible.
func (p *Processor) missingCase(ctx context.Context, cause error, req *PostbackRequest) error {
	// A malformed cid stays malformed on every domain; failover is only
	// for identifiers that are genuinely absent here.
	if errors.Is(cause, models.ErrInvalidID) {
		return p.reject(badRequest("invalid case id"), req)
	}

	reqErr := badRequest("missing case id")
	if base, ok := p.deps.Domains.Next(ctx); ok {
		target := strings.TrimRight(base, "/") + req.Path
		if len(req.Query) > 0 {
			target += "?" + req.Query.Encode()
		}
		reqErr.RedirectURL = target
		p.deps.Metrics.RecordFailover()
	}
	return p.reject(reqErr, req)
}

func (p *Processor) reject(reqErr *RequestError, req *PostbackRequest) error {
	p.deps.Metrics.RecordRejection(reqErr.Reason)
	p.deps.Logger.Info("postback rejected",
		zap.String("uuid", req.UUID),
		zap.String("reason", reqErr.Reason),
		zap.Int("status", reqErr.Status),
	)
	return reqErr
}

// eventFromView creates a new case-scoped event carrying forward the
// original view's placement context.
func (p *Processor) eventFromView(view *models.EventLog, typ models.EventType, req *PostbackRequest, now time.Time) *models.EventLog {
	ev := &models.EventLog{
		EventID:      models.NewID(),
		CaseID:       view.CaseID,
		TrackingID:   view.TrackingID,
		BannerID:     view.BannerID,
		ZoneID:       view.ZoneID,
		SiteID:       view.SiteID,
		PublisherID:  view.PublisherID,
		CampaignID:   view.CampaignID,
		AdvertiserID: view.AdvertiserID,
		PayTo:        view.PayTo,
		HumanScore:   view.HumanScore,
		UserData:     view.UserData,
		Domain:       view.Domain,
		IP:           req.IP,
		Headers:      req.Headers,
		Type:         typ,
		CreatedAt:    now,
	}
	if p.deps.Enricher != nil {
		ev.Context = p.deps.Enricher.EnrichJSON(req.IP, req.UserAgent)
	}
	return ev
}

// SplitValue computes one case's share of a conversion value:
// floor(value * weight), so the partials never sum above the original.
func SplitValue(value int64, weight float64) int64 {
	return decimal.NewFromInt(value).
		Mul(decimal.NewFromFloat(weight)).
		Floor().
		IntPart()
}

// parseScaledValue parses the advertiser-supplied decimal value and
// scales it by 10^11 into integer currency units. Values whose scaled
// form does not fit in int64 are rejected, never wrapped.
func parseScaledValue(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(valueScale).Floor()
	if scaled.Cmp(maxScaledValue) > 0 || scaled.Cmp(minScaledValue) < 0 {
		return 0, errValueOutOfRange
	}
	return scaled.IntPart(), nil
}

func caseIDs(matches []WeightedCase) []models.Id {
	ids := make([]models.Id, len(matches))
	for i, m := range matches {
		ids[i] = m.CaseID
	}
	return ids
}
