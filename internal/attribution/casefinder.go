package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peakserve/adserver/internal/models"
	"github.com/peakserve/adserver/internal/storage"
)

// ErrCaseNotFound means no prior view event matched the identifier.
// Surfaced as HTTP 404 to the postback sender.
var ErrCaseNotFound = errors.New("no matching case")

// DefaultLookbackWindow bounds how old a view may be to still receive
// attribution on tracking-id lookups.
const DefaultLookbackWindow = 7 * 24 * time.Hour

// WeightedCase is one case matched for attribution, carrying the view
// event whose context the conversion event inherits. Weights across
// one lookup are non-negative and sum to 1.
type WeightedCase struct {
	CaseID models.Id
	View   *models.EventLog
	Weight float64
}

// CaseFinder locates the prior view events eligible for attribution.
//
// Weighting policy: a case-id lookup attributes the whole conversion
// to the most recent matching view (weight 1.0). A tracking-id lookup
// splits equally (1/n) across all distinct cases with a view inside
// the lookback window. Ordering is most recent first, ties broken by
// ascending case id, so results are deterministic.
type CaseFinder struct {
	events   storage.EventRepo
	lookback time.Duration
	now      func() time.Time
}

func NewCaseFinder(events storage.EventRepo, lookback time.Duration) *CaseFinder {
	if lookback <= 0 {
		lookback = DefaultLookbackWindow
	}
	return &CaseFinder{events: events, lookback: lookback, now: time.Now}
}

// FindByCaseID matches the exact case, most recent view wins.
func (f *CaseFinder) FindByCaseID(ctx context.Context, campaignID, caseID models.Id) ([]WeightedCase, error) {
	views, err := f.events.FindViewsByCaseID(ctx, campaignID, caseID)
	if err != nil {
		return nil, fmt.Errorf("case lookup failed: %w", err)
	}
	if len(views) == 0 {
		return nil, ErrCaseNotFound
	}
	return []WeightedCase{{CaseID: caseID, View: views[0], Weight: 1.0}}, nil
}

// FindByTrackingID matches every distinct case the tracking id viewed
// within the lookback window, equal weight each.
func (f *CaseFinder) FindByTrackingID(ctx context.Context, campaignID, trackingID models.Id) ([]WeightedCase, error) {
	since := f.now().Add(-f.lookback)
	views, err := f.events.FindViewsByTrackingID(ctx, campaignID, trackingID, since)
	if err != nil {
		return nil, fmt.Errorf("tracking lookup failed: %w", err)
	}
	if len(views) == 0 {
		return nil, ErrCaseNotFound
	}

	// Views arrive most recent first; keep the latest view per case.
	seen := make(map[models.Id]bool)
	var matches []WeightedCase
	for _, v := range views {
		if seen[v.CaseID] {
			continue
		}
		seen[v.CaseID] = true
		matches = append(matches, WeightedCase{CaseID: v.CaseID, View: v})
	}

	weight := 1.0 / float64(len(matches))
	for i := range matches {
		matches[i].Weight = weight
	}
	return matches, nil
}
