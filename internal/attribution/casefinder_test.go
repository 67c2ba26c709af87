package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakserve/adserver/internal/models"
	"github.com/peakserve/adserver/internal/storage"
)

func seedView(t *testing.T, store *storage.InMemoryStore, campaignID, caseID, trackingID models.Id, at time.Time) *models.EventLog {
	t.Helper()
	ev := &models.EventLog{
		EventID:    models.NewID(),
		CaseID:     caseID,
		TrackingID: trackingID,
		CampaignID: campaignID,
		Type:       models.EventTypeView,
		CreatedAt:  at,
	}
	require.NoError(t, store.CreateEvent(context.Background(), ev))
	return ev
}

func TestFindByCaseIDPicksMostRecentView(t *testing.T) {
	store := storage.NewInMemoryStore()
	campaignID := models.NewID()
	caseID := models.NewID()
	trackingID := models.NewID()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedView(t, store, campaignID, caseID, trackingID, base)
	latest := seedView(t, store, campaignID, caseID, trackingID, base.Add(time.Hour))

	finder := NewCaseFinder(store, 0)
	matches, err := finder.FindByCaseID(context.Background(), campaignID, caseID)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, caseID, matches[0].CaseID)
	assert.Equal(t, latest.EventID, matches[0].View.EventID)
	assert.Equal(t, 1.0, matches[0].Weight)
}

func TestFindByCaseIDNotFound(t *testing.T) {
	store := storage.NewInMemoryStore()
	finder := NewCaseFinder(store, 0)

	_, err := finder.FindByCaseID(context.Background(), models.NewID(), models.NewID())
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestFindByTrackingIDSplitsEqually(t *testing.T) {
	store := storage.NewInMemoryStore()
	campaignID := models.NewID()
	trackingID := models.NewID()
	now := time.Now()

	caseA := models.NewID()
	caseB := models.NewID()
	caseC := models.NewID()
	seedView(t, store, campaignID, caseA, trackingID, now.Add(-time.Hour))
	seedView(t, store, campaignID, caseB, trackingID, now.Add(-2*time.Hour))
	seedView(t, store, campaignID, caseC, trackingID, now.Add(-3*time.Hour))
	// A second view on the same case must not change its share.
	seedView(t, store, campaignID, caseB, trackingID, now.Add(-30*time.Minute))

	finder := NewCaseFinder(store, 0)
	matches, err := finder.FindByTrackingID(context.Background(), campaignID, trackingID)

	require.NoError(t, err)
	require.Len(t, matches, 3)

	total := 0.0
	seen := map[models.Id]bool{}
	for _, m := range matches {
		assert.InDelta(t, 1.0/3.0, m.Weight, 1e-9)
		total += m.Weight
		seen[m.CaseID] = true
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.True(t, seen[caseA] && seen[caseB] && seen[caseC])
}

func TestFindByTrackingIDHonorsLookback(t *testing.T) {
	store := storage.NewInMemoryStore()
	campaignID := models.NewID()
	trackingID := models.NewID()
	now := time.Now()

	recent := models.NewID()
	stale := models.NewID()
	seedView(t, store, campaignID, recent, trackingID, now.Add(-24*time.Hour))
	seedView(t, store, campaignID, stale, trackingID, now.Add(-8*24*time.Hour))

	finder := NewCaseFinder(store, 7*24*time.Hour)
	matches, err := finder.FindByTrackingID(context.Background(), campaignID, trackingID)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, recent, matches[0].CaseID)
	assert.Equal(t, 1.0, matches[0].Weight)
}

func TestFindByTrackingIDUsesLatestViewPerCase(t *testing.T) {
	store := storage.NewInMemoryStore()
	campaignID := models.NewID()
	trackingID := models.NewID()
	caseID := models.NewID()
	now := time.Now()

	seedView(t, store, campaignID, caseID, trackingID, now.Add(-2*time.Hour))
	latest := seedView(t, store, campaignID, caseID, trackingID, now.Add(-time.Hour))

	finder := NewCaseFinder(store, 0)
	matches, err := finder.FindByTrackingID(context.Background(), campaignID, trackingID)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, latest.EventID, matches[0].View.EventID)
}
