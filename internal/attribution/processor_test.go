package attribution

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/models"
	"github.com/peakserve/adserver/internal/storage"
	"github.com/peakserve/adserver/internal/tracking"
)

const (
	testTrackingSecret = "tracking-secret"
	testCampaignSecret = "campaign-secret"
)

type fixture struct {
	store      *storage.InMemoryStore
	processor  *Processor
	campaign   *models.Campaign
	definition *models.ConversionDefinition
}

func newFixture(t *testing.T, domains []string, def func(*models.ConversionDefinition)) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewInMemoryStore()

	campaign := &models.Campaign{
		ID:              models.NewID(),
		AdvertiserID:    models.NewID(),
		Secret:          testCampaignSecret,
		ClickConversion: models.ClickConversionBasic,
	}
	store.AddCampaign(campaign)

	definition := &models.ConversionDefinition{
		ID:         models.NewID(),
		CampaignID: campaign.ID,
		Name:       "purchase",
		Value:      100,
	}
	if def != nil {
		def(definition)
	}
	store.AddDefinition(definition)

	processor := NewProcessor(ProcessorDeps{
		Campaigns:   store,
		Definitions: store,
		Events:      store,
		Conversions: store,
		Finder:      NewCaseFinder(store, 0),
		Resolver:    tracking.NewResolver(testTrackingSecret, logger),
		Validator:   NewValidator(logger),
		Domains:     storage.NewMemoryServeDomainRotator(domains),
		Metrics:     nil,
		Logger:      logger,
	})

	return &fixture{store: store, processor: processor, campaign: campaign, definition: definition}
}

func (f *fixture) seedView(t *testing.T, caseID, trackingID models.Id, at time.Time) {
	seedView(t, f.store, f.campaign.ID, caseID, trackingID, at)
}

func conversionRequest(uuid string, query url.Values) *PostbackRequest {
	if query == nil {
		query = url.Values{}
	}
	return &PostbackRequest{
		UUID:  uuid,
		Path:  "/conversion/" + uuid,
		Query: query,
		IP:    "198.51.100.7",
	}
}

func requireRequestError(t *testing.T, err error, status int, reason string) *RequestError {
	t.Helper()
	reqErr, ok := AsRequestError(err)
	require.True(t, ok, "expected a request error, got %v", err)
	assert.Equal(t, status, reqErr.Status)
	assert.Equal(t, reason, reqErr.Reason)
	return reqErr
}

func TestConversionByCaseID(t *testing.T) {
	f := newFixture(t, nil, nil)
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))

	ctx := context.Background()
	query := url.Values{"cid": []string{caseID.String()}}
	prep, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
	require.NoError(t, err)

	require.NoError(t, f.processor.Commit(ctx, prep))

	groups := f.store.GroupsByDefinition(f.definition.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, caseID, groups[0].CaseID)
	assert.Equal(t, 1.0, groups[0].Weight)
	assert.Equal(t, int64(100), groups[0].Value)

	events := f.store.EventsByType(f.campaign.ID, models.EventTypeConversion)
	require.Len(t, events, 1)
	assert.Equal(t, caseID, events[0].CaseID)
}

func TestConversionByTrackingIDSplitsValue(t *testing.T) {
	f := newFixture(t, nil, func(d *models.ConversionDefinition) {
		d.Value = 1_000_000_000_000
		d.Repeatable = true
	})
	trackingID := models.NewID()
	f.seedView(t, models.NewID(), trackingID, time.Now().Add(-time.Hour))
	f.seedView(t, models.NewID(), trackingID, time.Now().Add(-2*time.Hour))

	ctx := context.Background()
	req := conversionRequest(f.definition.ID.String(), nil)
	req.TrackingCookie = tracking.EncodeTrackingID(testTrackingSecret, trackingID)

	prep, err := f.processor.PrepareConversion(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.processor.Commit(ctx, prep))

	groups := f.store.GroupsByDefinition(f.definition.ID)
	require.Len(t, groups, 2)
	var total int64
	for _, g := range groups {
		assert.InDelta(t, 0.5, g.Weight, 1e-9)
		assert.Equal(t, int64(500_000_000_000), g.Value)
		assert.Equal(t, prep.GroupID, g.GroupID)
		total += g.Value
	}
	assert.LessOrEqual(t, total, int64(1_000_000_000_000))
}

func TestConversionNonRepeatableDeduplicates(t *testing.T) {
	f := newFixture(t, nil, nil)
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))

	ctx := context.Background()
	query := url.Values{"cid": []string{caseID.String()}}

	prep, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
	require.NoError(t, err)
	require.NoError(t, f.processor.Commit(ctx, prep))

	_, err = f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
	requireRequestError(t, err, http.StatusBadRequest, "repeated conversion")

	require.Len(t, f.store.GroupsByDefinition(f.definition.ID), 1)
}

func TestConversionDuplicateCaughtAtCommit(t *testing.T) {
	f := newFixture(t, nil, nil)
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))

	ctx := context.Background()
	query := url.Values{"cid": []string{caseID.String()}}

	// Two postbacks both pass the pre-insert check before either
	// commits; the storage constraint must reject the loser.
	first, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
	require.NoError(t, err)
	second, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
	require.NoError(t, err)

	require.NoError(t, f.processor.Commit(ctx, first))
	err = f.processor.Commit(ctx, second)
	assert.ErrorIs(t, err, storage.ErrDuplicateConversion)

	require.Len(t, f.store.GroupsByDefinition(f.definition.ID), 1)
}

func TestRepeatableConversionFiresTwice(t *testing.T) {
	f := newFixture(t, nil, func(d *models.ConversionDefinition) {
		d.Repeatable = true
	})
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))

	ctx := context.Background()
	query := url.Values{"cid": []string{caseID.String()}}

	for i := 0; i < 2; i++ {
		prep, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
		require.NoError(t, err)
		require.NoError(t, f.processor.Commit(ctx, prep))
	}

	groups := f.store.GroupsByDefinition(f.definition.ID)
	require.Len(t, groups, 2)
	assert.NotEqual(t, groups[0].GroupID, groups[1].GroupID)
}

func TestAdvancedConversionRequiresSignature(t *testing.T) {
	f := newFixture(t, nil, func(d *models.ConversionDefinition) {
		d.Advanced = true
	})
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))
	ctx := context.Background()
	uuid := f.definition.ID.String()

	t.Run("missing fields", func(t *testing.T) {
		query := url.Values{"cid": []string{caseID.String()}}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(uuid, query))
		requireRequestError(t, err, http.StatusBadRequest, "missing signature fields")
	})

	t.Run("bad signature", func(t *testing.T) {
		query := url.Values{
			"cid":   []string{caseID.String()},
			"nonce": []string{"n1"},
			"ts":    []string{"1700000000"},
			"value": []string{"2"},
			"sig":   []string{SignHex("wrong-secret", uuid, "n1", 1700000000, "2")},
		}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(uuid, query))
		requireRequestError(t, err, http.StatusBadRequest, "invalid signature")
	})

	t.Run("value overflows the scaled range", func(t *testing.T) {
		query := url.Values{
			"cid":   []string{caseID.String()},
			"nonce": []string{"n1"},
			"ts":    []string{"1700000000"},
			"value": []string{"100000000"},
			"sig":   []string{SignHex(testCampaignSecret, uuid, "n1", 1700000000, "100000000")},
		}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(uuid, query))
		requireRequestError(t, err, http.StatusBadRequest, "invalid conversion value")
	})

	t.Run("valid signature with value override", func(t *testing.T) {
		query := url.Values{
			"cid":   []string{caseID.String()},
			"nonce": []string{"n1"},
			"ts":    []string{"1700000000"},
			"value": []string{"2"},
			"sig":   []string{SignHex(testCampaignSecret, uuid, "n1", 1700000000, "2")},
		}
		prep, err := f.processor.PrepareConversion(ctx, conversionRequest(uuid, query))
		require.NoError(t, err)
		// 2 currency units scaled by 10^11.
		assert.Equal(t, int64(200_000_000_000), prep.Value)
	})
}

func TestConversionRejections(t *testing.T) {
	f := newFixture(t, nil, nil)
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))
	ctx := context.Background()

	t.Run("malformed definition uuid", func(t *testing.T) {
		_, err := f.processor.PrepareConversion(ctx, conversionRequest("nope", nil))
		requireRequestError(t, err, http.StatusBadRequest, "invalid conversion id")
	})

	t.Run("unknown definition", func(t *testing.T) {
		query := url.Values{"cid": []string{caseID.String()}}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(models.NewID().String(), query))
		requireRequestError(t, err, http.StatusNotFound, "unknown conversion")
	})

	t.Run("no matching case", func(t *testing.T) {
		query := url.Values{"cid": []string{models.NewID().String()}}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
		requireRequestError(t, err, http.StatusNotFound, "no matching case")
	})

	t.Run("malformed case id", func(t *testing.T) {
		query := url.Values{"cid": []string{"xyz"}}
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), query))
		requireRequestError(t, err, http.StatusBadRequest, "invalid case id")
	})

	t.Run("missing identifiers", func(t *testing.T) {
		_, err := f.processor.PrepareConversion(ctx, conversionRequest(f.definition.ID.String(), nil))
		requireRequestError(t, err, http.StatusBadRequest, "missing case id")
	})
}

func TestMissingCaseRedirectsToServeDomain(t *testing.T) {
	f := newFixture(t, []string{"https://a.example", "https://b.example"}, nil)
	ctx := context.Background()

	req := conversionRequest(f.definition.ID.String(), url.Values{"foo": []string{"bar"}})
	_, err := f.processor.PrepareConversion(ctx, req)

	reqErr := requireRequestError(t, err, http.StatusBadRequest, "missing case id")
	require.NotEmpty(t, reqErr.RedirectURL)
	assert.Contains(t, reqErr.RedirectURL, ".example/conversion/"+f.definition.ID.String())
	assert.Contains(t, reqErr.RedirectURL, "foo=bar")

	// The next failure rotates to the other domain.
	_, err = f.processor.PrepareConversion(ctx, req)
	second := requireRequestError(t, err, http.StatusBadRequest, "missing case id")
	assert.NotEqual(t, reqErr.RedirectURL, second.RedirectURL)
}

func TestMalformedCaseIDNeverRedirects(t *testing.T) {
	f := newFixture(t, []string{"https://a.example", "https://b.example"}, nil)

	// The same broken cid would be just as broken on every domain, so
	// failover must not bounce it around the list.
	query := url.Values{"cid": []string{"xyz"}}
	_, err := f.processor.PrepareConversion(context.Background(), conversionRequest(f.definition.ID.String(), query))

	reqErr := requireRequestError(t, err, http.StatusBadRequest, "invalid case id")
	assert.Empty(t, reqErr.RedirectURL)
}

func TestClickConversion(t *testing.T) {
	f := newFixture(t, nil, nil)
	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))
	ctx := context.Background()
	query := url.Values{"cid": []string{caseID.String()}}

	prep, err := f.processor.PrepareClick(ctx, conversionRequest(f.campaign.ID.String(), query))
	require.NoError(t, err)
	require.NoError(t, f.processor.Commit(ctx, prep))

	clicks := f.store.EventsByType(f.campaign.ID, models.EventTypeClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, caseID, clicks[0].CaseID)

	// The same case cannot click-convert twice.
	_, err = f.processor.PrepareClick(ctx, conversionRequest(f.campaign.ID.String(), query))
	requireRequestError(t, err, http.StatusBadRequest, "click already registered")
}

func TestClickConversionDisabledCampaign(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.campaign.ClickConversion = models.ClickConversionNone
	f.store.AddCampaign(f.campaign)

	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))
	query := url.Values{"cid": []string{caseID.String()}}

	_, err := f.processor.PrepareClick(context.Background(), conversionRequest(f.campaign.ID.String(), query))
	requireRequestError(t, err, http.StatusNotFound, "unknown campaign")
}

func TestClickConversionAdvancedRequiresSignature(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.campaign.ClickConversion = models.ClickConversionAdvanced
	f.store.AddCampaign(f.campaign)

	caseID := models.NewID()
	f.seedView(t, caseID, models.NewID(), time.Now().Add(-time.Hour))
	ctx := context.Background()
	uuid := f.campaign.ID.String()

	query := url.Values{"cid": []string{caseID.String()}}
	_, err := f.processor.PrepareClick(ctx, conversionRequest(uuid, query))
	requireRequestError(t, err, http.StatusBadRequest, "missing signature fields")

	signed := url.Values{
		"cid":   []string{caseID.String()},
		"nonce": []string{"n1"},
		"ts":    []string{"1700000000"},
		"sig":   []string{SignHex(testCampaignSecret, uuid, "n1", 1700000000, "")},
	}
	prep, err := f.processor.PrepareClick(ctx, conversionRequest(uuid, signed))
	require.NoError(t, err)
	assert.Len(t, prep.Events, 1)
}

func TestSplitValue(t *testing.T) {
	tests := []struct {
		value  int64
		weight float64
		want   int64
	}{
		{100, 1.0, 100},
		{100, 0.5, 50},
		{100, 0.33, 33},
		{100, 0.67, 67},
		{1, 0.5, 0},
		{1_000_000_000_000, 0.6, 600_000_000_000},
		{1_000_000_000_000, 0.4, 400_000_000_000},
		{0, 1.0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitValue(tt.value, tt.weight),
			"SplitValue(%d, %v)", tt.value, tt.weight)
	}
}

func TestSplitValueNeverOvershoots(t *testing.T) {
	// Equal three-way split of a value that does not divide evenly.
	value := int64(100)
	w := 1.0 / 3.0
	total := SplitValue(value, w) * 3
	assert.LessOrEqual(t, total, value)
	assert.Equal(t, int64(33), SplitValue(value, w))
}

func TestParseScaledValue(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 100_000_000_000, false},
		{"12.5", 1_250_000_000_000, false},
		{"0.00000000001", 1, false},
		{"0", 0, false},
		{"abc", 0, true},
		{"", 0, true},
		// Largest value whose scaled form still fits in int64.
		{"92233720.36854775", 9_223_372_036_854_775_000, false},
		{"100000000", 0, true},
		{"-100000000", 0, true},
	}
	for _, tt := range tests {
		got, err := parseScaledValue(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
