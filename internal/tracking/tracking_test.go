package tracking

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/models"
)

const testSecret = "tracking-secret"

func TestEncodeDecodeTrackingID(t *testing.T) {
	id := models.NewID()

	encoded := EncodeTrackingID(testSecret, id)
	decoded, err := DecodeTrackingID(testSecret, encoded)

	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestDecodeTrackingIDRejectsTampering(t *testing.T) {
	id := models.NewID()
	encoded := EncodeTrackingID(testSecret, id)

	tests := []struct {
		name    string
		encoded string
		secret  string
	}{
		{"wrong secret", encoded, "other-secret"},
		{"not base64", "%%%", testSecret},
		{"truncated", encoded[:8], testSecret},
		{"flipped byte", flipLastChar(encoded), testSecret},
		{"empty", "", testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTrackingID(tt.secret, tt.encoded)
			assert.ErrorIs(t, err, ErrInvalidTrackingID)
		})
	}
}

func flipLastChar(s string) string {
	b := []byte(s)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}

func TestResolvePrefersCaseID(t *testing.T) {
	resolver := NewResolver(testSecret, zap.NewNop())

	caseID := models.NewID()
	trackingID := models.NewID()

	query := url.Values{QueryParamCaseID: []string{caseID.String()}}
	ref, err := resolver.Resolve(query, EncodeTrackingID(testSecret, trackingID))

	require.NoError(t, err)
	assert.Equal(t, RefCase, ref.Kind)
	assert.Equal(t, caseID, ref.ID)
}

func TestResolveFallsBackToTrackingCookie(t *testing.T) {
	resolver := NewResolver(testSecret, zap.NewNop())
	trackingID := models.NewID()

	ref, err := resolver.Resolve(url.Values{}, EncodeTrackingID(testSecret, trackingID))

	require.NoError(t, err)
	assert.Equal(t, RefTracking, ref.Kind)
	assert.Equal(t, trackingID, ref.ID)
}

func TestResolveMalformedCaseIDFailsFast(t *testing.T) {
	resolver := NewResolver(testSecret, zap.NewNop())
	trackingID := models.NewID()

	// A malformed cid is an error even with a perfectly good cookie.
	query := url.Values{QueryParamCaseID: []string{"not-hex"}}
	_, err := resolver.Resolve(query, EncodeTrackingID(testSecret, trackingID))

	assert.ErrorIs(t, err, models.ErrInvalidID)
}

func TestResolveWithoutIdentifiers(t *testing.T) {
	resolver := NewResolver(testSecret, zap.NewNop())

	tests := []struct {
		name   string
		cookie string
	}{
		{"no cookie", ""},
		{"undecodable cookie", "garbage"},
		{"foreign cookie", EncodeTrackingID("other-secret", models.NewID())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(url.Values{}, tt.cookie)
			assert.ErrorIs(t, err, ErrMissingCaseID)
		})
	}
}
