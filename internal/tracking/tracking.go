package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/models"
)

// Tracking identifiers travel in a `tid` cookie as base64url of the
// raw 16-byte id followed by a 4-byte keyed checksum. Case identifiers
// travel in a `cid` query parameter as plain 32-char hex.

const (
	// QueryParamCaseID is the query parameter carrying a case id.
	QueryParamCaseID = "cid"
	// CookieTrackingID is the cookie carrying an encoded tracking id.
	CookieTrackingID = "tid"

	checksumLen = 4
)

var (
	// ErrMissingCaseID is returned when neither a cid parameter nor a
	// decodable tid cookie is present.
	ErrMissingCaseID = errors.New("missing case id")
	// ErrInvalidTrackingID is returned for a tid cookie that fails to
	// decode or whose checksum does not match.
	ErrInvalidTrackingID = errors.New("invalid tracking id")
)

// RefKind says which identifier the resolver recovered, which decides
// the case-finder lookup used downstream.
type RefKind int

const (
	RefCase RefKind = iota
	RefTracking
)

// CaseRef is the outcome of identity resolution for one request.
type CaseRef struct {
	Kind RefKind
	ID   models.Id
}

// EncodeTrackingID encodes a raw tracking id into the tid cookie
// payload. The checksum is the first 4 bytes of HMAC-SHA256 over the
// id keyed with the tracking secret.
func EncodeTrackingID(secret string, id models.Id) string {
	payload := make([]byte, 0, 16+checksumLen)
	payload = append(payload, id[:]...)
	payload = append(payload, checksum(secret, id)...)
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeTrackingID is the inverse of EncodeTrackingID.
func DecodeTrackingID(secret, encoded string) (models.Id, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return models.Id{}, ErrInvalidTrackingID
	}
	if len(raw) != 16+checksumLen {
		return models.Id{}, ErrInvalidTrackingID
	}
	id, err := models.IdFromBytes(raw[:16])
	if err != nil {
		return models.Id{}, ErrInvalidTrackingID
	}
	if !hmac.Equal(raw[16:], checksum(secret, id)) {
		return models.Id{}, ErrInvalidTrackingID
	}
	return id, nil
}

func checksum(secret string, id models.Id) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(id[:])
	return mac.Sum(nil)[:checksumLen]
}

// Resolver derives a case or tracking identifier from an incoming
// postback request.
type Resolver struct {
	secret string
	logger *zap.Logger
}

// NewResolver creates a resolver keyed with the tracking secret.
func NewResolver(secret string, logger *zap.Logger) *Resolver {
	return &Resolver{secret: secret, logger: logger}
}

// Resolve recovers the case reference from query parameters and the
// raw tid cookie value. A cid query parameter takes precedence;
// otherwise the tid cookie is decoded. A malformed cid fails with
// models.ErrInvalidID immediately, a malformed cookie is treated the
// same as an absent one.
func (r *Resolver) Resolve(query url.Values, tidCookie string) (CaseRef, error) {
	if cid := query.Get(QueryParamCaseID); cid != "" {
		id, err := models.IdFromHex(cid)
		if err != nil {
			return CaseRef{}, err
		}
		return CaseRef{Kind: RefCase, ID: id}, nil
	}

	if tidCookie == "" {
		return CaseRef{}, ErrMissingCaseID
	}

	id, err := DecodeTrackingID(r.secret, tidCookie)
	if err != nil {
		r.logger.Debug("undecodable tracking cookie",
			zap.String("tid", tidCookie),
			zap.Error(err),
		)
		return CaseRef{}, ErrMissingCaseID
	}
	return CaseRef{Kind: RefTracking, ID: id}, nil
}

// ResolveCase is Resolve for an incoming HTTP request.
func (r *Resolver) ResolveCase(req *http.Request) (CaseRef, error) {
	var tid string
	if cookie, err := req.Cookie(CookieTrackingID); err == nil {
		tid = cookie.Value
	}
	return r.Resolve(req.URL.Query(), tid)
}
