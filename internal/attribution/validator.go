package attribution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"go.uber.org/zap"
)

// Validator verifies signatures on advanced conversion postbacks. The
// signature is HMAC-SHA256 over nonce:timestamp:value:conversionUUID
// keyed with the per-campaign secret, hex encoded.
type Validator struct {
	logger *zap.Logger
}

func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Sign computes the expected signature bytes. Exported so advertisers'
// integration code and tests can produce valid postbacks.
func Sign(secret, conversionUUID, nonce string, timestampCreated int64, value string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(timestampCreated, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(value))
	mac.Write([]byte(":"))
	mac.Write([]byte(conversionUUID))
	return mac.Sum(nil)
}

// SignHex is Sign with hex output, the wire format of the sig param.
func SignHex(secret, conversionUUID, nonce string, timestampCreated int64, value string) string {
	return hex.EncodeToString(Sign(secret, conversionUUID, nonce, timestampCreated, value))
}

// ValidateSignature reports whether sig matches the expected signature.
// Malformed inputs that prevent computation are logged and reported as
// invalid; an unverifiable signature is never trusted.
func (v *Validator) ValidateSignature(sig, conversionUUID, nonce string, timestampCreated int64, value, secret string) bool {
	if secret == "" {
		v.logger.Error("conversion signature validation without campaign secret",
			zap.String("conversion_uuid", conversionUUID))
		return false
	}

	given, err := hex.DecodeString(sig)
	if err != nil {
		v.logger.Info("undecodable conversion signature",
			zap.String("conversion_uuid", conversionUUID),
			zap.Error(err))
		return false
	}

	return hmac.Equal(given, Sign(secret, conversionUUID, nonce, timestampCreated, value))
}
