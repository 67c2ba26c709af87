package models

import (
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Id is a 16-byte binary identifier used for cases, events, banners,
// zones, publishers, campaigns and conversion definitions. The only
// valid external representation is exactly 32 lowercase hex characters.
type Id [16]byte

// ErrInvalidID is returned when an external identifier is not a
// 32-character hex string.
var ErrInvalidID = errors.New("invalid id")

var zeroID Id

// NewID returns a random identifier.
func NewID() Id {
	return Id(uuid.New())
}

// IdFromHex parses the external 32-hex-char representation.
func IdFromHex(s string) (Id, error) {
	if len(s) != 32 {
		return zeroID, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return zeroID, ErrInvalidID
	}
	var id Id
	copy(id[:], b)
	return id, nil
}

// IdFromBytes builds an Id from a raw 16-byte slice.
func IdFromBytes(b []byte) (Id, error) {
	if len(b) != 16 {
		return zeroID, ErrInvalidID
	}
	var id Id
	copy(id[:], b)
	return id, nil
}

func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte value.
func (id Id) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// IsZero reports whether the id is the all-zero value.
func (id Id) IsZero() bool {
	return id == zeroID
}
