package syncer

import "github.com/google/uuid"

// IDGenerator assigns ids to entities created without one.
// Implemented by UUIDGenerator (production) and testutil.FixedIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
