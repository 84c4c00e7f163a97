package model

import "github.com/google/uuid"

// IDKind tags the entity an opaque id was generated for, purely for the
// human-readable prefix; uniqueness comes from the embedded UUID.
type IDKind string

const (
	IDKindRequest  IDKind = "req"
	IDKindTrace    IDKind = "trc"
	IDKindJob      IDKind = "job"
	IDKindIdemKey  IDKind = "idem"
)

// GenerateID returns a fresh opaque id of the form "<kind>_<uuid>".
func GenerateID(kind IDKind) string {
	return string(kind) + "_" + uuid.NewString()
}
