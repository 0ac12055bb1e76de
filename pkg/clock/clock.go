// Package clock provides the injectable time source and identifier generator
// used by every other component. Nothing outside this package reads the system
// clock or mints ids directly; tests swap in the fakes from fake.go.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the time source threaded through all components.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time
}

// IdGen mints globally unique, lexicographically time-ordered identifiers.
type IdGen interface {
	// NewId returns "<prefix>_<uuid>". Ids are at most 64 bytes.
	NewId(prefix string) string
}

// System is the production Clock backed by wall time.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// UUIDGen is the production IdGen. It emits UUIDv7 so ids sort by creation
// time, which keeps store scans and log grepping sane.
type UUIDGen struct{}

func (UUIDGen) NewId(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// Entropy exhaustion is the only failure mode; fall back to v4
		// rather than propagate an error through every call site.
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}
