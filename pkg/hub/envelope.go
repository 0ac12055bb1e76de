package hub

import (
	"encoding/json"
	"time"

	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/models"
)

// EnvelopeType discriminates the stream frame variants.
type EnvelopeType string

const (
	EnvelopeEvent  EnvelopeType = "event"
	EnvelopeNotice EnvelopeType = "notice"
)

// Notice names for out-of-band frames.
const (
	// NoticeCatchupOverflow tells a late subscriber that replay was truncated
	// at the configured cap; the live tail continues from Sequence.
	NoticeCatchupOverflow = "catchup_overflow"
)

// Envelope is one frame delivered to a subscriber: either an incident event
// or an out-of-band notice.
type Envelope struct {
	Type       EnvelopeType     `json:"type"`
	IncidentID string           `json:"incident_id,omitempty"`
	Sequence   uint64           `json:"sequence,omitempty"`
	Kind       models.EventKind `json:"kind,omitempty"`
	Timestamp  time.Time        `json:"timestamp,omitzero"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Notice     string           `json:"notice,omitempty"`
}

// FromStored wraps a durable event record as a stream frame.
func FromStored(rec eventstore.StoredEvent) Envelope {
	return Envelope{
		Type:       EnvelopeEvent,
		IncidentID: rec.IncidentID,
		Sequence:   rec.Sequence,
		Kind:       rec.Kind,
		Timestamp:  rec.Timestamp,
		Payload:    rec.Payload,
	}
}

// Filter selects the events a subscriber receives. Zero value matches
// everything; notices always pass.
type Filter struct {
	IncidentIDs []string           `json:"incident_ids,omitempty"`
	Kinds       []models.EventKind `json:"kinds,omitempty"`
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env Envelope) bool {
	if env.Type == EnvelopeNotice {
		return len(f.IncidentIDs) == 0 || contains(f.IncidentIDs, env.IncidentID)
	}
	if len(f.IncidentIDs) > 0 && !contains(f.IncidentIDs, env.IncidentID) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == env.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
