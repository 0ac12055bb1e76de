package models

import (
	"encoding/json"
	"time"
)

// ExecutedAction records one remediation step carried out (or attempted)
// against an external resource.
type ExecutedAction struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Params        json.RawMessage `json:"params,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at,omitzero"`
	Outcome       ActionOutcome   `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	RollbackToken string          `json:"rollback_token,omitempty"`
}
