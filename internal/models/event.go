// Package models holds the ledger's data types: raw submissions, canonical and
// normalized events, and aggregation rows.
package models

import "time"

// Status is the processing state of a raw submission.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusNormalized Status = "NORMALIZED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is a final state for an ingest attempt.
func (s Status) Terminal() bool {
	return s == StatusNormalized || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusNormalized, StatusFailed:
		return true
	}
	return false
}

// RawSubmission is the audit record of one ingest request, stored before any processing.
type RawSubmission struct {
	ID           int64     `json:"id"`
	Source       *string   `json:"source"`
	RawPayload   string    `json:"raw_payload"`
	Status       Status    `json:"status"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanonicalEvent is the normalized shape of a submitted payload.
// Timestamp is nil when the submitted value could not be read as a date-time.
type CanonicalEvent struct {
	ClientID  string  `json:"client_id"`
	Metric    string  `json:"metric"`
	Amount    int64   `json:"amount"`
	Timestamp *string `json:"timestamp"`
}

// NormalizedEvent is a stored, deduplicated canonical event.
type NormalizedEvent struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"event_fingerprint"`
	ClientID    string    `json:"client_id"`
	Metric      string    `json:"metric"`
	Amount      int64     `json:"amount"`
	Timestamp   *string   `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewNormalizedEvent pairs a canonical event with its fingerprint.
func NewNormalizedEvent(e CanonicalEvent, fingerprint string) *NormalizedEvent {
	return &NormalizedEvent{
		Fingerprint: fingerprint,
		ClientID:    e.ClientID,
		Metric:      e.Metric,
		Amount:      e.Amount,
		Timestamp:   e.Timestamp,
	}
}

// AggregateFilter narrows an aggregation. Empty fields are ignored; the
// timestamp range only applies when both bounds are set.
type AggregateFilter struct {
	ClientID string `json:"client,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

func (f AggregateFilter) RangeApplies() bool {
	return f.From != "" && f.To != ""
}

// AggregateRow is the per-client summary of normalized events.
type AggregateRow struct {
	ClientID string `json:"client_id"`
	Count    int64  `json:"count"`
	Total    int64  `json:"total"`
}
