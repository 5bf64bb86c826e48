package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidBody is returned when an ingest body is not valid JSON.
var ErrInvalidBody = errors.New("invalid JSON body")

// IngestRequest is a submitted event. Every field is optional.
type IngestRequest struct {
	Source  Field        `json:"source"`
	Payload EventPayload `json:"payload"`

	// Raw is the request body exactly as received.
	Raw []byte `json:"-"`
}

// EventPayload carries the submitted measurement.
type EventPayload struct {
	Metric    Field `json:"metric"`
	Amount    Field `json:"amount"`
	Timestamp Field `json:"timestamp"`
}

// UnmarshalJSON accepts any JSON value. A body that is not an object, or a
// payload that is not an object, leaves the corresponding fields absent.
func (r *IngestRequest) UnmarshalJSON(b []byte) error {
	*r = IngestRequest{}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var top struct {
		Source  Field `json:"source"`
		Payload Field `json:"payload"`
	}
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return err
	}
	r.Source = top.Source

	if top.Payload.Kind() == KindObject {
		if err := json.Unmarshal(top.Payload.Raw(), &r.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ParseIngestRequest decodes an ingest body and keeps the original bytes.
// Bodies that are not valid UTF-8 are rejected so the raw payload can be
// stored as text.
func ParseIngestRequest(body []byte) (*IngestRequest, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidBody
	}
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidBody)
	}
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	req.Raw = append([]byte(nil), body...)
	return &req, nil
}

// SourceLabel returns the source as stored on the raw submission: the string
// value without NUL characters, the JSON text of any other non-null value, or
// nil when unset.
func (r *IngestRequest) SourceLabel() *string {
	switch r.Source.Kind() {
	case KindAbsent, KindNull:
		return nil
	}
	if s, ok := r.Source.AsString(); ok {
		s = StripNUL(s)
		return &s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Source.Raw()); err != nil {
		s := string(r.Source.Raw())
		return &s
	}
	s := buf.String()
	return &s
}
