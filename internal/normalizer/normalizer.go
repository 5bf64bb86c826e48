// Package normalizer maps submitted ingest payloads onto the canonical event shape.
// Normalization never fails: unusable values fall back to defaults.
package normalizer

import (
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Unknown is the placeholder for a missing client or metric.
const Unknown = "unknown"

// Normalize converts a submitted request into a canonical event.
func Normalize(req *models.IngestRequest) models.CanonicalEvent {
	if req == nil {
		return models.CanonicalEvent{ClientID: Unknown, Metric: Unknown}
	}
	return models.CanonicalEvent{
		ClientID:  textOr(req.Source, Unknown),
		Metric:    textOr(req.Payload.Metric, Unknown),
		Amount:    CoerceAmount(req.Payload.Amount),
		Timestamp: ParseTimestamp(req.Payload.Timestamp),
	}
}

func textOr(f models.Field, fallback string) string {
	if s, ok := f.Text(); ok {
		return s
	}
	return fallback
}
