// Package fingerprint derives the content identity used to deduplicate normalized events.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// NullTimestamp stands in for a missing timestamp in the fingerprint input.
const NullTimestamp = "null"

// Fingerprint returns the lowercase hex SHA-256 of client_id|metric|amount|timestamp.
func Fingerprint(e models.CanonicalEvent) string {
	sum := sha256.Sum256([]byte(Input(e)))
	return hex.EncodeToString(sum[:])
}

// Input is the exact string that gets hashed.
func Input(e models.CanonicalEvent) string {
	ts := NullTimestamp
	if e.Timestamp != nil {
		ts = *e.Timestamp
	}

	var b strings.Builder
	b.WriteString(e.ClientID)
	b.WriteByte('|')
	b.WriteString(e.Metric)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Amount, 10))
	b.WriteByte('|')
	b.WriteString(ts)
	return b.String()
}
