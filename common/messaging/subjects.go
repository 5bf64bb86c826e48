package messaging

// Subjects follow {domain}.{resource}.{action}.
const (
	// SubjectEventsNormalized is published after an ingest attempt commits.
	SubjectEventsNormalized = "ledger.events.normalized"

	// SubjectEventsFailed is published after an ingest attempt is rolled back.
	SubjectEventsFailed = "ledger.events.failed"
)
