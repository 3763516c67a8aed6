package types

// CreatedAtLayout is the fixed-width UTC layout of Reading.CreatedAt.
// Fixed width keeps lexical order equal to chronological order in the store.
const CreatedAtLayout = "2006-01-02T15:04:05.000000Z"

// Reading is one persisted temperature/humidity sample.
type Reading struct {
	ID          int64   `json:"id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	CreatedAt   string  `json:"created_at"`
}

// Push channel message types.
const (
	EnvelopeNewReading    = "new-reading"
	EnvelopeLatestReading = "latest-reading"
)

// Envelope is the JSON message sent to dashboard subscribers.
type Envelope struct {
	Type string  `json:"type"`
	Data Reading `json:"data"`
}

// ReadingInput is an inbound reading before validation. Pointer fields tell
// a missing value apart from zero.
type ReadingInput struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}
