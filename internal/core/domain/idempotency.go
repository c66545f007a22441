package domain

import "encoding/json"

// IdempotencyRecord is the cached terminal response for a client key.
// Replays must return the stored status and body verbatim.
type IdempotencyRecord struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}
