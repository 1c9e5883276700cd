package domain

import (
	"encoding/json"
	"time"
)

// Hook is an append-only record of a received webhook delivery.
type Hook struct {
	ID        string
	Headers   map[string]string
	Payload   json.RawMessage
	CommitSHA string
	Processed bool
	CreatedAt time.Time
}

// Event returns the webhook event name from the recorded headers.
func (h Hook) Event() string {
	return h.Headers["X-Github-Event"]
}
