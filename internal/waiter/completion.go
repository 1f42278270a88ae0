package waiter

import (
	"encoding/json"
	"fmt"
)

// Completion is a completion message published for one job.
type Completion struct {
	// ID is the job identifier carried in the message's id field.
	ID string

	// Raw is the message exactly as published.
	Raw json.RawMessage
}

// ParseCompletion decodes a published payload. The payload must be a JSON
// object with a non-empty string id field; anything else is
// ErrMalformedMessage.
func ParseCompletion(payload []byte) (Completion, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Completion{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	rawID, ok := fields["id"]
	if !ok {
		return Completion{}, fmt.Errorf("%w: missing id field", ErrMalformedMessage)
	}

	var id string
	if err := json.Unmarshal(rawID, &id); err != nil {
		return Completion{}, fmt.Errorf("%w: id is not a string", ErrMalformedMessage)
	}
	if id == "" {
		return Completion{}, fmt.Errorf("%w: empty id", ErrMalformedMessage)
	}

	return Completion{ID: id, Raw: json.RawMessage(payload)}, nil
}
