package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeingest/internal/model"
)

// ErrQuotaExhausted means every configured credential has spent its budget for the current
// quota window.
var ErrQuotaExhausted = errors.New("daily quota exhausted for all credentials")

// Payload is one successful provider response.
type Payload struct {
	Body       []byte
	Records    int
	Truncated  bool
	Credential model.Credential
	FetchedAt  time.Time
}

// Fetcher retrieves raw payloads for fetch units.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, unit model.FetchUnit) (Payload, error)
	Calls() int
	RemainingCalls() int
	RecordLimit() int
}

type responseEnvelope struct {
	Count *int              `json:"count"`
	Data  []json.RawMessage `json:"data"`
	Error json.RawMessage   `json:"error"`
}

// CountRecords reads the record count of a tariffline response body. The length of the data
// array wins over the count field.
func CountRecords(body []byte) (int, error) {
	var envelope responseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Data != nil {
		return len(envelope.Data), nil
	}
	if envelope.Count != nil {
		return *envelope.Count, nil
	}
	if msg := strings.Trim(string(envelope.Error), `" `); msg != "" && msg != "null" {
		return 0, fmt.Errorf("provider error: %s", msg)
	}
	return 0, errors.New("response has no data array")
}
