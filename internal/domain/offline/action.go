package offline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

var allowedMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// ActionInput describes a mutation the feature layer wants replayed later.
type ActionInput struct {
	Kind     string
	Endpoint string
	Method   string
	Payload  json.RawMessage
}

// NewActionInput encodes payload as JSON.
func NewActionInput(kind, endpoint, method string, payload any) (ActionInput, error) {
	in := ActionInput{Kind: kind, Endpoint: endpoint, Method: method}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ActionInput{}, fmt.Errorf("%w: encode payload: %v", ErrInvalidAction, err)
		}
		in.Payload = raw
	}
	return in.Normalize()
}

// Normalize trims fields, upper-cases the method (default POST) and validates.
func (in ActionInput) Normalize() (ActionInput, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
	if in.Method == "" {
		in.Method = http.MethodPost
	}

	if in.Kind == "" {
		return ActionInput{}, fmt.Errorf("%w: kind is required", ErrInvalidAction)
	}
	if in.Endpoint == "" {
		return ActionInput{}, fmt.Errorf("%w: endpoint is required", ErrInvalidAction)
	}
	if _, ok := allowedMethods[in.Method]; !ok {
		return ActionInput{}, fmt.Errorf("%w: method %q is not a mutation", ErrInvalidAction, in.Method)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return ActionInput{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}
	return in, nil
}

// QueuedAction is one durable entry of the action queue.
type QueuedAction struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	RetryCount    int             `json:"retryCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// Clone returns a copy that shares no memory with a.
func (a QueuedAction) Clone() QueuedAction {
	out := a
	out.Payload = slices.Clone(a.Payload)
	if a.LastAttemptAt != nil {
		at := *a.LastAttemptAt
		out.LastAttemptAt = &at
	}
	return out
}

// Exhausted reports whether a has reached the retry ceiling. A non-positive
// ceiling disables dead-lettering.
func (a QueuedAction) Exhausted(maxAttempts int) bool {
	return maxAttempts > 0 && a.RetryCount >= maxAttempts
}
