package ports

import (
	"context"
	"encoding/json"
)

// RemoteRequest is a queued mutation handed to the network layer for replay.
type RemoteRequest struct {
	ID       string
	Kind     string
	Endpoint string
	Method   string
	Payload  json.RawMessage
}

// RemoteDispatcher sends a queued mutation to the remote API.
// Implementations must honour ctx cancellation and deadlines.
type RemoteDispatcher interface {
	Dispatch(ctx context.Context, req RemoteRequest) (json.RawMessage, error)
}
