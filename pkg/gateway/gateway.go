// Package gateway defines the client abstraction for the inference daemon.
package gateway

import (
	"context"
	"fmt"

	"github.com/kmahone/promptrelay/pkg/domain"
)

// Gateway translates logical completion requests into the inference daemon's
// wire protocol. Implementations hold no conversation state and are safe to
// call concurrently.
type Gateway interface {
	// CompleteSingle runs a one-shot generate request and returns the reply text.
	CompleteSingle(ctx context.Context, model, prompt string, parameters map[string]any) (string, error)

	// CompleteChat runs a chat request over the full ordered transcript and
	// returns the assistant reply text.
	CompleteChat(ctx context.Context, model string, turns []domain.Turn, parameters map[string]any) (string, error)
}

// Error reports a failed call to the inference daemon: a non-success HTTP
// status, an unparsable body, or a transport failure.
type Error struct {
	// Op identifies the daemon endpoint ("generate" or "chat").
	Op string
	// Status is the daemon's HTTP status code, or 0 for transport failures.
	Status int
	// Timeout is true when the call exceeded its deadline.
	Timeout bool
	// Err holds the underlying cause.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway %s: timeout: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
