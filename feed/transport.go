// Package feed supervises the market-data connection: chunked subscription
// management, heartbeat liveness, and reconnect with retry. The wire
// protocol itself lives behind the Transport interface; wsfeed provides the
// websocket implementation.
package feed

import (
	"context"
	"errors"
	"fmt"

	"gammaflow/models"
)

// ErrFeedStale reports that no event has arrived within the allowed
// heartbeat window and a reconnect has been triggered.
var ErrFeedStale = errors.New("feed: heartbeat exceeded, feed stale")

// TransientError wraps a feed failure that the reconnect loop is expected
// to recover from: connection drops, timeouts, transport resets. It is
// never treated as fatal.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("feed: transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable feed trouble.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Ack is the per-contract result of a subscribe or unsubscribe request.
type Ack struct {
	ContractID string
	Err        error
}

// Event is one inbound feed frame: the raw bytes for the retention store
// plus the parsed quote updates it carried.
type Event struct {
	Raw    models.RawFeedMessage
	Quotes []models.QuoteEvent
}

// Transport is the raw market-data connection consumed by the Supervisor.
// Subscribe and Unsubscribe receive one pre-chunked batch of contract IDs
// and return one Ack per requested ID.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, contractIDs []string) ([]Ack, error)
	Unsubscribe(ctx context.Context, contractIDs []string) ([]Ack, error)
	Events() <-chan Event
	Close() error
}
