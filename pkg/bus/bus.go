// Package bus publishes raw asset history onto a message bus that feeds
// the analytical store.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// ErrTooManyFailures is returned by Guard once the consecutive failure
// limit is reached.
var ErrTooManyFailures = errors.New("too many consecutive publish failures")

// Message is one payload with routing properties.
type Message struct {
	Topic      string
	Payload    []byte
	Properties map[string]string
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Guard counts consecutive publish failures.
type Guard struct {
	Max         int
	consecutive int
}

// Record notes the outcome of one publish. It returns ErrTooManyFailures
// wrapping err when the limit is reached; a success resets the count.
func (g *Guard) Record(err error) error {
	if err == nil {
		g.consecutive = 0
		return nil
	}
	g.consecutive++
	if g.Max > 0 && g.consecutive >= g.Max {
		return fmt.Errorf("%w (%d in a row): %v", ErrTooManyFailures, g.consecutive, err)
	}
	return nil
}

// Consecutive returns the current failure streak
func (g *Guard) Consecutive() int {
	return g.consecutive
}
