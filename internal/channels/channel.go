// Package channels defines the transport contract the dispatcher consumes.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// ErrNotConnected indicates a send was attempted while the transport was
// offline.
var ErrNotConnected = errors.New("channel not connected")

// Status describes the current connection state of a channel.
type Status struct {
	Connected bool
	Detail    string
	Since     time.Time
}

// Channel is a messaging transport. Start begins delivering inbound
// messages on Messages; the channel stays open until Stop.
type Channel interface {
	// Start connects the transport and begins emitting inbound messages.
	Start(ctx context.Context) error

	// Stop disconnects and releases resources. Messages is closed after
	// Stop returns.
	Stop(ctx context.Context) error

	// Messages returns the inbound message stream.
	Messages() <-chan *models.Message

	// Send delivers text to the given conversation.
	Send(ctx context.Context, chatID, text string) error

	// Status reports the current connection state.
	Status() Status
}
