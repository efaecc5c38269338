// Package libbus carries plan events between processes. InMem serves a single
// process; NewPubSub connects to NATS when several engine instances share plans.
package libbus

import (
	"context"
	"errors"
)

var (
	ErrConnectionClosed = errors.New("messenger connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrNoResponder      = errors.New("no responder for subject")
)

// Handler answers a Request. A returned error is sent back to the requester.
type Handler func(ctx context.Context, data []byte) ([]byte, error)

type Subscription interface {
	Unsubscribe() error
}

type Messenger interface {
	// Publish is fire-and-forget to every Stream subscriber of subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Stream delivers messages on subject to ch until ctx is done or the
	// subscription is removed.
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Serve(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}

// Config holds the NATS connection settings.
type Config struct {
	NATSURL      string `json:"nats_url" yaml:"url"`
	NATSUser     string `json:"nats_user" yaml:"user"`
	NATSPassword string `json:"nats_password" yaml:"password"`
}
