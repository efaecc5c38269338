package libbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const errorReplyPrefix = "error: "

type natsMessenger struct {
	nc *nats.Conn
}

// NewPubSub connects to the NATS server in cfg.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []nats.Option{nats.Name("planengine")}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &natsMessenger{nc: nc}, nil
}

func (m *natsMessenger) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.nc.Publish(subject, data); err != nil {
		return translateNATSError(err)
	}
	return nil
}

func (m *natsMessenger) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, translateNATSError(err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (m *natsMessenger) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := m.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, translateNATSError(err)
	}
	if reply, ok := strings.CutPrefix(string(msg.Data), errorReplyPrefix); ok {
		return nil, errors.New(reply)
	}
	return msg.Data, nil
}

func (m *natsMessenger) Serve(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("bus handler panicked", "subject", subject, "panic", r)
				_ = msg.Respond([]byte(fmt.Sprintf("%shandler panic: %v", errorReplyPrefix, r)))
			}
		}()
		reply, err := handler(ctx, msg.Data)
		if err != nil {
			_ = msg.Respond([]byte(errorReplyPrefix + err.Error()))
			return
		}
		_ = msg.Respond(reply)
	})
	if err != nil {
		return nil, translateNATSError(err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (m *natsMessenger) Close() error {
	m.nc.Close()
	return nil
}

func translateNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrConnectionClosed
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponder
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrRequestTimeout
	}
	return err
}
