// Package natsbus runs the bridge over a NATS subject. Frame and host share
// one subject per frame and both see every message on it, like a window
// message channel.
package natsbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultPrefix = "bridge.frames"

// Subject is the per-frame subject under prefix.
func Subject(prefix, frameID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + frameID
}

// FrameID extracts the frame id from a subject built by Subject.
func FrameID(prefix, subject string) (string, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	id, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Connect opens a NATS connection with the reconnect behavior the bridge
// expects from a long-lived frame.
func Connect(url, name string) (*nats.Conn, error) {
	log := logx.Component("natsbus")
	log.Info().Str("url", url).Str("name", name).Msg("connecting to nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Transport binds one frame subject.
type Transport struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

func New(nc *nats.Conn, subject string) *Transport {
	return &Transport{
		nc:      nc,
		subject: subject,
		log:     logx.Component("natsbus").With().Str("subject", subject).Logger(),
	}
}

func (t *Transport) Subject() string { return t.subject }

func (t *Transport) Post(data []byte) error {
	if t.nc.IsClosed() {
		return transport.ErrUnavailable
	}
	if err := t.nc.Publish(t.subject, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

// Subscribe handlers are called on the subscription's own goroutine, one
// message at a time.
func (t *Transport) Subscribe(h transport.Handler) (transport.Subscription, error) {
	sub, err := t.nc.Subscribe(t.subject, func(msg *nats.Msg) {
		if err := h(msg.Data); err != nil {
			t.log.Error().Err(err).Msg("handler rejected message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.subject, err)
	}
	return transport.SubscriptionFunc(func() error {
		if !sub.IsValid() {
			return nil
		}
		return sub.Unsubscribe()
	}), nil
}

// Flush waits for the server to process everything published so far.
func (t *Transport) Flush() error {
	return t.nc.Flush()
}
