// Package mockhost stands in for a real host during development: it listens
// for the frame's own componentChanged traffic and echoes it back as a render
// on the same transport.
package mockhost

import (
	"errors"
	"fmt"
	"sync"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/HsiangNianian/framebridge/internal/protocol"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/rs/zerolog"
)

var ErrTolerantValidator = errors.New("mock host validator must be strict")

type MockHost[T any] struct {
	t         transport.Transport
	validator *schema.Validator[T]
	log       zerolog.Logger

	mu  sync.Mutex
	sub transport.Subscription
}

func New[T any](t transport.Transport, validator *schema.Validator[T]) (*MockHost[T], error) {
	if t == nil || validator == nil {
		return nil, errors.New("mockhost: transport and validator are required")
	}
	if validator.Mode() != schema.Strict {
		return nil, ErrTolerantValidator
	}
	return &MockHost[T]{t: t, validator: validator, log: logx.Component("mockhost")}, nil
}

// Start subscribes. It is independent of any frame listener on the transport.
func (m *MockHost[T]) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return nil
	}
	sub, err := m.t.Subscribe(m.receive)
	if err != nil {
		return fmt.Errorf("mockhost: subscribe failed: %w", err)
	}
	m.sub = sub
	m.log.Info().Msg("mock host listening")
	return nil
}

func (m *MockHost[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil
	}
	err := m.sub.Unsubscribe()
	m.sub = nil
	return err
}

// receive returns a contract violation for a changed payload that fails the
// strict schema; the transport logs it and that message goes no further.
func (m *MockHost[T]) receive(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return nil
	}
	switch env.Kind {
	case protocol.KindChanged:
		return m.echo(env)
	case protocol.KindReady, protocol.KindRender, protocol.KindSetFrameHeight:
	}
	return nil
}

func (m *MockHost[T]) echo(env protocol.Envelope) error {
	m.log.Debug().RawJSON("payload", env.Payload()).Msg("recv frame->mock")
	value, err := m.validator.Validate(env.Payload())
	if err != nil {
		metrics.RecordViolation(m.validator.Mode().String())
		return fmt.Errorf("mockhost: changed payload: %w", err)
	}
	return m.SendRender(value)
}

// SendRender pushes value to the frame as if a host had rendered it.
func (m *MockHost[T]) SendRender(value T) error {
	raw, err := protocol.Encode(protocol.KindRender, protocol.RenderPayload{Args: value})
	if err != nil {
		return fmt.Errorf("mockhost: encode render: %w", err)
	}
	if err := m.t.Post(raw); err != nil {
		metrics.RecordTransportError()
		return fmt.Errorf("mockhost: post render: %w", err)
	}
	metrics.RecordSent(protocol.KindRender.Short())
	m.log.Debug().Msg("send mock->frame render")
	return nil
}
