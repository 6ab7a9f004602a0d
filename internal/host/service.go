// Package host is the authoritative side of the bridge. It records what
// every frame announced and renders accepted state back to it.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/HsiangNianian/framebridge/internal/protocol"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/store"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/rs/zerolog"
)

var ErrInvalidHeight = errors.New("frame height must not be negative")

// Service turns frame envelopes into store updates and render replies. It
// holds no connection state, so every transport shares one instance.
type Service struct {
	store      store.Store
	validator  *schema.Validator[map[string]any]
	apiVersion int
	log        zerolog.Logger
}

// NewService validates component state against shape. A nil shape accepts
// any JSON object.
func NewService(st store.Store, shape *openapi3.Schema) *Service {
	if shape == nil {
		shape = openapi3.NewObjectSchema()
	}
	return &Service{
		store:      st,
		validator:  schema.New[map[string]any](shape, schema.Strict),
		apiVersion: protocol.APIVersion,
		log:        logx.Component("host"),
	}
}

// Handle processes one message from frameID and returns the envelopes to send
// back to that frame. Foreign messages and renders are ignored.
func (s *Service) Handle(ctx context.Context, frameID string, data []byte) ([][]byte, error) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Str("frame_id", frameID).Msg("ignore foreign message")
		return nil, nil
	}
	s.logEvent("recv frame->host", frameID, env)

	switch env.Kind {
	case protocol.KindReady:
		metrics.RecordReceived(env.Kind.Short())
		return s.handleReady(ctx, frameID, env)
	case protocol.KindChanged:
		metrics.RecordReceived(env.Kind.Short())
		return s.handleChanged(ctx, frameID, env)
	case protocol.KindSetFrameHeight:
		metrics.RecordReceived(env.Kind.Short())
		return nil, s.handleHeight(ctx, frameID, env)
	case protocol.KindRender:
	}
	return nil, nil
}

func (s *Service) handleReady(ctx context.Context, frameID string, env protocol.Envelope) ([][]byte, error) {
	var ready protocol.ReadyPayload
	if err := env.DecodeField("apiVersion", &ready.APIVersion); err != nil {
		return nil, err
	}
	if ready.APIVersion != s.apiVersion {
		s.log.Warn().Str("frame_id", frameID).Int("api_version", ready.APIVersion).
			Int("supported", s.apiVersion).Msg("frame api version mismatch")
	}
	if err := s.store.MarkReady(ctx, frameID, ready.APIVersion); err != nil {
		return nil, fmt.Errorf("mark ready %s: %w", frameID, err)
	}

	frame, found, err := s.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, fmt.Errorf("load frame %s: %w", frameID, err)
	}
	if !found || len(frame.State) == 0 {
		return nil, nil
	}
	raw, err := protocol.Encode(protocol.KindRender, protocol.RenderPayload{Args: frame.State})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("frame_id", frameID).Msg("replay stored state to ready frame")
	return [][]byte{raw}, nil
}

func (s *Service) handleChanged(ctx context.Context, frameID string, env protocol.Envelope) ([][]byte, error) {
	raw, err := s.accept(ctx, frameID, env.Payload())
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func (s *Service) handleHeight(ctx context.Context, frameID string, env protocol.Envelope) error {
	var p protocol.FrameHeightPayload
	if err := env.DecodeField("height", &p.Height); err != nil {
		return err
	}
	if p.Height < 0 {
		return fmt.Errorf("frame %s: %w", frameID, ErrInvalidHeight)
	}
	if err := s.store.SetHeight(ctx, frameID, p.Height); err != nil {
		return fmt.Errorf("set height %s: %w", frameID, err)
	}
	return nil
}

// Render validates host-originated state for frameID, stores it and returns
// the render envelope to deliver.
func (s *Service) Render(ctx context.Context, frameID string, args json.RawMessage) ([]byte, error) {
	return s.accept(ctx, frameID, args)
}

// Frame looks up the stored record of frameID.
func (s *Service) Frame(ctx context.Context, frameID string) (store.Frame, bool, error) {
	return s.store.GetFrame(ctx, frameID)
}

func (s *Service) accept(ctx context.Context, frameID string, payload json.RawMessage) ([]byte, error) {
	value, err := s.validator.Validate(payload)
	if err != nil {
		metrics.RecordViolation(s.validator.Mode().String())
		return nil, err
	}
	state, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetState(ctx, frameID, state); err != nil {
		return nil, fmt.Errorf("set state %s: %w", frameID, err)
	}
	raw, err := protocol.Encode(protocol.KindRender, protocol.RenderPayload{Args: json.RawMessage(state)})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Service) logEvent(prefix, frameID string, env protocol.Envelope) {
	s.log.Debug().Str("frame_id", frameID).Str("type", env.Kind.String()).Int("fields", len(env.Fields)).Msg(prefix)
}
