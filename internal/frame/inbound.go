package frame

import (
	"errors"

	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/HsiangNianian/framebridge/internal/protocol"
)

// receive is the transport handler. It runs on the transport's delivery
// goroutine and hands accepted envelopes to the event loop. It never returns an
// error: malformed host input must not disturb the frame.
func (in *Instance[T]) receive(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrNotBridgeMessage) || errors.Is(err, protocol.ErrUnknownKind) {
			in.log.Trace().Err(err).Msg("ignore foreign message")
		} else {
			in.log.Debug().Err(err).Msg("ignore undecodable message")
		}
		return nil
	}

	switch env.Kind {
	case protocol.KindRender:
		metrics.RecordReceived(env.Kind.Short())
		in.post(func() { in.applyRender(env) })
	case protocol.KindReady, protocol.KindChanged, protocol.KindSetFrameHeight:
		in.log.Trace().Str("type", env.Kind.String()).Msg("ignore non-render message")
	}
	return nil
}

// applyRender runs on the event loop. A render that fails validation is
// reported and dropped; State keeps its previous value.
func (in *Instance[T]) applyRender(env protocol.Envelope) {
	value, err := in.validator.Validate(env.Args())
	if err != nil {
		metrics.RecordViolation(in.validator.Mode().String())
		in.log.Warn().Err(err).RawJSON("args", env.Args()).Msg("reject render from host")
		if in.onViolation != nil {
			in.hook(func() { in.onViolation(err) })
		}
		return
	}
	in.replace(value)
	in.log.Debug().RawJSON("args", env.Args()).Msg("render applied")
	if in.onRender != nil {
		in.hook(func() { in.onRender(value) })
	}
}
