package frame

import (
	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/HsiangNianian/framebridge/internal/protocol"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/rs/zerolog"
)

// outbound is the one-way frame to host emitter. Every send goes through the
// envelope codec and a single Post.
type outbound struct {
	t   transport.Transport
	log zerolog.Logger
}

func (o *outbound) announceReady(apiVersion int) error {
	return o.send(protocol.KindReady, protocol.ReadyPayload{APIVersion: apiVersion})
}

func (o *outbound) reportFrameHeight(px int) {
	if err := o.send(protocol.KindSetFrameHeight, protocol.FrameHeightPayload{Height: px}); err != nil {
		o.log.Error().Err(err).Int("height", px).Msg("encode frame height failed")
	}
}

// encodeChanged is split from the post so SetState can report payload errors
// to its caller before anything reaches the event loop.
func (o *outbound) encodeChanged(value any) ([]byte, error) {
	return protocol.Encode(protocol.KindChanged, value)
}

func (o *outbound) send(kind protocol.Kind, payload any) error {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	o.post(kind, raw)
	return nil
}

// post is fire-and-forget: a failed post is logged and counted, never retried.
func (o *outbound) post(kind protocol.Kind, raw []byte) {
	if err := o.t.Post(raw); err != nil {
		metrics.RecordTransportError()
		o.log.Warn().Err(err).Str("type", kind.String()).Msg("post to host failed")
		return
	}
	metrics.RecordSent(kind.Short())
	o.log.Debug().Str("type", kind.String()).Int("bytes", len(raw)).Msg("send frame->host")
}
