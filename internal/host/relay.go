package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/transport/natsbus"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Relay serves frames that talk over NATS. It listens on every frame subject
// under prefix and answers on the subject the message came from.
type Relay struct {
	service *Service
	nc      *nats.Conn
	prefix  string
	log     zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewRelay(svc *Service, nc *nats.Conn, prefix string) *Relay {
	if prefix == "" {
		prefix = natsbus.DefaultPrefix
	}
	return &Relay{
		service: svc,
		nc:      nc,
		prefix:  prefix,
		log:     logx.Component("relay").With().Str("prefix", prefix).Logger(),
	}
}

func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.nc.Subscribe(r.prefix+".*", r.handle)
	if err != nil {
		return fmt.Errorf("relay subscribe %s.*: %w", r.prefix, err)
	}
	r.sub = sub
	r.log.Info().Msg("relay listening")
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}

func (r *Relay) handle(msg *nats.Msg) {
	frameID, ok := natsbus.FrameID(r.prefix, msg.Subject)
	if !ok {
		return
	}
	replies, err := r.service.Handle(context.Background(), frameID, msg.Data)
	if err != nil {
		r.log.Warn().Err(err).Str("frame_id", frameID).Msg("drop frame message")
		return
	}
	for _, reply := range replies {
		if err := r.nc.Publish(msg.Subject, reply); err != nil {
			r.log.Warn().Err(err).Str("frame_id", frameID).Msg("send host->frame failed")
		}
	}
}

// Deliver publishes raw on the subject of frameID. NATS gives no receiver
// count, so a successful publish counts as one delivery.
func (r *Relay) Deliver(frameID string, raw []byte) int {
	if err := r.nc.Publish(natsbus.Subject(r.prefix, frameID), raw); err != nil {
		r.log.Warn().Err(err).Str("frame_id", frameID).Msg("push host->frame failed")
		return 0
	}
	return 1
}
