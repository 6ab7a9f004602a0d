// Package transport defines the cross-context messaging primitives the bridge
// runs on: a "send to parent" post and a broadcast "receive everything"
// subscription.
package transport

import "errors"

// ErrUnavailable reports that no host context is reachable.
var ErrUnavailable = errors.New("transport unavailable")

// Handler receives one raw message. Returning an error aborts processing of
// that message only; the transport logs it and keeps delivering.
type Handler func(data []byte) error

// Subscription is a per-listener handle released exactly once.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the generic channel shared by a frame and its host.
//
// Post is fire-and-forget: there is no acknowledgement and no retry. Subscribe
// delivers every message the transport sees regardless of origin, one message
// per handler invocation, in delivery order.
type Transport interface {
	Post(data []byte) error
	Subscribe(h Handler) (Subscription, error)
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }
