// Package frame is the frame-side half of the bridge: it announces the
// component, pushes candidate state to the host, applies the host's renders
// and reports the frame height.
//
// Each Instance owns one event loop goroutine. Transport deliveries, resize
// timers, SetState and ObserveHeight all run on it, one callback at a time.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/protocol"
	"github.com/HsiangNianian/framebridge/internal/resize"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Policy decides who may change State after a local SetState.
type Policy int

const (
	// Authoritative leaves State untouched until the host echoes a render.
	Authoritative Policy = iota
	// Optimistic replaces State immediately; the host's render overwrites it.
	Optimistic
)

func (p Policy) String() string {
	switch p {
	case Authoritative:
		return "authoritative"
	case Optimistic:
		return "optimistic"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "authoritative" (or "") and "optimistic".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "authoritative":
		return Authoritative, nil
	case "optimistic":
		return Optimistic, nil
	default:
		return 0, fmt.Errorf("unknown update policy %q", s)
	}
}

var (
	ErrClosed          = errors.New("frame instance closed")
	ErrStrictValidator = errors.New("inbound validator must be tolerant")
)

type Options[T any] struct {
	// ID tags logs; a random id is used when empty.
	ID        string
	Transport transport.Transport
	// Validator checks inbound renders. It must be in tolerant mode.
	Validator  *schema.Validator[T]
	APIVersion int
	Policy     Policy

	ResizeDelay time.Duration
	AfterFunc   resize.AfterFunc

	// OnRender runs on the event loop after State is replaced by a render.
	// It may call back into the instance, Close included.
	OnRender func(T)
	// OnViolation runs on the event loop when a render is rejected. The same
	// reentrancy rules as OnRender apply.
	OnViolation func(error)
}

type Instance[T any] struct {
	id          string
	policy      Policy
	validator   *schema.Validator[T]
	onRender    func(T)
	onViolation func(error)
	log         zerolog.Logger

	out      *outbound
	reporter *resize.Reporter
	after    resize.AfterFunc
	sub      transport.Subscription

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	exited  chan struct{}

	// inHook is set while OnRender or OnViolation runs.
	inHook   atomic.Bool
	closing  atomic.Bool
	closeErr error

	mu       sync.RWMutex
	state    T
	hasState bool
}

// New subscribes to the transport and announces the component. Ready is the
// first envelope the instance sends.
func New[T any](opts Options[T]) (*Instance[T], error) {
	if opts.Transport == nil {
		return nil, errors.New("frame: transport is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("frame: validator is required")
	}
	if opts.Validator.Mode() != schema.Tolerant {
		return nil, ErrStrictValidator
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	apiVersion := opts.APIVersion
	if apiVersion == 0 {
		apiVersion = protocol.APIVersion
	}
	after := opts.AfterFunc
	if after == nil {
		after = resize.RealAfterFunc
	}

	log := logx.Component("frame").With().Str("frame_id", id).Logger()
	in := &Instance[T]{
		id:          id,
		policy:      opts.Policy,
		validator:   opts.Validator,
		onRender:    opts.OnRender,
		onViolation: opts.OnViolation,
		log:         log,
		out:         &outbound{t: opts.Transport, log: log},
		after:       after,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
	in.reporter = resize.New(opts.ResizeDelay, in.loopAfter, in.out.reportFrameHeight)
	go in.run()

	sub, err := opts.Transport.Subscribe(in.receive)
	if err != nil {
		in.shutdown()
		return nil, fmt.Errorf("frame: subscribe failed: %w", err)
	}
	in.sub = sub

	if err := in.out.announceReady(apiVersion); err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("frame: announce ready failed: %w", err)
	}
	log.Info().Int("api_version", apiVersion).Str("policy", in.policy.String()).Msg("frame ready")
	return in, nil
}

func (in *Instance[T]) ID() string { return in.id }

// State returns the last accepted value. ok is false before the first render.
func (in *Instance[T]) State() (value T, ok bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state, in.hasState
}

// SetState pushes a candidate state to the host. Under the authoritative
// policy State changes only when the host renders it back.
func (in *Instance[T]) SetState(value T) error {
	raw, err := in.out.encodeChanged(value)
	if err != nil {
		return fmt.Errorf("frame: set state: %w", err)
	}
	var local T
	if in.policy == Optimistic {
		local, err = in.validator.ValidateValue(value)
		if err != nil {
			return fmt.Errorf("frame: set state: %w", err)
		}
	}
	ok := in.post(func() {
		if in.policy == Optimistic {
			in.replace(local)
		}
		in.out.post(protocol.KindChanged, raw)
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// ObserveHeight feeds the rendered content height to the resize reporter.
func (in *Instance[T]) ObserveHeight(px int) {
	in.post(func() { in.reporter.Observe(px) })
}

// Close unsubscribes and cancels any pending resize report. It is safe to
// call more than once. Called from OnRender or OnViolation it returns without
// waiting for the event loop to exit; the loop stops once the hook returns.
func (in *Instance[T]) Close() error {
	if !in.closing.CompareAndSwap(false, true) {
		<-in.stop
		in.awaitExit()
		return in.closeErr
	}
	if in.sub != nil {
		in.closeErr = in.sub.Unsubscribe()
	}
	close(in.stop)
	in.awaitExit()
	in.log.Info().Msg("frame closed")
	return in.closeErr
}

// shutdown stops a loop whose instance was never handed out.
func (in *Instance[T]) shutdown() {
	in.closing.Store(true)
	close(in.stop)
	<-in.exited
}

func (in *Instance[T]) awaitExit() {
	if in.inHook.Load() {
		return
	}
	<-in.exited
}

// hook runs a user callback on the loop.
func (in *Instance[T]) hook(fn func()) {
	in.inHook.Store(true)
	defer in.inHook.Store(false)
	fn()
}

func (in *Instance[T]) replace(value T) {
	in.mu.Lock()
	in.state = value
	in.hasState = true
	in.mu.Unlock()
}

func (in *Instance[T]) run() {
	defer close(in.exited)
	defer in.reporter.Stop()
	for {
		select {
		case <-in.stop:
			return
		default:
		}
		select {
		case <-in.stop:
			return
		case <-in.wake:
		}
		for {
			fn, ok := in.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

// next pops the oldest queued event. Nothing is handed out after stop.
func (in *Instance[T]) next() (func(), bool) {
	select {
	case <-in.stop:
		return nil, false
	default:
	}
	in.queueMu.Lock()
	defer in.queueMu.Unlock()
	if len(in.queue) == 0 {
		return nil, false
	}
	fn := in.queue[0]
	in.queue[0] = nil
	in.queue = in.queue[1:]
	return fn, true
}

// post queues fn on the event loop without blocking, so hooks and transport
// handlers may post freely. It reports false once the instance is shutting
// down.
func (in *Instance[T]) post(fn func()) bool {
	select {
	case <-in.stop:
		return false
	default:
	}
	in.queueMu.Lock()
	in.queue = append(in.queue, fn)
	in.queueMu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
	return true
}

// loopAfter schedules timer callbacks onto the event loop.
func (in *Instance[T]) loopAfter(d time.Duration, f func()) resize.Timer {
	return in.after(d, func() { in.post(f) })
}
