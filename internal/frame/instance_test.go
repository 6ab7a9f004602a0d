package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/HsiangNianian/framebridge/internal/mockhost"
	"github.com/HsiangNianian/framebridge/internal/protocol"
	"github.com/HsiangNianian/framebridge/internal/resize/resizetest"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/HsiangNianian/framebridge/internal/transport/loopback"
	"github.com/getkin/kin-openapi/openapi3"
)

type counter struct {
	Count int `json:"count"`
}

func counterShape() *openapi3.Schema {
	return schema.Object(map[string]*openapi3.Schema{
		"count": openapi3.NewIntegerSchema().WithDefault(0),
	})
}

type harness struct {
	t          *testing.T
	bus        *loopback.Bus
	clock      *resizetest.Clock
	sent       chan protocol.Envelope
	rendered   chan counter
	violations chan error
	inst       *Instance[counter]
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		bus:        loopback.New(),
		clock:      &resizetest.Clock{},
		sent:       make(chan protocol.Envelope, 64),
		rendered:   make(chan counter, 16),
		violations: make(chan error, 16),
	}
	t.Cleanup(func() { _ = h.bus.Close() })

	// records everything the frame posts; renders come from the test itself
	_, err := h.bus.Subscribe(func(d []byte) error {
		env, err := protocol.Decode(d)
		if err == nil && env.Kind != protocol.KindRender {
			h.sent <- env
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	inst, err := New(Options[counter]{
		ID:          "test-frame",
		Transport:   h.bus,
		Validator:   schema.New[counter](counterShape(), schema.Tolerant),
		Policy:      policy,
		AfterFunc:   h.clock.AfterFunc,
		OnRender:    func(c counter) { h.rendered <- c },
		OnViolation: func(err error) { h.violations <- err },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	h.inst = inst
	return h
}

func (h *harness) nextSent() protocol.Envelope {
	h.t.Helper()
	select {
	case env := <-h.sent:
		return env
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for outbound envelope")
		return protocol.Envelope{}
	}
}

func (h *harness) render(args string) {
	h.t.Helper()
	raw := []byte(`{"isBridgeMessage":true,"type":"bridge:render","args":` + args + `}`)
	if err := h.bus.Post(raw); err != nil {
		h.t.Fatalf("post render: %v", err)
	}
}

func (h *harness) awaitRender() counter {
	h.t.Helper()
	select {
	case c := <-h.rendered:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for render")
		return counter{}
	}
}

func (h *harness) awaitViolation() error {
	h.t.Helper()
	select {
	case err := <-h.violations:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for violation")
		return nil
	}
}

// flush waits until every event queued so far has run on the loop.
func (in *Instance[T]) flush() {
	done := make(chan struct{})
	if in.post(func() { close(done) }) {
		<-done
	}
}

func TestReadyIsFirstEnvelope(t *testing.T) {
	h := newHarness(t, Authoritative)
	env := h.nextSent()
	if env.Kind != protocol.KindReady {
		t.Fatalf("first envelope = %s; want ready", env.Kind)
	}
	var v int
	if err := env.DecodeField("apiVersion", &v); err != nil || v != 1 {
		t.Fatalf("apiVersion = %d err %v", v, err)
	}

	if err := h.inst.SetState(counter{Count: 1}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if env := h.nextSent(); env.Kind != protocol.KindChanged {
		t.Fatalf("second envelope = %s; want changed", env.Kind)
	}
}

func TestStateUnknownBeforeFirstRender(t *testing.T) {
	h := newHarness(t, Authoritative)
	if _, ok := h.inst.State(); ok {
		t.Fatal("state should be unknown before the first render")
	}
}

func TestRenderReplacesState(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":3}`)
	if got := h.awaitRender(); got.Count != 3 {
		t.Fatalf("rendered %+v", got)
	}
	state, ok := h.inst.State()
	if !ok || state.Count != 3 {
		t.Fatalf("state = %+v ok=%v", state, ok)
	}
}

func TestRenderAppliesDefaults(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{}`)
	if got := h.awaitRender(); got.Count != 0 {
		t.Fatalf("rendered %+v", got)
	}
	if _, ok := h.inst.State(); !ok {
		t.Fatal("state should be known after a render")
	}
}

func TestInvalidRenderLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":3}`)
	h.awaitRender()

	for _, args := range []string{`{"count":"x"}`, `null`, `[1]`, `{"count":2.5}`} {
		h.render(args)
		err := h.awaitViolation()
		if !errors.Is(err, schema.ErrSchemaViolation) {
			t.Fatalf("violation = %v", err)
		}
		state, _ := h.inst.State()
		if state.Count != 3 {
			t.Fatalf("state after %s = %+v; want count 3", args, state)
		}
	}
}

func TestInvalidFirstRenderKeepsStateUnknown(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":"x"}`)
	var viol *schema.Violation
	if err := h.awaitViolation(); !errors.As(err, &viol) || viol.Field != "/count" {
		t.Fatalf("violation = %v", err)
	}
	if _, ok := h.inst.State(); ok {
		t.Fatal("state must stay unknown")
	}
}

func TestLastRenderWins(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":10}`)
	h.render(`{"count":2}`)
	h.awaitRender()
	h.awaitRender()
	if state, _ := h.inst.State(); state.Count != 2 {
		t.Fatalf("state = %+v; want count 2", state)
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":7}`)
	first := h.awaitRender()
	s1, _ := h.inst.State()
	h.render(`{"count":7}`)
	second := h.awaitRender()
	s2, _ := h.inst.State()
	if first != second || s1 != s2 {
		t.Fatalf("states differ: %+v %+v", s1, s2)
	}
}

func TestForeignMessagesIgnored(t *testing.T) {
	h := newHarness(t, Authoritative)
	for _, raw := range []string{
		`{"type":"bridge:render","args":{"count":1}}`,
		`{"isBridgeMessage":true,"type":"bridge:renderLater","args":{"count":1}}`,
		`{"isBridgeMessage":true,"type":"bridge:componentChanged","count":1}`,
		`hello`,
	} {
		_ = h.bus.Post([]byte(raw))
	}
	h.render(`{"count":4}`)
	if got := h.awaitRender(); got.Count != 4 {
		t.Fatalf("rendered %+v", got)
	}
	select {
	case c := <-h.rendered:
		t.Fatalf("unexpected extra render %+v", c)
	case err := <-h.violations:
		t.Fatalf("unexpected violation %v", err)
	default:
	}
}

func TestAuthoritativeSetStateWaitsForHost(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.render(`{"count":3}`)
	h.awaitRender()
	h.nextSent() // ready

	if err := h.inst.SetState(counter{Count: 4}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	env := h.nextSent()
	if env.Kind != protocol.KindChanged {
		t.Fatalf("kind = %s", env.Kind)
	}
	if string(env.Payload()) != `{"count":4}` {
		t.Fatalf("payload = %s", env.Payload())
	}
	h.inst.flush()
	if state, _ := h.inst.State(); state.Count != 3 {
		t.Fatalf("state = %+v; host has not rendered yet", state)
	}
}

func TestOptimisticSetStateAppliesLocally(t *testing.T) {
	h := newHarness(t, Optimistic)
	if err := h.inst.SetState(counter{Count: 9}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	h.inst.flush()
	if state, ok := h.inst.State(); !ok || state.Count != 9 {
		t.Fatalf("state = %+v ok=%v", state, ok)
	}
	h.render(`{"count":1}`)
	h.awaitRender()
	if state, _ := h.inst.State(); state.Count != 1 {
		t.Fatalf("host render should overwrite optimistic state, got %+v", state)
	}
}

func TestSetStateRejectsReservedFields(t *testing.T) {
	bus := loopback.New()
	defer bus.Close()
	inst, err := New(Options[map[string]any]{
		Transport: bus,
		Validator: schema.New[map[string]any](counterShape(), schema.Tolerant),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer inst.Close()
	if err := inst.SetState(map[string]any{"type": "x"}); !errors.Is(err, protocol.ErrReservedField) {
		t.Fatalf("err = %v", err)
	}
}

func TestHeightReportsAreDebounced(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.nextSent() // ready

	for _, px := range []int{100, 120, 140, 180} {
		h.inst.ObserveHeight(px)
		h.inst.flush()
		h.clock.Advance(20 * time.Millisecond)
	}
	h.inst.flush()
	h.clock.Advance(100 * time.Millisecond)

	env := h.nextSent()
	if env.Kind != protocol.KindSetFrameHeight {
		t.Fatalf("kind = %s", env.Kind)
	}
	var px int
	if err := env.DecodeField("height", &px); err != nil || px != 180 {
		t.Fatalf("height = %d err %v", px, err)
	}
	h.inst.flush()
	select {
	case extra := <-h.sent:
		t.Fatalf("unexpected extra envelope %s", extra.Kind)
	default:
	}
}

func TestCloseCancelsPendingResize(t *testing.T) {
	h := newHarness(t, Authoritative)
	h.nextSent() // ready

	h.inst.ObserveHeight(300)
	h.inst.flush()
	if h.clock.Active() != 1 {
		t.Fatalf("active timers = %d; want 1", h.clock.Active())
	}
	if err := h.inst.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.clock.Active() != 0 {
		t.Fatalf("timer survived close")
	}
	h.clock.Advance(time.Second)
	select {
	case env := <-h.sent:
		t.Fatalf("sent %s after close", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if err := h.inst.SetState(counter{Count: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("set state after close = %v", err)
	}
}

func newBareInstance(t *testing.T, bus *loopback.Bus, clock *resizetest.Clock, onRender func(counter), onViolation func(error)) *Instance[counter] {
	t.Helper()
	inst, err := New(Options[counter]{
		Transport:   bus,
		Validator:   schema.New[counter](counterShape(), schema.Tolerant),
		AfterFunc:   clock.AfterFunc,
		OnRender:    onRender,
		OnViolation: onViolation,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func postRender(t *testing.T, bus *loopback.Bus, args string) {
	t.Helper()
	raw := []byte(`{"isBridgeMessage":true,"type":"bridge:render","args":` + args + `}`)
	if err := bus.Post(raw); err != nil {
		t.Fatalf("post render: %v", err)
	}
}

func TestSetStateFromRenderHookUnderLoad(t *testing.T) {
	const renders = 200
	bus := loopback.New()
	t.Cleanup(func() { _ = bus.Close() })

	changed := make(chan struct{}, renders)
	_, err := bus.Subscribe(func(d []byte) error {
		if env, err := protocol.Decode(d); err == nil && env.Kind == protocol.KindChanged {
			changed <- struct{}{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	applied := make(chan int, renders)
	var inst *Instance[counter]
	inst = newBareInstance(t, bus, &resizetest.Clock{}, func(c counter) {
		if err := inst.SetState(counter{Count: c.Count + 1}); err != nil {
			t.Errorf("set state from hook: %v", err)
		}
		applied <- c.Count
	}, nil)

	for i := 0; i < renders; i++ {
		postRender(t, bus, fmt.Sprintf(`{"count":%d}`, i))
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < renders; i++ {
		select {
		case got := <-applied:
			if got != i {
				t.Fatalf("render %d applied as %d", i, got)
			}
		case <-deadline:
			t.Fatalf("event loop stuck after %d renders", i)
		}
	}
	for i := 0; i < renders; i++ {
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("only %d of %d changes sent", i, renders)
		}
	}
	if got, _ := inst.State(); got.Count != renders-1 {
		t.Fatalf("state = %d; want %d", got.Count, renders-1)
	}
}

func TestCloseFromHookReturns(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{"render", `{"count":1}`},
		{"violation", `{"count":"lots"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := loopback.New()
			t.Cleanup(func() { _ = bus.Close() })
			clock := &resizetest.Clock{}

			closed := make(chan error, 1)
			var inst *Instance[counter]
			closeFromHook := func() { closed <- inst.Close() }
			inst = newBareInstance(t, bus, clock,
				func(counter) { closeFromHook() },
				func(error) { closeFromHook() })

			inst.ObserveHeight(300)
			inst.flush()
			if clock.Active() != 1 {
				t.Fatalf("active timers = %d; want 1", clock.Active())
			}

			postRender(t, bus, tc.args)
			select {
			case err := <-closed:
				if err != nil {
					t.Fatalf("close: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("close from hook did not return")
			}

			select {
			case <-inst.exited:
			case <-time.After(2 * time.Second):
				t.Fatal("event loop kept running after close")
			}
			if clock.Active() != 0 {
				t.Fatal("timer survived close")
			}
			if err := inst.SetState(counter{Count: 2}); !errors.Is(err, ErrClosed) {
				t.Fatalf("set state after close = %v", err)
			}
			if err := inst.Close(); err != nil {
				t.Fatalf("second close: %v", err)
			}
		})
	}
}

type countingTransport struct {
	transport.Transport
	subscribed   int
	unsubscribed int
}

func (c *countingTransport) Subscribe(h transport.Handler) (transport.Subscription, error) {
	sub, err := c.Transport.Subscribe(h)
	if err != nil {
		return nil, err
	}
	c.subscribed++
	return transport.SubscriptionFunc(func() error {
		c.unsubscribed++
		return sub.Unsubscribe()
	}), nil
}

func TestSubscriptionReleasedOnClose(t *testing.T) {
	bus := loopback.New()
	defer bus.Close()
	ct := &countingTransport{Transport: bus}
	inst, err := New(Options[counter]{
		Transport: ct,
		Validator: schema.New[counter](counterShape(), schema.Tolerant),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = inst.Close()
	_ = inst.Close()
	if ct.subscribed != 1 || ct.unsubscribed != 1 {
		t.Fatalf("subscribed=%d unsubscribed=%d; want 1/1", ct.subscribed, ct.unsubscribed)
	}
}

type failingTransport struct{}

func (failingTransport) Post([]byte) error { return transport.ErrUnavailable }
func (failingTransport) Subscribe(transport.Handler) (transport.Subscription, error) {
	return nil, transport.ErrUnavailable
}

func TestNewValidatesOptions(t *testing.T) {
	bus := loopback.New()
	defer bus.Close()

	if _, err := New(Options[counter]{Validator: schema.New[counter](counterShape(), schema.Tolerant)}); err == nil {
		t.Fatal("expected error without transport")
	}
	if _, err := New(Options[counter]{Transport: bus}); err == nil {
		t.Fatal("expected error without validator")
	}
	_, err := New(Options[counter]{Transport: bus, Validator: schema.New[counter](counterShape(), schema.Strict)})
	if !errors.Is(err, ErrStrictValidator) {
		t.Fatalf("err = %v; want ErrStrictValidator", err)
	}
	_, err = New(Options[counter]{Transport: failingTransport{}, Validator: schema.New[counter](counterShape(), schema.Tolerant)})
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable", err)
	}
}

func TestPostFailureIsNotFatal(t *testing.T) {
	bus := loopback.New()
	inst, err := New(Options[counter]{
		Transport: &closedPoster{Transport: bus},
		Validator: schema.New[counter](counterShape(), schema.Tolerant),
	})
	if err != nil {
		t.Fatalf("new should survive an unreachable host: %v", err)
	}
	defer inst.Close()
	defer bus.Close()
	if err := inst.SetState(counter{Count: 1}); err != nil {
		t.Fatalf("set state: %v", err)
	}
}

type closedPoster struct{ transport.Transport }

func (closedPoster) Post([]byte) error { return transport.ErrUnavailable }

func TestIncrementScenarioWithMockHost(t *testing.T) {
	h := newHarness(t, Authoritative)

	ready := h.nextSent()
	var v int
	_ = ready.DecodeField("apiVersion", &v)
	if ready.Kind != protocol.KindReady || v != 1 {
		t.Fatalf("ready = %s apiVersion=%d", ready.Kind, v)
	}

	h.render(`{"count":3}`)
	h.awaitRender()

	mock, err := mockhost.New(h.bus, schema.New[counter](counterShape(), schema.Strict))
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if err := mock.Start(); err != nil {
		t.Fatalf("mock start: %v", err)
	}
	defer mock.Close()

	state, _ := h.inst.State()
	if err := h.inst.SetState(counter{Count: state.Count + 1}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	changed := h.nextSent()
	var payload counter
	_ = json.Unmarshal(changed.Payload(), &payload)
	if changed.Kind != protocol.KindChanged || payload.Count != 4 {
		t.Fatalf("changed = %s %s", changed.Kind, changed.Payload())
	}
	if got := h.awaitRender(); got.Count != 4 {
		t.Fatalf("echoed render = %+v", got)
	}
	if state, _ := h.inst.State(); state.Count != 4 {
		t.Fatalf("state = %+v; want 4", state)
	}

	if err := mock.SendRender(counter{Count: 3}); err != nil {
		t.Fatalf("send render: %v", err)
	}
	if got := h.awaitRender(); got.Count != 3 {
		t.Fatalf("mock render = %+v", got)
	}
}

func TestMockLoopFromUnknownState(t *testing.T) {
	h := newHarness(t, Authoritative)
	mock, _ := mockhost.New(h.bus, schema.New[counter](counterShape(), schema.Strict))
	_ = mock.Start()
	defer mock.Close()

	_ = h.inst.SetState(counter{Count: 5})
	if got := h.awaitRender(); got.Count != 5 {
		t.Fatalf("render = %+v", got)
	}
	if state, ok := h.inst.State(); !ok || state.Count != 5 {
		t.Fatalf("state = %+v ok=%v", state, ok)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": Authoritative, "authoritative": Authoritative, "optimistic": Optimistic} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("eager"); err == nil {
		t.Fatal("expected error")
	}
}
