package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/HsiangNianian/framebridge/internal/config"
	"github.com/HsiangNianian/framebridge/internal/frame"
	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/mockhost"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/HsiangNianian/framebridge/internal/transport/loopback"
	"github.com/HsiangNianian/framebridge/internal/transport/natsbus"
	"github.com/HsiangNianian/framebridge/internal/transport/wsconn"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
)

func counterShape() *openapi3.Schema {
	return schema.Object(map[string]*openapi3.Schema{
		"count": openapi3.NewIntegerSchema().WithDefault(0),
	})
}

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a JSON config file (comments allowed)")
	logPath := flag.String("log", "", "write logs to this file; the terminal belongs to the UI")
	flag.Parse()

	if err := run(*configPath, *logPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, logPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var logOut io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logx.ConfigureOutput(cfg.LogLevel, logOut)

	shape := counterShape()
	if cfg.SchemaPath != "" {
		if shape, err = schema.Load(cfg.SchemaPath); err != nil {
			return err
		}
	}
	policy, err := frame.ParsePolicy(cfg.Frame.Policy)
	if err != nil {
		return err
	}
	frameID := cfg.Frame.FrameID
	if frameID == "" {
		frameID = uuid.NewString()
	}

	t, host, cleanup, err := openTransport(cfg, frameID, shape)
	if err != nil {
		return err
	}
	defer cleanup()

	renders := make(chan counterState, 16)
	violations := make(chan error, 16)
	inst, err := frame.New(frame.Options[counterState]{
		ID:          frameID,
		Transport:   t,
		Validator:   schema.New[counterState](shape, schema.Tolerant),
		APIVersion:  cfg.Frame.APIVersion,
		Policy:      policy,
		ResizeDelay: cfg.ResizeDelay(),
		OnRender:    func(s counterState) { offer(renders, s) },
		OnViolation: func(err error) { offer(violations, err) },
	})
	if err != nil {
		return err
	}
	defer inst.Close()

	var pusher hostPusher
	if host != nil {
		pusher = host
	}
	p := tea.NewProgram(newModel(frameID, cfg.Frame.Transport, inst, pusher, renders, violations), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// offer never blocks the frame's event loop; the UI may already be gone.
func offer[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// openTransport connects the frame the way cfg asks. The mock host is only
// returned in mock mode.
func openTransport(cfg config.Config, frameID string, shape *openapi3.Schema) (transport.Transport, *mockhost.MockHost[counterState], func(), error) {
	switch cfg.Frame.Transport {
	case config.TransportWS:
		u, err := url.Parse(cfg.Frame.HostURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse host url: %w", err)
		}
		q := u.Query()
		q.Set("frame_id", frameID)
		u.RawQuery = q.Encode()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := wsconn.Dial(ctx, u.String(), cfg.Server.AuthToken)
		if err != nil {
			return nil, nil, nil, err
		}
		return conn, nil, func() { _ = conn.Close() }, nil
	case config.TransportNATS:
		nc, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		return natsbus.New(nc, natsbus.Subject(cfg.NATS.SubjectPrefix, frameID)), nil, nc.Close, nil
	default:
		bus := loopback.New()
		mock, err := mockhost.New(bus, schema.New[counterState](shape, schema.Strict))
		if err != nil {
			_ = bus.Close()
			return nil, nil, nil, err
		}
		if err := mock.Start(); err != nil {
			_ = bus.Close()
			return nil, nil, nil, err
		}
		return bus, mock, func() {
			_ = mock.Close()
			_ = bus.Close()
		}, nil
	}
}
