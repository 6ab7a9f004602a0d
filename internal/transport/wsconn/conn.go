// Package wsconn is the frame side of a WebSocket connection to a host.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("websocket transport closed")

// Conn delivers every text frame the host sends to its subscribers, in order,
// on a single reader goroutine.
type Conn struct {
	conn *websocket.Conn
	log  zerolog.Logger
	subs transport.Fanout

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a host endpoint such as ws://host:8080/ws/frame?frame_id=x.
func Dial(ctx context.Context, url, authToken string) (*Conn, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	log := logx.Component("wsconn").With().Str("url", url).Logger()
	log.Info().Msg("dial host")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", url, err)
	}
	log.Info().Msg("host connected")
	return newConn(conn, log), nil
}

func newConn(conn *websocket.Conn, log zerolog.Logger) *Conn {
	c := &Conn{conn: conn, log: log, done: make(chan struct{})}
	go c.read()
	return c
}

func (c *Conn) Post(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (c *Conn) Subscribe(h transport.Handler) (transport.Subscription, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	return c.subs.Add(h), nil
}

// Done is closed once the connection has gone away.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "frame closed"))
		c.writeMu.Unlock()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) read() {
	defer func() {
		c.closeOnce.Do(func() {
			_ = c.conn.Close()
			close(c.done)
		})
		c.log.Info().Msg("host disconnected")
	}()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("recv host->frame failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.subs.Deliver(data, c.log)
	}
}
