package realtime

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"
)

// Conn is one live transport connection. Implementations are not required
// to be safe for concurrent writers; the Channel serializes access.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens transport connections. Abstracted so the engine is testable
// without a network; production uses the websocket dialer below.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the push endpoint over a websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wd := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := wd.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
