package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a duplex connection to another node that carries whole
// frames. Implementations must preserve send order.
type Transport interface {
	Send(f *Frame) error
	Recv() (*Frame, error)
	Close() error
}

// wsTransport frames messages over a websocket connection; the websocket
// layer supplies discrete-message framing so frames never interleave.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(f *Frame) error {
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Recv() (*Frame, error) {
	var f Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Dialer opens outbound transports to remote nodes. The connect timeout
// is bounded so a hung dial cannot leak pending link state.
type Dialer struct {
	ConnectTimeout time.Duration
}

// Dial connects to a remote node's backplane endpoint.
func (d *Dialer) Dial(ctx context.Context, address string, port int) (Transport, error) {
	url := fmt.Sprintf("ws://%s:%d/backplane", address, port)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.ConnectTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node at %s: %w", url, err)
	}
	return NewWebsocketTransport(conn), nil
}
