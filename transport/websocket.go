/*
 *	subrpc is a JSON-RPC 2.0 subscription client.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// DefaultOrigin is sent when no origin has been configured
const DefaultOrigin = "http://localhost/"

// WSOption configures a WebSocket connection
type WSOption func(*wsOptions)

type wsOptions struct {
	origin string
	token  string
	binary bool
	header http.Header
	tls    *tls.Config
}

// WithOrigin sets the Origin header of the handshake
func WithOrigin(origin string) WSOption {
	return func(o *wsOptions) { o.origin = origin }
}

// WithToken sends the token as a bearer token
// in the Authorization header of the handshake
func WithToken(token string) WSOption {
	return func(o *wsOptions) { o.token = token }
}

// WithBinary sends messages as binary frames instead of text frames.
// This is required for binary codecs such as msgpack.
func WithBinary(binary bool) WSOption {
	return func(o *wsOptions) { o.binary = binary }
}

// WithHeader adds a header to the handshake request
func WithHeader(key, value string) WSOption {
	return func(o *wsOptions) { o.header.Add(key, value) }
}

// WithTLSConfig sets the TLS configuration used for wss:// URLs
func WithTLSConfig(cfg *tls.Config) WSOption {
	return func(o *wsOptions) { o.tls = cfg }
}

// WebSocket is a Transport over a WebSocket connection
type WebSocket struct {
	conn   *websocket.Conn
	binary bool

	sendMtx  sync.Mutex
	closeErr error
	once     sync.Once
}

// DialWebSocket opens a WebSocket connection to the given URL
func DialWebSocket(ctx context.Context, url string, opts ...WSOption) (*WebSocket, error) {
	o := wsOptions{
		origin: DefaultOrigin,
		header: http.Header{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Create new WebSocket config
	cfg, err := websocket.NewConfig(url, o.origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Version = websocket.ProtocolVersionHybi13
	cfg.TlsConfig = o.tls

	for key, vals := range o.header {
		for _, val := range vals {
			cfg.Header.Add(key, val)
		}
	}
	if o.token != "" {
		cfg.Header.Set("Authorization", "Bearer "+o.token)
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	return NewWebSocket(conn, o.binary), nil
}

// NewWebSocket wraps an already established connection
func NewWebSocket(conn *websocket.Conn, binary bool) *WebSocket {
	if binary {
		conn.PayloadType = websocket.BinaryFrame
	}
	return &WebSocket{conn: conn, binary: binary}
}

// Send writes data as a single WebSocket message
func (ws *WebSocket) Send(ctx context.Context, data []byte) error {
	// Frames from concurrent senders must not interleave
	ws.sendMtx.Lock()
	defer ws.sendMtx.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		ws.conn.SetWriteDeadline(dl)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}

	var err error
	if ws.binary {
		err = websocket.Message.Send(ws.conn, data)
	} else {
		err = websocket.Message.Send(ws.conn, string(data))
	}
	return ws.wrapErr(err)
}

// Recv reads a single WebSocket message
func (ws *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	// Unblock the read if the context ends first
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		ws.conn.SetReadDeadline(time.Now())
		close(fired)
	})
	defer func() {
		// The deadline must not outlive this call
		if !stop() {
			<-fired
			ws.conn.SetReadDeadline(time.Time{})
		}
	}()

	var data []byte
	err := websocket.Message.Receive(ws.conn, &data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ws.wrapErr(err)
	}
	return data, nil
}

// Close closes the connection
func (ws *WebSocket) Close() error {
	ws.once.Do(func() {
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}

func (ws *WebSocket) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
