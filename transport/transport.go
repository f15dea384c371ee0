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

// Package transport provides message-oriented duplex connections
// for the subrpc client.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// Transport is a message-oriented duplex connection. Every Send
// transmits one whole message, and every Recv returns one.
//
// Send may be called concurrently with Recv, and from multiple
// goroutines. Recv is only ever called from a single goroutine.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Pipe creates a synchronous, in-memory, full duplex connection.
// Messages sent on one end are received on the other.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte)
	ba := make(chan []byte)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipe{send: ab, recv: ba, done: done, once: once}
	b := &pipe{send: ba, recv: ab, done: done, once: once}
	return a, b
}

type pipe struct {
	send chan<- []byte
	recv <-chan []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipe) Send(ctx context.Context, data []byte) error {
	// Copy data so the caller may reuse its buffer
	msg := append([]byte(nil), data...)

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends of the pipe
func (p *pipe) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}
