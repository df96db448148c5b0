// loopback.go - In-memory loopback network.
// Copyright (C) 2025  The veilpost authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

var (
	// ErrNoSuchAddress is returned when dialing an unbound loopback
	// address.
	ErrNoSuchAddress = errors.New("transport: no listener at address")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// Loopback is an in-memory network keyed by service address, standing
// in for the anonymity network in tests and local development.
type Loopback struct {
	sync.Mutex
	listeners map[string]*loopListener
}

// NewLoopback creates an empty loopback network.
func NewLoopback() *Loopback {
	return &Loopback{listeners: make(map[string]*loopListener)}
}

// Listen binds address on the loopback network.
func (n *Loopback) Listen(address string) (Listener, error) {
	n.Lock()
	defer n.Unlock()
	if _, ok := n.listeners[address]; ok {
		return nil, errors.New("transport: address already bound")
	}
	l := &loopListener{
		n:       n,
		addr:    address,
		connCh:  make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	n.listeners[address] = l
	return l, nil
}

// Dial connects to a bound loopback address.
func (n *Loopback) Dial(ctx context.Context, address string) (net.Conn, error) {
	n.Lock()
	l, ok := n.listeners[address]
	n.Unlock()
	if !ok {
		return nil, ErrNoSuchAddress
	}

	client, server := net.Pipe()
	select {
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	case <-l.closeCh:
		client.Close()
		server.Close()
		return nil, ErrNoSuchAddress
	case l.connCh <- server:
		return client, nil
	}
}

type loopListener struct {
	n    *Loopback
	addr string

	connCh  chan net.Conn
	closeCh chan struct{}

	closeOnce sync.Once
}

func (l *loopListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

func (l *loopListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.n.Lock()
		delete(l.n.listeners, l.addr)
		l.n.Unlock()
	})
	return nil
}

func (l *loopListener) Addr() string {
	return l.addr
}
