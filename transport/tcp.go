// tcp.go - TCP-backed network for daemon deployments.
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
	"fmt"
	"net"
)

// TCPNetwork dials peers through the configured Dialer and binds our
// own service addresses to local TCP listen addresses.  The anonymity
// daemon forwards each hidden service to the mapped local port, the
// usual onion service arrangement.
type TCPNetwork struct {
	dialer Dialer
	binds  map[string]string
}

// NewTCPNetwork creates a TCPNetwork.  binds maps a derived service
// address to the local "host:port" its listener binds.
func NewTCPNetwork(dialer Dialer, binds map[string]string) *TCPNetwork {
	return &TCPNetwork{dialer: dialer, binds: binds}
}

// Dial opens a stream to a peer's service address.
func (n *TCPNetwork) Dial(ctx context.Context, address string) (net.Conn, error) {
	return n.dialer.Dial(ctx, address)
}

// Listen binds the local TCP endpoint mapped to the service address.
func (n *TCPNetwork) Listen(address string) (Listener, error) {
	local, ok := n.binds[address]
	if !ok {
		return nil, fmt.Errorf("transport: no local bind for '%v'", address)
	}
	l, err := net.Listen(netTCP, local)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l, addr: address}, nil
}

type tcpListener struct {
	l    net.Listener
	addr string
}

func (l *tcpListener) Accept() (net.Conn, error) {
	return l.l.Accept()
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}

func (l *tcpListener) Addr() string {
	return l.addr
}

// DirectDialer dials peers without a proxy, for development use.
type DirectDialer struct{}

// Dial opens a direct TCP stream to the address.
func (DirectDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, netTCP, net.JoinHostPort(address, servicePort))
}
