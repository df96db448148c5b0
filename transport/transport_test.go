// transport_test.go - Transport tests.
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
	"io"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/veilpost/veilpost/core/log"
	"github.com/veilpost/veilpost/shaper"
)

func TestDeriveAddresses(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	a := DeriveAddresses(secret)
	require.NotEqual(t, a.Discovery, a.RequestInbound)
	require.NotEqual(t, a.RequestInbound, a.MessageInbound)
	require.NotEqual(t, a.Discovery, a.MessageInbound)

	// Derivation is deterministic.
	b := DeriveAddresses(secret)
	require.Equal(t, a, b)

	// And sensitive to the root secret.
	secret[0] ^= 0xff
	c := DeriveAddresses(secret)
	require.NotEqual(t, a.Discovery, c.Discovery)
}

func TestLoopbackFrameExchange(t *testing.T) {
	lb := NewLoopback()
	backend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)

	l, err := lb.Listen("peer.vp")
	require.NoError(t, err)

	frameCh := make(chan []byte, 1)
	srv := NewServer(backend.GetLogger("server"), l, func(frame []byte) {
		frameCh <- frame
	})
	defer srv.Shutdown()

	frame, err := shaper.Shape(rand.Reader, []byte("over the pipe"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, SendFrame(ctx, lb, "peer.vp", frame))

	select {
	case got := <-frameCh:
		require.Equal(t, frame, got)
		payload, err := shaper.Unshape(got)
		require.NoError(t, err)
		require.Equal(t, []byte("over the pipe"), payload)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}

	// Unbound addresses refuse dials.
	err = SendFrame(ctx, lb, "nobody.vp", frame)
	require.Equal(t, ErrNoSuchAddress, err)
}

func TestLoopbackListenerClose(t *testing.T) {
	lb := NewLoopback()
	l, err := lb.Listen("gone.vp")
	require.NoError(t, err)
	require.Equal(t, "gone.vp", l.Addr())
	require.NoError(t, l.Close())

	_, err = l.Accept()
	require.Equal(t, ErrListenerClosed, err)

	ctx := context.Background()
	_, err = lb.Dial(ctx, "gone.vp")
	require.Equal(t, ErrNoSuchAddress, err)

	// The address can be rebound after close.
	_, err = lb.Listen("gone.vp")
	require.NoError(t, err)
}

func TestSOCKSConfigValidation(t *testing.T) {
	cfg := &SOCKSConfig{Type: "socks5", Network: "tcp", Address: "127.0.0.1:9050"}
	require.NoError(t, cfg.FixupAndValidate())

	cfg = &SOCKSConfig{Type: "tor+socks5", Network: "tcp", Address: "127.0.0.1:9050", User: "u", Password: "p"}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &SOCKSConfig{Type: "socks5", Network: "tcp", Address: "x", User: "u"}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &SOCKSConfig{Type: "carrier-pigeon"}
	require.Error(t, cfg.FixupAndValidate())
}
