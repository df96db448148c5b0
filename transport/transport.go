// transport.go - Stream transport interfaces and frame exchange.
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
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilpost/veilpost/core/worker"
	"github.com/veilpost/veilpost/shaper"
)

// acceptBackoff is how long the accept loop pauses after a transient
// accept failure before trying again.
const acceptBackoff = time.Second

// ErrFrameTooLarge is returned for an inbound byte stream exceeding
// the largest accepted frame size.
var ErrFrameTooLarge = errors.New("transport: inbound frame too large")

// Dialer opens a stream to a service address.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// Listener accepts streams bound to one of our service addresses.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() string
}

// SendFrame delivers exactly one shaped frame to address: dial, write,
// close.  One frame per connection keeps frame boundaries unambiguous
// and leaks no intra-connection timing.
func SendFrame(ctx context.Context, d Dialer, address string, frame []byte) error {
	conn, err := d.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame)
	return err
}

// ReadFrame consumes a connection's entire payload as one frame,
// bounded by the largest accepted frame size.
func ReadFrame(conn net.Conn) ([]byte, error) {
	limit := shaper.FrameLarge + 1
	frame, err := io.ReadAll(io.LimitReader(conn, int64(limit)))
	if err != nil {
		return nil, err
	}
	if len(frame) > shaper.FrameLarge {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

// FrameHandler consumes one inbound frame.
type FrameHandler func(frame []byte)

// Server accepts connections on a Listener and hands each inbound
// frame to the handler.
type Server struct {
	worker.Worker

	log     *logging.Logger
	l       Listener
	handler FrameHandler
}

// NewServer creates a Server and starts its accept loop.
func NewServer(log *logging.Logger, l Listener, handler FrameHandler) *Server {
	s := &Server{
		log:     log,
		l:       l,
		handler: handler,
	}
	s.Go(s.acceptLoop)
	return s
}

// Shutdown closes the listener and halts the accept loop.
func (s *Server) Shutdown() {
	s.l.Close()
	s.Halt()
}

func (s *Server) acceptLoop() {
	defer s.l.Close()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			if e, ok := err.(net.Error); ok && e.Temporary() {
				s.log.Warningf("accept failed, retrying: %v", err)
				if !s.Sleep(acceptBackoff) {
					return
				}
				continue
			}
			s.log.Warningf("accept failed: %v", err)
			return
		}
		s.Go(func() {
			defer conn.Close()
			frame, err := ReadFrame(conn)
			if err != nil {
				s.log.Warningf("inbound frame rejected: %v", err)
				return
			}
			s.handler(frame)
		})
	}
}
