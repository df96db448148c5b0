// socks.go - SOCKS5 upstream dialer.
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
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	typeTorSocks5 = "tor+socks5"
	typeSocks5    = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	maxSocks5AuthLen = 255

	// servicePort is the port hidden-service-style addresses listen
	// on behind the anonymity proxy.
	servicePort = "4242"
)

var torSocks5ProcessIsolation string

// SOCKSConfig is the upstream proxy configuration.
type SOCKSConfig struct {
	// Type is the proxy type ("socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network ("unix", "tcp").
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	auth *proxy.Auth
}

// FixupAndValidate applies defaults to config entries and validates
// the supplied configuration.
func (cfg *SOCKSConfig) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case typeSocks5, typeTorSocks5:
		uLen, pLen := len(cfg.User), len(cfg.Password)
		if uLen > maxSocks5AuthLen {
			return fmt.Errorf("transport: User too long")
		}
		if pLen > maxSocks5AuthLen {
			return fmt.Errorf("transport: Password too long")
		}
		if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
			return fmt.Errorf("transport: both User and Password must be specified")
		}
		if uLen != 0 && pLen != 0 {
			if cfg.Type == typeTorSocks5 {
				return fmt.Errorf("transport: Tor SOCKS5 conflicts with setting User/Password")
			}
			cfg.auth = &proxy.Auth{
				User:     cfg.User,
				Password: cfg.Password,
			}
		}

		cfg.Network = strings.ToLower(cfg.Network)
		switch cfg.Network {
		case netTCP, netUnix:
		default:
			return fmt.Errorf("transport: Network '%v' is invalid", cfg.Network)
		}
	default:
		return fmt.Errorf("transport: Type '%v' is invalid", cfg.Type)
	}
	return nil
}

// NewSOCKSDialer creates a Dialer that reaches service addresses via
// the configured SOCKS5 proxy.  For Tor, each destination address gets
// its own stream isolation tag.
func NewSOCKSDialer(cfg *SOCKSConfig) Dialer {
	return &socksDialer{cfg: cfg}
}

type socksDialer struct {
	cfg *SOCKSConfig
}

func (d *socksDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	auth := d.cfg.auth
	if d.cfg.Type == typeTorSocks5 {
		auth = &proxy.Auth{}

		// Craft a SOCKSPort isolation entry from the destination,
		// jammed into the User/Password.
		sum := sha512.Sum512_256([]byte(address))
		auth.User = torSocks5ProcessIsolation + hex.EncodeToString(sum[:16])
		auth.Password = string([]byte{0x00})
	}

	fwdDialer := &contextDialer{
		ctx:    ctx,
		connCh: make(chan net.Conn),
	}
	defer close(fwdDialer.connCh)

	socksDialer, err := proxy.SOCKS5(d.cfg.Network, d.cfg.Address, auth, fwdDialer)
	if err != nil {
		return nil, err
	}
	go func() {
		// Wait for the forward dial process to finish.
		conn, ok := <-fwdDialer.connCh
		if !ok {
			return
		}

		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case <-fwdDialer.connCh:
		}
	}()

	return socksDialer.Dial(netTCP, net.JoinHostPort(address, servicePort))
}

type contextDialer struct {
	ctx    context.Context
	connCh chan net.Conn
}

func (c *contextDialer) Dial(network, address string) (net.Conn, error) {
	directDialer := &net.Dialer{}
	conn, err := directDialer.DialContext(c.ctx, network, address)
	c.connCh <- conn
	return conn, err
}

func init() {
	// Initialize the per-process Tor SOCKS isolation tag.
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	sum := sha512.Sum512_256(buf[:])
	torSocks5ProcessIsolation = "veilpost:" + hex.EncodeToString(sum[:8]) + ":"
}
