// address.go - Deterministic service address derivation.
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

// Package transport provides the stream transport the wake protocol
// rides on: hidden-service-style addressing derived from the account
// root secret, a SOCKS5 dialer for anonymity network proxies, and an
// in-memory loopback network for tests.
package transport

import (
	"encoding/base32"
	"strings"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// Address labels.  Each identity exposes three independent inbound
// addresses so that knowing one does not reveal the others.
const (
	// LabelDiscovery is the address shared out-of-band, e.g. via a
	// scannable code.
	LabelDiscovery = "discovery"

	// LabelRequestInbound receives contact establishment requests.
	LabelRequestInbound = "request-inbound"

	// LabelMessageInbound receives wake protocol traffic from
	// established contacts.
	LabelMessageInbound = "message-inbound"
)

var addrEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DeriveAddress deterministically derives the service address for one
// of the labels from the account root secret.  The address is the
// base32 form of the hash of a label-specific service signing key, so
// the three addresses are unlinkable without the root secret.
func DeriveAddress(rootSecret []byte, label string) string {
	seed := hash.Sum256(append([]byte(label+":"), rootSecret...))
	pub, priv := ed25519.Scheme().DeriveKey(seed[:])
	defer func() {
		// The service private half is rederived by the hosting side
		// when it binds; the address derivation needs only the hash.
		priv.(*ed25519.PrivateKey).Reset()
	}()
	sum := hash.Sum256(pub.(*ed25519.PublicKey).Bytes())
	return strings.ToLower(addrEncoding.EncodeToString(sum[:20])) + ".vp"
}

// Addresses bundles the three per-identity service addresses.
type Addresses struct {
	Discovery      string
	RequestInbound string
	MessageInbound string
}

// DeriveAddresses derives all three addresses from the root secret.
func DeriveAddresses(rootSecret []byte) *Addresses {
	return &Addresses{
		Discovery:      DeriveAddress(rootSecret, LabelDiscovery),
		RequestInbound: DeriveAddress(rootSecret, LabelRequestInbound),
		MessageInbound: DeriveAddress(rootSecret, LabelMessageInbound),
	}
}
