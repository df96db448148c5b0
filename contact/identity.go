// identity.go - Long-term identity keys and custody.
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

// Package contact provides long-term identities, the contact address
// book, and the three phase contact establishment protocol that
// bootstraps a ratchet session between two peers.
package contact

import (
	"errors"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// KEMSchemeName selects the KEM used for the post-quantum half of the
// hybrid exchange and for ratchet re-key steps.
const KEMSchemeName = "MLKEM768"

// ErrRootSecretSize is returned when an identity is derived from a
// root secret that is not 32 bytes.
var ErrRootSecretSize = errors.New("contact: root secret must be 32 bytes")

// Key derivation labels.  Each long-term key is bound to its own label
// so the keys are independent given the root secret.
const (
	labelSigning  = "identity-signing"
	labelExchange = "identity-exchange"
	labelKEMLeft  = "identity-kem-seed-left"
	labelKEMRight = "identity-kem-seed-right"
)

// KeyCustody exposes the operations the establishment protocol needs
// from the long-term private keys without exposing the key bytes.  A
// hardware-backed implementation can satisfy this without the private
// halves ever entering process memory.
type KeyCustody interface {
	// SignIdentity signs msg with the long-term signing key.
	SignIdentity(msg []byte) []byte

	// SigningPublic returns the long-term signing public key.
	SigningPublic() *ed25519.PublicKey

	// ExchangePublic returns the long-term exchange public key.
	ExchangePublic() nike.PublicKey

	// KEMPublic returns the long-term KEM public key.
	KEMPublic() kem.PublicKey

	// DeriveExchangeSecret computes the classical shared secret
	// between our exchange key and the peer's exchange public key.
	DeriveExchangeSecret(peer nike.PublicKey) []byte

	// KEMDecapsulate recovers the shared secret from a ciphertext
	// encapsulated against our KEM public key.
	KEMDecapsulate(ct []byte) ([]byte, error)

	// Wipe destroys the private key material.
	Wipe()
}

// Identity is the software KeyCustody: all three long-term keypairs,
// deterministically derived from the 32 byte account root secret.
type Identity struct {
	signingPublic  *ed25519.PublicKey
	signingPrivate *ed25519.PrivateKey

	nikeScheme      nike.Scheme
	exchangePublic  nike.PublicKey
	exchangePrivate nike.PrivateKey

	kemScheme  kem.Scheme
	kemPublic  kem.PublicKey
	kemPrivate kem.PrivateKey
}

var _ KeyCustody = (*Identity)(nil)

func deriveSeed(rootSecret []byte, label string) []byte {
	sum := hash.Sum256(append([]byte(label+":"), rootSecret...))
	return sum[:]
}

// NewIdentity derives the three long-term keypairs from the root
// secret.  Derivation is deterministic so the same secret always
// yields the same identity.
func NewIdentity(rootSecret []byte) (*Identity, error) {
	if len(rootSecret) != 32 {
		return nil, ErrRootSecretSize
	}

	signPub, signPriv := ed25519.Scheme().DeriveKey(deriveSeed(rootSecret, labelSigning))

	nikeScheme := x25519.Scheme(rand.Reader)
	exchPriv, err := nikeScheme.UnmarshalBinaryPrivateKey(deriveSeed(rootSecret, labelExchange))
	if err != nil {
		return nil, err
	}
	exchPub := nikeScheme.DerivePublicKey(exchPriv)

	kemScheme := schemes.ByName(KEMSchemeName)
	kemSeed := append(deriveSeed(rootSecret, labelKEMLeft), deriveSeed(rootSecret, labelKEMRight)...)
	kemPub, kemPriv := kemScheme.DeriveKeyPair(kemSeed)

	return &Identity{
		signingPublic:   signPub.(*ed25519.PublicKey),
		signingPrivate:  signPriv.(*ed25519.PrivateKey),
		nikeScheme:      nikeScheme,
		exchangePublic:  exchPub,
		exchangePrivate: exchPriv,
		kemScheme:       kemScheme,
		kemPublic:       kemPub,
		kemPrivate:      kemPriv,
	}, nil
}

// SignIdentity signs msg with the long-term signing key.
func (id *Identity) SignIdentity(msg []byte) []byte {
	return id.signingPrivate.SignMessage(msg)
}

// SigningPublic returns the long-term signing public key.
func (id *Identity) SigningPublic() *ed25519.PublicKey {
	return id.signingPublic
}

// SigningPrivate returns the long-term signing private key, for
// components that sign protocol tokens directly.
func (id *Identity) SigningPrivate() *ed25519.PrivateKey {
	return id.signingPrivate
}

// ExchangePublic returns the long-term exchange public key.
func (id *Identity) ExchangePublic() nike.PublicKey {
	return id.exchangePublic
}

// KEMPublic returns the long-term KEM public key.
func (id *Identity) KEMPublic() kem.PublicKey {
	return id.kemPublic
}

// DeriveExchangeSecret computes the classical shared secret with the
// peer's exchange public key.
func (id *Identity) DeriveExchangeSecret(peer nike.PublicKey) []byte {
	return id.nikeScheme.DeriveSecret(id.exchangePrivate, peer)
}

// KEMDecapsulate recovers the shared secret from a ciphertext
// encapsulated against our KEM public key.
func (id *Identity) KEMDecapsulate(ct []byte) ([]byte, error) {
	return id.kemScheme.Decapsulate(id.kemPrivate, ct)
}

// KEMScheme returns the identity's KEM scheme.
func (id *Identity) KEMScheme() kem.Scheme {
	return id.kemScheme
}

// Wipe destroys the private key material.
func (id *Identity) Wipe() {
	id.signingPrivate.Reset()
	id.exchangePrivate.Reset()
	id.kemPrivate = nil
}
