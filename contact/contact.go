// contact.go - Contact records and friendship state.
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

package contact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/veilpost/veilpost/crypto/ratchet"
	"github.com/veilpost/veilpost/transport"
)

// ErrNoSession is returned for Encrypt/Decrypt against a contact whose
// ratchet session has not been established yet.
var ErrNoSession = errors.New("contact: no ratchet session")

// FriendshipState tracks a contact's position in the establishment
// protocol.
type FriendshipState uint8

const (
	// StatePendingSent means we sent the initial request and await
	// acceptance.
	StatePendingSent FriendshipState = iota

	// StatePendingReceived means we received a request and have not
	// accepted it yet.
	StatePendingReceived

	// StateAccepted means the exchange completed in both directions.
	StateAccepted

	// StateBlocked means inbound traffic from this contact is
	// discarded.
	StateBlocked
)

func (s FriendshipState) String() string {
	switch s {
	case StatePendingSent:
		return "pending-sent"
	case StatePendingReceived:
		return "pending-received"
	case StateAccepted:
		return "accepted"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Contact is a peer we communicate with.  The ratchet session is owned
// exclusively by the contact and serialized with it.
type Contact struct {
	// id is the local unique contact ID.
	id uint64

	// Handle is the peer's self-chosen display handle.
	Handle string

	// Addresses are the peer's three service addresses.
	Addresses transport.Addresses

	// SigningKey is the peer's long-term signing public key.
	SigningKey *ed25519.PublicKey

	// ExchangeKey is the peer's long-term exchange public key.
	ExchangeKey nike.PublicKey

	// KEMKey is the peer's long-term KEM public key.
	KEMKey kem.PublicKey

	// State is the friendship state.
	State FriendshipState

	// CreatedAt is when the contact record was created.
	CreatedAt time.Time

	// session is the ratchet session, nil until the exchange
	// completes.
	session *ratchet.Session

	// sessionMutex serializes session use against serialization.
	// Distinct contacts proceed fully in parallel.
	sessionMutex sync.Mutex
}

// NewContact creates a contact record in the given initial state.
func NewContact(id uint64, handle string, state FriendshipState) *Contact {
	return &Contact{
		id:        id,
		Handle:    handle,
		State:     state,
		CreatedAt: time.Now(),
	}
}

// ID returns the local contact ID.
func (c *Contact) ID() uint64 {
	return c.id
}

// SetSession installs the ratchet session established for this
// contact.
func (c *Contact) SetSession(s *ratchet.Session) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	c.session = s
}

// HasSession reports whether a ratchet session is established.
func (c *Contact) HasSession() bool {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	return c.session != nil
}

// Encrypt encrypts msg with the contact's ratchet session.
func (c *Contact) Encrypt(msg []byte) ([]byte, error) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session.Encrypt(msg)
}

// Decrypt decrypts a ratchet frame from the contact.
func (c *Contact) Decrypt(frame []byte) ([]byte, error) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session.Decrypt(frame)
}

// KEMRatchetSend starts a KEM re-key step toward the contact,
// returning the encapsulation to transmit.
func (c *Contact) KEMRatchetSend() ([]byte, error) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	if c.KEMKey == nil {
		return nil, errors.New("contact: peer KEM key unknown")
	}
	return c.session.KEMRatchetSend(c.KEMKey)
}

// RekeyOffer encapsulates a fresh secret against the contact's KEM key
// without adopting it.  The caller transmits the ciphertext under the
// current chains and adopts the secret with CommitRekey once the peer
// has confirmed receipt, so the frames carrying the offer stay
// decryptable on both sides.
func (c *Contact) RekeyOffer() (kemCiphertext, sharedSecret []byte, err error) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return nil, nil, ErrNoSession
	}
	if c.KEMKey == nil {
		return nil, nil, errors.New("contact: peer KEM key unknown")
	}
	return c.KEMKey.Scheme().Encapsulate(c.KEMKey)
}

// CommitRekey adopts a secret produced by RekeyOffer.  The secret is
// wiped.
func (c *Contact) CommitRekey(sharedSecret []byte) error {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	return c.session.RekeyFromSecret(sharedSecret)
}

// KEMRatchetReceive applies a peer-initiated KEM re-key step.
func (c *Contact) KEMRatchetReceive(custody KeyCustody, kemCiphertext []byte) error {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	ss, err := custody.KEMDecapsulate(kemCiphertext)
	if err != nil {
		return err
	}
	return c.session.RekeyFromSecret(ss)
}

// Destroy zeroizes the ratchet session.  Called on contact removal and
// on emergency wipe.
func (c *Contact) Destroy() {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
}

type serializedContact struct {
	ID          uint64
	Handle      string
	Addresses   transport.Addresses
	SigningKey  []byte
	ExchangeKey []byte
	KEMKey      []byte
	State       uint8
	CreatedAt   int64
	Ratchet     []byte
}

// MarshalBinary serializes the contact, ratchet session included.
func (c *Contact) MarshalBinary() ([]byte, error) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()

	s := &serializedContact{
		ID:        c.id,
		Handle:    c.Handle,
		Addresses: c.Addresses,
		State:     uint8(c.State),
		CreatedAt: c.CreatedAt.Unix(),
	}
	if c.SigningKey != nil {
		s.SigningKey = c.SigningKey.Bytes()
	}
	if c.ExchangeKey != nil {
		s.ExchangeKey = c.ExchangeKey.Bytes()
	}
	if c.KEMKey != nil {
		blob, err := c.KEMKey.MarshalBinary()
		if err != nil {
			return nil, err
		}
		s.KEMKey = blob
	}
	if c.session != nil {
		blob, err := c.session.Save()
		if err != nil {
			return nil, err
		}
		s.Ratchet = blob
	}
	return cbor.Marshal(s)
}

// UnmarshalBinary initializes the contact from a serialized blob.
func (c *Contact) UnmarshalBinary(data []byte) error {
	s := new(serializedContact)
	if err := cbor.Unmarshal(data, s); err != nil {
		return err
	}

	c.id = s.ID
	c.Handle = s.Handle
	c.Addresses = s.Addresses
	c.State = FriendshipState(s.State)
	c.CreatedAt = time.Unix(s.CreatedAt, 0)

	if len(s.SigningKey) != 0 {
		pub := new(ed25519.PublicKey)
		if err := pub.FromBytes(s.SigningKey); err != nil {
			return err
		}
		c.SigningKey = pub
	}
	if len(s.ExchangeKey) != 0 {
		pub, err := x25519.Scheme(rand.Reader).UnmarshalBinaryPublicKey(s.ExchangeKey)
		if err != nil {
			return err
		}
		c.ExchangeKey = pub
	}
	if len(s.KEMKey) != 0 {
		pub, err := schemes.ByName(KEMSchemeName).UnmarshalBinaryPublicKey(s.KEMKey)
		if err != nil {
			return err
		}
		c.KEMKey = pub
	}
	if len(s.Ratchet) != 0 {
		session, err := ratchet.NewSessionFromBytes(rand.Reader, schemes.ByName(KEMSchemeName), s.Ratchet)
		if err != nil {
			return err
		}
		c.session = session
	}
	return nil
}

// Fingerprint computes the safety number for a contact pair: a hash
// over both parties' signing keys, invariant under which side computes
// it, for out-of-band verification.
func Fingerprint(a, b *ed25519.PublicKey) string {
	left, right := a.Bytes(), b.Bytes()
	if string(left) > string(right) {
		left, right = right, left
	}
	sum := hash.Sum256(append(left, right...))
	raw := hex.EncodeToString(sum[:16])
	groups := make([]string, 0, 8)
	for i := 0; i < len(raw); i += 4 {
		groups = append(groups, raw[i:i+4])
	}
	out := groups[0]
	for _, g := range groups[1:] {
		out += " " + g
	}
	return out
}
