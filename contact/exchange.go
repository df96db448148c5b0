// exchange.go - Three phase contact establishment.
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
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/veilpost/veilpost/crypto/ratchet"
	"github.com/veilpost/veilpost/transport"
)

var (
	// ErrBadPIN is returned when a sealed request does not open
	// under the supplied PIN.
	ErrBadPIN = errors.New("contact: request does not open under PIN")

	// ErrBadCard is returned for a contact card whose signature
	// does not verify or whose keys are malformed.
	ErrBadCard = errors.New("contact: invalid contact card")

	// ErrBadAcceptance is returned for an acceptance blob that does
	// not open under the derived hybrid secret.
	ErrBadAcceptance = errors.New("contact: acceptance does not open")

	// ErrWrongState is returned when an exchange step is applied to
	// a contact in the wrong friendship state.
	ErrWrongState = errors.New("contact: wrong friendship state for this step")
)

const (
	pinSaltSize = 16

	// argon2id parameters for the PIN KDF.  The PIN is low entropy
	// so the KDF cost is the only brake on offline guessing.
	pinTime    = 1
	pinMemory  = 64 * 1024
	pinThreads = 4

	hkdfInfo = "veilpost-contact-establishment-v1"
)

// Request is the phase 1 payload: enough for the recipient to reach
// us and to run the hybrid exchange toward us.
type Request struct {
	// Handle is the sender's display handle.
	Handle string

	// RequestInbound is the sender's request-inbound address, the
	// reply path for the acceptance.
	RequestInbound string

	// SigningKey is the sender's long-term signing public key.
	SigningKey []byte

	// ExchangeKey is the sender's long-term exchange public key.
	ExchangeKey []byte

	// KEMKey is the sender's long-term KEM public key.
	KEMKey []byte

	// Timestamp is the request creation time in Unix seconds.
	Timestamp int64
}

// Card is the full contact card exchanged in phases 2 and 3.
type Card struct {
	Handle      string
	Addresses   transport.Addresses
	SigningKey  []byte
	ExchangeKey []byte
	KEMKey      []byte
	Timestamp   int64
	Signature   []byte
}

func (c *Card) preimage() []byte {
	out := make([]byte, 0, 256)
	out = append(out, []byte(c.Handle)...)
	out = append(out, []byte(c.Addresses.Discovery)...)
	out = append(out, []byte(c.Addresses.RequestInbound)...)
	out = append(out, []byte(c.Addresses.MessageInbound)...)
	out = append(out, c.SigningKey...)
	out = append(out, c.ExchangeKey...)
	out = append(out, c.KEMKey...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp))
	return append(out, ts[:]...)
}

// NewCard assembles and signs our own contact card.
func NewCard(custody KeyCustody, handle string, addresses *transport.Addresses) (*Card, error) {
	kemBlob, err := custody.KEMPublic().MarshalBinary()
	if err != nil {
		return nil, err
	}
	c := &Card{
		Handle:      handle,
		Addresses:   *addresses,
		SigningKey:  custody.SigningPublic().Bytes(),
		ExchangeKey: custody.ExchangePublic().Bytes(),
		KEMKey:      kemBlob,
		Timestamp:   time.Now().Unix(),
	}
	c.Signature = custody.SignIdentity(c.preimage())
	return c, nil
}

// Verify checks the card's self-signature and key lengths.
func (c *Card) Verify() error {
	if len(c.SigningKey) != ed25519.PublicKeySize {
		return ErrBadCard
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(c.SigningKey); err != nil {
		return ErrBadCard
	}
	if !pub.Verify(c.Signature, c.preimage()) {
		return ErrBadCard
	}
	return nil
}

func pinKey(pin, salt []byte) []byte {
	return argon2.IDKey(pin, salt, pinTime, pinMemory, pinThreads, chacha20poly1305.KeySize)
}

// SealRequest builds the phase 1 blob: the request, sealed under a
// key stretched from the out-of-band PIN.
func SealRequest(rng io.Reader, custody KeyCustody, pin []byte, handle, requestInbound string) ([]byte, error) {
	kemBlob, err := custody.KEMPublic().MarshalBinary()
	if err != nil {
		return nil, err
	}
	req := &Request{
		Handle:         handle,
		RequestInbound: requestInbound,
		SigningKey:     custody.SigningPublic().Bytes(),
		ExchangeKey:    custody.ExchangePublic().Bytes(),
		KEMKey:         kemBlob,
		Timestamp:      time.Now().Unix(),
	}
	plaintext, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, pinSaltSize+chacha20poly1305.NonceSize, pinSaltSize+chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(rng, blob); err != nil {
		return nil, err
	}
	salt := blob[:pinSaltSize]
	nonce := blob[pinSaltSize : pinSaltSize+chacha20poly1305.NonceSize]

	aead, err := chacha20poly1305.New(pinKey(pin, salt))
	if err != nil {
		return nil, err
	}
	return aead.Seal(blob, nonce, plaintext, nil), nil
}

// OpenRequest opens a phase 1 blob with the shared PIN.
func OpenRequest(pin, blob []byte) (*Request, error) {
	if len(blob) < pinSaltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrBadPIN
	}
	salt := blob[:pinSaltSize]
	nonce := blob[pinSaltSize : pinSaltSize+chacha20poly1305.NonceSize]
	ct := blob[pinSaltSize+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(pinKey(pin, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrBadPIN
	}
	req := new(Request)
	if err := cbor.Unmarshal(plaintext, req); err != nil {
		return nil, ErrBadPIN
	}
	if len(req.SigningKey) != ed25519.PublicKeySize {
		return nil, ErrBadCard
	}
	return req, nil
}

type acceptance struct {
	// EphemeralKey is the accepter's ephemeral exchange public key.
	EphemeralKey []byte

	// KEMCiphertext encapsulates against the requester's KEM key.
	KEMCiphertext []byte

	// Nonce and Sealed carry the accepter's card under the hybrid
	// secret.
	Nonce  []byte
	Sealed []byte
}

// hybridKeys stretches the classical and post-quantum halves into the
// ratchet session secret and the acceptance seal key.
func hybridKeys(classical, kemShared []byte) (sessionSecret, sealKey []byte, err error) {
	ikm := append(append([]byte{}, classical...), kemShared...)
	r := hkdf.New(sha3.New256, ikm, nil, []byte(hkdfInfo))
	sessionSecret = make([]byte, ratchet.HybridSecretSize)
	if _, err = io.ReadFull(r, sessionSecret); err != nil {
		return nil, nil, err
	}
	sealKey = make([]byte, chacha20poly1305.KeySize)
	if _, err = io.ReadFull(r, sealKey); err != nil {
		return nil, nil, err
	}
	for i := range ikm {
		ikm[i] = 0
	}
	return sessionSecret, sealKey, nil
}

// Accept runs phase 2: the accepter derives the hybrid secret toward
// the requester, initializes its ratchet session as the initiator, and
// returns the sealed acceptance blob plus the new contact record.
func Accept(rng io.Reader, ourCard *Card, req *Request, id uint64) ([]byte, *Contact, error) {
	nikeScheme := x25519.Scheme(rand.Reader)
	peerExchange, err := nikeScheme.UnmarshalBinaryPublicKey(req.ExchangeKey)
	if err != nil {
		return nil, nil, ErrBadCard
	}
	kemScheme := schemes.ByName(KEMSchemeName)
	peerKEM, err := kemScheme.UnmarshalBinaryPublicKey(req.KEMKey)
	if err != nil {
		return nil, nil, ErrBadCard
	}
	peerSigning := new(ed25519.PublicKey)
	if err := peerSigning.FromBytes(req.SigningKey); err != nil {
		return nil, nil, ErrBadCard
	}

	ephPub, ephPriv, err := nikeScheme.GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, nil, err
	}
	classical := nikeScheme.DeriveSecret(ephPriv, peerExchange)
	ephPriv.Reset()

	kemCT, kemShared, err := kemScheme.Encapsulate(peerKEM)
	if err != nil {
		return nil, nil, err
	}

	sessionSecret, sealKey, err := hybridKeys(classical, kemShared)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := cbor.Marshal(ourCard)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, nil, err
	}
	acc := &acceptance{
		EphemeralKey:  ephPub.Bytes(),
		KEMCiphertext: kemCT,
		Nonce:         nonce,
		Sealed:        aead.Seal(nil, nonce, plaintext, nil),
	}
	blob, err := cbor.Marshal(acc)
	if err != nil {
		return nil, nil, err
	}

	session, err := ratchet.NewSession(rng, kemScheme, sessionSecret, true)
	if err != nil {
		return nil, nil, err
	}

	c := NewContact(id, req.Handle, StateAccepted)
	c.Addresses.RequestInbound = req.RequestInbound
	c.SigningKey = peerSigning
	c.ExchangeKey = peerExchange
	c.KEMKey = peerKEM
	c.SetSession(session)
	return blob, c, nil
}

// OpenAcceptance opens a phase 2 blob: derive the hybrid secret via
// our custody, unseal the accepter's card and verify it.  The returned
// session secret feeds BindAcceptance once the caller has matched the
// card to its pending contact.
func OpenAcceptance(custody KeyCustody, blob []byte) (*Card, []byte, error) {
	acc := new(acceptance)
	if err := cbor.Unmarshal(blob, acc); err != nil {
		return nil, nil, ErrBadAcceptance
	}

	nikeScheme := x25519.Scheme(rand.Reader)
	ephPub, err := nikeScheme.UnmarshalBinaryPublicKey(acc.EphemeralKey)
	if err != nil {
		return nil, nil, ErrBadAcceptance
	}
	classical := custody.DeriveExchangeSecret(ephPub)
	kemShared, err := custody.KEMDecapsulate(acc.KEMCiphertext)
	if err != nil {
		return nil, nil, ErrBadAcceptance
	}

	sessionSecret, sealKey, err := hybridKeys(classical, kemShared)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := aead.Open(nil, acc.Nonce, acc.Sealed, nil)
	if err != nil {
		return nil, nil, ErrBadAcceptance
	}
	card := new(Card)
	if err := cbor.Unmarshal(plaintext, card); err != nil {
		return nil, nil, ErrBadAcceptance
	}
	if err := card.Verify(); err != nil {
		return nil, nil, err
	}
	return card, sessionSecret, nil
}

// BindAcceptance runs the requester's half of phase 3 against an
// opened acceptance: adopt the accepter's card, initialize the
// session, and return the mutual ack frame, which is the requester's
// own card encrypted as the session's first frame.
func BindAcceptance(rng io.Reader, ourCard *Card, c *Contact, card *Card, sessionSecret []byte) ([]byte, error) {
	if c.State != StatePendingSent {
		return nil, ErrWrongState
	}
	if err := adoptCard(c, card); err != nil {
		return nil, err
	}

	kemScheme := schemes.ByName(KEMSchemeName)
	session, err := ratchet.NewSession(rng, kemScheme, sessionSecret, false)
	if err != nil {
		return nil, err
	}

	ackPlaintext, err := cbor.Marshal(ourCard)
	if err != nil {
		return nil, err
	}
	ack, err := session.Encrypt(ackPlaintext)
	if err != nil {
		return nil, err
	}
	c.SetSession(session)
	c.State = StateAccepted
	return ack, nil
}

// Complete runs phase 3 on the requester side in one step: open the
// acceptance and bind it to the pending contact.
func Complete(rng io.Reader, custody KeyCustody, ourCard *Card, c *Contact, blob []byte) ([]byte, error) {
	if c.State != StatePendingSent {
		return nil, ErrWrongState
	}
	card, sessionSecret, err := OpenAcceptance(custody, blob)
	if err != nil {
		return nil, err
	}
	return BindAcceptance(rng, ourCard, c, card, sessionSecret)
}

// Finalize runs phase 3 on the accepter side: decrypt the mutual ack
// with the freshly established session and adopt the requester's full
// card.
func Finalize(c *Contact, ackFrame []byte) error {
	if c.State != StateAccepted {
		return ErrWrongState
	}
	plaintext, err := c.Decrypt(ackFrame)
	if err != nil {
		return err
	}
	card := new(Card)
	if err := cbor.Unmarshal(plaintext, card); err != nil {
		return ErrBadCard
	}
	if err := card.Verify(); err != nil {
		return err
	}
	// The ack's signing key must match the key pinned from phase 1.
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(card.SigningKey); err != nil {
		return ErrBadCard
	}
	if c.SigningKey != nil && !pub.Equal(c.SigningKey) {
		return ErrBadCard
	}
	return adoptCard(c, card)
}

// adoptCard fills a contact's fields from a verified card.
func adoptCard(c *Contact, card *Card) error {
	nikeScheme := x25519.Scheme(rand.Reader)
	exchange, err := nikeScheme.UnmarshalBinaryPublicKey(card.ExchangeKey)
	if err != nil {
		return ErrBadCard
	}
	kemPub, err := schemes.ByName(KEMSchemeName).UnmarshalBinaryPublicKey(card.KEMKey)
	if err != nil {
		return ErrBadCard
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(card.SigningKey); err != nil {
		return ErrBadCard
	}

	c.Handle = card.Handle
	c.Addresses = card.Addresses
	c.SigningKey = pub
	c.ExchangeKey = exchange
	c.KEMKey = kemPub
	return nil
}
