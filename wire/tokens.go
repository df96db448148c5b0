// tokens.go - Signed wake protocol tokens.
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

package wire

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// TokenIDSize is the width of every token identifier.
const TokenIDSize = 16

// MaxTokenAge bounds how old a token may be before it is refused.
// Tokens are minted with the sender's clock; the window must absorb
// clock skew and slow circuit establishment.
const MaxTokenAge = 5 * time.Minute

// NewTokenID draws a fresh token identifier.
func NewTokenID(rand io.Reader) ([]byte, error) {
	id := make([]byte, TokenIDSize)
	if _, err := io.ReadFull(rand, id); err != nil {
		return nil, err
	}
	return id, nil
}

// PingToken wakes a peer: it announces that a message is waiting and
// carries everything the recipient needs to verify who is knocking.
type PingToken struct {
	Version byte

	// SenderSigningKey and RecipientSigningKey are Ed25519 public
	// keys; the recipient checks that RecipientSigningKey names
	// itself before reacting.
	SenderSigningKey    []byte
	RecipientSigningKey []byte

	// SenderExchangeKey and RecipientExchangeKey are the X25519
	// public halves, echoed so key confusion is caught early.
	SenderExchangeKey    []byte
	RecipientExchangeKey []byte

	TokenID   []byte
	Timestamp int64

	Signature []byte
}

func (t *PingToken) preimage() []byte {
	b := make([]byte, 0, 256)
	b = append(b, t.Version)
	b = append(b, t.SenderSigningKey...)
	b = append(b, t.RecipientSigningKey...)
	b = append(b, t.SenderExchangeKey...)
	b = append(b, t.RecipientExchangeKey...)
	b = append(b, t.TokenID...)
	b = binary.BigEndian.AppendUint64(b, uint64(t.Timestamp))
	return b
}

// NewPingToken mints and signs a ping token with a fresh token ID.
func NewPingToken(rand io.Reader, signer *ed25519.PrivateKey, recipientSigning *ed25519.PublicKey, senderExchange, recipientExchange []byte) (*PingToken, error) {
	id, err := NewTokenID(rand)
	if err != nil {
		return nil, err
	}
	return NewPingTokenWithID(signer, recipientSigning, senderExchange, recipientExchange, id, time.Now().Unix())
}

// NewPingTokenWithID mints a ping token with a caller-chosen ID and
// timestamp, used to rebuild a token deterministically.
func NewPingTokenWithID(signer *ed25519.PrivateKey, recipientSigning *ed25519.PublicKey, senderExchange, recipientExchange []byte, id []byte, timestamp int64) (*PingToken, error) {
	t := &PingToken{
		Version:              ProtocolVersion,
		SenderSigningKey:     signer.PublicKey().Bytes(),
		RecipientSigningKey:  recipientSigning.Bytes(),
		SenderExchangeKey:    senderExchange,
		RecipientExchangeKey: recipientExchange,
		TokenID:              id,
		Timestamp:            timestamp,
	}
	t.Signature = signer.SignMessage(t.preimage())
	return t, nil
}

// Verify checks the embedded sender signature and field lengths.
func (t *PingToken) Verify() error {
	if len(t.SenderSigningKey) != ed25519.PublicKeySize ||
		len(t.RecipientSigningKey) != ed25519.PublicKeySize ||
		len(t.TokenID) != TokenIDSize {
		return ErrBadKeyLength
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(t.SenderSigningKey); err != nil {
		return err
	}
	if !pub.Verify(t.Signature, t.preimage()) {
		return ErrBadSignature
	}
	return nil
}

// Expired reports whether the token is older than MaxTokenAge at now.
func (t *PingToken) Expired(now time.Time) bool {
	return now.Unix()-t.Timestamp > int64(MaxTokenAge/time.Second)
}

// Marshal serializes the token.
func (t *PingToken) Marshal() ([]byte, error) {
	return cbor.Marshal(t)
}

// ParsePingToken deserializes a ping token without verifying it.
func ParsePingToken(b []byte) (*PingToken, error) {
	t := new(PingToken)
	if err := cbor.Unmarshal(b, t); err != nil {
		return nil, err
	}
	return t, nil
}

// PongToken answers a ping: the recipient proves it is awake and
// whether its user has authenticated locally.
type PongToken struct {
	Version byte

	// PingID links the pong to the ping it answers; PongID names
	// the pong itself.
	PingID []byte
	PongID []byte

	Timestamp     int64
	Authenticated bool

	Signature []byte
}

func (t *PongToken) preimage() []byte {
	b := make([]byte, 0, 64)
	b = append(b, t.Version)
	b = append(b, t.PingID...)
	b = append(b, t.PongID...)
	b = binary.BigEndian.AppendUint64(b, uint64(t.Timestamp))
	if t.Authenticated {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// NewPongToken mints and signs a pong answering ping.
func NewPongToken(rand io.Reader, signer *ed25519.PrivateKey, ping *PingToken, authenticated bool) (*PongToken, error) {
	id, err := NewTokenID(rand)
	if err != nil {
		return nil, err
	}
	t := &PongToken{
		Version:       ping.Version,
		PingID:        ping.TokenID,
		PongID:        id,
		Timestamp:     time.Now().Unix(),
		Authenticated: authenticated,
	}
	t.Signature = signer.SignMessage(t.preimage())
	return t, nil
}

// Verify checks the signature against the expected signer, which the
// receiving side knows from its own outstanding ping.
func (t *PongToken) Verify(signer *ed25519.PublicKey) error {
	if len(t.PingID) != TokenIDSize || len(t.PongID) != TokenIDSize {
		return ErrBadKeyLength
	}
	if !signer.Verify(t.Signature, t.preimage()) {
		return ErrBadSignature
	}
	return nil
}

// Marshal serializes the token.
func (t *PongToken) Marshal() ([]byte, error) {
	return cbor.Marshal(t)
}

// ParsePongToken deserializes a pong token without verifying it.
func ParsePongToken(b []byte) (*PongToken, error) {
	t := new(PongToken)
	if err := cbor.Unmarshal(b, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AckClass says what kind of item a DeliveryAck acknowledges.
type AckClass uint8

const (
	AckPing AckClass = iota + 1
	AckPong
	AckMessage
	AckTap
)

// String returns the class name used in logs.
func (c AckClass) String() string {
	switch c {
	case AckPing:
		return "PING_ACK"
	case AckPong:
		return "PONG_ACK"
	case AckMessage:
		return "MESSAGE_ACK"
	case AckTap:
		return "TAP_ACK"
	default:
		return "UNKNOWN_ACK"
	}
}

// DeliveryAck confirms receipt of a protocol item.  The signer's
// public key travels inside the signed preimage so a stored ack can be
// verified across restarts without in-memory signer state, and so the
// identity field cannot be swapped.
type DeliveryAck struct {
	ItemID    []byte
	Class     AckClass
	Timestamp int64
	SignerKey []byte
	Signature []byte
}

func (a *DeliveryAck) preimage() []byte {
	b := make([]byte, 0, 96)
	b = append(b, a.ItemID...)
	b = append(b, byte(a.Class))
	b = binary.BigEndian.AppendUint64(b, uint64(a.Timestamp))
	b = append(b, a.SignerKey...)
	return b
}

// NewDeliveryAck mints and signs an ack for itemID.
func NewDeliveryAck(signer *ed25519.PrivateKey, itemID []byte, class AckClass) *DeliveryAck {
	a := &DeliveryAck{
		ItemID:    itemID,
		Class:     class,
		Timestamp: time.Now().Unix(),
		SignerKey: signer.PublicKey().Bytes(),
	}
	a.Signature = signer.SignMessage(a.preimage())
	return a
}

// Verify checks the embedded signature and that the embedded signer
// matches expected.
func (a *DeliveryAck) Verify(expected *ed25519.PublicKey) error {
	if len(a.SignerKey) != ed25519.PublicKeySize {
		return ErrBadKeyLength
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(a.SignerKey); err != nil {
		return err
	}
	if !pub.Equal(expected) {
		return ErrBadSignature
	}
	if !pub.Verify(a.Signature, a.preimage()) {
		return ErrBadSignature
	}
	return nil
}

// Marshal serializes the ack.
func (a *DeliveryAck) Marshal() ([]byte, error) {
	return cbor.Marshal(a)
}

// ParseDeliveryAck deserializes an ack without verifying it.
func ParseDeliveryAck(b []byte) (*DeliveryAck, error) {
	a := new(DeliveryAck)
	if err := cbor.Unmarshal(b, a); err != nil {
		return nil, err
	}
	return a, nil
}

// TapToken is the lightweight presence heartbeat broadcast to every
// established contact when the transport comes up.  Receiving one means
// the peer is reachable right now and any stalled deliveries for it
// should be retried immediately.
type TapToken struct {
	Version          byte
	TokenID          []byte
	SenderSigningKey []byte
	Timestamp        int64
	Signature        []byte
}

func (t *TapToken) preimage() []byte {
	b := make([]byte, 0, 64)
	b = append(b, t.Version)
	b = append(b, t.TokenID...)
	b = append(b, t.SenderSigningKey...)
	b = binary.BigEndian.AppendUint64(b, uint64(t.Timestamp))
	return b
}

// NewTapToken mints and signs a tap token.
func NewTapToken(rand io.Reader, signer *ed25519.PrivateKey) (*TapToken, error) {
	id, err := NewTokenID(rand)
	if err != nil {
		return nil, err
	}
	t := &TapToken{
		Version:          ProtocolVersion,
		TokenID:          id,
		SenderSigningKey: signer.PublicKey().Bytes(),
		Timestamp:        time.Now().Unix(),
	}
	t.Signature = signer.SignMessage(t.preimage())
	return t, nil
}

// Verify checks the embedded sender signature.
func (t *TapToken) Verify() error {
	if len(t.SenderSigningKey) != ed25519.PublicKeySize || len(t.TokenID) != TokenIDSize {
		return ErrBadKeyLength
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(t.SenderSigningKey); err != nil {
		return err
	}
	if !pub.Verify(t.Signature, t.preimage()) {
		return ErrBadSignature
	}
	return nil
}

// Expired reports whether the token is older than MaxTokenAge at now.
func (t *TapToken) Expired(now time.Time) bool {
	return now.Unix()-t.Timestamp > int64(MaxTokenAge/time.Second)
}

// Marshal serializes the token.
func (t *TapToken) Marshal() ([]byte, error) {
	return cbor.Marshal(t)
}

// ParseTapToken deserializes a tap token without verifying it.
func ParseTapToken(b []byte) (*TapToken, error) {
	t := new(TapToken)
	if err := cbor.Unmarshal(b, t); err != nil {
		return nil, err
	}
	return t, nil
}
