// wire_test.go - Envelope and token tests.
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
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	env := WrapEnvelope(TypeMessage, []byte("payload"))
	typ, body, err := ParseEnvelope(env)
	require.NoError(t, err)
	require.Equal(t, byte(TypeMessage), typ)
	require.Equal(t, []byte("payload"), body)

	_, _, err = ParseEnvelope(nil)
	require.Equal(t, ErrShortEnvelope, err)
	_, _, err = ParseEnvelope([]byte{0x7e})
	require.Equal(t, ErrUnknownType, err)

	cover, err := NewCoverEnvelope(rand.Reader)
	require.NoError(t, err)
	typ, _, err = ParseEnvelope(cover)
	require.NoError(t, err)
	require.Equal(t, byte(TypeCover), typ)
}

func TestPingToken(t *testing.T) {
	senderPriv, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	_, recipientPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	senderExch := make([]byte, 32)
	recipientExch := make([]byte, 32)
	_, err = rand.Reader.Read(senderExch)
	require.NoError(t, err)
	_, err = rand.Reader.Read(recipientExch)
	require.NoError(t, err)

	ping, err := NewPingToken(rand.Reader, senderPriv, recipientPub, senderExch, recipientExch)
	require.NoError(t, err)
	require.NoError(t, ping.Verify())
	require.Len(t, ping.TokenID, TokenIDSize)
	require.False(t, ping.Expired(time.Now()))
	require.True(t, ping.Expired(time.Now().Add(MaxTokenAge+time.Minute)))

	blob, err := ping.Marshal()
	require.NoError(t, err)
	got, err := ParsePingToken(blob)
	require.NoError(t, err)
	require.NoError(t, got.Verify())
	require.Equal(t, ping.TokenID, got.TokenID)

	// Tampering with any signed field must break verification.
	got.Timestamp++
	require.Equal(t, ErrBadSignature, got.Verify())
}

func TestPingTokenDeterministicRebuild(t *testing.T) {
	senderPriv, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	_, recipientPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	id, err := NewTokenID(rand.Reader)
	require.NoError(t, err)
	ts := time.Now().Unix()

	a, err := NewPingTokenWithID(senderPriv, recipientPub, nil, nil, id, ts)
	require.NoError(t, err)
	b, err := NewPingTokenWithID(senderPriv, recipientPub, nil, nil, id, ts)
	require.NoError(t, err)

	ab, err := a.Marshal()
	require.NoError(t, err)
	bb, err := b.Marshal()
	require.NoError(t, err)
	require.Equal(t, ab, bb)
}

func TestPongToken(t *testing.T) {
	senderPriv, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipientPriv, recipientPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	_, otherPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	ping, err := NewPingToken(rand.Reader, senderPriv, recipientPub, nil, nil)
	require.NoError(t, err)

	pong, err := NewPongToken(rand.Reader, recipientPriv, ping, true)
	require.NoError(t, err)
	require.Equal(t, ping.TokenID, pong.PingID)
	require.True(t, pong.Authenticated)
	require.NoError(t, pong.Verify(recipientPub))
	require.Equal(t, ErrBadSignature, pong.Verify(otherPub))

	blob, err := pong.Marshal()
	require.NoError(t, err)
	got, err := ParsePongToken(blob)
	require.NoError(t, err)
	require.NoError(t, got.Verify(recipientPub))
}

func TestDeliveryAck(t *testing.T) {
	signerPriv, signerPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	otherPriv, otherPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	itemID, err := NewTokenID(rand.Reader)
	require.NoError(t, err)

	ack := NewDeliveryAck(signerPriv, itemID, AckMessage)
	require.NoError(t, ack.Verify(signerPub))
	require.Equal(t, "MESSAGE_ACK", ack.Class.String())

	// An ack signed by someone else must not verify against the
	// expected signer, even if internally consistent.
	forged := NewDeliveryAck(otherPriv, itemID, AckMessage)
	require.NoError(t, forged.Verify(otherPub))
	require.Equal(t, ErrBadSignature, forged.Verify(signerPub))

	// Swapping the embedded identity breaks the signature.
	ack.SignerKey = otherPub.Bytes()
	require.Equal(t, ErrBadSignature, ack.Verify(otherPub))

	blob, err := forged.Marshal()
	require.NoError(t, err)
	got, err := ParseDeliveryAck(blob)
	require.NoError(t, err)
	require.NoError(t, got.Verify(otherPub))
}

func TestTapToken(t *testing.T) {
	signerPriv, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	tap, err := NewTapToken(rand.Reader, signerPriv)
	require.NoError(t, err)
	require.NoError(t, tap.Verify())
	require.False(t, tap.Expired(time.Now()))

	blob, err := tap.Marshal()
	require.NoError(t, err)
	got, err := ParseTapToken(blob)
	require.NoError(t, err)
	require.NoError(t, got.Verify())

	got.TokenID[0] ^= 0xff
	require.Equal(t, ErrBadSignature, got.Verify())
}
