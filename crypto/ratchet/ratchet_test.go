// ratchet_test.go - Ratchet session tests.
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

package ratchet

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func testScheme() kem.Scheme {
	return schemes.ByName("MLKEM768")
}

func pairedSessions(t *testing.T) (*Session, *Session) {
	secret := make([]byte, HybridSecretSize)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	a, err := NewSession(rand.Reader, testScheme(), secret, true)
	require.NoError(t, err)
	b, err := NewSession(rand.Reader, testScheme(), secret, false)
	require.NoError(t, err)
	return a, b
}

func TestSessionSecretSize(t *testing.T) {
	_, err := NewSession(rand.Reader, testScheme(), make([]byte, 32), true)
	require.Equal(t, ErrInvalidSecretSize, err)
	_, err = NewSession(rand.Reader, testScheme(), make([]byte, 65), true)
	require.Equal(t, ErrInvalidSecretSize, err)
}

func TestSessionRoundTrip(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	for i := 0; i < 5; i++ {
		frame, err := a.Encrypt([]byte("bonjour"))
		require.NoError(t, err)
		msg, err := b.Decrypt(frame)
		require.NoError(t, err)
		require.Equal(t, []byte("bonjour"), msg)

		frame, err = b.Encrypt([]byte("sous le pont"))
		require.NoError(t, err)
		msg, err = a.Decrypt(frame)
		require.NoError(t, err)
		require.Equal(t, []byte("sous le pont"), msg)
	}
	require.Equal(t, uint64(5), a.SendCount())
	require.Equal(t, uint64(5), a.RecvCount())
}

func TestSessionOutOfOrder(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	frames := make([][]byte, 3)
	for i := range frames {
		var err error
		frames[i], err = a.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
	}

	// Deliver in the order 2, 0, 1.
	msg, err := b.Decrypt(frames[2])
	require.NoError(t, err)
	require.Equal(t, []byte{2}, msg)
	require.Equal(t, 2, b.SkippedKeyCount())

	msg, err = b.Decrypt(frames[0])
	require.NoError(t, err)
	require.Equal(t, []byte{0}, msg)

	msg, err = b.Decrypt(frames[1])
	require.NoError(t, err)
	require.Equal(t, []byte{1}, msg)
	require.Equal(t, 0, b.SkippedKeyCount())
}

func TestSessionReplayRejected(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	frame, err := a.Encrypt([]byte("only once"))
	require.NoError(t, err)
	_, err = b.Decrypt(frame)
	require.NoError(t, err)
	_, err = b.Decrypt(frame)
	require.Equal(t, ErrReplayRejected, err)

	// A skipped-then-consumed sequence is rejected too.
	f1, err := a.Encrypt([]byte("one"))
	require.NoError(t, err)
	f2, err := a.Encrypt([]byte("two"))
	require.NoError(t, err)
	_, err = b.Decrypt(f2)
	require.NoError(t, err)
	_, err = b.Decrypt(f1)
	require.NoError(t, err)
	_, err = b.Decrypt(f1)
	require.Equal(t, ErrReplayRejected, err)
}

func TestSessionSkipWindow(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	for i := 0; i < MaxSkippedKeys+1; i++ {
		_, err := a.Encrypt([]byte("skipped"))
		require.NoError(t, err)
	}
	frame, err := a.Encrypt([]byte("too far"))
	require.NoError(t, err)
	_, err = b.Decrypt(frame)
	require.Equal(t, ErrSkipWindowExceeded, err)

	// The failure must not have advanced the receive chain.
	require.Equal(t, uint64(0), b.RecvCount())
	require.Equal(t, 0, b.SkippedKeyCount())
}

func TestSessionCorruptFrame(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	frame, err := a.Encrypt([]byte("intact"))
	require.NoError(t, err)

	corrupt := make([]byte, len(frame))
	copy(corrupt, frame)
	corrupt[len(corrupt)-1] ^= 0x01
	_, err = b.Decrypt(corrupt)
	require.Equal(t, ErrCannotDecrypt, err)

	// A failed open must leave the chain able to process the
	// genuine frame.
	msg, err := b.Decrypt(frame)
	require.NoError(t, err)
	require.Equal(t, []byte("intact"), msg)

	_, err = b.Decrypt(frame[:headerSize])
	require.Equal(t, ErrFrameTooSmall, err)

	frame, err = a.Encrypt([]byte("versioned"))
	require.NoError(t, err)
	frame[0] = 0x7f
	_, err = b.Decrypt(frame)
	require.Equal(t, ErrBadVersion, err)
}

func TestSessionKEMRatchet(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()
	defer b.Destroy()

	frame, err := a.Encrypt([]byte("before"))
	require.NoError(t, err)
	_, err = b.Decrypt(frame)
	require.NoError(t, err)

	// Capture b's state as an attacker would.
	captured, err := b.Save()
	require.NoError(t, err)
	compromised, err := NewSessionFromBytes(rand.Reader, testScheme(), captured)
	require.NoError(t, err)
	defer compromised.Destroy()

	scheme := testScheme()
	pub, priv, err := scheme.GenerateKeyPair()
	require.NoError(t, err)

	ct, err := a.KEMRatchetSend(pub)
	require.NoError(t, err)
	require.NoError(t, b.KEMRatchetReceive(priv, ct))
	require.False(t, a.LastKEMRatchet().IsZero())
	require.Equal(t, uint64(0), a.SendCount())

	// Post-ratchet traffic is opaque to the captured state.
	frame, err = a.Encrypt([]byte("after"))
	require.NoError(t, err)
	_, err = compromised.Decrypt(frame)
	require.Error(t, err)

	msg, err := b.Decrypt(frame)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), msg)
}

func TestSessionSaveLoad(t *testing.T) {
	a, b := pairedSessions(t)
	defer a.Destroy()

	f0, err := a.Encrypt([]byte("zero"))
	require.NoError(t, err)
	f1, err := a.Encrypt([]byte("one"))
	require.NoError(t, err)

	// Skip f0 so the cache has an entry, then persist.
	_, err = b.Decrypt(f1)
	require.NoError(t, err)

	blob, err := b.Save()
	require.NoError(t, err)
	b.Destroy()

	restored, err := NewSessionFromBytes(rand.Reader, testScheme(), blob)
	require.NoError(t, err)
	defer restored.Destroy()
	require.Equal(t, uint64(2), restored.RecvCount())
	require.Equal(t, 1, restored.SkippedKeyCount())

	msg, err := restored.Decrypt(f0)
	require.NoError(t, err)
	require.Equal(t, []byte("zero"), msg)

	f2, err := a.Encrypt([]byte("two"))
	require.NoError(t, err)
	msg, err = restored.Decrypt(f2)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), msg)
}

func TestSessionFromBytesRejectsBadKeys(t *testing.T) {
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	_, err := NewSessionFromBytes(rand.Reader, testScheme(), garbage)
	require.Error(t, err)

	st := &state{
		RootKey:      make([]byte, 16),
		SendChainKey: make([]byte, keySize),
		RecvChainKey: make([]byte, keySize),
	}
	bad, err := cbor.Marshal(st)
	require.NoError(t, err)
	_, err = NewSessionFromBytes(rand.Reader, testScheme(), bad)
	require.Equal(t, ErrSerializedKeyLength, err)
}
