// ratchet.go - Post-quantum double ratchet session.
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

// Package ratchet implements the per-contact key evolution: symmetric
// send/receive chains advanced by a one-way function per message, plus
// periodic KEM ratchet steps that replace the root key so that captured
// state cannot decrypt traffic sent after the next re-key.
package ratchet

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidSecretSize is returned when the hybrid shared secret
	// is not exactly HybridSecretSize bytes.
	ErrInvalidSecretSize = errors.New("ratchet: hybrid secret must be 64 bytes")

	// ErrCannotDecrypt is returned when a frame fails authenticated
	// decryption.  It is fatal to the frame, never to the session.
	ErrCannotDecrypt = errors.New("ratchet: cannot decrypt")

	// ErrReplayRejected is returned when a frame's sequence number
	// was already consumed.
	ErrReplayRejected = errors.New("ratchet: sequence already consumed")

	// ErrSkipWindowExceeded is returned when a frame is further
	// ahead of the receive counter than the skipped-key cache can
	// bridge.  The intervening keys cannot be derived later; the
	// sender must resync at a higher level.
	ErrSkipWindowExceeded = errors.New("ratchet: sequence beyond skip window")

	// ErrFrameTooSmall is returned for frames shorter than the
	// fixed header plus AEAD tag.
	ErrFrameTooSmall = errors.New("ratchet: frame too small")

	// ErrBadVersion is returned for frames with an unknown version tag.
	ErrBadVersion = errors.New("ratchet: unknown frame version")

	// ErrSerializedKeyLength is returned when persisted session
	// state carries a key of the wrong length.
	ErrSerializedKeyLength = errors.New("ratchet: bad serialized key length")

	// Labels for deriving independent keys from a master key.
	rootKeyLabel      = []byte("root key")
	outgoingKeyLabel  = []byte("outgoing chain key")
	incomingKeyLabel  = []byte("incoming chain key")
	messageKeyLabel   = []byte("message key")
	chainKeyStepLabel = []byte("chain key step")
	kemRekeyLabel     = []byte("kem rekey")
)

// Session holds the per-contact crypto state.  Callers must serialize
// concurrent access; different contacts' sessions are independent.
type Session struct {
	scheme kem.Scheme

	rootKey      *memguard.LockedBuffer // 32 bytes
	sendChainKey *memguard.LockedBuffer // 32 bytes
	recvChainKey *memguard.LockedBuffer // 32 bytes

	sendCount uint64
	recvCount uint64

	// initiator selects which derived chain is the send chain; the
	// two peers must disagree on it.
	initiator bool

	// skipped maps not-yet-consumed sequence numbers to their
	// derived message keys.  skippedOrder records insertion order
	// for FIFO eviction.
	skipped      map[uint64]*memguard.LockedBuffer
	skippedOrder []uint64

	createdAt      time.Time
	lastKEMRatchet time.Time

	rand io.Reader
}

// state is the cbor serialization of a Session.
type state struct {
	RootKey        []byte
	SendChainKey   []byte
	RecvChainKey   []byte
	SendCount      uint64
	RecvCount      uint64
	Initiator      bool
	SkippedSeqs    []uint64
	SkippedKeys    [][]byte
	CreatedAt      int64
	LastKEMRatchet int64
}

// deriveKey computes out = HMAC(k, label) for the HMAC h keyed with k.
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("ratchet: kdf output size mismatch")
	}
}

// NewSession initializes a session from a 64 byte hybrid shared secret.
// Exactly one peer passes initiator=true; the contact layer breaks the
// tie by comparing message-inbound addresses.
func NewSession(rand io.Reader, scheme kem.Scheme, hybridSecret []byte, initiator bool) (*Session, error) {
	if len(hybridSecret) != HybridSecretSize {
		return nil, ErrInvalidSecretSize
	}
	s := &Session{
		scheme:       scheme,
		rootKey:      memguard.NewBuffer(keySize),
		sendChainKey: memguard.NewBuffer(keySize),
		recvChainKey: memguard.NewBuffer(keySize),
		initiator:    initiator,
		skipped:      make(map[uint64]*memguard.LockedBuffer),
		createdAt:    time.Now(),
		rand:         rand,
	}
	h := hmac.New(sha3.New256, hybridSecret)
	deriveKey(s.rootKey, rootKeyLabel, h)
	s.resetChains()
	return s, nil
}

// resetChains rederives both chain keys from the current root key.
func (s *Session) resetChains() {
	h := hmac.New(sha3.New256, s.rootKey.Bytes())
	outgoing := memguard.NewBuffer(keySize)
	incoming := memguard.NewBuffer(keySize)
	deriveKey(outgoing, outgoingKeyLabel, h)
	deriveKey(incoming, incomingKeyLabel, h)
	if s.initiator {
		s.sendChainKey.Copy(outgoing.Bytes())
		s.recvChainKey.Copy(incoming.Bytes())
	} else {
		s.sendChainKey.Copy(incoming.Bytes())
		s.recvChainKey.Copy(outgoing.Bytes())
	}
	outgoing.Destroy()
	incoming.Destroy()
}

// nextKey derives the message key for the current position of chainKey
// and steps the chain in place.
func nextKey(chainKey *memguard.LockedBuffer) *memguard.LockedBuffer {
	h := hmac.New(sha3.New256, chainKey.Bytes())
	messageKey := memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(chainKey, chainKeyStepLabel, h)
	return messageKey
}

// Encrypt encrypts msg under the next send-chain message key and
// returns a frame of the form [version][sequence][nonce][ciphertext].
// The derived message key is wiped before returning.
func (s *Session) Encrypt(msg []byte) ([]byte, error) {
	messageKey := nextKey(s.sendChainKey)
	defer messageKey.Destroy()

	frame := make([]byte, headerSize, headerSize+len(msg)+chacha20poly1305.Overhead)
	frame[0] = Version
	binary.BigEndian.PutUint64(frame[1:1+seqSize], s.sendCount)
	if _, err := io.ReadFull(s.rand, frame[1+seqSize:headerSize]); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(messageKey.Bytes())
	if err != nil {
		return nil, err
	}
	frame = aead.Seal(frame, frame[1+seqSize:headerSize], msg, frame[:1+seqSize])
	s.sendCount++
	return frame, nil
}

// open attempts authenticated decryption of frame with the given key.
func open(key *memguard.LockedBuffer, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, err
	}
	msg, err := aead.Open(nil, frame[1+seqSize:headerSize], frame[headerSize:], frame[:1+seqSize])
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return msg, nil
}

// Decrypt decrypts a frame, tolerating arbitrary reordering within the
// skip window.  A sequence number is consumed at most once; replays
// fail with ErrReplayRejected and gaps beyond MaxSkippedKeys fail with
// ErrSkipWindowExceeded.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < headerSize+chacha20poly1305.Overhead {
		return nil, ErrFrameTooSmall
	}
	if frame[0] != Version {
		return nil, ErrBadVersion
	}
	seq := binary.BigEndian.Uint64(frame[1 : 1+seqSize])

	switch {
	case seq < s.recvCount:
		// A frame from the past: either we saved a key for it, or
		// it was already consumed.
		key, ok := s.skipped[seq]
		if !ok {
			return nil, ErrReplayRejected
		}
		msg, err := open(key, frame)
		if err != nil {
			return nil, err
		}
		s.dropSkipped(seq)
		return msg, nil

	case seq == s.recvCount:
		// The expected frame: work on a copy of the chain so a
		// corrupt frame leaves the session untouched.
		provisional := memguard.NewBuffer(keySize)
		provisional.Copy(s.recvChainKey.Bytes())
		key := nextKey(provisional)
		msg, err := open(key, frame)
		key.Destroy()
		if err != nil {
			provisional.Destroy()
			return nil, err
		}
		s.recvChainKey.Copy(provisional.Bytes())
		provisional.Destroy()
		s.recvCount++
		return msg, nil

	default: // seq > s.recvCount
		if seq-s.recvCount > MaxSkippedKeys {
			return nil, ErrSkipWindowExceeded
		}
		// Derive every intermediate key on a provisional chain and
		// only commit once the target frame authenticates.
		provisional := memguard.NewBuffer(keySize)
		provisional.Copy(s.recvChainKey.Bytes())
		intermediate := make([]*memguard.LockedBuffer, 0, seq-s.recvCount)
		for n := s.recvCount; n < seq; n++ {
			intermediate = append(intermediate, nextKey(provisional))
		}
		key := nextKey(provisional)
		msg, err := open(key, frame)
		key.Destroy()
		if err != nil {
			for _, k := range intermediate {
				k.Destroy()
			}
			provisional.Destroy()
			return nil, err
		}
		for i, k := range intermediate {
			s.saveSkipped(s.recvCount+uint64(i), k)
		}
		s.recvChainKey.Copy(provisional.Bytes())
		provisional.Destroy()
		s.recvCount = seq + 1
		return msg, nil
	}
}

// saveSkipped caches a derived-but-unconsumed message key, evicting the
// oldest cached key (FIFO by insertion) at capacity.  An evicted
// sequence becomes permanently undeliverable.
func (s *Session) saveSkipped(seq uint64, key *memguard.LockedBuffer) {
	if len(s.skippedOrder) >= MaxSkippedKeys {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		if k, ok := s.skipped[oldest]; ok {
			k.Destroy()
			delete(s.skipped, oldest)
		}
	}
	s.skipped[seq] = key
	s.skippedOrder = append(s.skippedOrder, seq)
}

func (s *Session) dropSkipped(seq uint64) {
	if k, ok := s.skipped[seq]; ok {
		k.Destroy()
		delete(s.skipped, seq)
	}
	for i, n := range s.skippedOrder {
		if n == seq {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			break
		}
	}
}

// wipeSkipped destroys every cached message key.
func (s *Session) wipeSkipped() {
	for seq, k := range s.skipped {
		k.Destroy()
		delete(s.skipped, seq)
	}
	s.skippedOrder = nil
}

// rekey replaces the root key with KDF(old root, newSecret) and resets
// both chains, destroying the old chain keys and the entire skip cache
// first.  This is the post-compromise security step.
func (s *Session) rekey(newSecret []byte) {
	keyMaterial := memguard.NewBuffer(keySize)
	sha := sha3.New256()
	sha.Write(kemRekeyLabel)
	sha.Write(s.rootKey.Bytes())
	sha.Write(newSecret)
	sha.Sum(keyMaterial.Bytes()[:0])

	s.wipeSkipped()
	h := hmac.New(sha3.New256, keyMaterial.Bytes())
	deriveKey(s.rootKey, rootKeyLabel, h)
	keyMaterial.Destroy()

	s.sendChainKey.Wipe()
	s.recvChainKey.Wipe()
	s.resetChains()
	s.sendCount = 0
	s.recvCount = 0
	s.lastKEMRatchet = time.Now()
}

// KEMRatchetSend performs a fresh encapsulation against the peer's KEM
// public key and adopts the re-keyed root.  The returned ciphertext
// must be delivered to the peer, who applies it via KEMRatchetReceive.
func (s *Session) KEMRatchetSend(peerKEMPublic kem.PublicKey) ([]byte, error) {
	ct, ss, err := s.scheme.Encapsulate(peerKEMPublic)
	if err != nil {
		return nil, err
	}
	s.rekey(ss)
	for i := range ss {
		ss[i] = 0
	}
	return ct, nil
}

// RekeyFromSecret adopts a re-keyed root derived from an externally
// decapsulated shared secret, for callers whose KEM private key lives
// behind a custody boundary.  The secret is wiped.
func (s *Session) RekeyFromSecret(ss []byte) error {
	if len(ss) == 0 {
		return errors.New("ratchet: empty rekey secret")
	}
	s.rekey(ss)
	for i := range ss {
		ss[i] = 0
	}
	return nil
}

// KEMRatchetReceive decapsulates a peer's KEM ratchet ciphertext and
// adopts the re-keyed root.
func (s *Session) KEMRatchetReceive(ourKEMPrivate kem.PrivateKey, kemCiphertext []byte) error {
	ss, err := s.scheme.Decapsulate(ourKEMPrivate, kemCiphertext)
	if err != nil {
		return err
	}
	s.rekey(ss)
	for i := range ss {
		ss[i] = 0
	}
	return nil
}

// SendCount returns the current send counter.
func (s *Session) SendCount() uint64 { return s.sendCount }

// RecvCount returns the current receive counter.
func (s *Session) RecvCount() uint64 { return s.recvCount }

// SkippedKeyCount returns the number of cached skipped keys.
func (s *Session) SkippedKeyCount() int { return len(s.skipped) }

// LastKEMRatchet returns the time of the most recent KEM ratchet step,
// or the zero time if none has happened.
func (s *Session) LastKEMRatchet() time.Time { return s.lastKEMRatchet }

// Save serializes the session to bytes for encrypted-at-rest storage.
func (s *Session) Save() ([]byte, error) {
	st := &state{
		RootKey:        s.rootKey.Bytes(),
		SendChainKey:   s.sendChainKey.Bytes(),
		RecvChainKey:   s.recvChainKey.Bytes(),
		SendCount:      s.sendCount,
		RecvCount:      s.recvCount,
		Initiator:      s.initiator,
		CreatedAt:      s.createdAt.UnixNano(),
		LastKEMRatchet: s.lastKEMRatchet.UnixNano(),
	}
	for _, seq := range s.skippedOrder {
		st.SkippedSeqs = append(st.SkippedSeqs, seq)
		st.SkippedKeys = append(st.SkippedKeys, s.skipped[seq].Bytes())
	}
	return cbor.Marshal(st)
}

// NewSessionFromBytes deserializes a session previously produced by
// Save.  data is wiped before returning.
func NewSessionFromBytes(rand io.Reader, scheme kem.Scheme, data []byte) (*Session, error) {
	defer func() {
		for i := range data {
			data[i] = 0
		}
	}()
	st := &state{}
	if err := cbor.Unmarshal(data, st); err != nil {
		return nil, err
	}
	if len(st.RootKey) != keySize || len(st.SendChainKey) != keySize || len(st.RecvChainKey) != keySize {
		return nil, ErrSerializedKeyLength
	}
	s := &Session{
		scheme:         scheme,
		rootKey:        restoredKey(st.RootKey),
		sendChainKey:   restoredKey(st.SendChainKey),
		recvChainKey:   restoredKey(st.RecvChainKey),
		sendCount:      st.SendCount,
		recvCount:      st.RecvCount,
		initiator:      st.Initiator,
		skipped:        make(map[uint64]*memguard.LockedBuffer),
		createdAt:      time.Unix(0, st.CreatedAt),
		lastKEMRatchet: time.Unix(0, st.LastKEMRatchet),
		rand:           rand,
	}
	if len(st.SkippedSeqs) != len(st.SkippedKeys) {
		return nil, ErrSerializedKeyLength
	}
	for i, seq := range st.SkippedSeqs {
		if len(st.SkippedKeys[i]) != keySize {
			return nil, ErrSerializedKeyLength
		}
		s.skipped[seq] = restoredKey(st.SkippedKeys[i])
		s.skippedOrder = append(s.skippedOrder, seq)
	}
	return s, nil
}

// restoredKey rebuilds a key buffer from its serialized bytes, wiping
// the source.  NewBufferFromBytes freezes the buffer read-only, which
// would fault the next in-place chain step, so it is melted before use.
func restoredKey(b []byte) *memguard.LockedBuffer {
	buf := memguard.NewBufferFromBytes(b)
	buf.Melt()
	return buf
}

// Destroy zeroizes all session key material.  The session must not be
// used afterwards.
func (s *Session) Destroy() {
	s.rootKey.Destroy()
	s.sendChainKey.Destroy()
	s.recvChainKey.Destroy()
	s.wipeSkipped()
	s.sendCount = 0
	s.recvCount = 0
}
