// constants.go - Ratchet wire geometry and limits.
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
	"github.com/katzenpost/chacha20poly1305"
)

const (
	// HybridSecretSize is the size, in bytes, of the hybrid shared
	// secret a session is initialized from: the classical exchange
	// half followed by the post-quantum KEM half.
	HybridSecretSize = 64

	keySize   = 32
	seqSize   = 8
	nonceSize = chacha20poly1305.NonceSize

	// Version is the frame format version tag.
	Version = 0x01

	// headerSize is the size, in bytes, of a frame's plaintext
	// prefix: version byte, sequence number and AEAD nonce.
	headerSize = 1 + seqSize + nonceSize

	// Overhead is the number of bytes a frame adds on top of the
	// plaintext.
	Overhead = headerSize + chacha20poly1305.Overhead

	// MaxSkippedKeys bounds the cache of message keys derived for
	// sequences that have not arrived yet.  A frame further ahead
	// than this cannot be decrypted.
	MaxSkippedKeys = 256
)
