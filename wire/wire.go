// wire.go - Message envelope framing.
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

// Package wire defines the protocol message types exchanged between
// peers: the envelope tagging, and the signed tokens driving the wake
// protocol.
package wire

import (
	"errors"
	"io"
)

// ProtocolVersion is carried in every token for peer compatibility
// detection.
const ProtocolVersion = 0x01

// Envelope type tags.  Every payload handed to the shaper is an
// envelope of the form [type:1][body].
const (
	TypePing       = 0x01
	TypePong       = 0x02
	TypeMessage    = 0x03
	TypeMessageAck = 0x04
	TypeTap        = 0x05
	TypeTapAck     = 0x06
	TypeCover      = 0xff
)

var (
	// ErrShortEnvelope is returned for an empty envelope.
	ErrShortEnvelope = errors.New("wire: envelope too short")

	// ErrUnknownType is returned for an unrecognized envelope type tag.
	ErrUnknownType = errors.New("wire: unknown envelope type")

	// ErrBadSignature is returned when a token's signature does not
	// verify.
	ErrBadSignature = errors.New("wire: signature verification failed")

	// ErrBadKeyLength is returned when a token carries a key of the
	// wrong length.
	ErrBadKeyLength = errors.New("wire: bad key length")
)

// WrapEnvelope prefixes body with its type tag.
func WrapEnvelope(typ byte, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, typ)
	return append(out, body...)
}

// ParseEnvelope splits an envelope into its type tag and body.
func ParseEnvelope(env []byte) (byte, []byte, error) {
	if len(env) < 1 {
		return 0, nil, ErrShortEnvelope
	}
	switch env[0] {
	case TypePing, TypePong, TypeMessage, TypeMessageAck, TypeTap, TypeTapAck, TypeCover:
		return env[0], env[1:], nil
	default:
		return 0, nil, ErrUnknownType
	}
}

// coverBodySize bounds the random body of a cover envelope.
const coverBodySize = 1024

// NewCoverEnvelope builds an envelope of type COVER whose body is
// random bytes.  Recipients discard it after decryption.
func NewCoverEnvelope(rand io.Reader) ([]byte, error) {
	body := make([]byte, coverBodySize)
	if _, err := io.ReadFull(rand, body); err != nil {
		return nil, err
	}
	return WrapEnvelope(TypeCover, body), nil
}
