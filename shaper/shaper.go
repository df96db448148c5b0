// shaper.go - Fixed-size frame padding.
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

// Package shaper normalizes what an observer of the wire can see: every
// frame is padded to one of a small set of fixed sizes, control traffic
// is delayed by randomized jitter, and cover frames are emitted on a
// randomized timer so that the presence of real traffic is not visible
// either.
package shaper

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// FrameSmall is the default frame size.  Every control message
	// (pings, pongs, acks, taps) fits in a small frame.
	FrameSmall = 4096

	// FrameMedium and FrameLarge are the escalation sizes for
	// payloads that do not fit in the size below them.
	FrameMedium = 8192
	FrameLarge  = 16384

	lenFieldSize = 2
)

// FrameSizes is the accepted frame size set, ascending.
var FrameSizes = []int{FrameSmall, FrameMedium, FrameLarge}

var (
	// ErrPayloadTooLarge is returned when a payload exceeds what the
	// largest frame can carry.  Callers fragment instead.
	ErrPayloadTooLarge = errors.New("shaper: payload exceeds largest frame")

	// ErrBadFrameSize is returned for a received frame whose length
	// is not in the accepted set.
	ErrBadFrameSize = errors.New("shaper: frame length not in accepted set")

	// ErrBadLength is returned when a frame's length field points
	// outside the frame.
	ErrBadLength = errors.New("shaper: corrupt length field")
)

// MaxPayload returns the largest payload a frame of the given size can
// carry.
func MaxPayload(frameSize int) int {
	return frameSize - lenFieldSize
}

// frameSizeFor picks the smallest accepted frame size that fits the
// payload.
func frameSizeFor(payloadLen int) (int, error) {
	for _, sz := range FrameSizes {
		if payloadLen <= MaxPayload(sz) {
			return sz, nil
		}
	}
	return 0, ErrPayloadTooLarge
}

// Shape pads payload into the smallest accepted frame size, with the
// layout [len:2 BE][payload][random pad].  There is no unpadded path.
func Shape(rand io.Reader, payload []byte) ([]byte, error) {
	sz, err := frameSizeFor(len(payload))
	if err != nil {
		return nil, err
	}
	return ShapeTo(rand, payload, sz)
}

// ShapeTo pads payload into a frame of exactly frameSize bytes.
func ShapeTo(rand io.Reader, payload []byte, frameSize int) ([]byte, error) {
	ok := false
	for _, sz := range FrameSizes {
		if frameSize == sz {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrBadFrameSize
	}
	if len(payload) > MaxPayload(frameSize) {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, frameSize)
	binary.BigEndian.PutUint16(frame[0:lenFieldSize], uint16(len(payload)))
	copy(frame[lenFieldSize:], payload)
	padStart := lenFieldSize + len(payload)
	if _, err := io.ReadFull(rand, frame[padStart:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Unshape strips the padding from a received frame, returning the
// payload.  Frames whose total length is not in the accepted set are
// rejected outright.
func Unshape(frame []byte) ([]byte, error) {
	ok := false
	for _, sz := range FrameSizes {
		if len(frame) == sz {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrBadFrameSize
	}
	n := int(binary.BigEndian.Uint16(frame[0:lenFieldSize]))
	if n > len(frame)-lenFieldSize {
		return nil, ErrBadLength
	}
	payload := make([]byte, n)
	copy(payload, frame[lenFieldSize:lenFieldSize+n])
	return payload, nil
}
