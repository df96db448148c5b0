// fragment.go - Message fragmentation and reassembly.
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

package shaper

import (
	"encoding/binary"
	"errors"
)

// FragmentHeaderSize is the per-fragment prefix: message ID, fragment
// index and fragment total.
const FragmentHeaderSize = 8 + 2 + 2

var (
	// ErrBadFragment is returned for fragments that are truncated or
	// inconsistent with fragments already received for the same
	// message ID.
	ErrBadFragment = errors.New("shaper: malformed fragment")

	// ErrTooManyFragments is returned when a payload would need more
	// fragments than the 16 bit total field can express.
	ErrTooManyFragments = errors.New("shaper: fragment count overflow")
)

// Fragment splits payload into chunks of at most maxChunk payload bytes
// each, prefixing every chunk with [msgID:8][index:2][total:2].  The
// chunks reassemble to the payload in index order regardless of arrival
// order.
func Fragment(msgID uint64, payload []byte, maxChunk int) ([][]byte, error) {
	if maxChunk <= 0 {
		return nil, ErrBadFragment
	}
	total := (len(payload) + maxChunk - 1) / maxChunk
	if total == 0 {
		total = 1
	}
	if total > 0xffff {
		return nil, ErrTooManyFragments
	}

	frags := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * maxChunk
		hi := lo + maxChunk
		if hi > len(payload) {
			hi = len(payload)
		}
		f := make([]byte, FragmentHeaderSize+hi-lo)
		binary.BigEndian.PutUint64(f[0:8], msgID)
		binary.BigEndian.PutUint16(f[8:10], uint16(i))
		binary.BigEndian.PutUint16(f[10:12], uint16(total))
		copy(f[FragmentHeaderSize:], payload[lo:hi])
		frags = append(frags, f)
	}
	return frags, nil
}

type partial struct {
	total  int
	chunks [][]byte
	have   int
}

// Reassembler collects fragments, keyed by message ID, and yields the
// payload once all of a message's fragments have arrived.  Callers must
// serialize access.
type Reassembler struct {
	pending map[uint64]*partial
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending: make(map[uint64]*partial),
	}
}

// Add ingests one fragment.  When the fragment completes its message,
// the reassembled payload is returned along with the message ID;
// otherwise payload is nil.  Duplicate fragments are ignored.
func (r *Reassembler) Add(frag []byte) (uint64, []byte, error) {
	if len(frag) < FragmentHeaderSize {
		return 0, nil, ErrBadFragment
	}
	msgID := binary.BigEndian.Uint64(frag[0:8])
	index := int(binary.BigEndian.Uint16(frag[8:10]))
	total := int(binary.BigEndian.Uint16(frag[10:12]))
	if total == 0 || index >= total {
		return 0, nil, ErrBadFragment
	}

	p, ok := r.pending[msgID]
	if !ok {
		p = &partial{
			total:  total,
			chunks: make([][]byte, total),
		}
		r.pending[msgID] = p
	}
	if p.total != total {
		return 0, nil, ErrBadFragment
	}
	if p.chunks[index] != nil {
		return msgID, nil, nil
	}
	body := make([]byte, len(frag)-FragmentHeaderSize)
	copy(body, frag[FragmentHeaderSize:])
	p.chunks[index] = body
	p.have++

	if p.have < p.total {
		return msgID, nil, nil
	}
	delete(r.pending, msgID)
	var out []byte
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return msgID, out, nil
}

// PendingCount returns the number of partially reassembled messages.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}
