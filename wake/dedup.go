// dedup.go - Inbound token deduplication.
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

package wake

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
)

// Dedup scopes.  A ping and the message that follows it share a token
// ID, so seen-tracking is keyed by (scope, token ID).
const (
	scopePing    = 'P'
	scopePong    = 'O'
	scopeMessage = 'M'
	scopeAck     = 'A'
	scopeTap     = 'T'
)

// Dedup absorbs the at-least-once behavior of the transport: every
// inbound token ID is tested before any processing and duplicates are
// dropped silently.  The bloom filter rejects the common case cheaply;
// the exact set breaks false positive ties.
type Dedup struct {
	sync.Mutex

	f     *bloom.Filter
	exact map[string]struct{}
}

// NewDedup creates a Dedup sized for long-lived token churn.
func NewDedup() (*Dedup, error) {
	f, err := bloom.New(rand.Reader, 23, 0.001) // 1 MiB, 582,044 entries.
	if err != nil {
		return nil, err
	}
	return &Dedup{
		f:     f,
		exact: make(map[string]struct{}),
	}, nil
}

func dedupKey(scope byte, id []byte) []byte {
	key := make([]byte, 1+len(id))
	key[0] = scope
	copy(key[1:], id)
	return key
}

// IsDuplicate marks (scope, id) as seen, returning true iff it was
// seen before.
func (d *Dedup) IsDuplicate(scope byte, id []byte) bool {
	key := dedupKey(scope, id)

	d.Lock()
	defer d.Unlock()

	if !d.f.TestAndSet(key) {
		// The filter has no false negatives, so this token is new.
		d.exact[string(key)] = struct{}{}
		return false
	}
	if _, ok := d.exact[string(key)]; ok {
		return true
	}
	d.exact[string(key)] = struct{}{}
	return false
}

// Forget removes a token from the exact set so a later copy is
// processed again.  The bloom filter cannot unlearn, but the exact set
// is authoritative for entries that were ever inserted.
func (d *Dedup) Forget(scope byte, id []byte) {
	key := dedupKey(scope, id)

	d.Lock()
	defer d.Unlock()
	delete(d.exact, string(key))
}
