// store_test.go - Pending delivery store tests.
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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDelivery(tokenID byte, age time.Duration) *PendingDelivery {
	return &PendingDelivery{
		TokenID:        []byte{tokenID, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		PeerID:         []byte("peer"),
		PeerSigningKey: make([]byte, 32),
		Phase:          PhaseSent,
		WireBytes:      []byte("cached frame bytes"),
		Payload:        []byte("payload"),
		CreatedAt:      time.Now().Add(-age).UnixNano(),
	}
}

func testStoreBehavior(t *testing.T, s Store) {
	fresh := testDelivery(1, 0)
	stale := testDelivery(2, 48*time.Hour)

	require.NoError(t, s.Put(fresh))
	require.NoError(t, s.Put(stale))

	got, err := s.Get(fresh.TokenID)
	require.NoError(t, err)
	require.Equal(t, fresh.TokenID, got.TokenID)
	require.Equal(t, PhaseSent, got.Phase)
	require.Equal(t, fresh.WireBytes, got.WireBytes)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Updates replace in place.
	fresh.Phase = PhaseDownloading
	require.NoError(t, s.Put(fresh))
	got, err = s.Get(fresh.TokenID)
	require.NoError(t, err)
	require.Equal(t, PhaseDownloading, got.Phase)

	n, err := s.PurgeExpired(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(stale.TokenID)
	require.Equal(t, ErrNoDelivery, err)

	require.NoError(t, s.Delete(fresh.TokenID))
	_, err = s.Get(fresh.TokenID)
	require.Equal(t, ErrNoDelivery, err)

	// Deleting an absent record is not an error.
	require.NoError(t, s.Delete(fresh.TokenID))
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	testStoreBehavior(t, s)
}

func TestBoltStore(t *testing.T) {
	f := filepath.Join(t.TempDir(), "pending.db")
	s, err := NewBoltStore(f)
	require.NoError(t, err)
	testStoreBehavior(t, s)
	s.Close()

	// Records survive reopening.
	s, err = NewBoltStore(f)
	require.NoError(t, err)
	d := testDelivery(3, 0)
	require.NoError(t, s.Put(d))
	s.Close()

	s, err = NewBoltStore(f)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(d.TokenID)
	require.NoError(t, err)
	require.Equal(t, d.WireBytes, got.WireBytes)
}

func TestDedup(t *testing.T) {
	d, err := NewDedup()
	require.NoError(t, err)

	id := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	require.False(t, d.IsDuplicate(scopePing, id))
	require.True(t, d.IsDuplicate(scopePing, id))

	// Scopes are independent: a message reusing the ping's token ID
	// is not a duplicate of the ping.
	require.False(t, d.IsDuplicate(scopeMessage, id))
	require.True(t, d.IsDuplicate(scopeMessage, id))

	// Forgetting reopens exactly one scope.
	d.Forget(scopePing, id)
	require.False(t, d.IsDuplicate(scopePing, id))
	require.True(t, d.IsDuplicate(scopeMessage, id))
}
