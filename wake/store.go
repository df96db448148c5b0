// store.go - Pending delivery persistence.
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
	"errors"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNoDelivery is returned when a token has no stored record.
var ErrNoDelivery = errors.New("wake: no such pending delivery")

// Store persists PendingDelivery records across restarts.
type Store interface {
	// Put inserts or replaces a record, keyed by its token ID.
	Put(d *PendingDelivery) error

	// Get returns the record for a token ID, or ErrNoDelivery.
	Get(tokenID []byte) (*PendingDelivery, error)

	// Delete removes a record.  Deleting an absent record is not an
	// error.
	Delete(tokenID []byte) error

	// All returns every stored record.
	All() ([]*PendingDelivery, error)

	// PurgeExpired deletes records older than ttl, returning how
	// many were removed.
	PurgeExpired(ttl time.Duration) (int, error)

	// Close flushes and closes the store.
	Close()
}

const pendingBucket = "pending_deliveries"

type boltStore struct {
	db *bolt.DB
}

// NewBoltStore creates or opens a bbolt backed Store at path f.
func NewBoltStore(f string) (Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pendingBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Put(d *PendingDelivery) error {
	blob, err := d.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		return bkt.Put(d.TokenID, blob)
	})
}

func (s *boltStore) Get(tokenID []byte) (*PendingDelivery, error) {
	var d *PendingDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		blob := bkt.Get(tokenID)
		if blob == nil {
			return ErrNoDelivery
		}
		var err error
		d, err = ParsePendingDelivery(blob)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *boltStore) Delete(tokenID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		return bkt.Delete(tokenID)
	})
}

func (s *boltStore) All() ([]*PendingDelivery, error) {
	var out []*PendingDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		return bkt.ForEach(func(k, v []byte) error {
			d, err := ParsePendingDelivery(v)
			if err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) PurgeExpired(ttl time.Duration) (int, error) {
	now := time.Now()
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		var doomed [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			d, err := ParsePendingDelivery(v)
			if err != nil {
				// A record that no longer parses is purged too.
				doomed = append(doomed, append([]byte{}, k...))
				return nil
			}
			if d.Expired(now, ttl) {
				doomed = append(doomed, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err = bkt.Delete(k); err != nil {
				return err
			}
		}
		purged = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *boltStore) Close() {
	s.db.Sync()
	s.db.Close()
}

// memStore is a map backed Store for tests and ephemeral profiles.
// Records are stored and returned as copies so callers never share
// mutable state.
type memStore struct {
	sync.Mutex
	m map[string][]byte
}

// NewMemStore creates an in-memory Store.
func NewMemStore() Store {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Put(d *PendingDelivery) error {
	blob, err := d.Marshal()
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.m[string(d.TokenID)] = blob
	return nil
}

func (s *memStore) Get(tokenID []byte) (*PendingDelivery, error) {
	s.Lock()
	blob, ok := s.m[string(tokenID)]
	s.Unlock()
	if !ok {
		return nil, ErrNoDelivery
	}
	return ParsePendingDelivery(blob)
}

func (s *memStore) Delete(tokenID []byte) error {
	s.Lock()
	defer s.Unlock()
	delete(s.m, string(tokenID))
	return nil
}

func (s *memStore) All() ([]*PendingDelivery, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]*PendingDelivery, 0, len(s.m))
	for _, blob := range s.m {
		d, err := ParsePendingDelivery(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) PurgeExpired(ttl time.Duration) (int, error) {
	s.Lock()
	defer s.Unlock()
	now := time.Now()
	purged := 0
	for k, blob := range s.m {
		d, err := ParsePendingDelivery(blob)
		if err != nil || d.Expired(now, ttl) {
			delete(s.m, k)
			purged++
		}
	}
	return purged, nil
}

func (s *memStore) Close() {}
