// delivery.go - Pending delivery records.
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

// Package wake implements the wake protocol: a sender pings an
// intermittently connected peer, the peer authenticates locally and
// pongs back, the payload follows, and a final ack confirms end to end
// delivery.  Every in-flight message is tracked by a PendingDelivery
// that survives restarts.
package wake

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Phase is a PendingDelivery's position in the delivery lifecycle.
// Transitions run strictly forward; only Failed is reachable from any
// non-terminal phase.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseSent
	PhasePeerAcked
	PhaseDownloading
	PhaseDelivered
	PhaseFailed
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseSent:
		return "SENT"
	case PhasePeerAcked:
		return "PEER_ACKED"
	case PhaseDownloading:
		return "DOWNLOADING"
	case PhaseDelivered:
		return "DELIVERED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "INVALID"
	}
}

// Terminal reports whether the phase is an end state.
func (p Phase) Terminal() bool {
	return p == PhaseDelivered || p == PhaseFailed
}

// PendingDelivery tracks one in-flight outbound message.  WireBytes
// caches the exact bytes of the last sent frame so that retries resend
// byte-identical content rather than minting a new token, and
// PeerSigningKey snapshots the counterpart's key so the eventual ack
// verifies even if the in-memory contact has rotated.
type PendingDelivery struct {
	TokenID        []byte
	PeerID         []byte
	PeerSigningKey []byte

	Phase      Phase
	RetryCount uint32
	NextRetry  int64 // unix nanoseconds

	WireBytes []byte
	Payload   []byte

	CreatedAt        int64 // unix nanoseconds
	WatchdogDeadline int64 // unix nanoseconds, 0 when unarmed
}

// Expired reports whether the record is older than ttl at now.
func (d *PendingDelivery) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.Unix(0, d.CreatedAt)) > ttl
}

// Marshal serializes the record.
func (d *PendingDelivery) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// ParsePendingDelivery deserializes a record.
func ParsePendingDelivery(b []byte) (*PendingDelivery, error) {
	d := new(PendingDelivery)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}
