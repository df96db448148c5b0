// events.go - Client event sink types.
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

package client

// Event is the generalized client event sum type.
type Event interface{}

// MessageReceivedEvent announces an inbound message from an
// established contact.
type MessageReceivedEvent struct {
	// ContactID identifies the sending contact.
	ContactID uint64

	// Payload is the decrypted message body.
	Payload []byte
}

// MessageDeliveredEvent announces final end to end confirmation of an
// outbound message.
type MessageDeliveredEvent struct {
	// MessageID is the token returned by SendMessage.
	MessageID []byte
}

// MessageFailedEvent announces an outbound message whose delivery
// exhausted its retry budget.  The user must resend manually.
type MessageFailedEvent struct {
	MessageID []byte
	Err       error
}

// ContactRequestReceivedEvent announces an inbound sealed contact
// request.  The blob opens only under the out-of-band PIN, supplied
// via AcceptContact.
type ContactRequestReceivedEvent struct {
	// RequestID identifies the sealed blob for AcceptContact.
	RequestID uint64
}

// ContactAddedEvent announces a completed contact establishment.
type ContactAddedEvent struct {
	ContactID uint64
	Handle    string
}

// ContactRekeyedEvent announces a completed KEM ratchet step with a
// contact, initiated by either side.
type ContactRekeyedEvent struct {
	ContactID uint64
}

// GateStateEvent announces transport readiness transitions.
type GateStateEvent struct {
	Open bool

	// Reason is the close reason when Open is false.
	Reason string
}
