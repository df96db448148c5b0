// exchange.go - Contact establishment over the wire.
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

import (
	"context"
	"errors"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/veilpost/veilpost/contact"
	"github.com/veilpost/veilpost/shaper"
	"github.com/veilpost/veilpost/transport"
)

// Establishment frame tags, prefixed to the shaped payload on the
// request-inbound address.
const (
	estRequest = 0x01
	estAccept  = 0x02
	estAck     = 0x03
)

var errShortEstablishment = errors.New("client: short establishment frame")

// NewContactRequest runs phase 1: seal a request under the out-of-band
// PIN and send it to the peer's request-inbound address.  The returned
// contact ID tracks the pending contact until the acceptance arrives.
func (c *Client) NewContactRequest(peerRequestInbound string, pin []byte) (uint64, error) {
	if err := c.gate.AwaitOpen(time.Duration(c.cfg.Gate.ShortWait) * time.Second); err != nil {
		return 0, err
	}

	blob, err := contact.SealRequest(rand.Reader, c.identity, pin, c.handle, c.addresses.RequestInbound)
	if err != nil {
		return 0, err
	}

	id := c.randID()
	ct := contact.NewContact(id, "", contact.StatePendingSent)
	ct.Addresses.RequestInbound = peerRequestInbound

	c.contactsMutex.Lock()
	c.contacts[id] = ct
	c.contactsMutex.Unlock()

	if err := c.sendEstablishment(peerRequestInbound, estRequest, blob); err != nil {
		c.contactsMutex.Lock()
		delete(c.contacts, id)
		c.contactsMutex.Unlock()
		return 0, err
	}
	c.log.Noticef("contact request sent to %s", peerRequestInbound)
	return id, nil
}

// AcceptContact runs phase 2 for a previously received sealed request:
// open it with the PIN, derive the hybrid secret, and send the
// acceptance.  The new contact is immediately usable for sending; the
// mutual ack fills in the peer's remaining card fields.
func (c *Client) AcceptContact(requestID uint64, pin []byte) (uint64, error) {
	c.contactsMutex.Lock()
	blob, ok := c.pendingRequests[requestID]
	if ok {
		delete(c.pendingRequests, requestID)
	}
	c.contactsMutex.Unlock()
	if !ok {
		return 0, errRequestNotFound
	}

	req, err := contact.OpenRequest(pin, blob)
	if err != nil {
		return 0, err
	}

	acceptBlob, ct, err := contact.Accept(rand.Reader, c.card, req, c.randID())
	if err != nil {
		return 0, err
	}

	c.contactsMutex.Lock()
	c.contacts[ct.ID()] = ct
	c.byPeerID[string(ct.SigningKey.Bytes())] = ct
	c.awaitingAck[ct.ID()] = true
	c.contactsMutex.Unlock()
	c.manager.AddPeer(c.wakePeer(ct))

	if err := c.sendEstablishment(req.RequestInbound, estAccept, acceptBlob); err != nil {
		return 0, err
	}
	c.log.Noticef("contact request from %q accepted", req.Handle)
	return ct.ID(), nil
}

// sendEstablishment ships one establishment blob to an address as a
// shaped, tagged frame.
func (c *Client) sendEstablishment(address string, typ byte, blob []byte) error {
	frame, err := shaper.Shape(rand.Reader, append([]byte{typ}, blob...))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.Gate.SendWait)*time.Second)
	defer cancel()
	return transport.SendFrame(ctx, c.net, address, frame)
}

// onRequestFrame handles an inbound frame on the request-inbound
// address.
func (c *Client) onRequestFrame(frame []byte) {
	payload, err := shaper.Unshape(frame)
	if err != nil {
		c.log.Warningf("establishment frame rejected: %v", err)
		return
	}
	if len(payload) < 2 {
		c.log.Warningf("establishment frame rejected: %v", errShortEstablishment)
		return
	}
	typ, blob := payload[0], payload[1:]
	switch typ {
	case estRequest:
		c.onInboundRequest(blob)
	case estAccept:
		c.onInboundAcceptance(blob)
	case estAck:
		c.onInboundAck(blob)
	default:
		c.log.Warningf("establishment frame with unknown tag 0x%02x dropped", typ)
	}
}

// onInboundRequest stores the sealed blob and surfaces an event; it
// only opens once the user supplies the PIN to AcceptContact.
func (c *Client) onInboundRequest(blob []byte) {
	id := c.randID()
	c.contactsMutex.Lock()
	c.pendingRequests[id] = append([]byte{}, blob...)
	c.contactsMutex.Unlock()
	c.log.Noticef("sealed contact request received")
	c.event(ContactRequestReceivedEvent{RequestID: id})
}

// onInboundAcceptance completes phase 3 on the requester side: open
// the acceptance, match it to the pending contact by the accepter's
// request-inbound address, bind the session and return the mutual ack.
func (c *Client) onInboundAcceptance(blob []byte) {
	card, sessionSecret, err := contact.OpenAcceptance(c.identity, blob)
	if err != nil {
		c.log.Warningf("acceptance rejected: %v", err)
		return
	}

	c.contactsMutex.Lock()
	var pending *contact.Contact
	for _, ct := range c.contacts {
		if ct.State == contact.StatePendingSent && ct.Addresses.RequestInbound == card.Addresses.RequestInbound {
			pending = ct
			break
		}
	}
	c.contactsMutex.Unlock()
	if pending == nil {
		c.log.Warningf("acceptance matched no pending request, dropped")
		return
	}

	ack, err := contact.BindAcceptance(rand.Reader, c.card, pending, card, sessionSecret)
	if err != nil {
		c.log.Warningf("acceptance binding failed: %v", err)
		return
	}

	c.contactsMutex.Lock()
	c.byPeerID[string(pending.SigningKey.Bytes())] = pending
	c.contactsMutex.Unlock()
	c.manager.AddPeer(c.wakePeer(pending))

	if err := c.sendEstablishment(pending.Addresses.RequestInbound, estAck, ack); err != nil {
		c.log.Warningf("mutual ack send failed: %v", err)
	}
	c.log.Noticef("contact %q established", pending.Handle)
	c.event(ContactAddedEvent{ContactID: pending.ID(), Handle: pending.Handle})
}

// onInboundAck finalizes the accepter side: the ack decrypts only
// under the session established for the matching contact.
func (c *Client) onInboundAck(blob []byte) {
	c.contactsMutex.Lock()
	waiting := make([]*contact.Contact, 0, len(c.awaitingAck))
	for id := range c.awaitingAck {
		if ct, ok := c.contacts[id]; ok {
			waiting = append(waiting, ct)
		}
	}
	c.contactsMutex.Unlock()

	for _, ct := range waiting {
		if err := contact.Finalize(ct, blob); err != nil {
			continue
		}
		c.contactsMutex.Lock()
		delete(c.awaitingAck, ct.ID())
		c.contactsMutex.Unlock()
		c.log.Noticef("contact %q establishment finalized", ct.Handle)
		c.event(ContactAddedEvent{ContactID: ct.ID(), Handle: ct.Handle})
		return
	}
	c.log.Warningf("mutual ack matched no awaiting contact, dropped")
}
