// client.go - Veilpost client.
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

// Package client binds the veilpost components into a running
// messenger: identity, contact establishment, the wake delivery state
// machine, traffic shaping, cover traffic and the transport readiness
// gate.
package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/veilpost/veilpost/config"
	"github.com/veilpost/veilpost/contact"
	"github.com/veilpost/veilpost/core/log"
	"github.com/veilpost/veilpost/core/worker"
	"github.com/veilpost/veilpost/gate"
	"github.com/veilpost/veilpost/shaper"
	"github.com/veilpost/veilpost/transport"
	"github.com/veilpost/veilpost/wake"
	"github.com/veilpost/veilpost/wire"
)

var (
	errContactNotFound = errors.New("client: contact not found")
	errContactPending  = errors.New("client: contact establishment incomplete")
	errRequestNotFound = errors.New("client: contact request not found")
)

const spoolDB = "deliveries.db"

// Message payload tags, the first byte of every delivered payload.
const (
	msgTagText     = 0x01
	msgTagRekey    = 0x02
	msgTagFragment = 0x03
)

const replayCacheCap = 4096

// maxDeliveryChunk bounds a single delivery's payload so the enveloped,
// ratchet-encrypted frame still fits the largest shaped size.
const maxDeliveryChunk = shaper.FrameLarge - 512

// Network combines dialing with the ability to bind our derived
// service addresses.  The loopback transport satisfies it directly;
// over an anonymity network the binding half is provided by the
// hidden service configuration.
type Network interface {
	transport.Dialer

	Listen(address string) (transport.Listener, error)
}

// Client is a veilpost messenger instance.
type Client struct {
	worker.Worker

	cfg        *config.Config
	log        *logging.Logger
	logBackend *log.Backend

	identity  *contact.Identity
	card      *contact.Card
	addresses *transport.Addresses
	handle    string

	net        transport.Dialer
	binder     Network
	servers    []*transport.Server
	serverLock sync.Mutex

	gate       *gate.Gate
	rehydrator *gate.Rehydrator
	manager    *wake.Manager
	cover      *shaper.CoverTimer

	// contacts is keyed by local contact ID; byPeerID by the peer's
	// signing key bytes, the manager's routing handle.
	contacts        map[uint64]*contact.Contact
	byPeerID        map[string]*contact.Contact
	awaitingAck     map[uint64]bool
	pendingRequests map[uint64][]byte
	pendingRekeys   map[string]*pendingRekey
	fragGroups      map[string]*fragGroup
	contactsMutex   sync.RWMutex

	// reasm holds per-contact fragment reassembly state, touched only
	// by the worker goroutine.
	reasm map[uint64]*shaper.Reassembler

	auth     wake.AuthGesture
	authLock sync.RWMutex

	// replay maps digests of successfully decrypted inbound frames to
	// their envelopes.  A byte-identical retransmit consumes a
	// sequence the ratchet already rejected, so it is recognized here
	// and fed back to the state machine, whose dedup layer resends
	// whichever reply was lost.
	replay     map[[32]byte]replayEntry
	replayFIFO [][32]byte
	replayLock sync.Mutex

	opCh    chan interface{}
	eventCh chan Event
}

type replayEntry struct {
	peerID []byte
	env    []byte
}

type pendingRekey struct {
	contactID    uint64
	sharedSecret []byte
}

// fragGroup tracks the deliveries a fragmented message was split into.
// The caller-visible message ID is the first fragment's token.
type fragGroup struct {
	emitID    []byte
	remaining int
	failed    bool
}

// New creates a Client from a validated configuration.  The root
// secret yields the identity keys and service addresses; net provides
// dialing and address binding; probe reports transport health to the
// readiness gate.
func New(cfg *config.Config, rootSecret []byte, handle string, net Network, probe gate.HealthProbe) (*Client, error) {
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}

	identity, err := contact.NewIdentity(rootSecret)
	if err != nil {
		return nil, err
	}
	addresses := transport.DeriveAddresses(rootSecret)
	card, err := contact.NewCard(identity, handle, addresses)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:             cfg,
		log:             logBackend.GetLogger("client"),
		logBackend:      logBackend,
		identity:        identity,
		card:            card,
		addresses:       addresses,
		handle:          handle,
		net:             net,
		binder:          net,
		contacts:        make(map[uint64]*contact.Contact),
		byPeerID:        make(map[string]*contact.Contact),
		awaitingAck:     make(map[uint64]bool),
		pendingRequests: make(map[uint64][]byte),
		pendingRekeys:   make(map[string]*pendingRekey),
		fragGroups:      make(map[string]*fragGroup),
		reasm:           make(map[uint64]*shaper.Reassembler),
		replay:          make(map[[32]byte]replayEntry),
		opCh:            make(chan interface{}, 8),
		eventCh:         make(chan Event, 64),
	}

	c.gate = gate.New(probe)
	c.rehydrator = gate.NewRehydrator(logBackend.GetLogger("rehydrator"), c.gate, c.rebind,
		250*time.Millisecond, time.Second)

	store, err := wake.NewBoltStore(filepath.Join(cfg.DataDir, spoolDB))
	if err != nil {
		return nil, err
	}
	c.manager, err = wake.NewManager(&wake.Config{
		Log:           logBackend.GetLogger("wake"),
		Store:         store,
		Gate:          c.gate,
		Courier:       &courier{c: c},
		Signer:        identity.SigningPrivate(),
		ExchangeKey:   identity.ExchangePublic().Bytes(),
		Auth:          c.authorize,
		AckJitterMean: time.Duration(cfg.Delivery.AckJitterMeanMilliseconds) * time.Millisecond,
		AckJitterMax:  time.Duration(cfg.Delivery.AckJitterMaxMilliseconds) * time.Millisecond,
		RetryBase:     time.Duration(cfg.Delivery.RetryBaseSeconds) * time.Second,
		RetryMax:      time.Duration(cfg.Delivery.RetryMaxSeconds) * time.Second,
		RetryBudget:   uint32(cfg.Delivery.RetryBudget),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	c.cover = shaper.NewCoverTimer()
	if !cfg.Cover.Disable {
		c.cover.SetRate(uint64(cfg.Cover.AverageDelayMilliseconds), uint64(cfg.Cover.MaxDelayMilliseconds))
	}
	return c, nil
}

// Start binds the service listeners and launches the client workers.
func (c *Client) Start() error {
	if err := c.bindListeners(); err != nil {
		return err
	}
	c.Go(c.worker)
	c.Online()
	return nil
}

// Shutdown halts all workers and closes the delivery spool.
func (c *Client) Shutdown() {
	c.Halt()
	c.closeListeners()
	c.rehydrator.Halt()
	c.cover.Halt()
	c.manager.Shutdown()
}

// SetAuthGesture installs the local authentication callback consulted
// before an inbound wake ping is acknowledged.  Without one, pings are
// acknowledged unconditionally.
func (c *Client) SetAuthGesture(f wake.AuthGesture) {
	c.authLock.Lock()
	c.auth = f
	c.authLock.Unlock()
}

func (c *Client) authorize(ping *wire.PingToken) bool {
	c.authLock.RLock()
	f := c.auth
	c.authLock.RUnlock()
	if f == nil {
		return true
	}
	return f(ping)
}

// EventsCh returns the channel client events are delivered on.
func (c *Client) EventsCh() <-chan Event {
	return c.eventCh
}

// Addresses returns our three derived service addresses.
func (c *Client) Addresses() *transport.Addresses {
	return c.addresses
}

// Card returns our signed contact card.
func (c *Client) Card() *contact.Card {
	return c.card
}

// Online probes transport health and, if the gate opens, announces
// our presence to all contacts with a TAP broadcast.
func (c *Client) Online() {
	if c.gate.OpenIfHealthy() {
		c.log.Noticef("transport gate open")
		c.cover.SetOnline(!c.cfg.Cover.Disable)
		c.manager.BroadcastTap()
		c.event(GateStateEvent{Open: true})
	} else {
		reason, _ := c.gate.LastClose()
		c.log.Noticef("transport gate still closed: %s", reason)
	}
}

// Offline closes the gate and silences cover traffic.
func (c *Client) Offline() {
	c.gate.Close("user requested offline")
	c.cover.SetOnline(false)
	c.event(GateStateEvent{Open: false, Reason: "offline"})
}

// NetworkChanged signals a bearer change to the rehydration
// coordinator.  Bursts collapse into a single rebind.
func (c *Client) NetworkChanged() {
	c.rehydrator.Signal(gate.EventNetworkChanged)
	c.event(GateStateEvent{Open: false, Reason: gate.EventNetworkChanged.String()})
}

// SendMessage queues payload for delivery to the contact and returns
// the message ID that later appears in MessageDeliveredEvent or
// MessageFailedEvent.
func (c *Client) SendMessage(contactID uint64, payload []byte) ([]byte, error) {
	c.contactsMutex.RLock()
	ct, ok := c.contacts[contactID]
	c.contactsMutex.RUnlock()
	if !ok {
		return nil, errContactNotFound
	}
	if ct.State != contact.StateAccepted || !ct.HasSession() {
		return nil, errContactPending
	}
	if len(payload) > maxDeliveryChunk {
		return c.sendFragmented(ct, payload)
	}
	tagged := make([]byte, 0, 1+len(payload))
	tagged = append(tagged, msgTagText)
	tagged = append(tagged, payload...)
	return c.manager.Send(c.wakePeer(ct), tagged)
}

// sendFragmented splits an oversized payload into chunk deliveries.
// The message counts as delivered when every chunk is, and as failed
// as soon as any chunk exhausts its retries.
func (c *Client) sendFragmented(ct *contact.Contact, payload []byte) ([]byte, error) {
	frags, err := shaper.Fragment(rand.NewMath().Uint64(), payload, maxDeliveryChunk)
	if err != nil {
		return nil, err
	}
	group := &fragGroup{remaining: len(frags)}
	for _, f := range frags {
		tagged := make([]byte, 0, 1+len(f))
		tagged = append(tagged, msgTagFragment)
		tagged = append(tagged, f...)
		tokenID, err := c.manager.Send(c.wakePeer(ct), tagged)
		if err != nil {
			return nil, err
		}
		c.contactsMutex.Lock()
		if group.emitID == nil {
			group.emitID = tokenID
		}
		c.fragGroups[string(tokenID)] = group
		c.contactsMutex.Unlock()
	}
	return group.emitID, nil
}

// RekeyContact performs a KEM ratchet step with the contact.  The
// encapsulation travels as a regular delivery under the current
// chains; the peer adopts the new root when the payload arrives, and
// we adopt it when the peer's message ack confirms receipt.  Both
// sides emit ContactRekeyedEvent.  Traffic sent in the window between
// the two adoptions is lost to the re-key, so callers schedule this
// during idle periods.
func (c *Client) RekeyContact(contactID uint64) error {
	c.contactsMutex.RLock()
	ct, ok := c.contacts[contactID]
	c.contactsMutex.RUnlock()
	if !ok {
		return errContactNotFound
	}
	if ct.State != contact.StateAccepted || !ct.HasSession() {
		return errContactPending
	}

	kemCiphertext, sharedSecret, err := ct.RekeyOffer()
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 1+len(kemCiphertext))
	payload = append(payload, msgTagRekey)
	payload = append(payload, kemCiphertext...)
	tokenID, err := c.manager.Send(c.wakePeer(ct), payload)
	if err != nil {
		for i := range sharedSecret {
			sharedSecret[i] = 0
		}
		return err
	}
	c.contactsMutex.Lock()
	c.pendingRekeys[string(tokenID)] = &pendingRekey{
		contactID:    contactID,
		sharedSecret: sharedSecret,
	}
	c.contactsMutex.Unlock()
	return nil
}

// Contacts returns a snapshot of the contact records keyed by ID.
func (c *Client) Contacts() map[uint64]*contact.Contact {
	c.contactsMutex.RLock()
	defer c.contactsMutex.RUnlock()
	out := make(map[uint64]*contact.Contact, len(c.contacts))
	for id, ct := range c.contacts {
		out[id] = ct
	}
	return out
}

// Fingerprint returns the safety number shared with a contact for
// out-of-band verification.
func (c *Client) Fingerprint(contactID uint64) (string, error) {
	c.contactsMutex.RLock()
	defer c.contactsMutex.RUnlock()
	ct, ok := c.contacts[contactID]
	if !ok || ct.SigningKey == nil {
		return "", errContactNotFound
	}
	return contact.Fingerprint(c.identity.SigningPublic(), ct.SigningKey), nil
}

// RemoveContact destroys the contact's ratchet session and forgets the
// record.
func (c *Client) RemoveContact(contactID uint64) error {
	c.contactsMutex.Lock()
	defer c.contactsMutex.Unlock()
	ct, ok := c.contacts[contactID]
	if !ok {
		return errContactNotFound
	}
	ct.Destroy()
	if ct.SigningKey != nil {
		delete(c.byPeerID, string(ct.SigningKey.Bytes()))
	}
	delete(c.contacts, contactID)
	delete(c.awaitingAck, contactID)
	return nil
}

// WipeAll is the emergency wipe: every ratchet session and the
// identity's private keys are zeroized.
func (c *Client) WipeAll() {
	c.contactsMutex.Lock()
	for _, ct := range c.contacts {
		ct.Destroy()
	}
	c.contacts = make(map[uint64]*contact.Contact)
	c.byPeerID = make(map[string]*contact.Contact)
	c.awaitingAck = make(map[uint64]bool)
	c.pendingRequests = make(map[uint64][]byte)
	for _, pr := range c.pendingRekeys {
		for i := range pr.sharedSecret {
			pr.sharedSecret[i] = 0
		}
	}
	c.pendingRekeys = make(map[string]*pendingRekey)
	c.contactsMutex.Unlock()
	c.identity.Wipe()
	c.log.Warningf("emergency wipe completed")
}

func (c *Client) wakePeer(ct *contact.Contact) *wake.Peer {
	return &wake.Peer{
		ID:          ct.SigningKey.Bytes(),
		SigningKey:  ct.SigningKey,
		ExchangeKey: ct.ExchangeKey.Bytes(),
	}
}

func (c *Client) randID() uint64 {
	c.contactsMutex.RLock()
	defer c.contactsMutex.RUnlock()
	for {
		n := rand.NewMath().Uint64()
		if n == 0 {
			continue
		}
		if _, ok := c.contacts[n]; ok {
			continue
		}
		if _, ok := c.pendingRequests[n]; ok {
			continue
		}
		return n
	}
}

func (c *Client) event(ev Event) {
	select {
	case c.eventCh <- ev:
	default:
		c.log.Warningf("event channel full, dropping %T", ev)
	}
}

// bindListeners binds the request-inbound and message-inbound
// addresses.  The discovery address is shared out-of-band and never
// bound.
func (c *Client) bindListeners() error {
	c.serverLock.Lock()
	defer c.serverLock.Unlock()

	msgListener, err := c.binder.Listen(c.addresses.MessageInbound)
	if err != nil {
		return err
	}
	reqListener, err := c.binder.Listen(c.addresses.RequestInbound)
	if err != nil {
		msgListener.Close()
		return err
	}
	c.servers = []*transport.Server{
		transport.NewServer(c.logBackend.GetLogger("server/message"), msgListener, c.onMessageFrame),
		transport.NewServer(c.logBackend.GetLogger("server/request"), reqListener, c.onRequestFrame),
	}
	return nil
}

func (c *Client) closeListeners() {
	c.serverLock.Lock()
	defer c.serverLock.Unlock()
	for _, s := range c.servers {
		s.Shutdown()
	}
	c.servers = nil
}

// rebind tears the listeners down and binds them afresh.  Invoked by
// the rehydration coordinator after connectivity changes.
func (c *Client) rebind() error {
	c.closeListeners()
	if err := c.bindListeners(); err != nil {
		return err
	}
	select {
	case c.opCh <- opRebound{}:
	case <-c.HaltCh():
	}
	return nil
}

type opRebound struct{}

func (c *Client) worker() {
	mgrEvents := c.manager.EventsCh()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.cover.OutCh():
			c.sendCoverFrame()
		case op := <-c.opCh:
			switch op.(type) {
			case opRebound:
				// The gate reopens after the rehydrator's rebind;
				// announce our return so stalled deliveries in both
				// directions re-evaluate immediately.
				if c.gate.IsOpen() {
					c.cover.SetOnline(!c.cfg.Cover.Disable)
					c.manager.BroadcastTap()
					c.event(GateStateEvent{Open: true})
				}
			}
		case ev := <-mgrEvents:
			c.forwardWakeEvent(ev)
		}
	}
}

func (c *Client) forwardWakeEvent(ev wake.Event) {
	switch e := ev.(type) {
	case wake.MessageReceivedEvent:
		c.contactsMutex.RLock()
		ct, ok := c.byPeerID[string(e.PeerID)]
		c.contactsMutex.RUnlock()
		if !ok {
			c.log.Warningf("message from unknown peer dropped")
			return
		}
		if len(e.Payload) == 0 {
			c.log.Warningf("empty payload from contact %d dropped", ct.ID())
			return
		}
		switch e.Payload[0] {
		case msgTagText:
			c.event(MessageReceivedEvent{ContactID: ct.ID(), Payload: e.Payload[1:]})
		case msgTagFragment:
			r, ok := c.reasm[ct.ID()]
			if !ok {
				r = shaper.NewReassembler()
				c.reasm[ct.ID()] = r
			}
			_, full, err := r.Add(e.Payload[1:])
			if err != nil {
				c.log.Warningf("fragment from contact %d rejected: %v", ct.ID(), err)
				return
			}
			if full != nil {
				c.event(MessageReceivedEvent{ContactID: ct.ID(), Payload: full})
			}
		case msgTagRekey:
			if err := ct.KEMRatchetReceive(c.identity, e.Payload[1:]); err != nil {
				c.log.Errorf("re-key from contact %d failed: %v", ct.ID(), err)
				return
			}
			c.log.Noticef("session with contact %d re-keyed by peer", ct.ID())
			c.event(ContactRekeyedEvent{ContactID: ct.ID()})
		default:
			c.log.Warningf("unknown payload tag %x from contact %d dropped", e.Payload[0], ct.ID())
		}
	case wake.MessageDeliveredEvent:
		if c.completeRekey(e.TokenID) || c.fragmentDelivered(e.TokenID) {
			return
		}
		c.event(MessageDeliveredEvent{MessageID: e.TokenID})
	case wake.DeliveryFailedEvent:
		if c.abandonRekey(e.TokenID) || c.fragmentFailed(e.TokenID, e.Err) {
			return
		}
		c.event(MessageFailedEvent{MessageID: e.TokenID, Err: e.Err})
	case wake.PeerAckedEvent:
		// Phase progress only; not surfaced.
	}
}

// completeRekey adopts the new root for a confirmed re-key delivery.
// By the time the peer's ack arrives it has already adopted its side.
func (c *Client) completeRekey(tokenID []byte) bool {
	c.contactsMutex.Lock()
	pr, ok := c.pendingRekeys[string(tokenID)]
	if !ok {
		c.contactsMutex.Unlock()
		return false
	}
	delete(c.pendingRekeys, string(tokenID))
	ct := c.contacts[pr.contactID]
	c.contactsMutex.Unlock()
	if ct == nil {
		return true
	}
	if err := ct.CommitRekey(pr.sharedSecret); err != nil {
		c.log.Errorf("re-key commit for contact %d failed: %v", pr.contactID, err)
		return true
	}
	c.log.Noticef("session with contact %d re-keyed", pr.contactID)
	c.event(ContactRekeyedEvent{ContactID: pr.contactID})
	return true
}

func (c *Client) fragmentDelivered(tokenID []byte) bool {
	c.contactsMutex.Lock()
	g, ok := c.fragGroups[string(tokenID)]
	if !ok {
		c.contactsMutex.Unlock()
		return false
	}
	delete(c.fragGroups, string(tokenID))
	g.remaining--
	complete := g.remaining == 0 && !g.failed
	c.contactsMutex.Unlock()
	if complete {
		c.event(MessageDeliveredEvent{MessageID: g.emitID})
	}
	return true
}

func (c *Client) fragmentFailed(tokenID []byte, err error) bool {
	c.contactsMutex.Lock()
	g, ok := c.fragGroups[string(tokenID)]
	if !ok {
		c.contactsMutex.Unlock()
		return false
	}
	delete(c.fragGroups, string(tokenID))
	first := !g.failed
	g.failed = true
	c.contactsMutex.Unlock()
	if first {
		c.event(MessageFailedEvent{MessageID: g.emitID, Err: err})
	}
	return true
}

func (c *Client) abandonRekey(tokenID []byte) bool {
	c.contactsMutex.Lock()
	pr, ok := c.pendingRekeys[string(tokenID)]
	if ok {
		delete(c.pendingRekeys, string(tokenID))
		for i := range pr.sharedSecret {
			pr.sharedSecret[i] = 0
		}
	}
	c.contactsMutex.Unlock()
	if ok {
		c.log.Warningf("re-key delivery %x failed, keeping current root", tokenID)
	}
	return ok
}

// sendCoverFrame emits one cover frame to a randomly chosen accepted
// contact.  The receiver decrypts, sees the cover type and discards.
func (c *Client) sendCoverFrame() {
	if !c.gate.IsOpen() {
		return
	}
	c.contactsMutex.RLock()
	var candidates []*contact.Contact
	for _, ct := range c.contacts {
		if ct.State == contact.StateAccepted && ct.HasSession() {
			candidates = append(candidates, ct)
		}
	}
	c.contactsMutex.RUnlock()
	if len(candidates) == 0 {
		return
	}
	ct := candidates[rand.NewMath().Intn(len(candidates))]

	env, err := wire.NewCoverEnvelope(rand.Reader)
	if err != nil {
		c.log.Warningf("cover envelope failed: %v", err)
		return
	}
	cr := &courier{c: c}
	wireBytes, err := cr.EncryptEnvelope(ct.SigningKey.Bytes(), env)
	if err != nil {
		c.log.Warningf("cover encrypt failed: %v", err)
		return
	}
	if err := cr.SendWire(ct.SigningKey.Bytes(), wireBytes); err != nil {
		c.log.Debugf("cover send failed: %v", err)
	}
}

// onMessageFrame handles an inbound frame on the message-inbound
// address: unshape, trial-decrypt against each accepted contact, then
// hand the envelope to the wake manager.
func (c *Client) onMessageFrame(frame []byte) {
	payload, err := shaper.Unshape(frame)
	if err != nil {
		c.log.Warningf("inbound frame rejected: %v", err)
		return
	}

	// A frame seen before is a byte-identical retransmit; replay its
	// envelope into the state machine so the lost reply gets resent.
	digest := hash.Sum256(frame)
	c.replayLock.Lock()
	if seen, ok := c.replay[digest]; ok {
		c.replayLock.Unlock()
		c.manager.OnEnvelope(seen.peerID, seen.env)
		return
	}
	c.replayLock.Unlock()

	c.contactsMutex.RLock()
	candidates := make([]*contact.Contact, 0, len(c.contacts))
	for _, ct := range c.contacts {
		if ct.State == contact.StateBlocked || !ct.HasSession() {
			continue
		}
		candidates = append(candidates, ct)
	}
	c.contactsMutex.RUnlock()

	for _, ct := range candidates {
		env, err := ct.Decrypt(payload)
		if err != nil {
			continue
		}
		c.rememberFrame(digest, ct.SigningKey.Bytes(), env)
		c.manager.OnEnvelope(ct.SigningKey.Bytes(), env)
		return
	}
	c.log.Debugf("inbound frame matched no contact session, dropped")
}

func (c *Client) rememberFrame(digest [32]byte, peerID, env []byte) {
	c.replayLock.Lock()
	defer c.replayLock.Unlock()
	if len(c.replayFIFO) >= replayCacheCap {
		oldest := c.replayFIFO[0]
		c.replayFIFO = c.replayFIFO[1:]
		delete(c.replay, oldest)
	}
	c.replay[digest] = replayEntry{peerID: peerID, env: env}
	c.replayFIFO = append(c.replayFIFO, digest)
}

// courier runs the wake manager's frames through the owning contact's
// ratchet session and the shaper, and moves wire bytes over the
// transport.
type courier struct {
	c *Client
}

func (cr *courier) EncryptEnvelope(peerID, env []byte) ([]byte, error) {
	cr.c.contactsMutex.RLock()
	ct, ok := cr.c.byPeerID[string(peerID)]
	cr.c.contactsMutex.RUnlock()
	if !ok {
		return nil, errContactNotFound
	}
	frame, err := ct.Encrypt(env)
	if err != nil {
		return nil, err
	}
	return shaper.Shape(rand.Reader, frame)
}

// SendWire dials the peer's message-inbound address and delivers the
// frame on a worker goroutine, so a stalled dial never blocks the
// wake state machine.  Failures are absorbed by the retry schedule.
func (cr *courier) SendWire(peerID, wireBytes []byte) error {
	cr.c.contactsMutex.RLock()
	ct, ok := cr.c.byPeerID[string(peerID)]
	cr.c.contactsMutex.RUnlock()
	if !ok {
		return errContactNotFound
	}
	address := ct.Addresses.MessageInbound

	cr.c.Go(func() {
		timeout := time.Duration(cr.c.cfg.Gate.SendWait) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := transport.SendFrame(ctx, cr.c.net, address, wireBytes); err != nil {
			// An unreachable peer is the normal case the wake
			// protocol absorbs; the retry schedule covers it.
			cr.c.log.Debugf("send to %s failed: %v", address, err)
		}
	})
	return nil
}
