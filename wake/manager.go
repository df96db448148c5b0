// manager.go - Wake protocol state machine.
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
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilpost/veilpost/core/queue"
	"github.com/veilpost/veilpost/core/worker"
	"github.com/veilpost/veilpost/gate"
	"github.com/veilpost/veilpost/shaper"
	"github.com/veilpost/veilpost/wire"
)

var (
	// ErrDeliveryExhausted is surfaced when a pending delivery runs
	// out of retries and moves to FAILED.  The user must resend
	// manually; the message is never silently dropped.
	ErrDeliveryExhausted = errors.New("wake: delivery retry budget exhausted")

	// ErrHalted is returned by operations posted to a halted manager.
	ErrHalted = errors.New("wake: manager is halted")
)

// Courier encrypts and transmits frames on behalf of the manager.  The
// implementation runs the envelope through the peer's ratchet session
// and the shaper; the manager never sees key material.
type Courier interface {
	// EncryptEnvelope turns a plaintext envelope into wire bytes for
	// the peer.
	EncryptEnvelope(peerID []byte, env []byte) ([]byte, error)

	// SendWire transmits previously built wire bytes verbatim.
	SendWire(peerID []byte, wireBytes []byte) error
}

// AuthGesture is invoked when an inbound ping requires a local
// authentication gesture before the pong is emitted.  Returning false
// produces no wire reply.
type AuthGesture func(ping *wire.PingToken) bool

// Peer is the manager's view of an established contact.
type Peer struct {
	// ID is the opaque identifier the courier routes by.
	ID []byte

	// SigningKey verifies the peer's tokens and acks.
	SigningKey *ed25519.PublicKey

	// ExchangeKey is the peer's X25519 public half, echoed in pings.
	ExchangeKey []byte
}

// Events emitted on the manager's event channel.
type (
	// Event is the generalized event sum type.
	Event interface{}

	// MessageReceivedEvent announces an inbound message payload.
	MessageReceivedEvent struct {
		PeerID  []byte
		Payload []byte
	}

	// MessageDeliveredEvent announces final end to end confirmation
	// of an outbound message.
	MessageDeliveredEvent struct {
		TokenID []byte
	}

	// PeerAckedEvent announces that the peer answered our ping.
	PeerAckedEvent struct {
		TokenID []byte
	}

	// DeliveryFailedEvent announces a pending delivery that moved to
	// FAILED.
	DeliveryFailedEvent struct {
		TokenID []byte
		Err     error
	}
)

// Config bundles the manager's collaborators and tuning.
type Config struct {
	Log *logging.Logger

	Store   Store
	Gate    *gate.Gate
	Courier Courier

	// Signer is our identity signing key; ExchangeKey our X25519
	// public half.
	Signer      *ed25519.PrivateKey
	ExchangeKey []byte

	// Auth gates inbound pings on a local authentication gesture.
	// When nil, pings are acknowledged without one.
	Auth AuthGesture

	AckJitterMean time.Duration
	AckJitterMax  time.Duration

	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryBudget uint32

	ClaimDeadline time.Duration
	RecordTTL     time.Duration
}

func (c *Config) validate() error {
	if c.Log == nil || c.Store == nil || c.Gate == nil || c.Courier == nil || c.Signer == nil {
		return errors.New("wake: incomplete config")
	}
	if c.AckJitterMean == 0 {
		c.AckJitterMean = 400 * time.Millisecond
	}
	if c.AckJitterMax == 0 {
		c.AckJitterMax = 800 * time.Millisecond
	}
	if c.RetryBase == 0 {
		c.RetryBase = 15 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 15 * time.Minute
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 10
	}
	if c.ClaimDeadline == 0 {
		c.ClaimDeadline = 5 * time.Minute
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = 14 * 24 * time.Hour
	}
	return nil
}

type claim struct {
	deadline time.Time

	// pongWire caches the pong so a duplicate PING frame (our pong
	// was lost) gets the identical pong resent.
	pongWire []byte

	// ackWire caches the message ack so a duplicate MESSAGE frame
	// (our ack was lost) gets the ack resent without reprocessing.
	completed bool
	ackWire   []byte
}

// Manager drives every pending delivery through the phase sequence and
// reacts to inbound wake traffic.  All state is owned by its single
// worker goroutine.
type Manager struct {
	worker.Worker

	cfg   *Config
	log   *logging.Logger
	dedup *Dedup

	timerQ *queue.TimerQueue
	opCh   chan interface{}

	eventCh chan Event

	peers  map[string]*Peer
	claims map[string]*claim
}

type timerItem struct {
	at uint64
	op interface{}
}

func (t *timerItem) Priority() uint64 { return t.at }

type (
	opSend struct {
		peer     *Peer
		payload  []byte
		resultCh chan opSendResult
	}
	opSendResult struct {
		tokenID []byte
		err     error
	}
	opInbound struct {
		peerID []byte
		env    []byte
	}
	opRetry struct {
		tokenID string
	}
	opSendWire struct {
		peerID []byte
		wire   []byte
	}
	opClaimExpired struct {
		pingID string
	}
	opTapBroadcast struct{}
	opPurge        struct{}
)

// NewManager creates a Manager, restores persisted deliveries into the
// retry schedule, and starts the worker.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dedup, err := NewDedup()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		log:     cfg.Log,
		dedup:   dedup,
		opCh:    make(chan interface{}),
		eventCh: make(chan Event, 64),
		peers:   make(map[string]*Peer),
		claims:  make(map[string]*claim),
	}
	m.timerQ = queue.NewTimerQueue(func(i queue.Item) {
		t := i.(*timerItem)
		select {
		case <-m.HaltCh():
		case m.opCh <- t.op:
		}
	})

	// Cold start with zero prior state must work; anything persisted
	// rejoins the retry schedule.  A record restored mid-backoff keeps
	// its persisted deadline: doRetry drops timers that fire early, so
	// scheduling before NextRetry would orphan the record.
	restored, err := cfg.Store.All()
	if err != nil {
		return nil, err
	}
	now := uint64(time.Now().UnixNano())
	for _, pd := range restored {
		if pd.Phase.Terminal() {
			continue
		}
		at := now
		if pd.NextRetry > 0 && uint64(pd.NextRetry) > at {
			at = uint64(pd.NextRetry)
		}
		m.timerQ.Push(&timerItem{at: at, op: opRetry{tokenID: string(pd.TokenID)}})
	}
	if len(restored) > 0 {
		m.log.Noticef("restored %d pending deliveries", len(restored))
	}

	m.Go(m.workerLoop)
	return m, nil
}

// Shutdown halts the worker and the timer queue.  The store is closed
// by its owner.
func (m *Manager) Shutdown() {
	m.Halt()
	m.timerQ.Halt()
}

// EventsCh returns the channel delivery events arrive on.
func (m *Manager) EventsCh() <-chan Event {
	return m.eventCh
}

// AddPeer registers an established contact for tap broadcasts and
// inbound verification.
func (m *Manager) AddPeer(p *Peer) {
	select {
	case <-m.HaltCh():
	case m.opCh <- p:
	}
}

// Send queues payload for delivery to peer and returns the wake token
// ID tracking it.
func (m *Manager) Send(peer *Peer, payload []byte) ([]byte, error) {
	resultCh := make(chan opSendResult, 1)
	select {
	case <-m.HaltCh():
		return nil, ErrHalted
	case m.opCh <- opSend{peer: peer, payload: payload, resultCh: resultCh}:
	}
	select {
	case <-m.HaltCh():
		return nil, ErrHalted
	case r := <-resultCh:
		return r.tokenID, r.err
	}
}

// OnEnvelope ingests a decrypted inbound envelope from peerID.
func (m *Manager) OnEnvelope(peerID, env []byte) {
	envCopy := append([]byte{}, env...)
	select {
	case <-m.HaltCh():
	case m.opCh <- opInbound{peerID: peerID, env: envCopy}:
	}
}

// BroadcastTap announces our presence to every registered peer.  Call
// it when the transport gate opens.
func (m *Manager) BroadcastTap() {
	select {
	case <-m.HaltCh():
	case m.opCh <- opTapBroadcast{}:
	}
}

func (m *Manager) event(ev Event) {
	select {
	case m.eventCh <- ev:
	default:
		m.log.Warningf("event channel full, dropping %T", ev)
	}
}

func (m *Manager) workerLoop() {
	m.schedule(time.Hour, opPurge{})
	for {
		var op interface{}
		select {
		case <-m.HaltCh():
			return
		case op = <-m.opCh:
		}

		switch o := op.(type) {
		case *Peer:
			m.peers[string(o.ID)] = o
		case opSend:
			tokenID, err := m.doSend(o.peer, o.payload)
			o.resultCh <- opSendResult{tokenID: tokenID, err: err}
		case opInbound:
			m.doInbound(o.peerID, o.env)
		case opRetry:
			m.doRetry([]byte(o.tokenID))
		case opSendWire:
			if err := m.cfg.Courier.SendWire(o.peerID, o.wire); err != nil {
				m.log.Warningf("deferred send failed: %v", err)
			}
		case opClaimExpired:
			m.doClaimExpired(o.pingID)
		case opTapBroadcast:
			m.doTapBroadcast()
		case opPurge:
			m.doPurge()
			m.schedule(time.Hour, opPurge{})
		default:
			panic(fmt.Sprintf("BUG: worker received nonsensical op: %T", op))
		}
	}
}

func (m *Manager) schedule(d time.Duration, op interface{}) {
	m.timerQ.Push(&timerItem{
		at: uint64(time.Now().Add(d).UnixNano()),
		op: op,
	})
}

// doSend builds a ping, persists the delivery record before the first
// transmission, and sends it.
func (m *Manager) doSend(peer *Peer, payload []byte) ([]byte, error) {
	m.peers[string(peer.ID)] = peer

	ping, err := wire.NewPingToken(rand.Reader, m.cfg.Signer, peer.SigningKey, m.cfg.ExchangeKey, peer.ExchangeKey)
	if err != nil {
		return nil, err
	}
	pingBytes, err := ping.Marshal()
	if err != nil {
		return nil, err
	}
	env := wire.WrapEnvelope(wire.TypePing, pingBytes)
	wireBytes, err := m.cfg.Courier.EncryptEnvelope(peer.ID, env)
	if err != nil {
		return nil, err
	}

	pd := &PendingDelivery{
		TokenID:        ping.TokenID,
		PeerID:         peer.ID,
		PeerSigningKey: peer.SigningKey.Bytes(),
		Phase:          PhaseCreated,
		WireBytes:      wireBytes,
		Payload:        payload,
		CreatedAt:      time.Now().UnixNano(),
	}
	if err = m.cfg.Store.Put(pd); err != nil {
		return nil, err
	}
	m.log.Debugf("delivery %x created", pd.TokenID)
	m.transmit(pd)
	return pd.TokenID, nil
}

// transmit sends the cached wire bytes if the gate is open and always
// schedules the next retry.  The wake protocol is a best-effort gate
// caller: a closed gate defers to the retry schedule instead of
// blocking the worker.
func (m *Manager) transmit(pd *PendingDelivery) {
	if m.cfg.Gate.IsOpen() {
		if err := m.cfg.Courier.SendWire(pd.PeerID, pd.WireBytes); err != nil {
			m.log.Warningf("delivery %x send failed: %v", pd.TokenID, err)
		} else if pd.Phase == PhaseCreated {
			pd.Phase = PhaseSent
			m.log.Debugf("delivery %x: CREATED -> SENT", pd.TokenID)
		}
	} else {
		reason, _ := m.cfg.Gate.LastClose()
		m.log.Debugf("delivery %x deferred, gate closed (%s)", pd.TokenID, reason)
	}

	backoff := m.cfg.RetryBase << pd.RetryCount
	if backoff > m.cfg.RetryMax || backoff <= 0 {
		backoff = m.cfg.RetryMax
	}
	pd.NextRetry = time.Now().Add(backoff).UnixNano()
	if err := m.cfg.Store.Put(pd); err != nil {
		m.log.Errorf("delivery %x persist failed: %v", pd.TokenID, err)
	}
	m.timerQ.Push(&timerItem{
		at: uint64(pd.NextRetry),
		op: opRetry{tokenID: string(pd.TokenID)},
	})
}

func (m *Manager) doRetry(tokenID []byte) {
	pd, err := m.cfg.Store.Get(tokenID)
	if err != nil {
		// Completed and deleted before the timer fired.
		return
	}
	if pd.Phase.Terminal() {
		return
	}
	if time.Now().UnixNano() < pd.NextRetry {
		// A tap-triggered transmit already rescheduled this record.
		return
	}
	if pd.RetryCount >= m.cfg.RetryBudget {
		pd.Phase = PhaseFailed
		if err = m.cfg.Store.Put(pd); err != nil {
			m.log.Errorf("delivery %x persist failed: %v", pd.TokenID, err)
		}
		m.log.Warningf("delivery %x: retry budget exhausted, FAILED", pd.TokenID)
		m.event(DeliveryFailedEvent{TokenID: pd.TokenID, Err: ErrDeliveryExhausted})
		return
	}
	pd.RetryCount++
	if pd.Phase == PhaseDownloading && pd.WatchdogDeadline != 0 &&
		time.Now().UnixNano() > pd.WatchdogDeadline {
		// The peer's download claim has lapsed; the resend below
		// makes the item eligible for re-claim.
		m.log.Warningf("delivery %x download stalled past claim deadline", pd.TokenID)
		pd.WatchdogDeadline = time.Now().Add(m.cfg.ClaimDeadline).UnixNano()
	}
	m.log.Debugf("delivery %x: retry %d in phase %v", pd.TokenID, pd.RetryCount, pd.Phase)
	m.transmit(pd)
}

func (m *Manager) doInbound(peerID, env []byte) {
	typ, body, err := wire.ParseEnvelope(env)
	if err != nil {
		m.log.Warningf("inbound envelope rejected: %v", err)
		return
	}
	switch typ {
	case wire.TypePing:
		m.handlePing(peerID, body)
	case wire.TypePong:
		m.handlePong(peerID, body)
	case wire.TypeMessage:
		m.handleMessage(peerID, body)
	case wire.TypeMessageAck:
		m.handleMessageAck(peerID, body)
	case wire.TypeTap:
		m.handleTap(peerID, body)
	case wire.TypeTapAck:
		m.handleTapAck(body)
	case wire.TypeCover:
		// Cover traffic is discarded before any further parsing.
	}
}

// sendJittered encrypts env and schedules its transmission after an
// ack-class jitter delay, so response timing does not correlate the
// request and the reply.
func (m *Manager) sendJittered(peerID, env []byte) {
	wireBytes, err := m.cfg.Courier.EncryptEnvelope(peerID, env)
	if err != nil {
		m.log.Warningf("encrypt for jittered send failed: %v", err)
		return
	}
	d := shaper.Jitter(m.cfg.AckJitterMean, m.cfg.AckJitterMax)
	m.schedule(d, opSendWire{peerID: peerID, wire: wireBytes})
}

func (m *Manager) handlePing(peerID, body []byte) {
	ping, err := wire.ParsePingToken(body)
	if err != nil {
		m.log.Warningf("malformed ping dropped: %v", err)
		return
	}
	if err = ping.Verify(); err != nil {
		m.log.Warningf("ping signature rejected: %v", err)
		return
	}
	if !bytes.Equal(ping.RecipientSigningKey, m.cfg.Signer.PublicKey().Bytes()) {
		m.log.Warningf("ping for someone else dropped")
		return
	}
	if ping.Expired(time.Now()) {
		m.log.Debugf("expired ping %x dropped", ping.TokenID)
		return
	}
	if m.dedup.IsDuplicate(scopePing, ping.TokenID) {
		// The sender retried because our pong never arrived; resend
		// the cached one instead of reprocessing.
		if c, ok := m.claims[string(ping.TokenID)]; ok && !c.completed && c.pongWire != nil {
			m.log.Debugf("duplicate ping %x, resending pong", ping.TokenID)
			m.schedule(shaper.Jitter(m.cfg.AckJitterMean, m.cfg.AckJitterMax),
				opSendWire{peerID: peerID, wire: c.pongWire})
		} else {
			m.log.Debugf("duplicate ping %x dropped", ping.TokenID)
		}
		return
	}

	// The local authentication gesture happens before any wire
	// reply; a declined ping is forgotten so a later retry prompts
	// again.
	if m.cfg.Auth != nil && !m.cfg.Auth(ping) {
		m.log.Noticef("ping %x not authenticated, no reply", ping.TokenID)
		m.dedup.Forget(scopePing, ping.TokenID)
		return
	}

	pong, err := wire.NewPongToken(rand.Reader, m.cfg.Signer, ping, true)
	if err != nil {
		m.log.Errorf("pong mint failed: %v", err)
		return
	}
	pongBytes, err := pong.Marshal()
	if err != nil {
		m.log.Errorf("pong marshal failed: %v", err)
		return
	}

	pongWire, err := m.cfg.Courier.EncryptEnvelope(peerID, wire.WrapEnvelope(wire.TypePong, pongBytes))
	if err != nil {
		m.log.Errorf("pong encrypt failed: %v", err)
		return
	}

	// Claim the download before answering; a crashed or stalled
	// transfer releases the claim at the watchdog deadline.
	deadline := time.Now().Add(m.cfg.ClaimDeadline)
	m.claims[string(ping.TokenID)] = &claim{deadline: deadline, pongWire: pongWire}
	m.schedule(m.cfg.ClaimDeadline, opClaimExpired{pingID: string(ping.TokenID)})

	m.schedule(shaper.Jitter(m.cfg.AckJitterMean, m.cfg.AckJitterMax),
		opSendWire{peerID: peerID, wire: pongWire})
	m.log.Debugf("ping %x claimed, pong scheduled", ping.TokenID)
}

func (m *Manager) handlePong(peerID, body []byte) {
	pong, err := wire.ParsePongToken(body)
	if err != nil {
		m.log.Warningf("malformed pong dropped: %v", err)
		return
	}
	if m.dedup.IsDuplicate(scopePong, pong.PongID) {
		m.log.Debugf("duplicate pong %x dropped", pong.PongID)
		return
	}
	pd, err := m.cfg.Store.Get(pong.PingID)
	if err != nil {
		m.log.Debugf("pong for unknown ping %x dropped", pong.PingID)
		return
	}
	peerKey := new(ed25519.PublicKey)
	if err = peerKey.FromBytes(pd.PeerSigningKey); err != nil {
		m.log.Errorf("delivery %x has corrupt peer key: %v", pd.TokenID, err)
		return
	}
	if err = pong.Verify(peerKey); err != nil {
		m.log.Warningf("pong for %x failed verification: %v", pong.PingID, err)
		return
	}
	if pd.Phase != PhaseCreated && pd.Phase != PhaseSent {
		m.log.Debugf("stale pong for %x in phase %v dropped", pd.TokenID, pd.Phase)
		return
	}

	pd.Phase = PhasePeerAcked
	m.log.Debugf("delivery %x: SENT -> PEER_ACKED", pd.TokenID)
	m.event(PeerAckedEvent{TokenID: pd.TokenID})

	// The peer is awake and authenticated; ship the payload.  The
	// message frame replaces the ping as the cached retry bytes, and
	// the phase gets a fresh retry budget.
	msgBody := make([]byte, 0, len(pd.TokenID)+len(pd.Payload))
	msgBody = append(msgBody, pd.TokenID...)
	msgBody = append(msgBody, pd.Payload...)
	env := wire.WrapEnvelope(wire.TypeMessage, msgBody)
	wireBytes, err := m.cfg.Courier.EncryptEnvelope(pd.PeerID, env)
	if err != nil {
		m.log.Errorf("delivery %x message encrypt failed: %v", pd.TokenID, err)
		return
	}
	pd.WireBytes = wireBytes
	pd.Phase = PhaseDownloading
	pd.RetryCount = 0
	pd.WatchdogDeadline = time.Now().Add(m.cfg.ClaimDeadline).UnixNano()
	m.log.Debugf("delivery %x: PEER_ACKED -> DOWNLOADING", pd.TokenID)
	m.transmit(pd)
}

func (m *Manager) handleMessage(peerID, body []byte) {
	if len(body) < wire.TokenIDSize {
		m.log.Warningf("malformed message frame dropped")
		return
	}
	tokenID := body[:wire.TokenIDSize]
	payload := body[wire.TokenIDSize:]

	if m.dedup.IsDuplicate(scopeMessage, tokenID) {
		// Our ack may have been lost; resend it rather than
		// reprocessing.
		if c, ok := m.claims[string(tokenID)]; ok && c.completed && c.ackWire != nil {
			m.log.Debugf("duplicate message %x, resending ack", tokenID)
			m.schedule(shaper.Jitter(m.cfg.AckJitterMean, m.cfg.AckJitterMax),
				opSendWire{peerID: peerID, wire: c.ackWire})
		} else {
			m.log.Debugf("duplicate message %x dropped", tokenID)
		}
		return
	}

	// The ack is encrypted before the payload is surfaced: a payload
	// that re-keys the session must not outrun the ack bytes, which
	// have to stay decryptable under the chains the sender still has.
	ack := wire.NewDeliveryAck(m.cfg.Signer, tokenID, wire.AckMessage)
	ackBytes, err := ack.Marshal()
	if err != nil {
		m.log.Errorf("ack marshal failed: %v", err)
		return
	}
	env := wire.WrapEnvelope(wire.TypeMessageAck, ackBytes)
	wireBytes, err := m.cfg.Courier.EncryptEnvelope(peerID, env)
	if err != nil {
		m.log.Errorf("ack encrypt failed: %v", err)
		return
	}

	// The claim is complete; keep the ack bytes around for duplicate
	// absorption until the purge sweep.
	m.claims[string(tokenID)] = &claim{
		deadline:  time.Now().Add(m.cfg.ClaimDeadline),
		completed: true,
		ackWire:   wireBytes,
	}
	m.schedule(shaper.Jitter(m.cfg.AckJitterMean, m.cfg.AckJitterMax),
		opSendWire{peerID: peerID, wire: wireBytes})

	m.event(MessageReceivedEvent{PeerID: peerID, Payload: payload})
	m.log.Debugf("message %x received (%d bytes)", tokenID, len(payload))
}

func (m *Manager) handleMessageAck(peerID, body []byte) {
	ack, err := wire.ParseDeliveryAck(body)
	if err != nil {
		m.log.Warningf("malformed ack dropped: %v", err)
		return
	}
	if ack.Class != wire.AckMessage {
		m.log.Warningf("unexpected ack class %v dropped", ack.Class)
		return
	}
	if m.dedup.IsDuplicate(scopeAck, ack.ItemID) {
		m.log.Debugf("duplicate ack %x dropped", ack.ItemID)
		return
	}
	pd, err := m.cfg.Store.Get(ack.ItemID)
	if err != nil {
		m.log.Debugf("ack for unknown delivery %x dropped", ack.ItemID)
		return
	}
	peerKey := new(ed25519.PublicKey)
	if err = peerKey.FromBytes(pd.PeerSigningKey); err != nil {
		m.log.Errorf("delivery %x has corrupt peer key: %v", pd.TokenID, err)
		return
	}
	if err = ack.Verify(peerKey); err != nil {
		m.log.Warningf("ack for %x failed verification: %v", pd.TokenID, err)
		return
	}

	m.log.Noticef("delivery %x: DOWNLOADING -> DELIVERED", pd.TokenID)
	if err = m.cfg.Store.Delete(pd.TokenID); err != nil {
		m.log.Errorf("delivery %x delete failed: %v", pd.TokenID, err)
	}
	m.event(MessageDeliveredEvent{TokenID: pd.TokenID})
}

func (m *Manager) handleTap(peerID, body []byte) {
	tap, err := wire.ParseTapToken(body)
	if err != nil {
		m.log.Warningf("malformed tap dropped: %v", err)
		return
	}
	if err = tap.Verify(); err != nil {
		m.log.Warningf("tap signature rejected: %v", err)
		return
	}
	if tap.Expired(time.Now()) {
		m.log.Debugf("expired tap %x dropped", tap.TokenID)
		return
	}
	if m.dedup.IsDuplicate(scopeTap, tap.TokenID) {
		m.log.Debugf("duplicate tap %x dropped", tap.TokenID)
		return
	}

	// Acknowledge best-effort; tap acks are never retried.
	ack := wire.NewDeliveryAck(m.cfg.Signer, tap.TokenID, wire.AckTap)
	if ackBytes, err := ack.Marshal(); err == nil {
		m.sendJittered(peerID, wire.WrapEnvelope(wire.TypeTapAck, ackBytes))
	}

	// The peer is online right now: re-evaluate everything addressed
	// to it instead of waiting for the scheduled retries.
	all, err := m.cfg.Store.All()
	if err != nil {
		m.log.Errorf("store scan failed: %v", err)
		return
	}
	woken := 0
	for _, pd := range all {
		if pd.Phase.Terminal() || !bytes.Equal(pd.PeerID, peerID) {
			continue
		}
		m.transmit(pd)
		woken++
	}
	m.log.Debugf("tap %x from peer woke %d stalled deliveries", tap.TokenID, woken)
}

func (m *Manager) handleTapAck(body []byte) {
	ack, err := wire.ParseDeliveryAck(body)
	if err != nil || ack.Class != wire.AckTap {
		return
	}
	if m.dedup.IsDuplicate(scopeAck, ack.ItemID) {
		return
	}
	m.log.Debugf("tap %x acknowledged", ack.ItemID)
}

func (m *Manager) doClaimExpired(pingID string) {
	c, ok := m.claims[pingID]
	if !ok || c.completed {
		return
	}
	if time.Now().Before(c.deadline) {
		return
	}
	// The download never finished; release the claim so a retried
	// ping can re-claim it.
	delete(m.claims, pingID)
	m.dedup.Forget(scopePing, []byte(pingID))
	m.log.Warningf("download claim %x expired, released", []byte(pingID))
}

func (m *Manager) doTapBroadcast() {
	for _, p := range m.peers {
		tap, err := wire.NewTapToken(rand.Reader, m.cfg.Signer)
		if err != nil {
			m.log.Errorf("tap mint failed: %v", err)
			return
		}
		tapBytes, err := tap.Marshal()
		if err != nil {
			m.log.Errorf("tap marshal failed: %v", err)
			return
		}
		env := wire.WrapEnvelope(wire.TypeTap, tapBytes)
		wireBytes, err := m.cfg.Courier.EncryptEnvelope(p.ID, env)
		if err != nil {
			m.log.Warningf("tap encrypt for peer failed: %v", err)
			continue
		}
		if err = m.cfg.Courier.SendWire(p.ID, wireBytes); err != nil {
			m.log.Warningf("tap send failed: %v", err)
		}
	}
	m.log.Debugf("tap broadcast to %d peers", len(m.peers))
}

func (m *Manager) doPurge() {
	n, err := m.cfg.Store.PurgeExpired(m.cfg.RecordTTL)
	if err != nil {
		m.log.Errorf("purge failed: %v", err)
		return
	}
	if n > 0 {
		m.log.Noticef("purged %d expired deliveries", n)
	}
	now := time.Now()
	for id, c := range m.claims {
		if c.completed && now.After(c.deadline) {
			delete(m.claims, id)
		}
	}
}
