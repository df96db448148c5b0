// client_test.go - Client end to end tests.
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
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/veilpost/veilpost/config"
	"github.com/veilpost/veilpost/gate"
	"github.com/veilpost/veilpost/transport"
	"github.com/veilpost/veilpost/wire"
)

func healthyProbe() (gate.Health, error) {
	return gate.Health{BootstrapPercent: 100, CircuitCount: 1}, nil
}

func newTestClient(t *testing.T, lb *transport.Loopback, handle string) *Client {
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Logging: &config.Logging{Disable: true},
		Delivery: &config.Delivery{
			RetryBaseSeconds:          1,
			RetryMaxSeconds:           2,
			AckJitterMeanMilliseconds: 5,
			AckJitterMaxMilliseconds:  10,
		},
		Cover: &config.Cover{Disable: true},
	}
	require.NoError(t, cfg.FixupAndValidate())

	secret := make([]byte, 32)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	c, err := New(cfg, secret, handle, lb, healthyProbe)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Shutdown)
	return c
}

// awaitEvent waits for the next event of type T, discarding others.
func awaitEvent[T Event](t *testing.T, ch <-chan Event, timeout time.Duration) T {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if want, ok := ev.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return *new(T)
		}
	}
}

func establish(t *testing.T, alice, bob *Client, pin []byte) (uint64, uint64) {
	aliceID, err := alice.NewContactRequest(bob.Addresses().RequestInbound, pin)
	require.NoError(t, err)

	req := awaitEvent[ContactRequestReceivedEvent](t, bob.EventsCh(), 10*time.Second)
	bobID, err := bob.AcceptContact(req.RequestID, pin)
	require.NoError(t, err)

	added := awaitEvent[ContactAddedEvent](t, alice.EventsCh(), 10*time.Second)
	require.Equal(t, aliceID, added.ContactID)
	require.Equal(t, "bob", added.Handle)

	finalized := awaitEvent[ContactAddedEvent](t, bob.EventsCh(), 10*time.Second)
	require.Equal(t, bobID, finalized.ContactID)
	require.Equal(t, "alice", finalized.Handle)
	return aliceID, bobID
}

func TestEstablishmentAndDelivery(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, bobID := establish(t, alice, bob, []byte("271828"))

	// Both sides agree on the safety number.
	aliceFP, err := alice.Fingerprint(aliceID)
	require.NoError(t, err)
	bobFP, err := bob.Fingerprint(bobID)
	require.NoError(t, err)
	require.Equal(t, aliceFP, bobFP)

	// A message runs the full wake protocol end to end.
	msgID, err := alice.SendMessage(aliceID, []byte("hello bob"))
	require.NoError(t, err)

	received := awaitEvent[MessageReceivedEvent](t, bob.EventsCh(), 20*time.Second)
	require.Equal(t, bobID, received.ContactID)
	require.Equal(t, []byte("hello bob"), received.Payload)

	delivered := awaitEvent[MessageDeliveredEvent](t, alice.EventsCh(), 20*time.Second)
	require.Equal(t, msgID, delivered.MessageID)

	// And the reverse direction.
	msgID, err = bob.SendMessage(bobID, []byte("hello alice"))
	require.NoError(t, err)
	back := awaitEvent[MessageReceivedEvent](t, alice.EventsCh(), 20*time.Second)
	require.Equal(t, []byte("hello alice"), back.Payload)
	delivered = awaitEvent[MessageDeliveredEvent](t, bob.EventsCh(), 20*time.Second)
	require.Equal(t, msgID, delivered.MessageID)
}

func TestSendRequiresEstablishedContact(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")

	_, err := alice.SendMessage(42, []byte("x"))
	require.Equal(t, errContactNotFound, err)

	// A pending contact cannot be sent to yet.
	bob := newTestClient(t, lb, "bob")
	id, err := alice.NewContactRequest(bob.Addresses().RequestInbound, []byte("111111"))
	require.NoError(t, err)
	_, err = alice.SendMessage(id, []byte("x"))
	require.Equal(t, errContactPending, err)
}

func TestAcceptRejectsWrongPIN(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	_, err := alice.NewContactRequest(bob.Addresses().RequestInbound, []byte("271828"))
	require.NoError(t, err)

	req := awaitEvent[ContactRequestReceivedEvent](t, bob.EventsCh(), 10*time.Second)
	_, err = bob.AcceptContact(req.RequestID, []byte("314159"))
	require.Error(t, err)

	// The sealed blob is consumed either way.
	_, err = bob.AcceptContact(req.RequestID, []byte("271828"))
	require.Equal(t, errRequestNotFound, err)
}

func TestRemoveContactDestroysSession(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, _ := establish(t, alice, bob, []byte("271828"))

	require.NoError(t, alice.RemoveContact(aliceID))
	_, err := alice.SendMessage(aliceID, []byte("x"))
	require.Equal(t, errContactNotFound, err)
	require.Equal(t, errContactNotFound, alice.RemoveContact(aliceID))
}

func TestKEMRekey(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, bobID := establish(t, alice, bob, []byte("271828"))

	require.NoError(t, alice.RekeyContact(aliceID))

	// The peer adopts on receipt, the initiator on the ack.
	rekeyed := awaitEvent[ContactRekeyedEvent](t, bob.EventsCh(), 20*time.Second)
	require.Equal(t, bobID, rekeyed.ContactID)
	rekeyed = awaitEvent[ContactRekeyedEvent](t, alice.EventsCh(), 20*time.Second)
	require.Equal(t, aliceID, rekeyed.ContactID)

	// Both directions still converse under the new root.
	_, err := alice.SendMessage(aliceID, []byte("fresh root"))
	require.NoError(t, err)
	received := awaitEvent[MessageReceivedEvent](t, bob.EventsCh(), 20*time.Second)
	require.Equal(t, []byte("fresh root"), received.Payload)

	_, err = bob.SendMessage(bobID, []byte("confirmed"))
	require.NoError(t, err)
	back := awaitEvent[MessageReceivedEvent](t, alice.EventsCh(), 20*time.Second)
	require.Equal(t, []byte("confirmed"), back.Payload)
}

func TestFragmentedDelivery(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, bobID := establish(t, alice, bob, []byte("271828"))

	// Three chunks worth of payload, each its own wake delivery.
	payload := make([]byte, 40000)
	_, err := rand.Reader.Read(payload)
	require.NoError(t, err)

	msgID, err := alice.SendMessage(aliceID, payload)
	require.NoError(t, err)

	received := awaitEvent[MessageReceivedEvent](t, bob.EventsCh(), 30*time.Second)
	require.Equal(t, bobID, received.ContactID)
	require.Equal(t, payload, received.Payload)

	delivered := awaitEvent[MessageDeliveredEvent](t, alice.EventsCh(), 30*time.Second)
	require.Equal(t, msgID, delivered.MessageID)
}

func TestAuthGestureGatesInboundPings(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, _ := establish(t, alice, bob, []byte("271828"))

	gestured := make(chan struct{}, 8)
	bob.SetAuthGesture(func(ping *wire.PingToken) bool {
		gestured <- struct{}{}
		return true
	})

	msgID, err := alice.SendMessage(aliceID, []byte("knock"))
	require.NoError(t, err)

	select {
	case <-gestured:
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for the authentication gesture")
	}
	delivered := awaitEvent[MessageDeliveredEvent](t, alice.EventsCh(), 20*time.Second)
	require.Equal(t, msgID, delivered.MessageID)
}

func TestNetworkChangeRebindsListeners(t *testing.T) {
	lb := transport.NewLoopback()
	alice := newTestClient(t, lb, "alice")
	bob := newTestClient(t, lb, "bob")

	aliceID, bobID := establish(t, alice, bob, []byte("271828"))

	// A burst of connectivity flaps collapses into a rebind; traffic
	// flows afterward.
	for i := 0; i < 5; i++ {
		alice.NetworkChanged()
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return alice.gate.IsOpen()
	}, 10*time.Second, 50*time.Millisecond)

	_, err := alice.SendMessage(aliceID, []byte("still alive"))
	require.NoError(t, err)
	received := awaitEvent[MessageReceivedEvent](t, bob.EventsCh(), 20*time.Second)
	require.Equal(t, bobID, received.ContactID)
	require.Equal(t, []byte("still alive"), received.Payload)
}
