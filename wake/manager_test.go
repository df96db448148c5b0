// manager_test.go - Wake protocol state machine tests.
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
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/veilpost/veilpost/core/log"
	"github.com/veilpost/veilpost/gate"
	"github.com/veilpost/veilpost/wire"
)

// loopCourier passes envelopes between managers in memory, without
// encryption.  Dropping simulates an unreachable peer.
type loopCourier struct {
	sync.Mutex
	peers map[string]*Manager
	drop  bool
}

func newLoopCourier() *loopCourier {
	return &loopCourier{peers: make(map[string]*Manager)}
}

func (c *loopCourier) attach(id string, m *Manager) {
	c.Lock()
	defer c.Unlock()
	c.peers[id] = m
}

func (c *loopCourier) setDrop(drop bool) {
	c.Lock()
	defer c.Unlock()
	c.drop = drop
}

func (c *loopCourier) EncryptEnvelope(peerID []byte, env []byte) ([]byte, error) {
	out := make([]byte, 1+len(peerID)+len(env))
	out[0] = byte(len(peerID))
	copy(out[1:], peerID)
	copy(out[1+len(peerID):], env)
	return out, nil
}

func (c *loopCourier) SendWire(peerID []byte, wireBytes []byte) error {
	c.Lock()
	m, ok := c.peers[string(peerID)]
	drop := c.drop
	c.Unlock()
	if !ok {
		return errors.New("no route")
	}
	if drop {
		return nil
	}
	// Reverse the sender from the framing: the recipient sees the
	// envelope as coming from whoever can route back.
	n := int(wireBytes[0])
	env := wireBytes[1+n:]
	var from []byte
	c.Lock()
	for id, peer := range c.peers {
		if peer != m {
			from = []byte(id)
		}
	}
	c.Unlock()
	go m.OnEnvelope(from, env)
	return nil
}

type testIdentity struct {
	priv *ed25519.PrivateKey
	pub  *ed25519.PublicKey
}

func newTestIdentity(t *testing.T) *testIdentity {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return &testIdentity{priv: priv, pub: pub}
}

func openGate() *gate.Gate {
	g := gate.New(func() (gate.Health, error) {
		return gate.Health{BootstrapPercent: 100, CircuitCount: 1}, nil
	})
	g.OpenIfHealthy()
	return g
}

func testManager(t *testing.T, id string, ident *testIdentity, c *loopCourier, tweak func(*Config)) *Manager {
	b, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	cfg := &Config{
		Log:           b.GetLogger(id),
		Store:         NewMemStore(),
		Gate:          openGate(),
		Courier:       c,
		Signer:        ident.priv,
		ExchangeKey:   make([]byte, 32),
		AckJitterMean: time.Millisecond,
		AckJitterMax:  2 * time.Millisecond,
		RetryBase:     50 * time.Millisecond,
		RetryMax:      time.Second,
		RetryBudget:   10,
		ClaimDeadline: time.Minute,
	}
	if tweak != nil {
		tweak(cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	c.attach(id, m)
	return m
}

func awaitEvent[T Event](t *testing.T, ch <-chan Event, timeout time.Duration) T {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if got, ok := ev.(T); ok {
				return got
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestDeliveryEndToEnd(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	a := testManager(t, "alice", alice, c, nil)
	defer a.Shutdown()
	b := testManager(t, "bob", bob, c, nil)
	defer b.Shutdown()

	tokenID, err := a.Send(&Peer{
		ID:         []byte("bob"),
		SigningKey: bob.pub,
	}, []byte("hello bob"))
	require.NoError(t, err)
	require.Len(t, tokenID, wire.TokenIDSize)

	got := awaitEvent[MessageReceivedEvent](t, b.EventsCh(), 10*time.Second)
	require.Equal(t, []byte("hello bob"), got.Payload)

	delivered := awaitEvent[MessageDeliveredEvent](t, a.EventsCh(), 10*time.Second)
	require.Equal(t, tokenID, delivered.TokenID)

	// The record is destroyed once delivered.
	require.Eventually(t, func() bool {
		all, err := a.cfg.Store.All()
		require.NoError(t, err)
		return len(all) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeliveryRequiresAuthGesture(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	var denied uint32
	a := testManager(t, "alice", alice, c, nil)
	defer a.Shutdown()
	b := testManager(t, "bob", bob, c, func(cfg *Config) {
		cfg.Auth = func(ping *wire.PingToken) bool {
			atomic.AddUint32(&denied, 1)
			return false
		}
	})
	defer b.Shutdown()

	_, err := a.Send(&Peer{ID: []byte("bob"), SigningKey: bob.pub}, []byte("psst"))
	require.NoError(t, err)

	// The declined ping produces no wire reply, so alice never
	// advances past SENT and bob never sees a payload.
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&denied) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case ev := <-b.EventsCh():
		if _, ok := ev.(MessageReceivedEvent); ok {
			t.Fatal("payload transferred without authentication")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeliveryExhaustion(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	a := testManager(t, "alice", alice, c, func(cfg *Config) {
		cfg.RetryBase = 10 * time.Millisecond
		cfg.RetryMax = 20 * time.Millisecond
		cfg.RetryBudget = 3
	})
	defer a.Shutdown()

	// No bob attached: every send fails and retries burn the budget.
	tokenID, err := a.Send(&Peer{ID: []byte("bob"), SigningKey: bob.pub}, []byte("void"))
	require.NoError(t, err)

	failed := awaitEvent[DeliveryFailedEvent](t, a.EventsCh(), 10*time.Second)
	require.Equal(t, tokenID, failed.TokenID)
	require.Equal(t, ErrDeliveryExhausted, failed.Err)

	// The failed record is kept for manual resend, not dropped.
	pd, err := a.cfg.Store.Get(tokenID)
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, pd.Phase)
}

func TestTapWakesStalledDeliveries(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	// Hour-scale retries: only the tap can unstick the delivery
	// within the test's lifetime.
	a := testManager(t, "alice", alice, c, func(cfg *Config) {
		cfg.RetryBase = time.Hour
		cfg.RetryMax = time.Hour
	})
	defer a.Shutdown()
	b := testManager(t, "bob", bob, c, nil)
	defer b.Shutdown()

	// Bob is unreachable for the initial send.
	c.setDrop(true)
	_, err := a.Send(&Peer{ID: []byte("bob"), SigningKey: bob.pub}, []byte("catch up"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// Bob comes online and taps.
	c.setDrop(false)
	b.AddPeer(&Peer{ID: []byte("alice"), SigningKey: alice.pub})
	b.BroadcastTap()

	got := awaitEvent[MessageReceivedEvent](t, b.EventsCh(), 10*time.Second)
	require.Equal(t, []byte("catch up"), got.Payload)
}

func TestDeliverySurvivesRestart(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	store := NewMemStore()
	a := testManager(t, "alice", alice, c, func(cfg *Config) {
		cfg.Store = store
	})

	// Bob is away; the ping is cached before transmission.
	tokenID, err := a.Send(&Peer{ID: []byte("bob"), SigningKey: bob.pub}, []byte("after reboot"))
	require.NoError(t, err)
	a.Shutdown()

	pd, err := store.Get(tokenID)
	require.NoError(t, err)
	originalWire := append([]byte{}, pd.WireBytes...)

	// A "restarted" manager picks the record back up.  While the peer
	// stays unreachable, the retried frame must be the byte-identical
	// cached bytes, not a re-minted token.
	a2 := testManager(t, "alice", alice, c, func(cfg *Config) {
		cfg.Store = store
	})
	defer a2.Shutdown()
	time.Sleep(200 * time.Millisecond)
	pd, err = store.Get(tokenID)
	require.NoError(t, err)
	require.Equal(t, originalWire, pd.WireBytes)

	// Once the peer appears the cached frame goes through.
	b := testManager(t, "bob", bob, c, nil)
	defer b.Shutdown()

	got := awaitEvent[MessageReceivedEvent](t, b.EventsCh(), 10*time.Second)
	require.Equal(t, []byte("after reboot"), got.Payload)

	delivered := awaitEvent[MessageDeliveredEvent](t, a2.EventsCh(), 10*time.Second)
	require.Equal(t, tokenID, delivered.TokenID)
}

func TestStalledDownloadRearmsWatchdog(t *testing.T) {
	c := newLoopCourier()
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	// A record stuck in DOWNLOADING with a long-lapsed claim deadline,
	// as if the peer claimed the payload and then vanished.
	store := NewMemStore()
	tokenID := make([]byte, wire.TokenIDSize)
	_, err := rand.Reader.Read(tokenID)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, store.Put(&PendingDelivery{
		TokenID:          tokenID,
		PeerID:           []byte("bob"),
		PeerSigningKey:   bob.pub.Bytes(),
		Phase:            PhaseDownloading,
		WireBytes:        []byte("cached frame"),
		NextRetry:        stale,
		CreatedAt:        stale,
		WatchdogDeadline: stale,
	}))

	a := testManager(t, "alice", alice, c, func(cfg *Config) {
		cfg.Store = store
	})
	defer a.Shutdown()

	// The retry notices the lapsed claim and arms a fresh deadline so
	// the resend can be re-claimed.
	require.Eventually(t, func() bool {
		pd, err := store.Get(tokenID)
		return err == nil && pd.WatchdogDeadline > time.Now().UnixNano()
	}, 5*time.Second, 20*time.Millisecond)
}
