// gate_test.go - Gate and rehydrator tests.
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

package gate

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilpost/veilpost/core/log"
)

func healthyProbe() (Health, error) {
	return Health{BootstrapPercent: 100, CircuitCount: 3}, nil
}

func unhealthyProbe() (Health, error) {
	return Health{BootstrapPercent: 40, CircuitCount: 0}, nil
}

func testLogger(t *testing.T) *logging.Logger {
	b, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	return b.GetLogger("test")
}

func TestGateOpensOnlyViaProbe(t *testing.T) {
	g := New(unhealthyProbe)
	require.False(t, g.IsOpen())

	// An unhealthy probe keeps the gate shut.
	require.False(t, g.OpenIfHealthy())
	require.Equal(t, ErrTransportNotReady, g.AwaitOpen(10*time.Millisecond))

	g.probe = healthyProbe
	require.True(t, g.OpenIfHealthy())
	require.True(t, g.IsOpen())
	require.NoError(t, g.AwaitOpen(time.Millisecond))
}

func TestGateAwaitOpenWakesWaiters(t *testing.T) {
	g := New(healthyProbe)

	done := make(chan error, 1)
	go func() {
		done <- g.AwaitOpen(5 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, g.OpenIfHealthy())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestGateCloseRecordsReason(t *testing.T) {
	g := New(healthyProbe)
	require.True(t, g.OpenIfHealthy())

	before := time.Now()
	g.Close("probe failed")
	require.False(t, g.IsOpen())
	reason, at := g.LastClose()
	require.Equal(t, "probe failed", reason)
	require.False(t, at.Before(before))

	// Reopening after a close works.
	require.True(t, g.OpenIfHealthy())
	require.NoError(t, g.AwaitOpen(time.Millisecond))
}

func TestRehydratorDebounceCollapses(t *testing.T) {
	g := New(healthyProbe)

	var rebinds uint32
	rebind := func() error {
		atomic.AddUint32(&rebinds, 1)
		return nil
	}

	r := NewRehydrator(testLogger(t), g, rebind, 100*time.Millisecond, 0)
	defer r.Halt()

	// A burst of signals must collapse into a single rebind.
	for i := 0; i < 10; i++ {
		r.Signal(EventNetworkChanged)
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, g.IsOpen())

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&rebinds) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// And no further rebind happens without another signal.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, uint32(1), atomic.LoadUint32(&rebinds))
	require.True(t, g.IsOpen())
}

func TestRehydratorMinInterval(t *testing.T) {
	g := New(healthyProbe)

	var rebinds uint32
	rebind := func() error {
		atomic.AddUint32(&rebinds, 1)
		return nil
	}

	r := NewRehydrator(testLogger(t), g, rebind, 10*time.Millisecond, time.Hour)
	defer r.Halt()

	r.Signal(EventBearerUp)
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&rebinds) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second round lands inside the minimum interval and is
	// suppressed.
	r.Signal(EventBearerUp)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, uint32(1), atomic.LoadUint32(&rebinds))
}

func TestRehydratorRetriesFailedRebind(t *testing.T) {
	g := New(healthyProbe)

	var calls uint32
	rebind := func() error {
		if atomic.AddUint32(&calls, 1) == 1 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	r := NewRehydrator(testLogger(t), g, rebind, 20*time.Millisecond, 0)
	defer r.Halt()

	r.Signal(EventProbeFailed)
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&calls) >= 2 && g.IsOpen()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), r.RebindCount())
}
