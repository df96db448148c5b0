// rehydrate.go - Debounced transport rebinding.
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
	"math"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilpost/veilpost/core/worker"
)

// EventKind tags a connectivity-affecting signal.
type EventKind uint8

const (
	// EventNetworkChanged fires when the underlying network path
	// changed (interface switch, address change).
	EventNetworkChanged EventKind = iota

	// EventProbeFailed fires when a transport health probe failed.
	EventProbeFailed

	// EventBearerUp fires when a network bearer came up after an
	// outage.
	EventBearerUp
)

// String returns the event name used in close reasons and logs.
func (k EventKind) String() string {
	switch k {
	case EventNetworkChanged:
		return "network changed"
	case EventProbeFailed:
		return "probe failed"
	case EventBearerUp:
		return "bearer up"
	default:
		return "unknown event"
	}
}

// RebindFunc re-establishes the transport binding.  It is invoked from
// the rehydrator's worker, never concurrently with itself.
type RebindFunc func() error

// Rehydrator turns raw connectivity signals into at most one rebind at
// a time: a signal closes the gate immediately but only schedules a
// rebind after a settle delay, later signals cancel and reschedule
// instead of stacking, and completed rebinds are rate limited by a
// minimum interval.
type Rehydrator struct {
	worker.Worker

	log  *logging.Logger
	gate *Gate

	rebind      RebindFunc
	settleDelay time.Duration
	minInterval time.Duration

	signalCh chan EventKind
	inFlight uint32

	// rebindCount counts completed rebinds, for tests and
	// diagnostics.
	rebindCount uint64
}

// NewRehydrator creates a Rehydrator and starts its worker.
func NewRehydrator(log *logging.Logger, g *Gate, rebind RebindFunc, settleDelay, minInterval time.Duration) *Rehydrator {
	r := &Rehydrator{
		log:         log,
		gate:        g,
		rebind:      rebind,
		settleDelay: settleDelay,
		minInterval: minInterval,
		signalCh:    make(chan EventKind, 16),
	}
	r.Go(r.worker)
	return r
}

// Signal reports a connectivity-affecting event.  The gate closes
// synchronously in the caller; the rebind itself is scheduled on the
// worker after the settle delay.
func (r *Rehydrator) Signal(k EventKind) {
	r.gate.Close(k.String())
	select {
	case <-r.HaltCh():
	case r.signalCh <- k:
	}
}

// RebindCount returns the number of completed rebinds.
func (r *Rehydrator) RebindCount() uint64 {
	return atomic.LoadUint64(&r.rebindCount)
}

func (r *Rehydrator) worker() {
	const maxDuration = time.Duration(math.MaxInt64)

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	var lastCompleted time.Time
	for {
		select {
		case <-r.HaltCh():
			return
		case k := <-r.signalCh:
			// Cancel-and-reschedule: the newest signal restarts
			// the settle delay.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.settleDelay)
			r.log.Debugf("connectivity signal (%v), rebind in %v", k, r.settleDelay)
		case <-timer.C:
			timer.Reset(maxDuration)
			if !lastCompleted.IsZero() && time.Since(lastCompleted) < r.minInterval {
				r.log.Debugf("rebind suppressed, last completed %v ago", time.Since(lastCompleted))
				continue
			}
			if !atomic.CompareAndSwapUint32(&r.inFlight, 0, 1) {
				r.log.Debugf("rebind suppressed, one already in flight")
				continue
			}
			err := r.rebind()
			atomic.StoreUint32(&r.inFlight, 0)
			if err != nil {
				r.log.Warningf("rebind failed: %v", err)
				timer.Reset(r.settleDelay)
				continue
			}
			lastCompleted = time.Now()
			atomic.AddUint64(&r.rebindCount, 1)
			if r.gate.OpenIfHealthy() {
				r.log.Noticef("transport rebound, gate open")
			} else {
				r.log.Warningf("transport rebound but probe not ready, gate stays closed")
			}
		}
	}
}
