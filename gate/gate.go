// gate.go - Transport readiness gate.
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

// Package gate serializes recovery from connectivity disruption.  All
// network-touching operations acquire gate permission first; the
// rehydrator debounces connectivity signals into rebind requests so
// that rapid network flapping cannot cause a rebind storm.
package gate

import (
	"errors"
	"sync"
	"time"
)

// Timeout classes for AwaitOpen.  Background polling gives up quickly,
// interactive sends wait longer, and handshake or publish operations
// wait longest.
const (
	ShortWait   = 15 * time.Second
	SendWait    = 60 * time.Second
	PublishWait = 180 * time.Second
)

// ErrTransportNotReady is returned to callers that chose to fail
// rather than wait past the gate timeout.
var ErrTransportNotReady = errors.New("gate: transport not ready")

// Health is what the probe reports about the transport.
type Health struct {
	// BootstrapPercent is the transport's bootstrap progress, 0-100.
	BootstrapPercent int

	// CircuitCount is the number of established circuits.
	CircuitCount int
}

// Ready reports whether the transport is usable.
func (h Health) Ready() bool {
	return h.BootstrapPercent >= 100 && h.CircuitCount > 0
}

// HealthProbe actively queries the transport's health.  A gate only
// opens on a successful probe, never on a raw network-available
// signal.
type HealthProbe func() (Health, error)

// Gate is the shared open/closed flag.
type Gate struct {
	sync.Mutex

	probe HealthProbe

	open   bool
	openCh chan struct{}

	closeReason string
	closedAt    time.Time
}

// New creates a closed Gate with the given health probe.
func New(probe HealthProbe) *Gate {
	return &Gate{
		probe:       probe,
		openCh:      make(chan struct{}),
		closeReason: "initial",
		closedAt:    time.Now(),
	}
}

// IsOpen reports the current flag without blocking.
func (g *Gate) IsOpen() bool {
	g.Lock()
	defer g.Unlock()
	return g.open
}

// AwaitOpen blocks until the gate is open or the timeout elapses.
func (g *Gate) AwaitOpen(timeout time.Duration) error {
	g.Lock()
	if g.open {
		g.Unlock()
		return nil
	}
	ch := g.openCh
	g.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrTransportNotReady
	}
}

// Close closes the gate immediately, recording the reason and time.
// Closing an already closed gate only updates the diagnostics.
func (g *Gate) Close(reason string) {
	g.Lock()
	defer g.Unlock()
	if g.open {
		g.open = false
		g.openCh = make(chan struct{})
	}
	g.closeReason = reason
	g.closedAt = time.Now()
}

// LastClose returns the most recent close reason and time.
func (g *Gate) LastClose() (string, time.Time) {
	g.Lock()
	defer g.Unlock()
	return g.closeReason, g.closedAt
}

// OpenIfHealthy probes the transport and opens the gate when the probe
// reports readiness, waking every AwaitOpen waiter.  It returns whether
// the gate is open afterwards.
func (g *Gate) OpenIfHealthy() bool {
	h, err := g.probe()
	if err != nil || !h.Ready() {
		return false
	}
	g.Lock()
	defer g.Unlock()
	if !g.open {
		g.open = true
		close(g.openCh)
	}
	return true
}
