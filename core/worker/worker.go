// worker.go - Managed background goroutines.
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

// Package worker runs a component's background goroutines under a
// shared shutdown signal.
package worker

import (
	"sync"
	"time"
)

// Worker tracks the goroutines of one long lived component.  The zero
// value is ready to use; components embed it and call Halt on
// shutdown.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
}

// Go spawns fn as a tracked goroutine.  fn must return once HaltCh is
// closed, otherwise Halt never completes.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals shutdown and waits for every tracked goroutine to
// return.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Sleep pauses the caller for d or until Halt fires, whichever is
// first, and reports whether the full duration elapsed.  Loops that
// back off between attempts use this so shutdown is never delayed by
// a pending timer.
func (w *Worker) Sleep(d time.Duration) bool {
	w.initOnce.Do(w.init)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.haltCh:
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
