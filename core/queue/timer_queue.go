// timer_queue.go - Deadline delayed queue.
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

package queue

import (
	"sync"
	"time"

	"github.com/veilpost/veilpost/core/worker"
)

// Item is an element with a wakeup deadline expressed in nanoseconds
// since the epoch.
type Item interface {
	Priority() uint64
}

// TimerQueue delays items until their deadline and then hands them to
// the forward callback from its own worker goroutine.
type TimerQueue struct {
	sync.Mutex
	worker.Worker

	priq    *PriorityQueue
	forward func(Item)

	wakeCh chan struct{}
}

// NewTimerQueue creates a TimerQueue and starts its worker.  forward is
// invoked once per expired item, in deadline order.
func NewTimerQueue(forward func(Item)) *TimerQueue {
	q := &TimerQueue{
		priq:    New(),
		forward: forward,
		wakeCh:  make(chan struct{}, 1),
	}
	q.Go(q.worker)
	return q
}

// Push schedules an item.
func (q *TimerQueue) Push(i Item) {
	q.Lock()
	q.priq.Enqueue(i.Priority(), i)
	q.Unlock()
	q.wake()
}

// Remove unschedules the first queued item for which match returns
// true, returning it, or nil when nothing matched.
func (q *TimerQueue) Remove(match func(value interface{}) bool) Item {
	q.Lock()
	defer q.Unlock()
	e := q.priq.FilterOnce(match)
	if e == nil {
		return nil
	}
	return e.Value.(Item)
}

func (q *TimerQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) pop() Item {
	q.Lock()
	defer q.Unlock()
	e := q.priq.Dequeue()
	if e == nil {
		return nil
	}
	return e.Value.(Item)
}

func (q *TimerQueue) worker() {
	for {
		var timerCh <-chan time.Time
		q.Lock()
		if e := q.priq.Peek(); e != nil {
			now := uint64(time.Now().UnixNano())
			if e.Priority <= now {
				q.Unlock()
				if i := q.pop(); i != nil {
					q.forward(i)
				}
				continue
			}
			timerCh = time.After(time.Duration(e.Priority - now))
		}
		q.Unlock()

		select {
		case <-q.HaltCh():
			return
		case <-timerCh:
		case <-q.wakeCh:
		}
	}
}
