// timing.go - Jitter and cover traffic scheduling.
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

package shaper

import (
	"fmt"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/veilpost/veilpost/core/worker"
)

// Jitter draws a delay from a truncated exponential distribution with
// the given mean, clamped to max.  Control responses are delayed by
// this much so that response timing does not correlate request and
// reply.
func Jitter(mean, max time.Duration) time.Duration {
	if mean <= 0 || max <= 0 {
		return 0
	}
	mRng := rand.NewMath()
	// The rate parameter is computed in float milliseconds so that a
	// sub-millisecond mean does not truncate to a zero divisor.
	lambda := float64(time.Millisecond) / float64(mean)
	d := time.Duration(rand.Exp(mRng, lambda) * float64(time.Millisecond))
	if d > max {
		d = max
	}
	return d
}

type opCoverStatus struct {
	isOnline bool
}

type opCoverRate struct {
	averageRate uint64
	maxDelay    uint64
}

// CoverTimer is a pseudorandom ticker driving cover frame emission.
// The channel returned by OutCh() fires at an average rate set with
// SetRate, in milliseconds, but only while the transport is marked
// online.
type CoverTimer struct {
	worker.Worker

	averageRate uint64
	maxDelay    uint64

	opCh  chan interface{}
	outCh chan struct{}
}

// NewCoverTimer returns a CoverTimer with a running worker routine.
func NewCoverTimer() *CoverTimer {
	t := &CoverTimer{
		opCh:  make(chan interface{}, 1),
		outCh: make(chan struct{}, 1),
	}
	t.Go(t.worker)
	return t
}

// OutCh returns the channel that receives cover ticks.
func (t *CoverTimer) OutCh() <-chan struct{} {
	return t.outCh
}

// SetRate sets the average and maximum delay between ticks, in
// milliseconds.
func (t *CoverTimer) SetRate(averageRate, maxDelay uint64) {
	select {
	case <-t.HaltCh():
	case t.opCh <- opCoverRate{
		averageRate: averageRate,
		maxDelay:    maxDelay,
	}:
	}
}

// SetOnline starts ticking when online is true and suspends ticking
// when it is false.
func (t *CoverTimer) SetOnline(online bool) {
	select {
	case <-t.HaltCh():
	case t.opCh <- opCoverStatus{isOnline: online}:
	}
}

func (t *CoverTimer) worker() {
	const maxDuration = math.MaxInt64

	var (
		rateMsec     uint64
		rateTimer    = time.NewTimer(maxDuration)
		rateInterval = time.Duration(maxDuration)
	)

	defer rateTimer.Stop()

	isOnline := false
	mustResetTimer := false

	for {
		var rateFired bool
		var qo interface{}

		select {
		case <-t.HaltCh():
			return
		case <-rateTimer.C:
			rateFired = true
		case qo = <-t.opCh:
		}

		if qo != nil {
			switch op := qo.(type) {
			case opCoverStatus:
				isOnline = op.isOnline
				mustResetTimer = true
			case opCoverRate:
				t.averageRate = op.averageRate
				t.maxDelay = op.maxDelay
				mustResetTimer = true
			default:
				panic(fmt.Sprintf("BUG: CoverTimer received nonsensical op: %T", op))
			}
		} else {
			if isOnline && rateFired {
				select {
				case <-t.HaltCh():
					return
				case t.outCh <- struct{}{}:
				}
			}
		}

		if isOnline && t.averageRate != 0 && t.maxDelay != 0 {
			mRng := rand.NewMath()
			rateMsec = uint64(rand.Exp(mRng, 1/float64(t.averageRate)))
			if rateMsec > t.maxDelay {
				rateMsec = t.maxDelay
			}
			rateInterval = time.Duration(rateMsec) * time.Millisecond
		} else {
			rateInterval = time.Duration(maxDuration)
		}

		if mustResetTimer {
			rateTimer.Reset(rateInterval)
			mustResetTimer = false
		} else if rateFired {
			rateTimer.Reset(rateInterval)
		}
	}
}
