/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ringbuf

import (
	"runtime"
	"sync/atomic"
	"time"
)

// LockMode selects how hard a caller fights for the metadata spinlock.
type LockMode int

const (
	// TryLock spins a bounded number of times; allocator hot paths use
	// it so a wedged peer cannot hang them forever.
	TryLock LockMode = iota
	// BlockingLock spins until acquisition; used by the reader.
	BlockingLock
)

const (
	trySpinLimit  = 10000
	spinYieldMask = 1023
)

// acquireSpinlock attempts to take the word; returns false only in
// TryLock mode after the spin budget is exhausted.
func acquireSpinlock(w *uint32, mode LockMode) bool {
	for i := 0; ; i++ {
		if atomic.CompareAndSwapUint32(w, 0, 1) {
			return true
		}
		if mode == TryLock && i >= trySpinLimit {
			return false
		}
		if i&spinYieldMask == spinYieldMask {
			time.Sleep(time.Millisecond)
		} else {
			runtime.Gosched()
		}
	}
}

func releaseSpinlock(w *uint32) {
	atomic.StoreUint32(w, 0)
}
