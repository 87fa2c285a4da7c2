/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package base

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
)

const (
	DefaultTaskTimeout = 30 * time.Second

	memPollInterval = 30 * time.Second
	memWindowSlots  = 4 //hysteresis: every slot in the window must exceed the limit
)

var (
	wdOnce sync.Once
	wdInst *Watchdog
)

// Watchdog is the process-wide singleton that bounds task latency and
// peak memory. A task timer that expires aborts the process; the memory
// ceiling aborts only after the RSS stays above the limit for a full
// observation window.
type Watchdog struct {
	mtx      sync.Mutex
	memLimit uint64
	memHits  int
	stop     chan struct{}
	testHook func(reason string) //when set, called instead of aborting
}

func GetWatchdog() *Watchdog {
	wdOnce.Do(func() {
		wdInst = &Watchdog{stop: make(chan struct{})}
	})
	return wdInst
}

// TaskTimer is a scoped fatal timer. Release must be called before the
// deadline or the process aborts.
type TaskTimer struct {
	t *time.Timer
}

func (w *Watchdog) ArmTaskTimer(d time.Duration) *TaskTimer {
	return &TaskTimer{
		t: time.AfterFunc(d, func() {
			w.fire(fmt.Sprintf("task exceeded %v", d))
		}),
	}
}

func (tt *TaskTimer) Release() {
	if tt != nil && tt.t != nil {
		tt.t.Stop()
	}
}

// SetMemoryLimit arms the RSS ceiling; 0 disables it.
func (w *Watchdog) SetMemoryLimit(bytes uint64) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.memLimit == 0 && bytes != 0 {
		go w.memPoll()
	}
	w.memLimit = bytes
	w.memHits = 0
}

func (w *Watchdog) memPoll() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	tkr := time.NewTicker(memPollInterval)
	defer tkr.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-tkr.C:
		}
		w.mtx.Lock()
		limit := w.memLimit
		w.mtx.Unlock()
		if limit == 0 {
			return
		}
		mi, err := proc.MemoryInfo()
		if err != nil {
			continue
		}
		w.mtx.Lock()
		if mi.RSS > limit {
			w.memHits++
		} else {
			w.memHits = 0
		}
		hits := w.memHits
		w.mtx.Unlock()
		if hits >= memWindowSlots {
			w.fire(fmt.Sprintf("rss %d exceeded limit %d for full window", mi.RSS, limit))
		}
	}
}

func (w *Watchdog) fire(reason string) {
	w.mtx.Lock()
	hook := w.testHook
	w.mtx.Unlock()
	if hook != nil {
		hook(reason)
		return
	}
	fmt.Fprintf(os.Stderr, "watchdog: %s\n", reason)
	os.Exit(1)
}

// SetTestHook replaces the abort with a callback; tests only.
func (w *Watchdog) SetTestHook(f func(string)) {
	w.mtx.Lock()
	w.testHook = f
	w.mtx.Unlock()
}
