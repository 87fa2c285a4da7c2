/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package base holds the per-thread plumbing every other component sits
// on: the cooperative task runner, sequence-checked weak handles, and the
// process watchdog.
package base

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrRunnerClosed = errors.New("task runner is closed")
	ErrBadFD        = errors.New("invalid file descriptor")
)

type delayedTask struct {
	deadline time.Time
	f        func()
}

type fdWatch struct {
	f         func()
	suspended bool //a callback has been posted and not yet run
}

// TaskRunner is a single-goroutine cooperative scheduler. Tasks may be
// posted from any goroutine; they always execute on the runner goroutine,
// one at a time. A self pipe wakes the poll loop on cross-thread posts.
type TaskRunner struct {
	mtx       sync.Mutex
	immediate []func()
	delayed   []delayedTask //kept sorted by deadline
	watches   map[int]*fdWatch
	wakeRd    int
	wakeWr    int
	quit      bool
	done      chan struct{}
	wd        *Watchdog
}

func NewTaskRunner() (*TaskRunner, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	t := &TaskRunner{
		watches: make(map[int]*fdWatch),
		wakeRd:  p[0],
		wakeWr:  p[1],
		done:    make(chan struct{}),
		wd:      GetWatchdog(),
	}
	go t.run()
	return t, nil
}

// Quit stops the runner after the current task completes and waits for
// the loop to exit. Pending tasks are discarded.
func (t *TaskRunner) Quit() {
	t.mtx.Lock()
	if t.quit {
		t.mtx.Unlock()
		return
	}
	t.quit = true
	t.mtx.Unlock()
	t.wake()
	<-t.done
}

// PostTask enqueues f for FIFO execution on the runner goroutine.
func (t *TaskRunner) PostTask(f func()) {
	t.mtx.Lock()
	if t.quit {
		t.mtx.Unlock()
		return
	}
	t.immediate = append(t.immediate, f)
	t.mtx.Unlock()
	t.wake()
}

// PostDelayedTask enqueues f to run no earlier than d from now.
func (t *TaskRunner) PostDelayedTask(d time.Duration, f func()) {
	dt := delayedTask{deadline: time.Now().Add(d), f: f}
	t.mtx.Lock()
	if t.quit {
		t.mtx.Unlock()
		return
	}
	i := len(t.delayed)
	for i > 0 && t.delayed[i-1].deadline.After(dt.deadline) {
		i--
	}
	t.delayed = append(t.delayed, delayedTask{})
	copy(t.delayed[i+1:], t.delayed[i:])
	t.delayed[i] = dt
	t.mtx.Unlock()
	t.wake()
}

// AddFDWatch arms an edge-on-readable watch. The callback runs as a task
// on the runner goroutine; while it is pending the fd is skipped by
// further polls.
func (t *TaskRunner) AddFDWatch(fd int, f func()) error {
	if fd < 0 {
		return ErrBadFD
	}
	t.mtx.Lock()
	if t.quit {
		t.mtx.Unlock()
		return ErrRunnerClosed
	}
	t.watches[fd] = &fdWatch{f: f}
	t.mtx.Unlock()
	t.wake()
	return nil
}

func (t *TaskRunner) RemoveFDWatch(fd int) {
	t.mtx.Lock()
	delete(t.watches, fd)
	t.mtx.Unlock()
}

func (t *TaskRunner) wake() {
	var one = [1]byte{1}
	//EAGAIN means the pipe is already full of wakeups, which is fine
	unix.Write(t.wakeWr, one[:])
}

// run is the reactor loop. The wake pipe is deliberately left open on
// exit: a racing cross-thread PostTask may still write to it, and a
// stray write to a recycled descriptor would be far worse than two
// leaked fds on a runner that is going away.
func (t *TaskRunner) run() {
	defer close(t.done)
	for {
		pfds, timeout := t.buildPoll()
		if pfds == nil {
			return
		}
		n, err := unix.Poll(pfds, timeout)
		if err != nil && err != unix.EINTR {
			return
		}
		if n > 0 && pfds[0].Revents != 0 {
			var scratch [16]byte
			for {
				if _, err := unix.Read(t.wakeRd, scratch[:]); err != nil {
					break
				}
			}
		}
		t.runImmediateAndDelayed()
		t.postFDWatches(pfds)
	}
}

// buildPoll snapshots the watch set plus the wake pipe and computes the
// poll timeout from the earliest delayed deadline. Returns nil when the
// runner is quitting.
func (t *TaskRunner) buildPoll() ([]unix.PollFd, int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.quit {
		return nil, 0
	}
	pfds := make([]unix.PollFd, 1, len(t.watches)+1)
	pfds[0] = unix.PollFd{Fd: int32(t.wakeRd), Events: unix.POLLIN}
	for fd, w := range t.watches {
		if w.suspended {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	timeout := -1
	if len(t.immediate) > 0 {
		timeout = 0
	} else if len(t.delayed) > 0 {
		ms := int(time.Until(t.delayed[0].deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		timeout = ms
	}
	return pfds, timeout
}

// runImmediateAndDelayed executes at most one immediate and one due
// delayed task, so that a busy immediate queue cannot starve timers and
// vice versa.
func (t *TaskRunner) runImmediateAndDelayed() {
	t.mtx.Lock()
	var imm, del func()
	if len(t.immediate) > 0 {
		imm = t.immediate[0]
		t.immediate = t.immediate[1:]
	}
	if len(t.delayed) > 0 && !t.delayed[0].deadline.After(time.Now()) {
		del = t.delayed[0].f
		t.delayed = t.delayed[1:]
	}
	t.mtx.Unlock()
	if imm != nil {
		t.runTask(imm)
	}
	if del != nil {
		t.runTask(del)
	}
}

func (t *TaskRunner) postFDWatches(pfds []unix.PollFd) {
	for _, p := range pfds[1:] {
		if p.Revents == 0 {
			continue
		}
		fd := int(p.Fd)
		t.mtx.Lock()
		w, ok := t.watches[fd]
		if !ok || w.suspended {
			t.mtx.Unlock()
			continue
		}
		w.suspended = true
		t.immediate = append(t.immediate, func() {
			t.mtx.Lock()
			cur, ok := t.watches[fd]
			if ok && cur == w {
				cur.suspended = false
			}
			t.mtx.Unlock()
			if ok && cur == w {
				cur.f()
			}
		})
		t.mtx.Unlock()
	}
}

func (t *TaskRunner) runTask(f func()) {
	tm := t.wd.ArmTaskTimer(DefaultTaskTimeout)
	f()
	tm.Release()
}
