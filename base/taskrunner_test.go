/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package base

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestPostTaskOrder(t *testing.T) {
	tr, err := NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	ch := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		tr.PostTask(func() { ch <- i })
	}
	for i := 0; i < 3; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("out of order: got %d want %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for task")
		}
	}
}

func TestPostDelayedTask(t *testing.T) {
	tr, err := NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	start := time.Now()
	done := make(chan struct{})
	tr.PostDelayedTask(50*time.Millisecond, func() { close(done) })
	select {
	case <-done:
		if time.Since(start) < 50*time.Millisecond {
			t.Fatal("delayed task ran early")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestDelayedDoesNotStarveImmediate(t *testing.T) {
	tr, err := NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	got := make(chan string, 8)
	tr.PostDelayedTask(0, func() { got <- `delayed` })
	tr.PostTask(func() { got <- `immediate` })
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	if !seen[`delayed`] || !seen[`immediate`] {
		t.Fatalf("missing task execution: %v", seen)
	}
}

func TestFDWatch(t *testing.T) {
	tr, err := NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	fired := make(chan struct{}, 16)
	if err := tr.AddFDWatch(p[0], func() {
		var b [8]byte
		unix.Read(p[0], b[:])
		fired <- struct{}{}
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(p[1], []byte{1}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired")
	}
	tr.RemoveFDWatch(p[0])
}

func TestWeakRef(t *testing.T) {
	type obj struct{ v int }
	o := &obj{v: 42}
	fac := NewWeakFactory(o)
	ref := fac.GetWeakRef()
	if got := ref.Get(); got == nil || got.v != 42 {
		t.Fatalf("live ref failed: %v", got)
	}
	fac.Invalidate()
	if ref.Get() != nil {
		t.Fatal("invalidated ref resolved")
	}
	fac.Reset(&obj{v: 7})
	if ref.Get() != nil {
		t.Fatal("stale generation ref resolved after reset")
	}
	if got := fac.GetWeakRef().Get(); got == nil || got.v != 7 {
		t.Fatal("fresh ref failed after reset")
	}
}

func TestWatchdogTaskTimer(t *testing.T) {
	wd := GetWatchdog()
	fired := make(chan string, 1)
	wd.SetTestHook(func(r string) { fired <- r })
	defer wd.SetTestHook(nil)

	tm := wd.ArmTaskTimer(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-fired:
	default:
		t.Fatal("expired timer did not fire")
	}
	tm.Release()

	tm = wd.ArmTaskTimer(time.Hour)
	tm.Release()
	select {
	case r := <-fired:
		t.Fatalf("released timer fired: %s", r)
	case <-time.After(20 * time.Millisecond):
	}
}
