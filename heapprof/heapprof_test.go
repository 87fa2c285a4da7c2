/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package heapprof

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravwell/tracegrid/ringbuf"
)

func resetRuntimeState() {
	gstate = runtimeState{}
}

func testClient(t *testing.T) *Client {
	t.Helper()
	ring, err := ringbuf.Create(os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(ring, ClientConfig{DefaultSamplingInterval: 1})
}

func TestSamplerExpectation(t *testing.T) {
	const interval = 512
	s := NewSampler(interval, 0xBEEF)
	var attributed uint64
	const total = 4 * 1024 * 1024
	for written := uint64(0); written < total; written += 64 {
		attributed += s.SampleSize(64)
	}
	//the attributed byte count must approximate the true byte count
	if attributed < total/2 || attributed > total*2 {
		t.Fatalf("sampler badly biased: attributed %d of %d", attributed, total)
	}
	//allocations >= interval are always attributed exactly
	if got := s.SampleSize(interval * 3); got != interval*3 {
		t.Fatalf("large alloc sampled to %d", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	resetRuntimeState()
	var enabled, disabled int
	var mtx sync.Mutex
	id := RegisterHeap("malloc", func(si SessionInfo) {
		mtx.Lock()
		enabled++
		mtx.Unlock()
	}, func() {
		mtx.Lock()
		disabled++
		mtx.Unlock()
	})
	if id == 0 {
		t.Fatal("heap registration failed")
	}
	if HeapEnabled(id) {
		t.Fatal("heap enabled before session")
	}
	if err := InitSession(testClient(t)); err != nil {
		t.Fatal(err)
	}
	if !HeapEnabled(id) || !SessionActive() {
		t.Fatal("session did not enable the heap")
	}
	if enabled != 1 {
		t.Fatalf("enable callback count %d", enabled)
	}
	//idempotent: second init succeeds and re-fires nothing
	if err := InitSession(testClient(t)); err != nil {
		t.Fatal(err)
	}
	if enabled != 1 {
		t.Fatal("second init re-fired enable callbacks")
	}
	ReportAllocation(id, 1, 128)
	ReportFree(id, 1)
	ShutdownSession()
	if HeapEnabled(id) || SessionActive() {
		t.Fatal("shutdown left session active")
	}
	if disabled != 1 {
		t.Fatalf("disable callback count %d", disabled)
	}
}

// fork semantics: in the child every heap is disabled, reports are
// no-ops, and a new session may start
func TestForkChildHandler(t *testing.T) {
	resetRuntimeState()
	var disabled int
	id := RegisterHeap("malloc", nil, func() { disabled++ })
	if err := InitSession(testClient(t)); err != nil {
		t.Fatal(err)
	}
	//simulate a hook holding the lock at fork time
	gstate.mustLock()
	ForkChildHandler()
	if disabled != 1 {
		t.Fatalf("disable callbacks in child: %d", disabled)
	}
	if HeapEnabled(id) || SessionActive() {
		t.Fatal("child still has an active session")
	}
	//reports in the child do nothing and do not hang
	ReportAllocation(id, 7, 64)
	ReportFree(id, 7)
	//a fresh session in the child succeeds
	if err := InitSession(testClient(t)); err != nil {
		t.Fatal(err)
	}
	if !HeapEnabled(id) {
		t.Fatal("child could not start a new session")
	}
	ShutdownSession()
}

func TestClientRecordsRoundTrip(t *testing.T) {
	ring, err := ringbuf.Create(os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}
	defer ring.Close()
	fd, err := ring.DupFD()
	if err != nil {
		t.Fatal(err)
	}
	daemonRing, err := ringbuf.Attach(fd, os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}
	defer daemonRing.Close()

	cli := NewClient(ring, ClientConfig{DefaultSamplingInterval: 1})
	if err := cli.RecordMalloc(3, 0x1234, 256, 256); err != nil {
		t.Fatal(err)
	}
	if err := cli.RecordFree(3, 0x1234); err != nil {
		t.Fatal(err)
	}
	rb, ok := daemonRing.BeginRead()
	if !ok || rb.Data[0] != recMalloc {
		t.Fatalf("malloc record missing: ok=%v", ok)
	}
	daemonRing.EndRead(rb)
	rb, ok = daemonRing.BeginRead()
	if !ok || rb.Data[0] != recFree {
		t.Fatalf("free record missing: ok=%v", ok)
	}
	daemonRing.EndRead(rb)
}

func TestBoundedQueue(t *testing.T) {
	q := NewBoundedQueue[int](2)
	if !q.Add(1) || !q.Add(2) {
		t.Fatal("adds failed")
	}
	if q.TryAdd(3) {
		t.Fatal("TryAdd succeeded on a full queue")
	}
	blocked := make(chan bool, 1)
	go func() { blocked <- q.Add(3) }()
	select {
	case <-blocked:
		t.Fatal("Add returned on a full queue")
	case <-time.After(50 * time.Millisecond):
	}
	if v, ok := q.Get(); !ok || v != 1 {
		t.Fatalf("get: %d %v", v, ok)
	}
	select {
	case ok := <-blocked:
		if !ok {
			t.Fatal("unblocked Add reported shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("Add never unblocked")
	}
	q.Shutdown()
	//drain remaining, then observe shutdown
	for i := 0; i < 2; i++ {
		if _, ok := q.Get(); !ok {
			t.Fatal("queued item lost at shutdown")
		}
	}
	if _, ok := q.Get(); ok {
		t.Fatal("Get returned after shutdown drain")
	}
	if q.Add(9) {
		t.Fatal("Add succeeded after shutdown")
	}
}

type fakeUnwinder struct{}

func (fakeUnwinder) Unwind(pid int, stack []byte) ([]string, error) {
	return []string{fmt.Sprintf("frame-%d", pid), string(stack)}, nil
}

func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	out := NewBoundedQueue[BookkeepingRecord](64)
	bk := NewBookkeeper(out, filepath.Join(dir, "dumps.db"))
	pool := NewUnwinderPool(5, 16, fakeUnwinder{}, out)

	for i := 0; i < 10; i++ {
		if !pool.Dispatch(UnwindingRecord{PID: 100 + i%2, AllocID: uint64(i), Size: 64, Stack: []byte("stk")}) {
			t.Fatal("dispatch failed")
		}
	}
	//wait for the allocations to land in bookkeeping
	deadline := time.Now().Add(2 * time.Second)
	for bk.LiveBytes(100)+bk.LiveBytes(101) < 640 {
		if time.Now().After(deadline) {
			t.Fatalf("allocations missing: %d + %d", bk.LiveBytes(100), bk.LiveBytes(101))
		}
		time.Sleep(5 * time.Millisecond)
	}
	//free half of them
	for i := 0; i < 10; i += 2 {
		out.Add(BookkeepingRecord{Free: &FreeRecord{PID: 100 + i%2, AllocID: uint64(i)}})
	}
	deadline = time.Now().Add(2 * time.Second)
	for bk.LiveBytes(100)+bk.LiveBytes(101) != 320 {
		if time.Now().After(deadline) {
			t.Fatalf("frees not applied: %d + %d", bk.LiveBytes(100), bk.LiveBytes(101))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := bk.RequestDump(); err != nil {
		t.Fatal(err)
	}
	if err := bk.ExportSummary(filepath.Join(dir, "summary.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dumps.db")); err != nil {
		t.Fatal("dump store missing")
	}

	//ordered shutdown: queues first, then join workers
	pool.Shutdown()
	out.Shutdown()
	bk.Join()
}

type recordingDelegate struct {
	mtx         sync.Mutex
	matches     []Process
	disconnects []int
}

func (d *recordingDelegate) Match(p Process, sets []*ProcessSetSpec) {
	d.mtx.Lock()
	d.matches = append(d.matches, p)
	d.mtx.Unlock()
}

func (d *recordingDelegate) Disconnect(pid int) {
	d.mtx.Lock()
	d.disconnects = append(d.disconnects, pid)
	d.mtx.Unlock()
}

func TestProcessMatcher(t *testing.T) {
	d := &recordingDelegate{}
	m := NewProcessMatcher(d)

	spec := &ProcessSetSpec{Cmdlines: map[string]bool{"system_server": true}}
	sh := m.AwaitProcessSetSpec(spec)

	ph := m.ProcessConnected(Process{PID: 42, Cmdline: "system_server"})
	if ph == nil {
		t.Fatal("connect failed")
	}
	if len(d.matches) != 1 || d.matches[0].PID != 42 {
		t.Fatalf("match not delivered: %+v", d.matches)
	}
	//an unrelated process matches nothing
	ph2 := m.ProcessConnected(Process{PID: 43, Cmdline: "other"})
	if len(d.matches) != 1 {
		t.Fatal("unmatched process delivered a match")
	}
	//a selector arriving after connect matches retroactively
	all := m.AwaitProcessSetSpec(&ProcessSetSpec{AllProcesses: true})
	if len(d.matches) != 3 {
		t.Fatalf("retroactive matches wrong: %d", len(d.matches))
	}
	//dropping the all-selector leaves 42 covered, disconnects 43
	all.Close()
	if len(d.disconnects) != 1 || d.disconnects[0] != 43 {
		t.Fatalf("disconnects wrong: %v", d.disconnects)
	}
	//dropping the last selector disconnects 42
	sh.Close()
	if len(d.disconnects) != 2 || d.disconnects[1] != 42 {
		t.Fatalf("disconnects wrong: %v", d.disconnects)
	}
	ph.Close()
	ph2.Close()
}
