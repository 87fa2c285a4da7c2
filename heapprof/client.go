/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package heapprof

import (
	"encoding/binary"
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gravwell/tracegrid/ringbuf"
)

const (
	recMalloc byte = 1
	recFree   byte = 2

	// mallocRecordSize is type + heap + alloc id + size + sampled size.
	mallocRecordSize = 1 + 4 + 8 + 8 + 8
	freeRecordSize   = 1 + 4 + 8
)

var (
	ErrNoSession  = errors.New("no profiling session active")
	ErrRingFull   = errors.New("profiling ring rejected the record")
)

// ClientConfig is received from the daemon at session start.
type ClientConfig struct {
	DefaultSamplingInterval uint64
	HeapSamplingIntervals   map[string]uint64
	BlockClient             bool //stall instead of drop when the ring is full
}

// Client is one live profiling session: the shared ring plus the
// sampling configuration. It is held behind the runtime spinlock and
// replaced wholesale on session changes.
type Client struct {
	ring *ringbuf.RingBuffer
	cfg  ClientConfig
	pid  uint32
}

func NewClient(ring *ringbuf.RingBuffer, cfg ClientConfig) *Client {
	return &Client{ring: ring, cfg: cfg, pid: uint32(os.Getpid())}
}

func (c *Client) samplingInterval(heapName string) uint64 {
	if v, ok := c.cfg.HeapSamplingIntervals[heapName]; ok {
		return v
	}
	if c.cfg.DefaultSamplingInterval != 0 {
		return c.cfg.DefaultSamplingInterval
	}
	return 4096
}

func (c *Client) lockMode() ringbuf.LockMode {
	if c.cfg.BlockClient {
		return ringbuf.BlockingLock
	}
	return ringbuf.TryLock
}

// RecordMalloc publishes one sampled allocation into the ring.
func (c *Client) RecordMalloc(heap HeapID, id, size, sampled uint64) error {
	b, ok := c.ring.BeginWrite(c.lockMode(), mallocRecordSize)
	if !ok {
		return ErrRingFull
	}
	b.Data[0] = recMalloc
	binary.LittleEndian.PutUint32(b.Data[1:], uint32(heap))
	binary.LittleEndian.PutUint64(b.Data[5:], id)
	binary.LittleEndian.PutUint64(b.Data[13:], size)
	binary.LittleEndian.PutUint64(b.Data[21:], sampled)
	c.ring.EndWrite(b)
	return nil
}

// RecordFree publishes a free.
func (c *Client) RecordFree(heap HeapID, id uint64) error {
	b, ok := c.ring.BeginWrite(c.lockMode(), freeRecordSize)
	if !ok {
		return ErrRingFull
	}
	b.Data[0] = recFree
	binary.LittleEndian.PutUint32(b.Data[1:], uint32(heap))
	binary.LittleEndian.PutUint64(b.Data[5:], id)
	c.ring.EndWrite(b)
	return nil
}

// MaxHeaps bounds the static heap registry.
const MaxHeaps = 256

type HeapID uint32

// SessionInfo is handed to a heap's enable callback.
type SessionInfo struct {
	SamplingInterval uint64
}

type heapInfo struct {
	name      string
	onEnable  func(SessionInfo)
	onDisable func()
	sampler   *Sampler
	enabled   bool
}

// runtimeState is the process-global profiler state. Everything inside
// is guarded by a raw spinlock so the post-fork child can reset it
// without caring what the parent's threads held.
type runtimeState struct {
	lock     uint32
	heaps    [MaxHeaps]heapInfo
	numHeaps uint32
	client   *Client
}

var gstate runtimeState

const (
	hookSpinLimit = 10000
	hookYieldMask = 1023
)

// tryLock takes the runtime spinlock with a bounded spin; giving up is
// fatal for report paths (it signals corruption or a wedged peer) so
// callers decide.
func (s *runtimeState) tryLock() bool {
	for i := 0; i < hookSpinLimit; i++ {
		if atomic.CompareAndSwapUint32(&s.lock, 0, 1) {
			return true
		}
		if i&hookYieldMask == hookYieldMask {
			time.Sleep(time.Millisecond)
		} else {
			runtime.Gosched()
		}
	}
	return false
}

func (s *runtimeState) unlock() {
	atomic.StoreUint32(&s.lock, 0)
}

func (s *runtimeState) mustLock() {
	if !s.tryLock() {
		//a hook path that cannot take the lock after the full spin
		//budget means the state is corrupt; die loudly and fast
		panic("heap profiler runtime spinlock wedged")
	}
}

// RegisterHeap adds a named heap to the static table. Safe before or
// after a session starts; returns 0 when the table is full.
func RegisterHeap(name string, onEnable func(SessionInfo), onDisable func()) HeapID {
	gstate.mustLock()
	defer gstate.unlock()
	if gstate.numHeaps >= MaxHeaps {
		return 0
	}
	gstate.numHeaps++
	id := HeapID(gstate.numHeaps)
	gstate.heaps[id-1] = heapInfo{name: name, onEnable: onEnable, onDisable: onDisable}
	return id
}

// InitSession installs a profiling session. Idempotent: a second call
// while one is active reports success and changes nothing. Enable
// callbacks run outside the spinlock.
func InitSession(c *Client) error {
	gstate.mustLock()
	if gstate.client != nil {
		gstate.unlock()
		return nil
	}
	gstate.client = c
	type cbk struct {
		f  func(SessionInfo)
		si SessionInfo
	}
	var cbs []cbk
	for i := uint32(0); i < gstate.numHeaps; i++ {
		h := &gstate.heaps[i]
		interval := c.samplingInterval(h.name)
		h.sampler = NewSampler(interval, int64(os.Getpid())<<16|int64(i))
		h.enabled = true
		if h.onEnable != nil {
			cbs = append(cbs, cbk{f: h.onEnable, si: SessionInfo{SamplingInterval: interval}})
		}
	}
	gstate.unlock()
	for _, cb := range cbs {
		cb.f(cb.si)
	}
	return nil
}

// ShutdownSession drops the client and disables every heap.
func ShutdownSession() {
	gstate.mustLock()
	cli := gstate.client
	gstate.client = nil
	var cbs []func()
	for i := uint32(0); i < gstate.numHeaps; i++ {
		h := &gstate.heaps[i]
		if h.enabled && h.onDisable != nil {
			cbs = append(cbs, h.onDisable)
		}
		h.enabled = false
		h.sampler = nil
	}
	gstate.unlock()
	for _, cb := range cbs {
		cb()
	}
	if cli != nil {
		cli.ring.Close()
	}
}

// HeapEnabled reports whether the heap currently has a live session.
func HeapEnabled(id HeapID) bool {
	gstate.mustLock()
	defer gstate.unlock()
	if id == 0 || uint32(id) > gstate.numHeaps {
		return false
	}
	return gstate.heaps[id-1].enabled
}

// SessionActive reports whether a client is installed.
func SessionActive() bool {
	gstate.mustLock()
	defer gstate.unlock()
	return gstate.client != nil
}

// ReportAllocation samples the allocation and forwards it to the
// daemon. Called from allocation hooks on arbitrary goroutines.
func ReportAllocation(id HeapID, allocID, size uint64) {
	gstate.mustLock()
	if gstate.client == nil || id == 0 || uint32(id) > gstate.numHeaps {
		gstate.unlock()
		return
	}
	h := &gstate.heaps[id-1]
	if !h.enabled || h.sampler == nil {
		gstate.unlock()
		return
	}
	sampled := h.sampler.SampleSize(size)
	cli := gstate.client
	gstate.unlock()
	if sampled == 0 {
		return
	}
	cli.RecordMalloc(id, allocID, size, sampled)
}

// ReportFree forwards a free record; frees are never sampled away since
// the daemon must keep its live-heap map exact.
func ReportFree(id HeapID, allocID uint64) {
	gstate.mustLock()
	if gstate.client == nil || id == 0 || uint32(id) > gstate.numHeaps || !gstate.heaps[id-1].enabled {
		gstate.unlock()
		return
	}
	cli := gstate.client
	gstate.unlock()
	cli.RecordFree(id, allocID)
}

// ForkChildHandler reproduces the atfork child semantics: the child
// has none of the parent's profiling threads, so the handler resets
// the spinlock unconditionally, disables every heap (firing their
// disable callbacks), and abandons the old client in place without
// tearing it down; its ring and socket still belong to the parent. A
// fresh InitSession in the child is legal afterwards.
func ForkChildHandler() {
	atomic.StoreUint32(&gstate.lock, 0)
	gstate.mustLock()
	var cbs []func()
	for i := uint32(0); i < gstate.numHeaps; i++ {
		h := &gstate.heaps[i]
		if h.enabled && h.onDisable != nil {
			cbs = append(cbs, h.onDisable)
		}
		h.enabled = false
		h.sampler = nil
	}
	//deliberately leak: overwrite the slot without closing the ring
	gstate.client = nil
	gstate.unlock()
	for _, cb := range cbs {
		cb()
	}
}
