/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"errors"
	"sync"
	"time"

	"github.com/gravwell/tracegrid/base"
)

// BufferExhaustedPolicy selects what GetNewChunk does when every chunk
// in the SMB is owned.
type BufferExhaustedPolicy int

const (
	// DropPolicy returns an invalid chunk; the writer drops the data.
	DropPolicy BufferExhaustedPolicy = iota
	// StallPolicy blocks the caller until the service frees a chunk.
	StallPolicy
)

const (
	defaultChunksPerPage = 4
	commitBatchDelay     = 5 * time.Millisecond
)

var ErrArbiterClosed = errors.New("arbiter is closed")

// Arbiter is the producer-side owner of an SMB and of the commit-data
// channel back to the service. Writers obtain chunks from it; completed
// chunks are batched into debounced commit-data requests.
type Arbiter struct {
	mtx          sync.Mutex
	cond         *sync.Cond
	abi          *SharedMemoryABI
	tr           *base.TaskRunner
	sink         CommitSink
	pageCursor   int
	pending      *CommitDataRequest
	commitPosted bool
	inflight     int //commit requests sent but not yet acked
	lastWriter   WriterID
	writers      map[WriterID]*TraceWriter
	flushWaits   map[FlushRequestID]*flushWait
	closed       bool
}

type flushWait struct {
	outstanding int //commits in flight when the flush was requested
}

func NewArbiter(abi *SharedMemoryABI, sink CommitSink, tr *base.TaskRunner) *Arbiter {
	a := &Arbiter{
		abi:        abi,
		tr:         tr,
		sink:       sink,
		writers:    make(map[WriterID]*TraceWriter),
		flushWaits: make(map[FlushRequestID]*flushWait),
	}
	a.cond = sync.NewCond(&a.mtx)
	return a
}

// GetNewChunk finds a free chunk, scanning pages round robin and
// partitioning untouched pages on demand. With StallPolicy the call
// blocks on the service freeing chunks; with DropPolicy it returns an
// invalid chunk immediately.
func (a *Arbiter) GetNewChunk(policy BufferExhaustedPolicy) Chunk {
	for {
		if c, ok := a.tryGetChunk(); ok {
			return c
		}
		if policy == DropPolicy {
			return Chunk{}
		}
		a.mtx.Lock()
		if a.closed {
			a.mtx.Unlock()
			return Chunk{}
		}
		a.cond.Wait()
		closed := a.closed
		a.mtx.Unlock()
		if closed {
			return Chunk{}
		}
	}
}

func (a *Arbiter) tryGetChunk() (Chunk, bool) {
	a.mtx.Lock()
	start := a.pageCursor
	a.mtx.Unlock()
	n := a.abi.NumPages()
	for i := 0; i < n; i++ {
		page := (start + i) % n
		if a.abi.PageLayout(page) == 0 {
			a.abi.TryPartitionPage(page, defaultChunksPerPage)
		}
		states := a.abi.ChunkStates(page)
		for idx, st := range states {
			if st != ChunkFree {
				continue
			}
			if c, ok := a.abi.TryAcquireChunkForWriting(page, idx); ok {
				a.mtx.Lock()
				a.pageCursor = page
				a.mtx.Unlock()
				return c, true
			}
		}
	}
	return Chunk{}, false
}

// ReturnCompletedChunk releases the chunk as complete and batches its
// reference, plus any patches for earlier chunks, into the next
// commit-data request.
func (a *Arbiter) ReturnCompletedChunk(c Chunk, target BufferID, patches []ChunkToPatch) {
	if !a.abi.ReleaseChunkAsComplete(c) {
		return
	}
	a.mtx.Lock()
	if a.pending == nil {
		a.pending = &CommitDataRequest{}
	}
	a.pending.ChunksToMove = append(a.pending.ChunksToMove, ChunkToMove{
		Page:         uint32(c.PageIdx()),
		Chunk:        uint32(c.ChunkIdx()),
		TargetBuffer: target,
	})
	a.pending.ChunksToPatch = append(a.pending.ChunksToPatch, patches...)
	a.schedule()
	a.mtx.Unlock()
}

// SendPatches batches standalone patches with no chunk movement.
func (a *Arbiter) SendPatches(patches []ChunkToPatch) {
	if len(patches) == 0 {
		return
	}
	a.mtx.Lock()
	if a.pending == nil {
		a.pending = &CommitDataRequest{}
	}
	a.pending.ChunksToPatch = append(a.pending.ChunksToPatch, patches...)
	a.schedule()
	a.mtx.Unlock()
}

// schedule debounces the commit flush task; callers hold the lock.
func (a *Arbiter) schedule() {
	if a.commitPosted || a.closed {
		return
	}
	a.commitPosted = true
	a.tr.PostDelayedTask(commitBatchDelay, a.flushPending)
}

// FlushPendingCommits sends any batched commit immediately.
func (a *Arbiter) FlushPendingCommits() {
	a.flushPending()
}

func (a *Arbiter) flushPending() {
	a.mtx.Lock()
	a.commitPosted = false
	req := a.pending
	a.pending = nil
	if req == nil || req.Empty() {
		a.mtx.Unlock()
		return
	}
	a.inflight++
	a.mtx.Unlock()
	a.sink.CommitData(req, func() {
		a.mtx.Lock()
		a.inflight--
		for id, fw := range a.flushWaits {
			if fw.outstanding > 0 {
				fw.outstanding--
			}
			if fw.outstanding == 0 {
				delete(a.flushWaits, id)
				a.sendFlushAck(id)
			}
		}
		a.cond.Broadcast()
		a.mtx.Unlock()
	})
}

// NotifyFlushRequested is called when the service asks this producer to
// flush a set of data-source instances. The arbiter closes every open
// chunk of the named writers and acks once the service has consumed the
// resulting commits.
func (a *Arbiter) NotifyFlushRequested(id FlushRequestID, writerIDs []WriterID) {
	a.mtx.Lock()
	targets := make([]*TraceWriter, 0, len(writerIDs))
	for _, wid := range writerIDs {
		if w, ok := a.writers[wid]; ok {
			targets = append(targets, w)
		}
	}
	a.mtx.Unlock()
	for _, w := range targets {
		w.Flush()
	}
	a.flushPending()
	a.mtx.Lock()
	if a.inflight == 0 {
		a.sendFlushAck(id)
	} else {
		a.flushWaits[id] = &flushWait{outstanding: a.inflight}
	}
	a.mtx.Unlock()
}

// sendFlushAck posts the bare flush-ack commit; callers hold the lock.
func (a *Arbiter) sendFlushAck(id FlushRequestID) {
	a.tr.PostTask(func() {
		a.sink.CommitData(&CommitDataRequest{FlushRequestID: id}, func() {})
	})
}

// CreateTraceWriter registers a new writer bound to a target central
// buffer.
func (a *Arbiter) CreateTraceWriter(target BufferID, policy BufferExhaustedPolicy) *TraceWriter {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.lastWriter++
	w := newTraceWriter(a, a.lastWriter, target, policy)
	a.writers[w.id] = w
	return w
}

func (a *Arbiter) releaseWriter(id WriterID) {
	a.mtx.Lock()
	delete(a.writers, id)
	a.mtx.Unlock()
}

// Close tears the arbiter down; stalled writers wake and observe an
// invalid chunk.
func (a *Arbiter) Close() {
	a.mtx.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mtx.Unlock()
}
