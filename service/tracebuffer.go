/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/shm"
)

type seqKey struct {
	producer shm.ProducerID
	writer   shm.WriterID
}

type chunkKey struct {
	seq   seqKey
	chunk shm.ChunkID
}

type chunkRecord struct {
	key       chunkKey
	uid       int
	numFrags  uint16
	flags     uint8
	data      []byte
	finalized bool //no more patches expected

	scanOff       int
	consumedFrags int
	consumed      bool
}

type partialPacket struct {
	data      []byte
	lastChunk shm.ChunkID
}

// TraceBuffer is the session-owned central packet store the service
// copies SMB chunks into. Chunks are kept in arrival order; reading
// reassembles packet fragments split across chunks using the chunk
// header continuation flags and consumes them. Service goroutine only.
type TraceBuffer struct {
	size int
	used int
	fill FillPolicy

	chunks   []*chunkRecord
	index    map[chunkKey]*chunkRecord
	partials map[seqKey]*partialPacket
	poisoned map[seqKey]bool
	cursor   int

	stats BufferStats
}

func NewTraceBuffer(size int, fill FillPolicy) *TraceBuffer {
	return &TraceBuffer{
		size:     size,
		fill:     fill,
		index:    make(map[chunkKey]*chunkRecord),
		partials: make(map[seqKey]*partialPacket),
		poisoned: make(map[seqKey]bool),
	}
}

func (tb *TraceBuffer) Size() int           { return tb.size }
func (tb *TraceBuffer) Stats() *BufferStats { return &tb.stats }

// CopyChunk ingests one chunk read out of a producer SMB. All header
// fields are untrusted snapshots taken by the caller.
func (tb *TraceBuffer) CopyChunk(producer shm.ProducerID, uid int, writer shm.WriterID,
	chunk shm.ChunkID, numFrags uint16, flags uint8, payload []byte, finalized bool) {
	if writer == 0 || len(payload) > tb.size {
		tb.stats.ABIViolations++
		return
	}
	need := len(payload)
	if tb.used+need > tb.size {
		if tb.fill == FillDiscard {
			tb.stats.ChunksDiscarded++
			tb.poisoned[seqKey{producer, writer}] = true
			return
		}
		tb.evict(need)
		if tb.used+need > tb.size {
			tb.stats.ChunksDiscarded++
			return
		}
		tb.stats.WriteWrapCount++
	}
	key := chunkKey{seq: seqKey{producer, writer}, chunk: chunk}
	rec := &chunkRecord{
		key:       key,
		uid:       uid,
		numFrags:  numFrags,
		flags:     flags,
		data:      append([]byte(nil), payload...),
		finalized: finalized,
	}
	if old, dup := tb.index[key]; dup && !old.consumed {
		//chunk id reuse before wraparound distance; treat as hostile
		tb.stats.ABIViolations++
		return
	}
	tb.chunks = append(tb.chunks, rec)
	tb.index[key] = rec
	tb.used += need
	tb.stats.ChunksWritten++
	tb.stats.BytesWritten += uint64(need)
}

// evict drops chunks FIFO until need bytes fit; unread chunks count as
// overwritten.
func (tb *TraceBuffer) evict(need int) {
	for tb.used+need > tb.size && len(tb.chunks) > 0 {
		victim := tb.chunks[0]
		tb.chunks = tb.chunks[1:]
		if tb.cursor > 0 {
			tb.cursor--
		}
		tb.used -= len(victim.data)
		delete(tb.index, victim.key)
		if !victim.consumed {
			tb.stats.ChunksOverwritten++
		}
	}
}

// TryPatchChunkContents applies in-place edits to an already copied
// chunk. Patches whose offsets fall outside the chunk are rejected
// whole.
func (tb *TraceBuffer) TryPatchChunkContents(producer shm.ProducerID, writer shm.WriterID,
	chunk shm.ChunkID, patches []shm.Patch, hasMore bool) bool {
	rec, ok := tb.index[chunkKey{seq: seqKey{producer, writer}, chunk: chunk}]
	if !ok || rec.consumed {
		tb.stats.PatchesFailed++
		return false
	}
	for _, p := range patches {
		if int(p.Offset)+shm.PatchSize > len(rec.data) {
			tb.stats.PatchesFailed++
			return false
		}
		copy(rec.data[p.Offset:], p.Data[:])
	}
	tb.stats.PatchesSucceeded += uint64(len(patches))
	if !hasMore {
		rec.finalized = true
	}
	return true
}

// BeginRead rewinds the packet iterator and compacts fully consumed
// chunks off the head.
func (tb *TraceBuffer) BeginRead() {
	for len(tb.chunks) > 0 && tb.chunks[0].consumed {
		victim := tb.chunks[0]
		tb.chunks = tb.chunks[1:]
		tb.used -= len(victim.data)
		delete(tb.index, victim.key)
	}
	tb.cursor = 0
}

// ReadNextTracePacket yields the next complete packet in write order,
// reassembling cross-chunk fragments. Packets whose final fragment has
// not arrived stay deferred for a later read pass.
func (tb *TraceBuffer) ReadNextTracePacket() (Packet, bool) {
	for tb.cursor < len(tb.chunks) {
		rec := tb.chunks[tb.cursor]
		if rec.consumed {
			tb.cursor++
			continue
		}
		pkt, state := tb.readFromChunk(rec)
		switch state {
		case readYield:
			return pkt, true
		case readDeferred:
			tb.cursor++
		case readChunkDone:
			rec.consumed = true
			tb.cursor++
		}
	}
	return Packet{}, false
}

type readState int

const (
	readYield readState = iota
	readDeferred
	readChunkDone
)

func (tb *TraceBuffer) readFromChunk(rec *chunkRecord) (Packet, readState) {
	seq := rec.key.seq
	for rec.consumedFrags < int(rec.numFrags) {
		ln, n := protowire.ConsumeVarint(rec.data[rec.scanOff:])
		if n < 0 || rec.scanOff+n+int(ln) > len(rec.data) {
			tb.stats.ABIViolations++
			return Packet{}, readChunkDone
		}
		if ln == 0 && !rec.finalized {
			//fragment length not yet patched in; revisit next pass
			return Packet{}, readDeferred
		}
		frag := rec.data[rec.scanOff+n : rec.scanOff+n+int(ln)]
		firstFrag := rec.consumedFrags == 0
		lastFrag := rec.consumedFrags == int(rec.numFrags)-1
		rec.scanOff += n + int(ln)
		rec.consumedFrags++

		continuesPrev := firstFrag && rec.flags&shm.ChunkFlagFirstContinuesPrev != 0
		continuesNext := lastFrag && rec.flags&shm.ChunkFlagLastContinuesNext != 0

		if tb.poisoned[seq] {
			//mid-packet discard happened; drop until a fresh packet start
			if continuesPrev {
				continue
			}
			delete(tb.poisoned, seq)
		}

		var head []byte
		if continuesPrev {
			pp, ok := tb.partials[seq]
			if !ok || pp.lastChunk+1 != rec.key.chunk {
				//gap in the fragment chain
				tb.stats.ReadaheadsFailed++
				delete(tb.partials, seq)
				continue
			}
			head = pp.data
			delete(tb.partials, seq)
		}

		if continuesNext {
			buf := append(head, frag...)
			tb.partials[seq] = &partialPacket{data: buf, lastChunk: rec.key.chunk}
			continue
		}
		if head != nil {
			tb.stats.ReadaheadsSucceeded++
			return Packet{Data: append(head, frag...), TrustedUID: rec.uid}, readYield
		}
		return Packet{Data: frag, TrustedUID: rec.uid}, readYield
	}
	return Packet{}, readChunkDone
}
