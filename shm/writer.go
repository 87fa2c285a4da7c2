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
)

var ErrChunkDropped = errors.New("no chunk available, packet dropped")

// TraceWriter serializes packets into SMB chunks for one writer id.
// Packets larger than a chunk body are split into fragments carrying
// continuation flags; the length field of a fragment that continues
// into the next chunk is committed as zero and patched once known.
//
// A TraceWriter is owned by a single producer goroutine.
type TraceWriter struct {
	arb    *Arbiter
	id     WriterID
	target BufferID
	policy BufferExhaustedPolicy

	cur         Chunk
	off         int
	count       uint16
	firstCont   bool
	curChunkID  ChunkID
	nextChunkID ChunkID

	patchPending bool
	patchOffset  uint32
	patchVal     uint32

	droppedPackets uint64
}

func newTraceWriter(arb *Arbiter, id WriterID, target BufferID, policy BufferExhaustedPolicy) *TraceWriter {
	return &TraceWriter{arb: arb, id: id, target: target, policy: policy}
}

func (w *TraceWriter) ID() WriterID          { return w.id }
func (w *TraceWriter) Target() BufferID      { return w.target }
func (w *TraceWriter) DroppedPackets() uint64 { return w.droppedPackets }

// WritePacket appends one packet, fragmenting across chunks as needed.
func (w *TraceWriter) WritePacket(p []byte) error {
	continued := false
	for {
		if !w.cur.Valid() {
			if !w.openChunk(continued) {
				w.droppedPackets++
				return ErrChunkDropped
			}
		}
		pay := w.cur.Payload()
		avail := len(pay) - w.off
		if avail < PatchSize+1 {
			//no room for even a one byte fragment
			w.completeChunk(false)
			continue
		}
		frag := len(p)
		if frag > avail-PatchSize {
			frag = avail - PatchSize
		}
		lenOff := w.off
		fits := frag == len(p)
		var lv [PatchSize]byte
		if fits {
			lv = EncodeRedundantVarint(uint32(frag))
		}
		copy(pay[lenOff:], lv[:])
		copy(pay[lenOff+PatchSize:], p[:frag])
		w.off += PatchSize + frag
		w.count++
		p = p[frag:]
		if fits {
			return nil
		}
		w.patchPending = true
		w.patchOffset = uint32(lenOff)
		w.patchVal = uint32(frag)
		w.completeChunk(true)
		continued = true
	}
}

func (w *TraceWriter) openChunk(continued bool) bool {
	c := w.arb.GetNewChunk(w.policy)
	if !c.Valid() {
		return false
	}
	w.nextChunkID++ //wraps per the ABI contract
	c.SetHeader(w.id, w.nextChunkID)
	w.cur = c
	w.curChunkID = w.nextChunkID
	w.off = 0
	w.count = 0
	w.firstCont = continued
	return true
}

func (w *TraceWriter) completeChunk(lastContinues bool) {
	var flags uint8
	if w.firstCont {
		flags |= ChunkFlagFirstContinuesPrev
	}
	if lastContinues {
		flags |= ChunkFlagLastContinuesNext
	}
	w.cur.SetPacketMeta(w.count, flags)
	var patches []ChunkToPatch
	if w.patchPending {
		patches = []ChunkToPatch{{
			TargetBuffer: w.target,
			Writer:       w.id,
			Chunk:        w.curChunkID,
			Patches: []Patch{{
				Offset: w.patchOffset,
				Data:   EncodeRedundantVarint(w.patchVal),
			}},
		}}
		w.patchPending = false
	}
	w.arb.ReturnCompletedChunk(w.cur, w.target, patches)
	w.cur = Chunk{}
	w.off = 0
	w.count = 0
}

// Flush closes the currently open chunk, if any, so its contents become
// visible to the service.
func (w *TraceWriter) Flush() {
	if w.cur.Valid() {
		if w.count == 0 {
			//nothing written; the empty chunk is still committed, with a zero packet count
			w.cur.SetPacketMeta(0, 0)
		}
		w.completeChunk(false)
	}
}

// Close flushes and unregisters the writer.
func (w *TraceWriter) Close() {
	w.Flush()
	w.arb.releaseWriter(w.id)
}
