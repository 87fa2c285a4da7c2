/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/shm"
)

// buildChunk builds a chunk payload out of fragments, each prefixed by
// its length as a 4 byte redundant varint.
func buildChunk(frags ...[]byte) []byte {
	var out []byte
	for _, f := range frags {
		lv := shm.EncodeRedundantVarint(uint32(len(f)))
		out = append(out, lv[:]...)
		out = append(out, f...)
	}
	return out
}

func TestCopyAndReadSinglePacket(t *testing.T) {
	tb := NewTraceBuffer(4096, FillRingBuffer)
	tb.CopyChunk(1, 1000, 1, 1, 1, 0, buildChunk([]byte("hello")), true)
	tb.BeginRead()
	pkt, ok := tb.ReadNextTracePacket()
	if !ok {
		t.Fatal("no packet")
	}
	if !bytes.Equal(pkt.Data, []byte("hello")) || pkt.TrustedUID != 1000 {
		t.Fatalf("bad packet: %q uid=%d", pkt.Data, pkt.TrustedUID)
	}
	if _, ok = tb.ReadNextTracePacket(); ok {
		t.Fatal("phantom packet")
	}
	//consumed packets do not reappear on the next pass
	tb.BeginRead()
	if _, ok = tb.ReadNextTracePacket(); ok {
		t.Fatal("packet re-read after consumption")
	}
}

func TestCrossChunkReassembly(t *testing.T) {
	tb := NewTraceBuffer(1<<16, FillRingBuffer)
	//packet split across three chunks of the same writer
	tb.CopyChunk(1, 42, 7, 1, 1, shm.ChunkFlagLastContinuesNext,
		buildChunk([]byte("aaa")), true)
	tb.CopyChunk(1, 42, 7, 2, 1, shm.ChunkFlagFirstContinuesPrev|shm.ChunkFlagLastContinuesNext,
		buildChunk([]byte("bbb")), true)
	tb.CopyChunk(1, 42, 7, 3, 1, shm.ChunkFlagFirstContinuesPrev,
		buildChunk([]byte("ccc")), true)
	tb.BeginRead()
	pkt, ok := tb.ReadNextTracePacket()
	if !ok {
		t.Fatal("no reassembled packet")
	}
	if !bytes.Equal(pkt.Data, []byte("aaabbbccc")) {
		t.Fatalf("bad reassembly: %q", pkt.Data)
	}
	if tb.Stats().ReadaheadsSucceeded != 1 {
		t.Fatalf("readahead stat wrong: %+v", tb.Stats())
	}
}

func TestIncompletePacketDeferred(t *testing.T) {
	tb := NewTraceBuffer(1<<16, FillRingBuffer)
	tb.CopyChunk(1, 42, 7, 1, 1, shm.ChunkFlagLastContinuesNext,
		buildChunk([]byte("head")), true)
	tb.BeginRead()
	if _, ok := tb.ReadNextTracePacket(); ok {
		t.Fatal("yielded a packet whose tail has not arrived")
	}
	//tail arrives later
	tb.CopyChunk(1, 42, 7, 2, 1, shm.ChunkFlagFirstContinuesPrev,
		buildChunk([]byte("tail")), true)
	tb.BeginRead()
	pkt, ok := tb.ReadNextTracePacket()
	if !ok || !bytes.Equal(pkt.Data, []byte("headtail")) {
		t.Fatalf("deferred packet wrong: %q ok=%v", pkt.Data, ok)
	}
}

func TestPatching(t *testing.T) {
	tb := NewTraceBuffer(1<<16, FillRingBuffer)
	//fragment with a zeroed length field awaiting its patch
	payload := []byte{0, 0, 0, 0, 'x', 'y', 'z'}
	tb.CopyChunk(1, 42, 7, 1, 1, 0, payload, false)
	tb.BeginRead()
	if _, ok := tb.ReadNextTracePacket(); ok {
		t.Fatal("unpatched chunk yielded a packet")
	}
	ok := tb.TryPatchChunkContents(1, 7, 1, []shm.Patch{{
		Offset: 0,
		Data:   shm.EncodeRedundantVarint(3),
	}}, false)
	if !ok {
		t.Fatal("patch rejected")
	}
	tb.BeginRead()
	pkt, ok := tb.ReadNextTracePacket()
	if !ok || !bytes.Equal(pkt.Data, []byte("xyz")) {
		t.Fatalf("patched packet wrong: %q ok=%v", pkt.Data, ok)
	}
	if tb.Stats().PatchesSucceeded != 1 {
		t.Fatalf("patch stats wrong: %+v", tb.Stats())
	}
}

func TestPatchMissingChunkFails(t *testing.T) {
	tb := NewTraceBuffer(4096, FillRingBuffer)
	if tb.TryPatchChunkContents(1, 7, 99, []shm.Patch{{Offset: 0}}, false) {
		t.Fatal("patch of missing chunk succeeded")
	}
	if tb.Stats().PatchesFailed != 1 {
		t.Fatal("failed patch not counted")
	}
}

func TestRingEviction(t *testing.T) {
	tb := NewTraceBuffer(256, FillRingBuffer)
	big := bytes.Repeat([]byte{0x7}, 100)
	for i := 1; i <= 5; i++ {
		tb.CopyChunk(1, 0, 1, shm.ChunkID(i), 1, 0, buildChunk(big), true)
	}
	st := tb.Stats()
	if st.ChunksOverwritten == 0 {
		t.Fatal("no chunks overwritten in ring mode")
	}
	if st.ChunksWritten != 5 {
		t.Fatalf("chunks written wrong: %d", st.ChunksWritten)
	}
}

func TestDiscardMode(t *testing.T) {
	tb := NewTraceBuffer(256, FillDiscard)
	big := bytes.Repeat([]byte{0x7}, 100)
	for i := 1; i <= 5; i++ {
		tb.CopyChunk(1, 0, 1, shm.ChunkID(i), 1, 0, buildChunk(big), true)
	}
	st := tb.Stats()
	if st.ChunksDiscarded == 0 {
		t.Fatal("discard mode never discarded")
	}
	if st.ChunksOverwritten != 0 {
		t.Fatal("discard mode overwrote chunks")
	}
}

func TestWriterZeroRejected(t *testing.T) {
	tb := NewTraceBuffer(4096, FillRingBuffer)
	tb.CopyChunk(1, 0, 0, 1, 1, 0, buildChunk([]byte("x")), true)
	if tb.Stats().ABIViolations != 1 || tb.Stats().ChunksWritten != 0 {
		t.Fatalf("writer id 0 accepted: %+v", tb.Stats())
	}
}

func TestValidateAndStampTrustedUID(t *testing.T) {
	legit := appendBytesField(nil, 11, []byte("event payload"))
	if !ValidatePacket(legit) {
		t.Fatal("legit packet rejected")
	}
	//a producer trying to forge the trusted uid
	forged := appendVarintField(legit, pktFieldTrustedUID, 0)
	if ValidatePacket(forged) {
		t.Fatal("forged trusted field passed validation")
	}
	stamped := AppendTrustedUID(legit, 1234)
	var last uint64
	found := false
	if err := walkMessage(stamped, func(num protowire.Number, _ protowire.Type, val []byte) error {
		if num == pktFieldTrustedUID {
			last, _ = protowire.ConsumeVarint(val)
			found = true
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !found || last != 1234 {
		t.Fatalf("trusted uid not stamped: found=%v v=%d", found, last)
	}
}

func TestBufferIDAllocatorDisjoint(t *testing.T) {
	var a bufferIDAllocator
	seen := make(map[shm.BufferID]bool)
	var ids []shm.BufferID
	for i := 0; i < 100; i++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 || seen[id] {
			t.Fatalf("id %d reused or invalid", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range ids {
		if !a.inUse(id) {
			t.Fatalf("live id %d not marked in use", id)
		}
		a.free(id)
		if a.inUse(id) {
			t.Fatalf("freed id %d still in use", id)
		}
	}
	//freed ids become allocatable again
	if _, err := a.alloc(); err != nil {
		t.Fatal(err)
	}
}
