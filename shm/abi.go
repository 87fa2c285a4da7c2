/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package shm implements the shared-memory buffer ABI shared between a
// producer process and the tracing service, and the producer-side
// arbiter that allocates chunks and batches commit-data requests.
//
// The buffer is divided into equal sized pages; each page begins with a
// header holding a 2-bit ownership state per chunk slot. All fields
// written by a producer other than the state bits are untrusted and are
// validated by the service after it acquires a chunk for reading.
package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Identifier spaces shared between producers and the service.
type (
	ProducerID           uint16
	WriterID             uint16
	ChunkID              uint32
	BufferID             uint16
	FlushRequestID       uint64
	DataSourceInstanceID uint64
)

type ChunkState uint32

const (
	ChunkFree             ChunkState = 0
	ChunkBeingWritten     ChunkState = 1
	ChunkComplete         ChunkState = 2
	ChunkBeingRead        ChunkState = 3
	chunkStateMask        uint32     = 0x3
	chunkStateBits                   = 2
	layoutDividerShift               = 28
	layoutDividerMask     uint32     = 0xF << layoutDividerShift
	layoutChunkStatesMask uint32     = (1 << layoutDividerShift) - 1
)

const (
	PageHeaderSize  = 8
	ChunkHeaderSize = 8

	// MaxChunksPerPage is bounded by the 28 state bits in the layout
	// word.
	MaxChunksPerPage = 14

	// Flags in the chunk header describing packet fragmentation across
	// chunk boundaries.
	ChunkFlagFirstContinuesPrev uint8 = 1 << 0
	ChunkFlagLastContinuesNext  uint8 = 1 << 1

	maxPacketCount = (1 << 10) - 1
)

var (
	ErrBadPageSize  = errors.New("page size must be a power of two dividing the buffer length")
	ErrBadPartition = errors.New("invalid chunk partition")
)

// Chunk is a view over one acquired chunk slot. The first
// ChunkHeaderSize bytes are the chunk header, the rest the payload.
type Chunk struct {
	data []byte
	page int
	idx  int
}

func (c *Chunk) Valid() bool     { return c.data != nil }
func (c *Chunk) PageIdx() int    { return c.page }
func (c *Chunk) ChunkIdx() int   { return c.idx }
func (c *Chunk) Payload() []byte { return c.data[ChunkHeaderSize:] }
func (c *Chunk) Size() int       { return len(c.data) }

func (c *Chunk) word0() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[0]))
}

func (c *Chunk) word1() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[4]))
}

// SetHeader stamps the writer and chunk ids; called once right after a
// writing acquisition.
func (c *Chunk) SetHeader(writer WriterID, chunk ChunkID) {
	atomic.StoreUint32(c.word1(), uint32(chunk))
	atomic.StoreUint32(c.word0(), uint32(writer))
}

// SetPacketMeta publishes the fragment count and flags; last store
// before the chunk is released as complete.
func (c *Chunk) SetPacketMeta(count uint16, flags uint8) {
	if count > maxPacketCount {
		count = maxPacketCount
	}
	w := atomic.LoadUint32(c.word0())
	w = (w & 0xFFFF) | uint32(count)<<16 | uint32(flags&0x3F)<<26
	atomic.StoreUint32(c.word0(), w)
}

// Header snapshots the untrusted chunk header fields.
func (c *Chunk) Header() (writer WriterID, chunk ChunkID, count uint16, flags uint8) {
	w0 := atomic.LoadUint32(c.word0())
	writer = WriterID(w0 & 0xFFFF)
	count = uint16((w0 >> 16) & maxPacketCount)
	flags = uint8(w0 >> 26)
	chunk = ChunkID(atomic.LoadUint32(c.word1()))
	return
}

func (c *Chunk) clearHeader() {
	atomic.StoreUint32(c.word0(), 0)
	atomic.StoreUint32(c.word1(), 0)
}

// SharedMemoryABI overlays the page/chunk state machine on a mapped
// byte region. It is shared by exactly two owners, one producer and the
// service; all cross-process synchronization goes through the atomic
// layout words.
type SharedMemoryABI struct {
	buf      []byte
	pageSize int
	numPages int
}

func NewSharedMemoryABI(buf []byte, pageSize int) (*SharedMemoryABI, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 || len(buf)%pageSize != 0 || len(buf) == 0 {
		return nil, ErrBadPageSize
	}
	return &SharedMemoryABI{
		buf:      buf,
		pageSize: pageSize,
		numPages: len(buf) / pageSize,
	}, nil
}

func (a *SharedMemoryABI) NumPages() int { return a.numPages }
func (a *SharedMemoryABI) PageSize() int { return a.pageSize }

func (a *SharedMemoryABI) layoutPtr(page int) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.buf[page*a.pageSize]))
}

// PageLayout returns the divider (chunks per page) encoded in the page
// header; 0 means the page has not been partitioned.
func (a *SharedMemoryABI) PageLayout(page int) int {
	return int(atomic.LoadUint32(a.layoutPtr(page)) >> layoutDividerShift)
}

// TryPartitionPage carves a free, unpartitioned page into numChunks
// chunk slots, all in the Free state.
func (a *SharedMemoryABI) TryPartitionPage(page, numChunks int) bool {
	if numChunks < 1 || numChunks > MaxChunksPerPage {
		return false
	}
	want := uint32(numChunks) << layoutDividerShift
	return atomic.CompareAndSwapUint32(a.layoutPtr(page), 0, want)
}

func (a *SharedMemoryABI) chunkSlice(page, idx, numChunks int) []byte {
	body := a.buf[page*a.pageSize+PageHeaderSize : (page+1)*a.pageSize]
	csz := len(body) / numChunks
	csz &^= 7 //keep chunk payloads 8 byte aligned
	off := idx * csz
	return body[off : off+csz]
}

func chunkStateOf(layout uint32, idx int) ChunkState {
	return ChunkState((layout >> (uint(idx) * chunkStateBits)) & chunkStateMask)
}

func withChunkState(layout uint32, idx int, st ChunkState) uint32 {
	shift := uint(idx) * chunkStateBits
	return (layout &^ (chunkStateMask << shift)) | (uint32(st) << shift)
}

func (a *SharedMemoryABI) tryTransition(page, idx int, from, to ChunkState) (int, bool) {
	ptr := a.layoutPtr(page)
	for {
		old := atomic.LoadUint32(ptr)
		numChunks := int(old >> layoutDividerShift)
		if numChunks == 0 || idx >= numChunks || chunkStateOf(old, idx) != from {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(ptr, old, withChunkState(old, idx, to)) {
			return numChunks, true
		}
	}
}

// TryAcquireChunkForWriting transitions Free -> BeingWritten and hands
// back the chunk view. Producer side only.
func (a *SharedMemoryABI) TryAcquireChunkForWriting(page, idx int) (Chunk, bool) {
	numChunks, ok := a.tryTransition(page, idx, ChunkFree, ChunkBeingWritten)
	if !ok {
		return Chunk{}, false
	}
	return Chunk{data: a.chunkSlice(page, idx, numChunks), page: page, idx: idx}, true
}

// ReleaseChunkAsComplete transitions BeingWritten -> Complete with
// release semantics, publishing the chunk payload to the service.
func (a *SharedMemoryABI) ReleaseChunkAsComplete(c Chunk) bool {
	_, ok := a.tryTransition(c.page, c.idx, ChunkBeingWritten, ChunkComplete)
	return ok
}

// TryAcquireChunkForReading transitions Complete -> BeingRead. Service
// side only; a failure indicates a misbehaving producer and is counted
// as an ABI violation by the caller.
func (a *SharedMemoryABI) TryAcquireChunkForReading(page, idx int) (Chunk, bool) {
	numChunks, ok := a.tryTransition(page, idx, ChunkComplete, ChunkBeingRead)
	if !ok {
		return Chunk{}, false
	}
	return Chunk{data: a.chunkSlice(page, idx, numChunks), page: page, idx: idx}, true
}

// ReleaseChunkAsFree returns a read chunk to the free pool, clearing
// its header so the slot cannot be confused with live data.
func (a *SharedMemoryABI) ReleaseChunkAsFree(c Chunk) bool {
	c.clearHeader()
	_, ok := a.tryTransition(c.page, c.idx, ChunkBeingRead, ChunkFree)
	return ok
}

// ChunkStates snapshots the per-slot states of a page; used by the
// arbiter when looking for free chunks and by tests.
func (a *SharedMemoryABI) ChunkStates(page int) []ChunkState {
	layout := atomic.LoadUint32(a.layoutPtr(page))
	n := int(layout >> layoutDividerShift)
	out := make([]ChunkState, n)
	for i := range out {
		out[i] = chunkStateOf(layout, i)
	}
	return out
}
