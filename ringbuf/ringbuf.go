/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ringbuf implements the spin locked, append only shared ring
// used between the heap profiler client and its daemon. The data region
// is a power of two mapped twice back to back so a single record never
// wraps in virtual address space; a guard region follows the second
// mapping.
package ringbuf

import (
	"errors"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	recordHeaderSize = 4
	recordAlign      = 8
)

var (
	ErrBadDataSize = errors.New("data size must be a power of two of at least one page")
	ErrCorrupt     = errors.New("ring buffer metadata corrupt")
)

// metadata page field offsets
const (
	offSpinlock       = 0
	offReadPos        = 8
	offWritePos       = 16
	offBytesWritten   = 24
	offWritesOK       = 32
	offWritesFailed   = 40
	offReadsFailed    = 48
)

// Stats mirrors the counters kept in the metadata page.
type Stats struct {
	BytesWritten       uint64
	NumWritesSucceeded uint64
	NumWritesFailed    uint64
	NumReadsFailed     uint64
}

// Buffer is one reserved or readable record region inside the ring.
type Buffer struct {
	Data   []byte
	hdrOff uint64
	size   uint32
}

func (b *Buffer) Valid() bool { return b.Data != nil }

// RingBuffer is a single-reader multi-writer shared ring. Writers
// reserve space under the spinlock, fill it without the lock, and
// publish with a release store of the record length. The reader
// observes a zero length as "reserved, not yet published".
type RingBuffer struct {
	fd       int
	metaPage []byte //first mapping page, holds the metadata words
	data     []byte //double mapped, length 2*dataSize
	dataSize uint64
	region   unsafe.Pointer //whole reservation, for unmap
	regionSz uintptr
}

// Create allocates a fresh ring backed by a memfd. The fd can be
// shipped to the daemon which attaches with Attach.
func Create(dataSize int) (*RingBuffer, error) {
	pg := os.Getpagesize()
	if dataSize < pg || dataSize&(dataSize-1) != 0 {
		return nil, ErrBadDataSize
	}
	fd, err := unix.MemfdCreate("tracegrid-ring", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err = unix.Ftruncate(fd, int64(pg+dataSize)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	rb, err := attach(fd, dataSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return rb, nil
}

// Attach maps an existing ring from a received fd; the RingBuffer takes
// ownership of the fd.
func Attach(fd, dataSize int) (*RingBuffer, error) {
	pg := os.Getpagesize()
	if dataSize < pg || dataSize&(dataSize-1) != 0 {
		return nil, ErrBadDataSize
	}
	rb, err := attach(fd, dataSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return rb, nil
}

func attach(fd, dataSize int) (*RingBuffer, error) {
	pg := os.Getpagesize()
	total := uintptr(pg + 2*dataSize + pg) //meta + twice the data + guard
	region, err := unix.MmapPtr(-1, 0, nil, total,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	//metadata page plus first data mapping
	if _, err = unix.MmapPtr(fd, 0, region, uintptr(pg+dataSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		unix.MunmapPtr(region, total)
		return nil, err
	}
	//second data mapping immediately after the first
	second := unsafe.Add(region, pg+dataSize)
	if _, err = unix.MmapPtr(fd, int64(pg), second, uintptr(dataSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		unix.MunmapPtr(region, total)
		return nil, err
	}
	rb := &RingBuffer{
		fd:       fd,
		metaPage: unsafe.Slice((*byte)(region), pg),
		data:     unsafe.Slice((*byte)(unsafe.Add(region, pg)), 2*dataSize),
		dataSize: uint64(dataSize),
		region:   region,
		regionSz: total,
	}
	return rb, nil
}

func (r *RingBuffer) FD() int { return r.fd }

// DupFD duplicates the backing fd for transfer.
func (r *RingBuffer) DupFD() (int, error) { return unix.Dup(r.fd) }

func (r *RingBuffer) Close() error {
	var err error
	if r.region != nil {
		err = unix.MunmapPtr(r.region, r.regionSz)
		r.region = nil
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	return err
}

func (r *RingBuffer) word32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.metaPage[off]))
}

func (r *RingBuffer) word64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.metaPage[off]))
}

func (r *RingBuffer) Stats() Stats {
	return Stats{
		BytesWritten:       atomic.LoadUint64(r.word64(offBytesWritten)),
		NumWritesSucceeded: atomic.LoadUint64(r.word64(offWritesOK)),
		NumWritesFailed:    atomic.LoadUint64(r.word64(offWritesFailed)),
		NumReadsFailed:     atomic.LoadUint64(r.word64(offReadsFailed)),
	}
}

func alignUp(v uint64) uint64 {
	return (v + recordAlign - 1) &^ (recordAlign - 1)
}

// positionsValid checks the shared-position invariants; both positions
// are untrusted since either side may be buggy or hostile.
func (r *RingBuffer) positionsValid(rd, wr uint64) bool {
	return wr >= rd && wr-rd <= r.dataSize && rd%recordAlign == 0 && wr%recordAlign == 0
}

// BeginWrite reserves size payload bytes. The returned buffer must be
// published with EndWrite. Fails when the ring is full, the positions
// are corrupt, or (in TryLock mode) the lock cannot be had.
func (r *RingBuffer) BeginWrite(mode LockMode, size int) (Buffer, bool) {
	if !acquireSpinlock(r.word32(offSpinlock), mode) {
		atomic.AddUint64(r.word64(offWritesFailed), 1)
		return Buffer{}, false
	}
	rd := atomic.LoadUint64(r.word64(offReadPos))
	wr := atomic.LoadUint64(r.word64(offWritePos))
	need := alignUp(uint64(size) + recordHeaderSize)
	if !r.positionsValid(rd, wr) || need > r.dataSize-(wr-rd) {
		releaseSpinlock(r.word32(offSpinlock))
		atomic.AddUint64(r.word64(offWritesFailed), 1)
		return Buffer{}, false
	}
	off := wr & (r.dataSize - 1)
	//zero length marks the record reserved but unpublished
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[off])), 0)
	atomic.StoreUint64(r.word64(offWritePos), wr+need)
	releaseSpinlock(r.word32(offSpinlock))
	return Buffer{
		Data:   r.data[off+recordHeaderSize : off+recordHeaderSize+uint64(size)],
		hdrOff: off,
		size:   uint32(size),
	}, true
}

// EndWrite publishes the record with a release store of its length; no
// lock is taken.
func (r *RingBuffer) EndWrite(b Buffer) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[b.hdrOff])), b.size)
	atomic.AddUint64(r.word64(offBytesWritten), uint64(b.size))
	atomic.AddUint64(r.word64(offWritesOK), 1)
}

// BeginRead yields the next published record, or an invalid buffer when
// the ring is empty or the head record is still being written. Any
// invariant violation freezes the ring for this epoch and counts a
// failed read.
func (r *RingBuffer) BeginRead() (Buffer, bool) {
	if !acquireSpinlock(r.word32(offSpinlock), BlockingLock) {
		return Buffer{}, false
	}
	defer releaseSpinlock(r.word32(offSpinlock))
	rd := atomic.LoadUint64(r.word64(offReadPos))
	wr := atomic.LoadUint64(r.word64(offWritePos))
	if !r.positionsValid(rd, wr) {
		atomic.AddUint64(r.word64(offReadsFailed), 1)
		return Buffer{}, false
	}
	if rd == wr {
		return Buffer{}, false
	}
	off := rd & (r.dataSize - 1)
	ln := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off])))
	if ln == 0 {
		//reserved but not yet published
		return Buffer{}, false
	}
	if alignUp(uint64(ln)+recordHeaderSize) > wr-rd {
		atomic.AddUint64(r.word64(offReadsFailed), 1)
		return Buffer{}, false
	}
	return Buffer{
		Data:   r.data[off+recordHeaderSize : off+recordHeaderSize+uint64(ln)],
		hdrOff: off,
		size:   ln,
	}, true
}

// EndRead retires the record handed out by BeginRead.
func (r *RingBuffer) EndRead(b Buffer) {
	if !b.Valid() {
		return
	}
	acquireSpinlock(r.word32(offSpinlock), BlockingLock)
	rd := atomic.LoadUint64(r.word64(offReadPos))
	atomic.StoreUint64(r.word64(offReadPos), rd+alignUp(uint64(b.size)+recordHeaderSize))
	releaseSpinlock(r.word32(offSpinlock))
}

// ResetSpinlock forcibly unlocks the metadata spinlock; only the
// post-fork child handler may call this, where no other thread exists.
func (r *RingBuffer) ResetSpinlock() {
	releaseSpinlock(r.word32(offSpinlock))
}
