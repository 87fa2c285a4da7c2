/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package service implements the central tracing service: session
// lifecycle, central trace buffers, commit-data and patch handling,
// flush orchestration, and the periodic write-into-file drain.
package service

import (
	"errors"

	"github.com/gravwell/tracegrid/shm"
)

type (
	TracingSessionID uint64
	DataSourceID     uint64
)

// maxTraceBufferID bounds the global buffer id space; ids are minted
// from a reusable bitmap.
const maxTraceBufferID = 1 << 10

var ErrBufferIDsExhausted = errors.New("buffer id space exhausted")

// bufferIDAllocator is a reusable bitmap allocator for global BufferIDs.
// ID 0 is reserved invalid. Service goroutine only.
type bufferIDAllocator struct {
	words [maxTraceBufferID / 64]uint64
	last  int
}

func (a *bufferIDAllocator) alloc() (shm.BufferID, error) {
	for i := 1; i < maxTraceBufferID; i++ {
		id := (a.last + i) % maxTraceBufferID
		if id == 0 {
			continue
		}
		w, b := id/64, uint(id%64)
		if a.words[w]&(1<<b) == 0 {
			a.words[w] |= 1 << b
			a.last = id
			return shm.BufferID(id), nil
		}
	}
	return 0, ErrBufferIDsExhausted
}

func (a *bufferIDAllocator) free(id shm.BufferID) {
	w, b := int(id)/64, uint(int(id)%64)
	a.words[w] &^= 1 << b
}

func (a *bufferIDAllocator) inUse(id shm.BufferID) bool {
	w, b := int(id)/64, uint(int(id)%64)
	return a.words[w]&(1<<b) != 0
}
