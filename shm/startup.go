/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/golang/snappy"
)

const (
	startupBlockSize = 64 * 1024
	// startupMaxBuffered bounds the compressed spill of one unbound
	// writer; beyond it new packets are dropped.
	startupMaxBuffered = 8 * 1024 * 1024
)

var ErrStartupOverflow = errors.New("startup writer buffer exhausted")

// StartupTraceWriter buffers packets locally for a writer created
// before any target buffer is known. Buffered data is snappy compressed
// in blocks; once the registry binds the writer to an arbiter the
// blocks replay into a real TraceWriter and all later packets forward
// directly.
type StartupTraceWriter struct {
	mtx      sync.Mutex
	reg      *StartupWriterRegistry
	scratch  []byte
	blocks   [][]byte
	buffered int
	bound    *TraceWriter
	dropped  uint64
}

func (w *StartupTraceWriter) WritePacket(p []byte) error {
	w.mtx.Lock()
	if w.bound != nil {
		tw := w.bound
		w.mtx.Unlock()
		return tw.WritePacket(p)
	}
	defer w.mtx.Unlock()
	if w.buffered+len(w.scratch) > startupMaxBuffered {
		w.dropped++
		return ErrStartupOverflow
	}
	var hdr [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(hdr[:], uint64(len(p)))
	w.scratch = append(w.scratch, hdr[:n]...)
	w.scratch = append(w.scratch, p...)
	if len(w.scratch) >= startupBlockSize {
		w.sealBlock()
	}
	return nil
}

// sealBlock compresses the scratch buffer; callers hold the lock.
func (w *StartupTraceWriter) sealBlock() {
	if len(w.scratch) == 0 {
		return
	}
	blk := snappy.Encode(nil, w.scratch)
	w.blocks = append(w.blocks, blk)
	w.buffered += len(blk)
	w.scratch = w.scratch[:0]
}

// bindTo replays the buffered packets into a freshly created writer on
// the arbiter and switches to pass-through mode.
func (w *StartupTraceWriter) bindTo(arb *Arbiter, target BufferID, policy BufferExhaustedPolicy) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.bound != nil {
		return nil
	}
	w.sealBlock()
	tw := arb.CreateTraceWriter(target, policy)
	for _, blk := range w.blocks {
		raw, err := snappy.Decode(nil, blk)
		if err != nil {
			return err
		}
		for len(raw) > 0 {
			ln, n := binary.Uvarint(raw)
			if n <= 0 || int(ln) > len(raw)-n {
				return ErrMalformedSpill
			}
			if err = tw.WritePacket(raw[n : n+int(ln)]); err != nil {
				return err
			}
			raw = raw[n+int(ln):]
		}
	}
	w.blocks = nil
	w.buffered = 0
	w.bound = tw
	return nil
}

var ErrMalformedSpill = errors.New("malformed startup spill block")

// StartupWriterRegistry retains startup writers until they are bound to
// a real target buffer. Writers handed back through
// ReturnUnboundTraceWriter stay registered so their buffered data is
// not lost if the producing goroutine exits before binding.
type StartupWriterRegistry struct {
	mtx     sync.Mutex
	writers map[*StartupTraceWriter]bool //value: returned by its goroutine
}

func NewStartupWriterRegistry() *StartupWriterRegistry {
	return &StartupWriterRegistry{writers: make(map[*StartupTraceWriter]bool)}
}

func (r *StartupWriterRegistry) NewWriter() *StartupTraceWriter {
	w := &StartupTraceWriter{reg: r}
	r.mtx.Lock()
	r.writers[w] = false
	r.mtx.Unlock()
	return w
}

// ReturnUnboundTraceWriter marks a writer as no longer used by its
// writer goroutine; the registry keeps it for its buffered data.
func (r *StartupWriterRegistry) ReturnUnboundTraceWriter(w *StartupTraceWriter) {
	r.mtx.Lock()
	if _, ok := r.writers[w]; ok {
		r.writers[w] = true
	}
	r.mtx.Unlock()
}

// BindAll binds every retained writer to the arbiter, draining their
// spilled packets into the target buffer. Returned writers are dropped
// from the registry after their replay.
func (r *StartupWriterRegistry) BindAll(arb *Arbiter, target BufferID, policy BufferExhaustedPolicy) error {
	r.mtx.Lock()
	ws := make([]*StartupTraceWriter, 0, len(r.writers))
	for w := range r.writers {
		ws = append(ws, w)
	}
	r.mtx.Unlock()
	var firstErr error
	for _, w := range ws {
		if err := w.bindTo(arb, target, policy); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mtx.Lock()
	for _, w := range ws {
		if returned := r.writers[w]; returned {
			delete(r.writers, w)
		}
	}
	r.mtx.Unlock()
	return firstErr
}
