/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package heapprof

import (
	"golang.org/x/sync/errgroup"
)

// UnwindingRecord is the raw sample a hook thread hands to an unwinder:
// the stack bytes still need symbolic frames resolved against the
// producer's address space.
type UnwindingRecord struct {
	PID     int
	AllocID uint64
	Size    uint64
	Stack   []byte
}

// FreeRecord goes straight to bookkeeping; no unwinding needed.
type FreeRecord struct {
	PID     int
	AllocID uint64
}

// AllocRecord is an unwound allocation ready for bookkeeping.
type AllocRecord struct {
	PID     int
	AllocID uint64
	Size    uint64
	Frames  []string
}

// Unwinder resolves a raw stack against a process's address space. The
// production implementation walks the maps and mem descriptors the
// client sent on connect.
type Unwinder interface {
	Unwind(pid int, stack []byte) ([]string, error)
}

// UnwinderPool is the fixed worker stage between the hook intake and
// bookkeeping. Records are distributed by pid so one process's samples
// stay ordered.
type UnwinderPool struct {
	queues []*BoundedQueue[UnwindingRecord]
	out    *BoundedQueue[BookkeepingRecord]
	uw     Unwinder
	eg     errgroup.Group
}

func NewUnwinderPool(workers, queueDepth int, uw Unwinder, out *BoundedQueue[BookkeepingRecord]) *UnwinderPool {
	if workers < 1 {
		workers = 1
	}
	p := &UnwinderPool{out: out, uw: uw}
	for i := 0; i < workers; i++ {
		q := NewBoundedQueue[UnwindingRecord](queueDepth)
		p.queues = append(p.queues, q)
		p.eg.Go(func() error {
			for {
				rec, ok := q.Get()
				if !ok {
					return nil
				}
				frames, err := uw.Unwind(rec.PID, rec.Stack)
				if err != nil {
					continue
				}
				p.out.Add(BookkeepingRecord{Alloc: &AllocRecord{
					PID:     rec.PID,
					AllocID: rec.AllocID,
					Size:    rec.Size,
					Frames:  frames,
				}})
			}
		})
	}
	return p
}

// Dispatch routes a record to its worker; blocks when that worker's
// queue is full.
func (p *UnwinderPool) Dispatch(rec UnwindingRecord) bool {
	return p.queues[rec.PID%len(p.queues)].Add(rec)
}

// Shutdown stops every queue and joins the workers.
func (p *UnwinderPool) Shutdown() {
	for _, q := range p.queues {
		q.Shutdown()
	}
	p.eg.Wait()
}
