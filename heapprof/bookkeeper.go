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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	bolt "go.etcd.io/bbolt"
)

// BookkeepingRecord is the union flowing into the bookkeeping thread;
// exactly one field is set.
type BookkeepingRecord struct {
	Alloc *AllocRecord
	Free  *FreeRecord
	Dump  *DumpRequest
}

// DumpRequest asks for a snapshot of every tracked process; Done is
// closed when the dump is committed.
type DumpRequest struct {
	Done chan error
}

type liveAlloc struct {
	size     uint64
	stackKey string
}

type processHeap struct {
	pid  int
	live map[uint64]liveAlloc
	//callstack tree flattened by joined frame path
	allocated map[string]uint64 //cumulative bytes per stack
	freed     map[string]uint64
}

// Bookkeeper is the single-threaded final pipeline stage: it owns the
// per-process callstack totals and live-heap maps and persists dumps
// into a bolt store.
type Bookkeeper struct {
	in     *BoundedQueue[BookkeepingRecord]
	dbPath string

	mtx   sync.Mutex
	procs map[int]*processHeap

	wg sync.WaitGroup
}

func NewBookkeeper(in *BoundedQueue[BookkeepingRecord], dbPath string) *Bookkeeper {
	b := &Bookkeeper{
		in:     in,
		dbPath: dbPath,
		procs:  make(map[int]*processHeap),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bookkeeper) run() {
	defer b.wg.Done()
	for {
		rec, ok := b.in.Get()
		if !ok {
			return
		}
		switch {
		case rec.Alloc != nil:
			b.handleAlloc(rec.Alloc)
		case rec.Free != nil:
			b.handleFree(rec.Free)
		case rec.Dump != nil:
			rec.Dump.Done <- b.dumpAll()
		}
	}
}

// Join waits for the bookkeeping thread after the input queue shuts
// down.
func (b *Bookkeeper) Join() {
	b.wg.Wait()
}

func (b *Bookkeeper) proc(pid int) *processHeap {
	p, ok := b.procs[pid]
	if !ok {
		p = &processHeap{
			pid:       pid,
			live:      make(map[uint64]liveAlloc),
			allocated: make(map[string]uint64),
			freed:     make(map[string]uint64),
		}
		b.procs[pid] = p
	}
	return p
}

func stackKey(frames []string) string {
	return strings.Join(frames, "\x00")
}

func (b *Bookkeeper) handleAlloc(a *AllocRecord) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	p := b.proc(a.PID)
	key := stackKey(a.Frames)
	//an alloc id reused without a free means we missed the free
	if old, ok := p.live[a.AllocID]; ok {
		p.freed[old.stackKey] += old.size
	}
	p.live[a.AllocID] = liveAlloc{size: a.Size, stackKey: key}
	p.allocated[key] += a.Size
}

func (b *Bookkeeper) handleFree(f *FreeRecord) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	p := b.proc(f.PID)
	old, ok := p.live[f.AllocID]
	if !ok {
		return
	}
	delete(p.live, f.AllocID)
	p.freed[old.stackKey] += old.size
}

// ForgetProcess drops a disconnected process's state.
func (b *Bookkeeper) ForgetProcess(pid int) {
	b.mtx.Lock()
	delete(b.procs, pid)
	b.mtx.Unlock()
}

// LiveBytes reports the currently live total for a process; tests and
// the summary exporter use it.
func (b *Bookkeeper) LiveBytes(pid int) uint64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	p, ok := b.procs[pid]
	if !ok {
		return 0
	}
	var total uint64
	for _, la := range p.live {
		total += la.size
	}
	return total
}

// dumpAll writes every process's callstack totals into the bolt store,
// one bucket per pid, keyed by stack path.
func (b *Bookkeeper) dumpAll() error {
	b.mtx.Lock()
	type snap struct {
		pid       int
		allocated map[string]uint64
		freed     map[string]uint64
	}
	var snaps []snap
	for pid, p := range b.procs {
		sa := make(map[string]uint64, len(p.allocated))
		for k, v := range p.allocated {
			sa[k] = v
		}
		sf := make(map[string]uint64, len(p.freed))
		for k, v := range p.freed {
			sf[k] = v
		}
		snaps = append(snaps, snap{pid: pid, allocated: sa, freed: sf})
	}
	b.mtx.Unlock()

	db, err := bolt.Open(b.dbPath, 0640, nil)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		for _, s := range snaps {
			bkt, err := tx.CreateBucketIfNotExists([]byte(fmt.Sprintf("pid-%d", s.pid)))
			if err != nil {
				return err
			}
			for key, alloc := range s.allocated {
				var v [16]byte
				binary.LittleEndian.PutUint64(v[0:], alloc)
				binary.LittleEndian.PutUint64(v[8:], s.freed[key])
				if err = bkt.Put([]byte(key), v[:]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RequestDump enqueues a dump and waits for it.
func (b *Bookkeeper) RequestDump() error {
	done := make(chan error, 1)
	if !b.in.Add(BookkeepingRecord{Dump: &DumpRequest{Done: done}}) {
		return fmt.Errorf("bookkeeping queue is shut down")
	}
	return <-done
}

// ExportSummary writes a human-readable per-process summary atomically.
func (b *Bookkeeper) ExportSummary(path string) error {
	b.mtx.Lock()
	var pids []int
	for pid := range b.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	var sb strings.Builder
	for _, pid := range pids {
		p := b.procs[pid]
		var live, allocated uint64
		for _, la := range p.live {
			live += la.size
		}
		for _, v := range p.allocated {
			allocated += v
		}
		fmt.Fprintf(&sb, "pid %d: live %d bytes, allocated %d bytes, %d stacks\n",
			pid, live, allocated, len(p.allocated))
	}
	b.mtx.Unlock()
	return renameio.WriteFile(path, []byte(sb.String()), 0640)
}
