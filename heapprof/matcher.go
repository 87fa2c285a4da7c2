/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package heapprof

import (
	"sync"
)

// Process is one connected profiled process.
type Process struct {
	PID     int
	Cmdline string
}

// ProcessSetSpec is the consumer-side selector: explicit pids,
// cmdlines, or everything.
type ProcessSetSpec struct {
	PIDs         map[int]bool
	Cmdlines     map[string]bool
	AllProcesses bool
}

func (s *ProcessSetSpec) matches(p Process) bool {
	if s.AllProcesses {
		return true
	}
	if s.PIDs[p.PID] {
		return true
	}
	return s.Cmdlines[p.Cmdline]
}

// MatcherDelegate is informed whenever the set of selectors covering a
// process changes, and when the last covering selector goes away.
type MatcherDelegate interface {
	Match(p Process, sets []*ProcessSetSpec)
	Disconnect(pid int)
}

type processItem struct {
	proc Process
	//selectors currently covering this process
	sets map[*setSpecItem]bool
}

type setSpecItem struct {
	spec *ProcessSetSpec
	//processes this selector currently covers
	procs map[*processItem]bool
}

// ProcessMatcher tracks which live selectors cover which connected
// processes. Both sides hand out RAII handles; dropping either side
// removes the cross references so no dangling pointers survive.
type ProcessMatcher struct {
	mtx      sync.Mutex
	delegate MatcherDelegate
	procs    map[int]*processItem
	specs    map[*setSpecItem]bool
}

func NewProcessMatcher(delegate MatcherDelegate) *ProcessMatcher {
	return &ProcessMatcher{
		delegate: delegate,
		procs:    make(map[int]*processItem),
		specs:    make(map[*setSpecItem]bool),
	}
}

// ProcessHandle keeps a connected process registered; closing it
// disconnects the process.
type ProcessHandle struct {
	m   *ProcessMatcher
	pid int
}

// ProcessSetSpecHandle keeps a selector live; closing it uncovers its
// processes.
type ProcessSetSpecHandle struct {
	m    *ProcessMatcher
	item *setSpecItem
}

// ProcessConnected registers a process and reports it matched against
// every live selector that names it.
func (m *ProcessMatcher) ProcessConnected(p Process) *ProcessHandle {
	m.mtx.Lock()
	if _, dup := m.procs[p.PID]; dup {
		m.mtx.Unlock()
		return nil
	}
	pi := &processItem{proc: p, sets: make(map[*setSpecItem]bool)}
	m.procs[p.PID] = pi
	var matched []*ProcessSetSpec
	for si := range m.specs {
		if si.spec.matches(p) {
			pi.sets[si] = true
			si.procs[pi] = true
			matched = append(matched, si.spec)
		}
	}
	m.mtx.Unlock()
	if len(matched) > 0 {
		m.delegate.Match(p, matched)
	}
	return &ProcessHandle{m: m, pid: p.PID}
}

// Close disconnects the process and severs every selector reference.
func (h *ProcessHandle) Close() {
	if h == nil || h.m == nil {
		return
	}
	m := h.m
	h.m = nil
	m.mtx.Lock()
	pi, ok := m.procs[h.pid]
	if !ok {
		m.mtx.Unlock()
		return
	}
	delete(m.procs, h.pid)
	covered := len(pi.sets) > 0
	for si := range pi.sets {
		delete(si.procs, pi)
	}
	pi.sets = nil
	m.mtx.Unlock()
	if covered {
		m.delegate.Disconnect(h.pid)
	}
}

// AwaitProcessSetSpec registers a selector; already-connected processes
// it covers are reported matched immediately.
func (m *ProcessMatcher) AwaitProcessSetSpec(spec *ProcessSetSpec) *ProcessSetSpecHandle {
	si := &setSpecItem{spec: spec, procs: make(map[*processItem]bool)}
	m.mtx.Lock()
	m.specs[si] = true
	type match struct {
		proc Process
		sets []*ProcessSetSpec
	}
	var matches []match
	for _, pi := range m.procs {
		if !spec.matches(pi.proc) {
			continue
		}
		pi.sets[si] = true
		si.procs[pi] = true
		sets := make([]*ProcessSetSpec, 0, len(pi.sets))
		for other := range pi.sets {
			sets = append(sets, other.spec)
		}
		matches = append(matches, match{proc: pi.proc, sets: sets})
	}
	m.mtx.Unlock()
	for _, mt := range matches {
		m.delegate.Match(mt.proc, mt.sets)
	}
	return &ProcessSetSpecHandle{m: m, item: si}
}

// Close drops the selector; processes left with no covering selector
// are disconnected.
func (h *ProcessSetSpecHandle) Close() {
	if h == nil || h.m == nil {
		return
	}
	m := h.m
	si := h.item
	h.m = nil
	m.mtx.Lock()
	if !m.specs[si] {
		m.mtx.Unlock()
		return
	}
	delete(m.specs, si)
	var orphaned []int
	for pi := range si.procs {
		delete(pi.sets, si)
		if len(pi.sets) == 0 {
			orphaned = append(orphaned, pi.proc.PID)
		}
	}
	si.procs = nil
	m.mtx.Unlock()
	for _, pid := range orphaned {
		m.delegate.Disconnect(pid)
	}
}
