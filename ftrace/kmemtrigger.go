/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftrace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

const (
	kmemInstance      = `instances/mm_events`
	kmemTriggerName   = `kmem_activity`
	kmemDebouncePerio = 60 * time.Second
)

var kmemEvents = []string{
	`events/vmscan/mm_vmscan_kswapd_wake/enable`,
	`events/vmscan/mm_vmscan_direct_reclaim_begin/enable`,
	`events/compaction/mm_compaction_begin/enable`,
}

// TriggerHandler receives the activation; the producer forwards it to
// the service so an armed session can start.
type TriggerHandler interface {
	ActivateTrigger(name string)
}

// KmemTrigger opens a dedicated ftrace instance watching memory
// pressure events and fires a named trigger on any per-CPU activity,
// debounced to one firing per minute.
type KmemTrigger struct {
	tr      *base.TaskRunner
	lg      *log.Logger
	root    string
	handler TriggerHandler
	numCPUs int
	fds     []int
	buf     []byte
	last    time.Time
	started bool
}

func NewKmemTrigger(root string, numCPUs int, handler TriggerHandler, tr *base.TaskRunner, lg *log.Logger) *KmemTrigger {
	if root == `` {
		root = DefaultTracefsRoot
	}
	return &KmemTrigger{
		tr:      tr,
		lg:      lg,
		root:    root,
		handler: handler,
		numCPUs: numCPUs,
		buf:     make([]byte, os.Getpagesize()),
	}
}

func (k *KmemTrigger) instPath(rel string) string {
	return filepath.Join(k.root, kmemInstance, rel)
}

func (k *KmemTrigger) Start() error {
	if k.started {
		return nil
	}
	if err := os.MkdirAll(k.instPath(``), 0750); err != nil {
		return err
	}
	for _, ev := range kmemEvents {
		if err := os.WriteFile(k.instPath(ev), []byte("1"), 0); err != nil {
			k.lg.Warnf("kmem event enable %s failed: %v", ev, err)
		}
	}
	for cpu := 0; cpu < k.numCPUs; cpu++ {
		p := k.instPath(filepath.Join(`per_cpu`, fmt.Sprintf("cpu%d", cpu), `trace_pipe_raw`))
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			k.stopLocked()
			return err
		}
		k.fds = append(k.fds, fd)
		if err = k.tr.AddFDWatch(fd, func() { k.onWake(fd) }); err != nil {
			k.stopLocked()
			return err
		}
	}
	k.started = true
	return nil
}

func (k *KmemTrigger) onWake(fd int) {
	//drain the page regardless; the payload itself is irrelevant
	for {
		if n, err := unix.Read(fd, k.buf); err != nil || n <= 0 {
			break
		}
	}
	if time.Since(k.last) < kmemDebouncePerio {
		return
	}
	k.last = time.Now()
	k.handler.ActivateTrigger(kmemTriggerName)
}

func (k *KmemTrigger) Stop() {
	if !k.started {
		return
	}
	k.started = false
	for _, ev := range kmemEvents {
		os.WriteFile(k.instPath(ev), []byte("0"), 0)
	}
	k.stopLocked()
}

func (k *KmemTrigger) stopLocked() {
	for _, fd := range k.fds {
		k.tr.RemoveFDWatch(fd)
		unix.Close(fd)
	}
	k.fds = nil
}
