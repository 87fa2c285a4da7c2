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

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

// DefaultTracefsRoot is where the kernel exposes tracefs on modern
// systems; tests point the controller elsewhere.
const DefaultTracefsRoot = `/sys/kernel/tracing`

// BundleSink receives one raw ring-buffer page per CPU wakeup; the
// producer side wraps it into a trace packet.
type BundleSink interface {
	WriteBundle(cpu int, page []byte) error
}

type cpuReader struct {
	cpu int
	fd  int
	buf []byte
}

// Controller owns the per-CPU trace_pipe_raw readers. It runs on a
// dedicated task runner; every fd watch drains one ring-buffer page
// into the sink.
type Controller struct {
	tr      *base.TaskRunner
	lg      *log.Logger
	root    string
	sink    BundleSink
	readers []*cpuReader
	started bool
}

func NewController(root string, numCPUs int, sink BundleSink, tr *base.TaskRunner, lg *log.Logger) *Controller {
	if root == `` {
		root = DefaultTracefsRoot
	}
	c := &Controller{tr: tr, lg: lg, root: root, sink: sink}
	for i := 0; i < numCPUs; i++ {
		c.readers = append(c.readers, &cpuReader{cpu: i, fd: -1, buf: make([]byte, os.Getpagesize())})
	}
	return c
}

func (c *Controller) pipePath(cpu int) string {
	return filepath.Join(c.root, `per_cpu`, fmt.Sprintf("cpu%d", cpu), `trace_pipe_raw`)
}

// Start opens every per-CPU pipe non blocking and arms the watches.
func (c *Controller) Start() error {
	if c.started {
		return nil
	}
	for _, r := range c.readers {
		fd, err := unix.Open(c.pipePath(r.cpu), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			c.closeAll()
			return fmt.Errorf("open cpu %d pipe: %w", r.cpu, err)
		}
		r.fd = fd
		rr := r
		if err = c.tr.AddFDWatch(fd, func() { c.onCPUReadable(rr) }); err != nil {
			c.closeAll()
			return err
		}
	}
	c.writeTracefs(`tracing_on`, `1`)
	c.started = true
	return nil
}

// onCPUReadable drains one page; more pages wait for the next poll so a
// hot CPU cannot starve its siblings.
func (c *Controller) onCPUReadable(r *cpuReader) {
	n, err := unix.Read(r.fd, r.buf)
	if err != nil || n <= 0 {
		return
	}
	if err = c.sink.WriteBundle(r.cpu, r.buf[:n]); err != nil {
		c.lg.Errorf("cpu %d bundle write failed: %v", r.cpu, err)
	}
}

// Stop disables tracing and clears every per-CPU pipe before removing
// the watches, so a later session starts from an empty ring.
func (c *Controller) Stop() {
	if !c.started {
		return
	}
	c.started = false
	c.writeTracefs(`tracing_on`, `0`)
	c.writeTracefs(`trace`, ``) //truncates every per-cpu ring
	for _, r := range c.readers {
		if r.fd >= 0 {
			//drain whatever is left so the kernel buffer is clean
			for {
				if n, err := unix.Read(r.fd, r.buf); err != nil || n <= 0 {
					break
				}
			}
		}
	}
	c.closeAll()
}

func (c *Controller) closeAll() {
	for _, r := range c.readers {
		if r.fd >= 0 {
			c.tr.RemoveFDWatch(r.fd)
			unix.Close(r.fd)
			r.fd = -1
		}
	}
}

func (c *Controller) writeTracefs(rel, val string) {
	if err := os.WriteFile(filepath.Join(c.root, rel), []byte(val), 0); err != nil {
		c.lg.Debugf("tracefs write %s failed: %v", rel, err)
	}
}
