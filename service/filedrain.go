/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"os"

	"golang.org/x/sys/unix"
)

// drainIntoFile is the periodic write_into_file task. It drains one
// batch and re-arms itself while the session stays enabled.
func (s *Service) drainIntoFile(id TracingSessionID) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.file == nil {
		s.mtx.Unlock()
		return
	}
	enabled := sess.enabled
	period := sess.writePeriod
	s.mtx.Unlock()

	s.readBuffers(id, false)

	if enabled {
		s.tr.PostDelayedTask(period, func() { s.drainIntoFile(id) })
	}
}

// writeIntoFile serializes the batch as root-level packet fields and
// writevs it into the session fd, honoring the max file size by
// truncating to the last packet that fits and disabling the session.
func (s *Service) writeIntoFile(id TracingSessionID, pkts []Packet, more bool) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.file == nil {
		s.mtx.Unlock()
		return
	}
	file := sess.file
	written := sess.bytesWritten
	maxSize := sess.maxFileSize
	s.mtx.Unlock()

	var iovs [][]byte
	var batchBytes uint64
	capped := false
	for _, p := range pkts {
		pre := FramePacketForFile(p.Data)
		sz := uint64(len(pre) + len(p.Data))
		if maxSize > 0 && written+batchBytes+sz > maxSize {
			capped = true
			break
		}
		iovs = append(iovs, pre, p.Data)
		batchBytes += sz
	}

	werr := writevAll(file, iovs)
	if werr == nil {
		s.mtx.Lock()
		if sess, ok := s.sessions[id]; ok {
			sess.bytesWritten += batchBytes
		}
		s.mtx.Unlock()
	}

	if werr != nil {
		s.lg.Errorf("session %d: write into file failed: %v", id, werr)
		s.mtx.Lock()
		if sess, ok := s.sessions[id]; ok && sess.file != nil {
			sess.file.Close()
			sess.file = nil
		}
		s.mtx.Unlock()
		s.disableTracing(id)
		return
	}
	if capped {
		s.lg.Infof("session %d: file size cap reached after %d bytes", id, written+batchBytes)
		s.mtx.Lock()
		if sess, ok := s.sessions[id]; ok {
			//no further drains may write
			sess.maxFileSize = sess.bytesWritten
		}
		s.mtx.Unlock()
		s.disableTracing(id)
		return
	}
	if more {
		s.readBuffers(id, false)
	}
}

// writevAll pushes the gathered buffers through writev, splitting at
// the iovec limit and resuming partial writes.
func writevAll(f *os.File, iovs [][]byte) error {
	for len(iovs) > 0 {
		batch := iovs
		if len(batch) > maxIOVecs {
			batch = batch[:maxIOVecs]
		}
		n, err := unix.Writev(int(f.Fd()), batch)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return err
		}
		//consume n bytes off the front of the batch
		for n > 0 && len(iovs) > 0 {
			if n >= len(iovs[0]) {
				n -= len(iovs[0])
				iovs = iovs[1:]
			} else {
				iovs[0] = iovs[0][n:]
				n = 0
			}
		}
	}
	return nil
}
