/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// MaxSharedMemorySize caps a single producer SMB.
	MaxSharedMemorySize = 32 * 1024 * 1024
	// MaxPageSize caps the per-producer page size.
	MaxPageSize = 32 * 1024
)

var ErrBadShmSize = errors.New("invalid shared memory size")

// SharedMemory is an anonymous memfd backed region mapped read/write.
// The service creates it and ships the fd to the producer, which maps
// the same pages with MapSharedMemory.
type SharedMemory struct {
	fd   int
	buf  []byte
	size int
}

// CreateSharedMemory allocates a new region. The caller owns the fd and
// typically dups it across the IPC socket.
func CreateSharedMemory(size int) (*SharedMemory, error) {
	if size <= 0 || size%os.Getpagesize() != 0 || size > MaxSharedMemorySize {
		return nil, ErrBadShmSize
	}
	fd, err := unix.MemfdCreate("tracegrid-smb", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return mapRegion(fd, size)
}

// MapSharedMemory maps an existing region from a received fd. The
// SharedMemory takes ownership of the fd.
func MapSharedMemory(fd, size int) (*SharedMemory, error) {
	if size <= 0 || size%os.Getpagesize() != 0 {
		return nil, ErrBadShmSize
	}
	return mapRegion(fd, size)
}

func mapRegion(fd, size int) (*SharedMemory, error) {
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &SharedMemory{fd: fd, buf: buf, size: size}, nil
}

func (m *SharedMemory) Bytes() []byte { return m.buf }
func (m *SharedMemory) Size() int     { return m.size }
func (m *SharedMemory) FD() int       { return m.fd }

// DupFD duplicates the backing fd for transfer over a socket.
func (m *SharedMemory) DupFD() (int, error) {
	return unix.Dup(m.fd)
}

func (m *SharedMemory) Close() error {
	var err error
	if m.buf != nil {
		err = unix.Munmap(m.buf)
		m.buf = nil
	}
	if m.fd >= 0 {
		unix.Close(m.fd)
		m.fd = -1
	}
	return err
}
