/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ringbuf

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	rb, err := Create(os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	msg := []byte("allocation record")
	wb, ok := rb.BeginWrite(TryLock, len(msg))
	if !ok {
		t.Fatal("BeginWrite failed on empty ring")
	}
	copy(wb.Data, msg)
	rb.EndWrite(wb)

	rd, ok := rb.BeginRead()
	if !ok {
		t.Fatal("BeginRead found nothing")
	}
	if !bytes.Equal(rd.Data, msg) {
		t.Fatalf("payload mismatch: %q", rd.Data)
	}
	rb.EndRead(rd)
	if _, ok = rb.BeginRead(); ok {
		t.Fatal("phantom record after drain")
	}
	st := rb.Stats()
	if st.NumWritesSucceeded != 1 || st.BytesWritten != uint64(len(msg)) {
		t.Fatalf("stats wrong: %+v", st)
	}
}

// drive enough records through to wrap the data region several times;
// the double mapping must keep every record contiguous
func TestWraparound(t *testing.T) {
	sz := os.Getpagesize()
	rb, err := Create(sz)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	recLen := 100
	iters := (sz / recLen) * 5
	for i := 0; i < iters; i++ {
		msg := []byte(fmt.Sprintf("record-%05d-%s", i, string(make([]byte, recLen-13))))
		wb, ok := rb.BeginWrite(TryLock, len(msg))
		if !ok {
			t.Fatalf("iter %d: write failed", i)
		}
		copy(wb.Data, msg)
		rb.EndWrite(wb)
		rd, ok := rb.BeginRead()
		if !ok {
			t.Fatalf("iter %d: read found nothing", i)
		}
		if !bytes.Equal(rd.Data, msg) {
			t.Fatalf("iter %d: payload mismatch", i)
		}
		rb.EndRead(rd)
	}
	if st := rb.Stats(); st.NumReadsFailed != 0 || st.NumWritesFailed != 0 {
		t.Fatalf("failures during wrap test: %+v", st)
	}
}

func TestRingFull(t *testing.T) {
	sz := os.Getpagesize()
	rb, err := Create(sz)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	var held []Buffer
	for {
		wb, ok := rb.BeginWrite(TryLock, 512)
		if !ok {
			break
		}
		held = append(held, wb)
	}
	if len(held) == 0 {
		t.Fatal("no writes succeeded")
	}
	if st := rb.Stats(); st.NumWritesFailed == 0 {
		t.Fatal("full ring did not count a failed write")
	}
	//unpublished head record: the reader must see "no data"
	if _, ok := rb.BeginRead(); ok {
		t.Fatal("read returned a reserved, unpublished record")
	}
	for _, wb := range held {
		rb.EndWrite(wb)
	}
	for range held {
		rd, ok := rb.BeginRead()
		if !ok {
			t.Fatal("published record unreadable")
		}
		rb.EndRead(rd)
	}
}

func TestAttachSharesState(t *testing.T) {
	sz := os.Getpagesize()
	rb, err := Create(sz)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	fd, err := rb.DupFD()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := Attach(fd, sz)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	msg := []byte("cross mapping")
	wb, ok := rb.BeginWrite(TryLock, len(msg))
	if !ok {
		t.Fatal("write failed")
	}
	copy(wb.Data, msg)
	rb.EndWrite(wb)

	rd, ok := peer.BeginRead()
	if !ok {
		t.Fatal("peer mapping saw no record")
	}
	if !bytes.Equal(rd.Data, msg) {
		t.Fatalf("peer payload mismatch: %q", rd.Data)
	}
	peer.EndRead(rd)
}

func TestBadDataSize(t *testing.T) {
	if _, err := Create(1000); err == nil {
		t.Fatal("non power of two accepted")
	}
	if _, err := Create(8); err == nil {
		t.Fatal("sub page size accepted")
	}
}
