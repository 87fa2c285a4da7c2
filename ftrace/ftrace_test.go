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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

func TestParseProcStat(t *testing.T) {
	tests := []struct {
		in   string
		want []string
		err  bool
	}{
		{in: "123 (a) (b) R 5 6", want: []string{"123", "(a) (b)", "R", "5", "6"}},
		{in: "1 (systemd) S 0 1 1", want: []string{"1", "(systemd)", "S", "0", "1", "1"}},
		{in: "99 (weird name with spaces) R 1", want: []string{"99", "(weird name with spaces)", "R", "1"}},
		{in: "7 () R 1", want: []string{"7", "()", "R", "1"}},
		{in: "(no pid) R 1", err: true},
		{in: "55 no closing paren R 1", err: true},
		{in: "", err: true},
	}
	for i, tc := range tests {
		got, err := ParseProcStat(tc.in)
		if tc.err {
			require.Error(t, err, "case %d", i)
			continue
		}
		require.NoError(t, err, "case %d", i)
		require.Equal(t, tc.want, got, "case %d", i)
	}
}

type chanSink struct {
	ch chan []byte
}

func (s *chanSink) WriteBundle(cpu int, page []byte) error {
	s.ch <- append([]byte(nil), page...)
	return nil
}

// fake tracefs layout with fifos standing in for trace_pipe_raw
func fakeTracefs(t *testing.T, cpus int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < cpus; i++ {
		dir := filepath.Join(root, `per_cpu`, fmt.Sprintf("cpu%d", i))
		if err := os.MkdirAll(dir, 0750); err != nil {
			t.Fatal(err)
		}
		if err := unix.Mkfifo(filepath.Join(dir, `trace_pipe_raw`), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestControllerDrainsCPUPipes(t *testing.T) {
	root := fakeTracefs(t, 2)
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	sink := &chanSink{ch: make(chan []byte, 8)}
	c := NewController(root, 2, sink, tr, log.NewDiscardLogger())
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	w, err := os.OpenFile(filepath.Join(root, `per_cpu`, `cpu1`, `trace_pipe_raw`), os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Write([]byte("raw ftrace page")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sink.ch:
		if string(got) != "raw ftrace page" {
			t.Fatalf("bundle mismatch: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bundle never arrived")
	}
}

type chanTrigger struct {
	ch chan string
}

func (c *chanTrigger) ActivateTrigger(name string) { c.ch <- name }

func TestKmemTriggerDebounce(t *testing.T) {
	root := t.TempDir()
	instRoot := filepath.Join(root, kmemInstance)
	for i := 0; i < 1; i++ {
		dir := filepath.Join(instRoot, `per_cpu`, fmt.Sprintf("cpu%d", i))
		if err := os.MkdirAll(dir, 0750); err != nil {
			t.Fatal(err)
		}
		if err := unix.Mkfifo(filepath.Join(dir, `trace_pipe_raw`), 0600); err != nil {
			t.Fatal(err)
		}
	}
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	th := &chanTrigger{ch: make(chan string, 8)}
	k := NewKmemTrigger(root, 1, th, tr, log.NewDiscardLogger())
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	w, err := os.OpenFile(filepath.Join(instRoot, `per_cpu`, `cpu0`, `trace_pipe_raw`), os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-th.ch:
		if name != kmemTriggerName {
			t.Fatalf("wrong trigger: %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}
	//a second burst inside the debounce window must not fire again
	if _, err := w.Write([]byte("y")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-th.ch:
		t.Fatal("debounce window ignored")
	case <-time.After(300 * time.Millisecond):
	}
}
