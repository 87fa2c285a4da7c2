/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package comms

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

var sockCounter atomic.Uint32

func testSockPath(t *testing.T) string {
	return fmt.Sprintf("/tmp/tracegrid-ipc-test-%d-%d.sock", os.Getpid(), sockCounter.Add(1))
}

type fakeSvc struct {
	name       string
	calls      chan []byte
	dropReply  bool
	streaming  bool
	replyFD    int
	disconnect chan ClientID
}

func (f *fakeSvc) Name() string { return f.name }

func (f *fakeSvc) Methods() []HostMethod {
	return []HostMethod{{
		Name: "FakeMethod1",
		Handler: func(ci ClientInfo, args []byte, reply *DeferredReply) {
			f.calls <- args
			if f.streaming {
				reply.Resolve([]byte("a"), true)
				reply.Resolve([]byte("b"), true)
				reply.Resolve([]byte("c"), false)
				return
			}
			if f.replyFD >= 0 {
				reply.AttachFD(f.replyFD)
			}
			reply.Resolve(nil, false)
		},
	}}
}

func (f *fakeSvc) OnClientDisconnected(id ClientID) {
	select {
	case f.disconnect <- id:
	default:
	}
}

type proxyWaiter struct {
	connected    chan struct{}
	disconnected chan struct{}
}

func newProxyWaiter() *proxyWaiter {
	return &proxyWaiter{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
	}
}

func (w *proxyWaiter) OnServiceConnect(p *ServiceProxy) {
	select {
	case w.connected <- struct{}{}:
	default:
	}
}

func (w *proxyWaiter) OnServiceDisconnect(p *ServiceProxy) {
	select {
	case w.disconnected <- struct{}{}:
	default:
	}
}

type ipcPair struct {
	host       *Host
	client     *Client
	proxy      *ServiceProxy
	svc        *fakeSvc
	hostRunner *base.TaskRunner
	cliRunner  *base.TaskRunner
}

func newIPCPair(t *testing.T, svc *fakeSvc) *ipcPair {
	t.Helper()
	path := testSockPath(t)
	lg := log.NewDiscardLogger()
	htr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	ctr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	h, err := NewHost(path, htr, lg)
	if err != nil {
		t.Fatal(err)
	}
	if err = h.ExposeService(svc); err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(path, ctr, lg)
	if err != nil {
		t.Fatal(err)
	}
	w := newProxyWaiter()
	p := NewServiceProxy(svc.name, w)
	c.BindService(p)
	select {
	case <-w.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("bind never completed")
	}
	pair := &ipcPair{host: h, client: c, proxy: p, svc: svc, hostRunner: htr, cliRunner: ctr}
	t.Cleanup(func() {
		c.Close()
		h.Close()
		htr.Quit()
		ctr.Quit()
		os.Remove(path)
	})
	return pair
}

func invokeOn(t *testing.T, pair *ipcPair, method string, args []byte, cb ReplyCallback) {
	t.Helper()
	errc := make(chan error, 1)
	pair.cliRunner.PostTask(func() {
		errc <- pair.proxy.Invoke(method, args, cb)
	})
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("invoke never dispatched")
	}
}

// scenario: bind + invoke + invoke-invalid
func TestBindInvokeAndInvalidMethod(t *testing.T) {
	svc := &fakeSvc{name: "FakeSvc", calls: make(chan []byte, 4), replyFD: -1, disconnect: make(chan ClientID, 1)}
	pair := newIPCPair(t, svc)

	replies := make(chan AsyncResult, 4)
	invokeOn(t, pair, "FakeMethod1", []byte("req_data"), func(r AsyncResult) { replies <- r })
	select {
	case got := <-svc.calls:
		if !bytes.Equal(got, []byte("req_data")) {
			t.Fatalf("bad args at host: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host never saw the invoke")
	}
	select {
	case r := <-replies:
		if !r.Success || len(r.Data) != 0 {
			t.Fatalf("unexpected reply: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	//undefined method must fail the callback locally
	failed := make(chan AsyncResult, 1)
	invokeOn(t, pair, "InvalidMethod", nil, func(r AsyncResult) { failed <- r })
	select {
	case r := <-failed:
		if r.Success {
			t.Fatal("invalid method reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invalid method callback never fired")
	}
}

// scenario: drop-reply request still invokes the handler and leaves the
// transport healthy
func TestDropReply(t *testing.T) {
	svc := &fakeSvc{name: "FakeSvc", calls: make(chan []byte, 4), replyFD: -1, disconnect: make(chan ClientID, 1)}
	pair := newIPCPair(t, svc)

	invokeOn(t, pair, "FakeMethod1", []byte("fire_and_forget"), nil)
	select {
	case got := <-svc.calls:
		if !bytes.Equal(got, []byte("fire_and_forget")) {
			t.Fatalf("bad args: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop-reply request never invoked")
	}

	replies := make(chan AsyncResult, 1)
	invokeOn(t, pair, "FakeMethod1", []byte("again"), func(r AsyncResult) { replies <- r })
	<-svc.calls
	select {
	case r := <-replies:
		if !r.Success {
			t.Fatal("transport unhealthy after drop-reply")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply after drop-reply")
	}
}

// scenario: streaming replies fire the callback in order, then erase it
func TestStreamingReply(t *testing.T) {
	svc := &fakeSvc{name: "FakeSvc", calls: make(chan []byte, 4), streaming: true, replyFD: -1, disconnect: make(chan ClientID, 1)}
	pair := newIPCPair(t, svc)

	replies := make(chan AsyncResult, 8)
	invokeOn(t, pair, "FakeMethod1", nil, func(r AsyncResult) { replies <- r })
	want := []struct {
		data    string
		hasMore bool
	}{{"a", true}, {"b", true}, {"c", false}}
	for i, w := range want {
		select {
		case r := <-replies:
			if string(r.Data) != w.data || r.HasMore != w.hasMore {
				t.Fatalf("reply %d: got %q hasMore=%v", i, r.Data, r.HasMore)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("reply %d never arrived", i)
		}
	}
	select {
	case r := <-replies:
		t.Fatalf("callback fired after terminal reply: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

// scenario: fd passing on a reply frame
func TestReplyFDPassing(t *testing.T) {
	tmp, err := os.CreateTemp("", "tracegrid-fdpass")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("shared file\x00")
	if _, err = tmp.Write(content); err != nil {
		t.Fatal(err)
	}
	passFD, err := unix.Dup(int(tmp.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	svc := &fakeSvc{name: "FakeSvc", calls: make(chan []byte, 4), replyFD: passFD, disconnect: make(chan ClientID, 1)}
	pair := newIPCPair(t, svc)

	gotFD := make(chan int, 1)
	invokeOn(t, pair, "FakeMethod1", nil, func(r AsyncResult) {
		gotFD <- pair.client.TakeReceivedFD()
	})
	var fd int
	select {
	case fd = <-gotFD:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	if fd < 0 {
		t.Fatal("no fd received with reply")
	}
	defer unix.Close(fd)
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(content))
	if n, err := unix.Read(fd, buf); err != nil || n != len(content) {
		t.Fatalf("read via passed fd: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatalf("fd content mismatch: %q", buf)
	}
}

// disconnect rejects pending replies synchronously
func TestDisconnectRejectsPending(t *testing.T) {
	svc := &fakeSvc{name: "FakeSvc", calls: make(chan []byte, 4), replyFD: -1, disconnect: make(chan ClientID, 1)}
	pair := newIPCPair(t, svc)

	//the host would reply, but the client closes within the same task
	svc.streaming = false
	rejected := make(chan AsyncResult, 1)
	pair.cliRunner.PostTask(func() {
		//bypass the handler resolving by invoking then immediately closing
		pair.proxy.Invoke("FakeMethod1", nil, func(r AsyncResult) { rejected <- r })
		pair.client.Close()
	})
	select {
	case r := <-rejected:
		if r.Success {
			t.Fatal("pending reply resolved as success on disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending reply never rejected")
	}
}
