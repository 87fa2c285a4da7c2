/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package comms

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

type RequestID uint64

// AsyncResult is handed to a reply callback once per reply frame. With
// HasMore set, further replies for the same request will follow.
type AsyncResult struct {
	Success bool
	HasMore bool
	Data    []byte
}

type ReplyCallback func(AsyncResult)

type ProxyEventListener interface {
	OnServiceConnect(p *ServiceProxy)
	OnServiceDisconnect(p *ServiceProxy)
}

// ServiceProxy is the client-side handle to one remote service. Invoke
// routes through the numeric ids negotiated at bind time.
type ServiceProxy struct {
	name      string
	lis       ProxyEventListener
	client    *Client
	serviceID uint32
	methods   map[string]uint32
	connected bool
}

func NewServiceProxy(name string, lis ProxyEventListener) *ServiceProxy {
	return &ServiceProxy{
		name:    name,
		lis:     lis,
		methods: make(map[string]uint32),
	}
}

func (p *ServiceProxy) Name() string    { return p.name }
func (p *ServiceProxy) Connected() bool { return p.connected }

// Invoke calls a remote method. A nil callback marks the request
// drop_reply: the host invokes the method but sends nothing back.
func (p *ServiceProxy) Invoke(method string, args []byte, cb ReplyCallback) error {
	if p.client == nil || !p.connected {
		return ErrSockClosed
	}
	mid, ok := p.methods[method]
	if !ok {
		if cb != nil {
			cb(AsyncResult{})
		}
		return fmt.Errorf("unknown method %q on service %q", method, p.name)
	}
	return p.client.invokeMethod(p, mid, args, cb)
}

type clientState int

const (
	clientConnecting clientState = iota
	clientConnected
	clientDisconnected
)

type pendingRequest struct {
	proxy *ServiceProxy
	cb    ReplyCallback
}

// Client multiplexes service proxies over one framed socket connection.
// All methods must be called on the client's task runner.
type Client struct {
	mtx           sync.Mutex
	tr            *base.TaskRunner
	lg            *log.Logger
	sock          *Sock
	deser         *FrameDeserializer
	state         clientState
	lastRequestID RequestID
	queuedBinds   []*ServiceProxy
	pendingBinds  map[RequestID]*ServiceProxy
	pending       map[RequestID]pendingRequest
	boundProxies  []*ServiceProxy
	receivedFD    int
}

func NewClient(addr string, tr *base.TaskRunner, lg *log.Logger) (*Client, error) {
	c := &Client{
		tr:           tr,
		lg:           lg,
		deser:        NewFrameDeserializer(),
		state:        clientConnecting,
		pendingBinds: make(map[RequestID]*ServiceProxy),
		pending:      make(map[RequestID]pendingRequest),
		receivedFD:   -1,
	}
	s, err := ConnectSock(addr, c, tr)
	if err != nil {
		return nil, err
	}
	c.sock = s
	return c, nil
}

// BindService requests the service id and method table for the proxy's
// named service. Queued while the connection is still in flight.
func (c *Client) BindService(p *ServiceProxy) {
	p.client = c
	c.mtx.Lock()
	st := c.state
	if st == clientConnecting {
		c.queuedBinds = append(c.queuedBinds, p)
		c.mtx.Unlock()
		return
	}
	c.mtx.Unlock()
	if st == clientDisconnected {
		p.lis.OnServiceDisconnect(p)
		return
	}
	c.sendBind(p)
}

func (c *Client) sendBind(p *ServiceProxy) {
	rid := c.nextRequestID()
	c.mtx.Lock()
	c.pendingBinds[rid] = p
	c.mtx.Unlock()
	f := &Frame{RequestID: uint64(rid), BindService: &BindService{ServiceName: p.name}}
	c.sendFrame(f)
}

func (c *Client) invokeMethod(p *ServiceProxy, methodID uint32, args []byte, cb ReplyCallback) error {
	rid := c.nextRequestID()
	if cb != nil {
		c.mtx.Lock()
		if _, collision := c.pending[rid]; collision {
			c.mtx.Unlock()
			panic("ipc request id collision")
		}
		c.pending[rid] = pendingRequest{proxy: p, cb: cb}
		c.mtx.Unlock()
	}
	f := &Frame{RequestID: uint64(rid), InvokeMethod: &InvokeMethod{
		ServiceID: p.serviceID,
		MethodID:  methodID,
		ArgsProto: args,
		DropReply: cb == nil,
	}}
	return c.sendFrame(f)
}

func (c *Client) nextRequestID() RequestID {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastRequestID++
	return c.lastRequestID
}

func (c *Client) sendFrame(f *Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err = c.sock.Send(buf); err != nil {
		c.lg.Errorf("client frame send failed: %v", err)
		return err
	}
	return nil
}

// TakeReceivedFD consumes the single stashed file descriptor received
// with the most recent frame, or -1 when none is pending. This is the
// channel the shared memory buffer fd arrives on.
func (c *Client) TakeReceivedFD() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	fd := c.receivedFD
	c.receivedFD = -1
	return fd
}

func (c *Client) Close() {
	c.sock.Shutdown(false)
	c.onDisconnected()
}

// sock event listener

func (c *Client) OnConnect(s *Sock, connected bool) {
	c.mtx.Lock()
	if !connected {
		c.mtx.Unlock()
		return //OnDisconnect follows and handles teardown
	}
	c.state = clientConnected
	queued := c.queuedBinds
	c.queuedBinds = nil
	c.mtx.Unlock()
	for _, p := range queued {
		c.sendBind(p)
	}
}

func (c *Client) OnDisconnect(s *Sock) {
	c.onDisconnected()
}

func (c *Client) onDisconnected() {
	c.mtx.Lock()
	if c.state == clientDisconnected {
		c.mtx.Unlock()
		return
	}
	c.state = clientDisconnected
	queued := c.queuedBinds
	c.queuedBinds = nil
	binds := c.pendingBinds
	c.pendingBinds = make(map[RequestID]*ServiceProxy)
	reqs := c.pending
	c.pending = make(map[RequestID]pendingRequest)
	bound := c.boundProxies
	c.boundProxies = nil
	if c.receivedFD >= 0 {
		unix.Close(c.receivedFD)
		c.receivedFD = -1
	}
	c.mtx.Unlock()
	//reject everything synchronously, then signal each proxy once
	for _, pr := range reqs {
		pr.cb(AsyncResult{})
	}
	for _, p := range queued {
		p.lis.OnServiceDisconnect(p)
	}
	for _, p := range binds {
		p.lis.OnServiceDisconnect(p)
	}
	for _, p := range bound {
		p.connected = false
		p.lis.OnServiceDisconnect(p)
	}
}

func (c *Client) OnDataAvailable(s *Sock) {
	for {
		rx := c.deser.BeginReceive()
		n, fds, err := s.Receive(rx)
		if err != nil {
			return
		}
		if len(fds) > 0 {
			c.mtx.Lock()
			if c.receivedFD >= 0 {
				unix.Close(c.receivedFD)
			}
			c.receivedFD = fds[0]
			for _, fd := range fds[1:] {
				unix.Close(fd)
			}
			c.mtx.Unlock()
		}
		if n == 0 {
			return
		}
		if err = c.deser.EndReceive(n); err != nil {
			c.lg.Errorf("client rx failed: %v", err)
			s.Shutdown(true)
			return
		}
		for {
			f, err := c.deser.PopNextFrame()
			if err != nil {
				c.lg.Errorf("client frame decode failed: %v", err)
				s.Shutdown(true)
				return
			}
			if f == nil {
				break
			}
			c.handleFrame(f)
		}
	}
}

func (c *Client) OnNewIncomingConnection(ls *Sock, conn *Sock) {
	//clients never listen
	conn.Shutdown(false)
}

func (c *Client) handleFrame(f *Frame) {
	rid := RequestID(f.RequestID)
	switch {
	case f.BindServiceReply != nil:
		c.mtx.Lock()
		p, ok := c.pendingBinds[rid]
		delete(c.pendingBinds, rid)
		c.mtx.Unlock()
		if !ok {
			c.lg.Warnf("bind reply for unknown request %d", rid)
			return
		}
		r := f.BindServiceReply
		if !r.Success {
			p.lis.OnServiceDisconnect(p)
			return
		}
		p.serviceID = r.ServiceID
		for _, m := range r.Methods {
			p.methods[m.Name] = m.ID
		}
		p.connected = true
		c.mtx.Lock()
		c.boundProxies = append(c.boundProxies, p)
		c.mtx.Unlock()
		p.lis.OnServiceConnect(p)
	case f.InvokeMethodReply != nil:
		r := f.InvokeMethodReply
		c.mtx.Lock()
		pr, ok := c.pending[rid]
		if ok && !r.HasMore {
			delete(c.pending, rid)
		}
		c.mtx.Unlock()
		if !ok {
			c.lg.Warnf("reply for unknown request %d", rid)
			return
		}
		pr.cb(AsyncResult{Success: r.Success, HasMore: r.HasMore, Data: r.Data()})
	case f.RequestError != nil:
		c.mtx.Lock()
		pr, ok := c.pending[rid]
		delete(c.pending, rid)
		pb, bok := c.pendingBinds[rid]
		delete(c.pendingBinds, rid)
		c.mtx.Unlock()
		if ok {
			pr.cb(AsyncResult{})
		}
		if bok {
			pb.lis.OnServiceDisconnect(pb)
		}
	default:
		c.lg.Warnf("unexpected frame variant from host, request %d", rid)
	}
}

// Data returns the reply payload of an invoke-method reply.
func (r *InvokeMethodReply) Data() []byte {
	return r.ReplyProto
}
