/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package comms

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
)

type ClientID uint64

// ClientInfo identifies the peer on whose behalf a method is invoked.
// On unix transports UID/PID come from kernel credentials; on TCP they
// may be adopted from a first-frame SetPeerIdentity.
type ClientInfo struct {
	ID            ClientID
	UID           int
	PID           int
	MachineIDHint string
}

var ErrServiceExists = errors.New("service name already exposed")

// MethodHandler is a service method implementation. It may resolve the
// reply synchronously or hold it for later; with drop_reply requests the
// reply is a no-op sink but the handler still runs.
type MethodHandler func(ci ClientInfo, args []byte, reply *DeferredReply)

type HostMethod struct {
	Name    string
	Handler MethodHandler
}

// HostService is one named service exposed through a Host.
type HostService interface {
	Name() string
	Methods() []HostMethod
	OnClientDisconnected(id ClientID)
}

type registeredService struct {
	svc     HostService
	id      uint32
	methods []HostMethod //index+1 is the wire method id
}

type hostClient struct {
	id       ClientID
	sock     *Sock
	deser    *FrameDeserializer
	rxFD      int //single inbound descriptor slot
	sawFrame  bool
	machineID string
}

// Host listens on a socket and dispatches BindService / InvokeMethod
// frames to exposed services.
type Host struct {
	mtx        sync.Mutex
	tr         *base.TaskRunner
	lg         *log.Logger
	sock       *Sock
	services   []*registeredService
	clients    map[*Sock]*hostClient
	byID       map[ClientID]*hostClient
	lastClient ClientID
}

func NewHost(addr string, tr *base.TaskRunner, lg *log.Logger) (*Host, error) {
	h := &Host{
		tr:      tr,
		lg:      lg,
		clients: make(map[*Sock]*hostClient),
		byID:    make(map[ClientID]*hostClient),
	}
	s, err := ListenSock(addr, h, tr)
	if err != nil {
		return nil, err
	}
	h.sock = s
	return h, nil
}

// ExposeService registers a service; method ids are assigned in the
// order Methods() returns them.
func (h *Host) ExposeService(svc HostService) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, rs := range h.services {
		if rs.svc.Name() == svc.Name() {
			return ErrServiceExists
		}
	}
	h.services = append(h.services, &registeredService{
		svc:     svc,
		id:      uint32(len(h.services) + 1),
		methods: svc.Methods(),
	})
	return nil
}

func (h *Host) Close() {
	h.mtx.Lock()
	clients := make([]*hostClient, 0, len(h.clients))
	for _, hc := range h.clients {
		clients = append(clients, hc)
	}
	h.mtx.Unlock()
	for _, hc := range clients {
		hc.sock.Shutdown(false)
	}
	h.sock.Shutdown(false)
}

// TakeReceivedFD consumes the inbound descriptor slot for a client, or
// returns -1 when none is pending.
func (h *Host) TakeReceivedFD(id ClientID) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	hc, ok := h.byID[id]
	if !ok || hc.rxFD < 0 {
		return -1
	}
	fd := hc.rxFD
	hc.rxFD = -1
	return fd
}

// sock event listener

func (h *Host) OnNewIncomingConnection(ls *Sock, conn *Sock) {
	h.mtx.Lock()
	h.lastClient++
	hc := &hostClient{
		id:    h.lastClient,
		sock:  conn,
		deser: NewFrameDeserializer(),
		rxFD:  -1,
	}
	h.clients[conn] = hc
	h.byID[hc.id] = hc
	h.mtx.Unlock()
	h.lg.Infof("ipc client %d connected uid=%d pid=%d", hc.id, conn.PeerUID(), conn.PeerPID())
}

func (h *Host) OnConnect(s *Sock, connected bool) {}

func (h *Host) OnDisconnect(s *Sock) {
	h.mtx.Lock()
	hc, ok := h.clients[s]
	if ok {
		delete(h.clients, s)
		delete(h.byID, hc.id)
	}
	svcs := make([]HostService, 0, len(h.services))
	for _, rs := range h.services {
		svcs = append(svcs, rs.svc)
	}
	h.mtx.Unlock()
	if !ok {
		return
	}
	if hc.rxFD >= 0 {
		unix.Close(hc.rxFD)
		hc.rxFD = -1
	}
	for _, svc := range svcs {
		svc.OnClientDisconnected(hc.id)
	}
	h.lg.Infof("ipc client %d disconnected", hc.id)
}

func (h *Host) OnDataAvailable(s *Sock) {
	h.mtx.Lock()
	hc, ok := h.clients[s]
	h.mtx.Unlock()
	if !ok {
		return
	}
	for {
		rx := hc.deser.BeginReceive()
		n, fds, err := s.Receive(rx)
		if err != nil {
			return
		}
		if len(fds) > 0 {
			h.mtx.Lock()
			if hc.rxFD >= 0 {
				unix.Close(hc.rxFD)
			}
			hc.rxFD = fds[0]
			for _, fd := range fds[1:] {
				unix.Close(fd)
			}
			h.mtx.Unlock()
		}
		if n == 0 {
			return
		}
		if err = hc.deser.EndReceive(n); err != nil {
			h.lg.Errorf("client %d rx failed: %v", hc.id, err)
			s.Shutdown(true)
			return
		}
		for {
			f, err := hc.deser.PopNextFrame()
			if err != nil {
				h.lg.Errorf("client %d frame decode failed: %v", hc.id, err)
				s.Shutdown(true)
				return
			}
			if f == nil {
				break
			}
			first := !hc.sawFrame
			hc.sawFrame = true
			h.handleFrame(hc, f, first)
		}
	}
}

func (h *Host) handleFrame(hc *hostClient, f *Frame, firstFrame bool) {
	switch {
	case f.SetPeerIdentity != nil:
		if hc.sock.IsUnix() {
			h.lg.Warnf("client %d sent SetPeerIdentity on unix transport, ignored", hc.id)
			return
		}
		if !firstFrame {
			h.lg.Warnf("client %d sent SetPeerIdentity after first frame, ignored", hc.id)
			return
		}
		p := f.SetPeerIdentity
		hc.sock.AdoptPeerIdentity(int(p.UID), int(p.PID))
		h.mtx.Lock()
		hc.machineID = p.MachineIDHint
		h.mtx.Unlock()
	case f.BindService != nil:
		h.handleBind(hc, f)
	case f.InvokeMethod != nil:
		h.handleInvoke(hc, f)
	default:
		h.replyError(hc, f.RequestID, "unexpected frame variant")
	}
}

func (h *Host) handleBind(hc *hostClient, f *Frame) {
	h.mtx.Lock()
	var found *registeredService
	for _, rs := range h.services {
		if rs.svc.Name() == f.BindService.ServiceName {
			found = rs
			break
		}
	}
	h.mtx.Unlock()
	reply := &BindServiceReply{}
	if found != nil {
		reply.Success = true
		reply.ServiceID = found.id
		for i, m := range found.methods {
			reply.Methods = append(reply.Methods, MethodInfo{ID: uint32(i + 1), Name: m.Name})
		}
	}
	h.sendFrame(hc, &Frame{RequestID: f.RequestID, BindServiceReply: reply})
}

func (h *Host) handleInvoke(hc *hostClient, f *Frame) {
	inv := f.InvokeMethod
	h.mtx.Lock()
	var rs *registeredService
	for _, cand := range h.services {
		if cand.id == inv.ServiceID {
			rs = cand
			break
		}
	}
	h.mtx.Unlock()
	if rs == nil || inv.MethodID == 0 || int(inv.MethodID) > len(rs.methods) {
		if !inv.DropReply {
			h.replyError(hc, f.RequestID, "invalid service or method id")
		}
		return
	}
	ci := ClientInfo{
		ID:            hc.id,
		UID:           hc.sock.PeerUID(),
		PID:           hc.sock.PeerPID(),
		MachineIDHint: hc.machineID,
	}
	dr := &DeferredReply{
		host:      h,
		client:    hc.id,
		requestID: f.RequestID,
		dropped:   inv.DropReply,
		sendFD:    -1,
	}
	rs.methods[inv.MethodID-1].Handler(ci, inv.ArgsProto, dr)
}

func (h *Host) replyError(hc *hostClient, rid uint64, msg string) {
	h.sendFrame(hc, &Frame{RequestID: rid, RequestError: &RequestError{Error: msg}})
}

func (h *Host) sendFrame(hc *hostClient, f *Frame, fds ...int) {
	buf, err := EncodeFrame(f)
	if err != nil {
		h.lg.Errorf("frame encode failed: %v", err)
		return
	}
	if err = hc.sock.Send(buf, fds...); err != nil {
		h.lg.Errorf("client %d frame send failed: %v", hc.id, err)
	}
}

// DeferredReply carries the reply channel for one InvokeMethod request.
// Resolve may be called multiple times with hasMore set for streaming
// methods; the final call clears it. Rejecting sends an unsuccessful
// invoke-method reply.
type DeferredReply struct {
	mtx       sync.Mutex
	host      *Host
	client    ClientID
	requestID uint64
	dropped   bool
	done      bool
	sendFD    int
}

// AttachFD arranges for the fd to ride as SCM_RIGHTS on the next
// resolved reply frame. Ownership transfers to the reply.
func (d *DeferredReply) AttachFD(fd int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.sendFD >= 0 {
		unix.Close(d.sendFD)
	}
	d.sendFD = fd
}

func (d *DeferredReply) Resolve(data []byte, hasMore bool) {
	d.mtx.Lock()
	if d.done {
		d.mtx.Unlock()
		return
	}
	if !hasMore {
		d.done = true
	}
	fd := d.sendFD
	d.sendFD = -1
	dropped := d.dropped
	d.mtx.Unlock()
	if dropped {
		if fd >= 0 {
			unix.Close(fd)
		}
		return
	}
	d.host.mtx.Lock()
	hc, ok := d.host.byID[d.client]
	d.host.mtx.Unlock()
	if !ok {
		if fd >= 0 {
			unix.Close(fd)
		}
		return
	}
	f := &Frame{RequestID: d.requestID, InvokeMethodReply: &InvokeMethodReply{
		Success:    true,
		HasMore:    hasMore,
		ReplyProto: data,
	}}
	if fd >= 0 {
		d.host.sendFrame(hc, f, fd)
		unix.Close(fd)
	} else {
		d.host.sendFrame(hc, f)
	}
}

func (d *DeferredReply) Reject() {
	d.mtx.Lock()
	if d.done {
		d.mtx.Unlock()
		return
	}
	d.done = true
	dropped := d.dropped
	if d.sendFD >= 0 {
		unix.Close(d.sendFD)
		d.sendFD = -1
	}
	d.mtx.Unlock()
	if dropped {
		return
	}
	d.host.mtx.Lock()
	hc, ok := d.host.byID[d.client]
	d.host.mtx.Unlock()
	if !ok {
		return
	}
	d.host.sendFrame(hc, &Frame{RequestID: d.requestID, InvokeMethodReply: &InvokeMethodReply{Success: false}})
}
