/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"os"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms"
	"github.com/gravwell/tracegrid/comms/log"
	"github.com/gravwell/tracegrid/service"
	"github.com/gravwell/tracegrid/shm"
)

// producerPort exposes the producer RPC surface over the IPC host and
// bridges it onto the in-process service. Service-to-producer traffic
// rides the long-lived GetAsyncCommand reply stream; the SMB fd rides
// as ancillary data on the setup command.
type producerPort struct {
	svc  *service.Service
	host *comms.Host
	tr   *base.TaskRunner
	lg   *log.Logger

	mtx     sync.Mutex
	clients map[comms.ClientID]*ipcProducer
}

type ipcProducer struct {
	port   *producerPort
	client comms.ClientID
	ep     service.ProducerEndpoint

	mtx    sync.Mutex
	stream *comms.DeferredReply
	queued []*pendingCommand
}

type pendingCommand struct {
	cmd *service.AsyncCommand
	fd  int
}

func newProducerPort(svc *service.Service, host *comms.Host, tr *base.TaskRunner, lg *log.Logger) *producerPort {
	return &producerPort{
		svc:     svc,
		host:    host,
		tr:      tr,
		lg:      lg,
		clients: make(map[comms.ClientID]*ipcProducer),
	}
}

func (p *producerPort) Name() string { return `ProducerPort` }

func (p *producerPort) Methods() []comms.HostMethod {
	return []comms.HostMethod{
		{Name: `InitializeConnection`, Handler: p.initializeConnection},
		{Name: `RegisterDataSource`, Handler: p.registerDataSource},
		{Name: `UnregisterDataSource`, Handler: p.unregisterDataSource},
		{Name: `CommitData`, Handler: p.commitData},
		{Name: `GetAsyncCommand`, Handler: p.getAsyncCommand},
	}
}

func (p *producerPort) lookup(id comms.ClientID) *ipcProducer {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.clients[id]
}

func (p *producerPort) initializeConnection(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	req, err := service.DecodeInitializeConnectionRequest(args)
	if err != nil {
		reply.Reject()
		return
	}
	ip := &ipcProducer{port: p, client: ci.ID}
	ip.ep = p.svc.ConnectProducer(ip, ci.UID, req.ProducerName,
		req.ShmSizeHintKB, req.PageSizeHintKB, p.tr)
	p.mtx.Lock()
	p.clients[ci.ID] = ip
	p.mtx.Unlock()
	reply.Resolve(nil, false)
}

func decodeNameArg(args []byte) string {
	var name string
	for len(args) > 0 {
		num, typ, n := protowire.ConsumeTag(args)
		if n < 0 {
			return ``
		}
		args = args[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n2 := protowire.ConsumeBytes(args)
			if n2 < 0 {
				return ``
			}
			name = string(v)
			args = args[n2:]
			continue
		}
		n2 := protowire.ConsumeFieldValue(num, typ, args)
		if n2 < 0 {
			return ``
		}
		args = args[n2:]
	}
	return name
}

func (p *producerPort) registerDataSource(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ip := p.lookup(ci.ID)
	if ip == nil {
		reply.Reject()
		return
	}
	ip.ep.RegisterDataSource(decodeNameArg(args))
	reply.Resolve(nil, false)
}

func (p *producerPort) unregisterDataSource(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ip := p.lookup(ci.ID)
	if ip == nil {
		reply.Reject()
		return
	}
	ip.ep.UnregisterDataSource(decodeNameArg(args))
	reply.Resolve(nil, false)
}

func (p *producerPort) commitData(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ip := p.lookup(ci.ID)
	if ip == nil {
		reply.Reject()
		return
	}
	req, err := service.DecodeCommitDataRequest(args)
	if err != nil {
		reply.Reject()
		return
	}
	ip.ep.CommitData(req, func() {
		reply.Resolve(nil, false)
	})
}

func (p *producerPort) getAsyncCommand(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ip := p.lookup(ci.ID)
	if ip == nil {
		reply.Reject()
		return
	}
	ip.mtx.Lock()
	ip.stream = reply
	queued := ip.queued
	ip.queued = nil
	ip.mtx.Unlock()
	for _, pc := range queued {
		ip.sendCommand(pc)
	}
}

func (p *producerPort) OnClientDisconnected(id comms.ClientID) {
	p.mtx.Lock()
	ip := p.clients[id]
	delete(p.clients, id)
	p.mtx.Unlock()
	if ip != nil {
		ip.ep.Disconnect()
	}
}

func (ip *ipcProducer) sendCommand(pc *pendingCommand) {
	ip.mtx.Lock()
	stream := ip.stream
	if stream == nil {
		ip.queued = append(ip.queued, pc)
		ip.mtx.Unlock()
		return
	}
	ip.mtx.Unlock()
	if pc.fd >= 0 {
		stream.AttachFD(pc.fd)
	}
	stream.Resolve(pc.cmd.Encode(), true)
}

// service.Producer callbacks

func (ip *ipcProducer) OnConnect()    {}
func (ip *ipcProducer) OnDisconnect() {}

func (ip *ipcProducer) SetupSharedMemory(mem *shm.SharedMemory, pageSize int) {
	fd, err := mem.DupFD()
	if err != nil {
		ip.port.lg.Errorf("smb fd dup failed: %v", err)
		return
	}
	ip.sendCommand(&pendingCommand{
		cmd: &service.AsyncCommand{SetupShmSize: uint32(mem.Size()), SetupPageSize: uint32(pageSize)},
		fd:  fd,
	})
}

func (ip *ipcProducer) CreateDataSourceInstance(id shm.DataSourceInstanceID, cfg service.DataSourceConfig) {
	ip.sendCommand(&pendingCommand{
		cmd: &service.AsyncCommand{CreateInstance: &service.AsyncCreateInstance{ID: id, Config: cfg}},
		fd:  -1,
	})
}

func (ip *ipcProducer) TearDownDataSourceInstance(id shm.DataSourceInstanceID) {
	ip.sendCommand(&pendingCommand{cmd: &service.AsyncCommand{TeardownID: id}, fd: -1})
}

func (ip *ipcProducer) Flush(id shm.FlushRequestID, instances []shm.DataSourceInstanceID) {
	ip.sendCommand(&pendingCommand{
		cmd: &service.AsyncCommand{Flush: &service.AsyncFlush{ID: id, Instances: instances}},
		fd:  -1,
	})
}

// consumerPort exposes the consumer RPC surface. EnableTracing keeps a
// streaming reply open so the tracing-disabled notification has a
// channel back; ReadBuffers streams packet batches.
type consumerPort struct {
	svc  *service.Service
	host *comms.Host
	tr   *base.TaskRunner
	lg   *log.Logger

	mtx     sync.Mutex
	clients map[comms.ClientID]*ipcConsumer
}

type ipcConsumer struct {
	port   *consumerPort
	client comms.ClientID
	ep     service.ConsumerEndpoint

	mtx         sync.Mutex
	enableReply *comms.DeferredReply
	readReply   *comms.DeferredReply
}

func newConsumerPort(svc *service.Service, host *comms.Host, tr *base.TaskRunner, lg *log.Logger) *consumerPort {
	return &consumerPort{
		svc:     svc,
		host:    host,
		tr:      tr,
		lg:      lg,
		clients: make(map[comms.ClientID]*ipcConsumer),
	}
}

func (c *consumerPort) Name() string { return `ConsumerPort` }

func (c *consumerPort) Methods() []comms.HostMethod {
	return []comms.HostMethod{
		{Name: `EnableTracing`, Handler: c.enableTracing},
		{Name: `ChangeTraceConfig`, Handler: c.changeTraceConfig},
		{Name: `DisableTracing`, Handler: c.disableTracing},
		{Name: `ReadBuffers`, Handler: c.readBuffers},
		{Name: `Flush`, Handler: c.flush},
		{Name: `FreeBuffers`, Handler: c.freeBuffers},
	}
}

func (c *consumerPort) lookup(ci comms.ClientInfo) *ipcConsumer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ic, ok := c.clients[ci.ID]
	if !ok {
		ic = &ipcConsumer{port: c, client: ci.ID}
		ic.ep = c.svc.ConnectConsumer(ic, ci.UID, c.tr)
		c.clients[ci.ID] = ic
	}
	return ic
}

func (c *consumerPort) enableTracing(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	cfg, err := service.DecodeTraceConfig(args)
	if err != nil {
		reply.Reject()
		return
	}
	var f *os.File
	if cfg.WriteIntoFile {
		if fd := c.host.TakeReceivedFD(ci.ID); fd >= 0 {
			f = os.NewFile(uintptr(fd), `trace-output`)
		}
	}
	if err = ic.ep.EnableTracing(cfg, f); err != nil {
		c.lg.Warnf("EnableTracing rejected: %v", err)
		reply.Reject()
		return
	}
	ic.mtx.Lock()
	ic.enableReply = reply
	ic.mtx.Unlock()
	reply.Resolve(nil, true) //ack; the final reply is the disable event
}

func (c *consumerPort) changeTraceConfig(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	cfg, err := service.DecodeTraceConfig(args)
	if err != nil {
		reply.Reject()
		return
	}
	if err = ic.ep.ChangeTraceConfig(cfg); err != nil {
		reply.Reject()
		return
	}
	reply.Resolve(nil, false)
}

func (c *consumerPort) disableTracing(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	if err := ic.ep.DisableTracing(); err != nil {
		reply.Reject()
		return
	}
	reply.Resolve(nil, false)
}

func (c *consumerPort) readBuffers(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	ic.mtx.Lock()
	ic.readReply = reply
	ic.mtx.Unlock()
	if err := ic.ep.ReadBuffers(); err != nil {
		ic.mtx.Lock()
		ic.readReply = nil
		ic.mtx.Unlock()
		reply.Reject()
	}
}

func (c *consumerPort) flush(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	var timeoutMs uint64
	walkArgs(args, func(num protowire.Number, v []byte) {
		if num == 1 {
			timeoutMs, _ = protowire.ConsumeVarint(v)
		}
	})
	if timeoutMs == 0 {
		timeoutMs = 5000
	}
	err := ic.ep.Flush(time.Duration(timeoutMs)*time.Millisecond, func(ok bool) {
		if !ok {
			reply.Reject()
			return
		}
		reply.Resolve(nil, false)
	})
	if err != nil {
		reply.Reject()
	}
}

func (c *consumerPort) freeBuffers(ci comms.ClientInfo, args []byte, reply *comms.DeferredReply) {
	ic := c.lookup(ci)
	if err := ic.ep.FreeBuffers(); err != nil {
		reply.Reject()
		return
	}
	reply.Resolve(nil, false)
}

func (c *consumerPort) OnClientDisconnected(id comms.ClientID) {
	c.mtx.Lock()
	ic := c.clients[id]
	delete(c.clients, id)
	c.mtx.Unlock()
	if ic != nil {
		ic.ep.Disconnect()
	}
}

// service.Consumer callbacks

func (ic *ipcConsumer) OnTracingDisabled() {
	ic.mtx.Lock()
	reply := ic.enableReply
	ic.enableReply = nil
	ic.mtx.Unlock()
	if reply != nil {
		reply.Resolve(nil, false)
	}
}

func (ic *ipcConsumer) OnTraceData(pkts []service.Packet, hasMore bool) {
	ic.mtx.Lock()
	reply := ic.readReply
	if !hasMore {
		ic.readReply = nil
	}
	ic.mtx.Unlock()
	if reply == nil {
		return
	}
	var b []byte
	for _, p := range pkts {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Data)
	}
	reply.Resolve(b, hasMore)
}

func walkArgs(b []byte, cb func(protowire.Number, []byte)) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return
		}
		b = b[n:]
		cb(num, b)
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return
		}
		b = b[n:]
	}
}
