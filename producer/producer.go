/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package producer is the client-side runtime a tracing producer embeds:
// it owns the IPC connection to the service, receives the shared memory
// buffer, and turns async service commands into data-source lifecycle
// calls.
package producer

import (
	"errors"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms"
	"github.com/gravwell/tracegrid/comms/log"
	"github.com/gravwell/tracegrid/service"
	"github.com/gravwell/tracegrid/shm"
)

var (
	ErrNotConnected = errors.New("producer is not connected")
)

// DataSource is one instantiable capability the producer exposes. Start
// receives the per-instance config and a writer factory bound to the
// session's target buffer.
type DataSource interface {
	Start(id shm.DataSourceInstanceID, cfg service.DataSourceConfig, writers WriterFactory)
	Stop(id shm.DataSourceInstanceID)
	//Flush must close out any open chunks for the named instance; the
	//runtime acks once the commits are through.
	Flush(id shm.DataSourceInstanceID)
}

// WriterFactory hands data sources trace writers bound to the central
// buffer picked by the session config.
type WriterFactory interface {
	NewWriter(target shm.BufferID, policy shm.BufferExhaustedPolicy) *shm.TraceWriter
}

// Producer is the embedding point. Register data sources, then Connect.
type Producer struct {
	mtx  sync.Mutex
	name string
	tr   *base.TaskRunner
	lg   *log.Logger

	client *comms.Client
	proxy  *comms.ServiceProxy

	mem *shm.SharedMemory
	abi *shm.SharedMemoryABI
	arb *shm.Arbiter
	reg *shm.StartupWriterRegistry

	sources   map[string]DataSource
	instances map[shm.DataSourceInstanceID]string //instance -> source name
	writers   map[shm.DataSourceInstanceID][]shm.WriterID

	shmSizeHintKB  uint32
	pageSizeHintKB uint32
	connected      bool
}

func New(name string, tr *base.TaskRunner, lg *log.Logger) *Producer {
	return &Producer{
		name:      name,
		tr:        tr,
		lg:        lg,
		reg:       shm.NewStartupWriterRegistry(),
		sources:   make(map[string]DataSource),
		instances: make(map[shm.DataSourceInstanceID]string),
		writers:   make(map[shm.DataSourceInstanceID][]shm.WriterID),
	}
}

// RegisterDataSource exposes a named capability; announced to the
// service once connected.
func (p *Producer) RegisterDataSource(name string, ds DataSource) {
	p.mtx.Lock()
	p.sources[name] = ds
	p.mtx.Unlock()
	p.mtx.Lock()
	connected := p.connected
	p.mtx.Unlock()
	if connected {
		p.announce(name)
	}
}

// StartupWriters exposes the registry for writers created before any
// session binds a target buffer.
func (p *Producer) StartupWriters() *shm.StartupWriterRegistry { return p.reg }

// Connect dials the service socket and binds the producer port.
func (p *Producer) Connect(addr string, shmSizeHintKB, pageSizeHintKB uint32) error {
	cli, err := comms.NewClient(addr, p.tr, p.lg)
	if err != nil {
		return err
	}
	p.mtx.Lock()
	p.client = cli
	p.shmSizeHintKB = shmSizeHintKB
	p.pageSizeHintKB = pageSizeHintKB
	p.mtx.Unlock()
	p.proxy = comms.NewServiceProxy(`ProducerPort`, p)
	cli.BindService(p.proxy)
	return nil
}

// comms.ProxyEventListener

func (p *Producer) OnServiceConnect(px *comms.ServiceProxy) {
	req := &service.InitializeConnectionRequest{
		ProducerName:   p.name,
		ShmSizeHintKB:  p.shmSizeHintKB,
		PageSizeHintKB: p.pageSizeHintKB,
	}
	px.Invoke(`InitializeConnection`, req.Encode(), func(r comms.AsyncResult) {
		if !r.Success {
			p.lg.Errorf("InitializeConnection rejected")
			return
		}
		p.mtx.Lock()
		p.connected = true
		names := make([]string, 0, len(p.sources))
		for name := range p.sources {
			names = append(names, name)
		}
		p.mtx.Unlock()
		for _, n := range names {
			p.announce(n)
		}
		//arm the long-lived command stream
		px.Invoke(`GetAsyncCommand`, nil, p.onAsyncCommand)
	})
}

func (p *Producer) OnServiceDisconnect(px *comms.ServiceProxy) {
	p.mtx.Lock()
	p.connected = false
	arb := p.arb
	p.arb = nil
	mem := p.mem
	p.mem = nil
	p.abi = nil
	p.mtx.Unlock()
	if arb != nil {
		arb.Close()
	}
	if mem != nil {
		mem.Close()
	}
	p.lg.Warnf("producer %s lost the service connection", p.name)
}

func (p *Producer) announce(name string) {
	args := encodeNameArg(name)
	p.proxy.Invoke(`RegisterDataSource`, args, func(comms.AsyncResult) {})
}

func (p *Producer) onAsyncCommand(r comms.AsyncResult) {
	if !r.Success {
		return
	}
	cmd, err := service.DecodeAsyncCommand(r.Data)
	if err != nil {
		p.lg.Errorf("bad async command: %v", err)
		return
	}
	switch {
	case cmd.SetupShmSize != 0:
		p.setupSharedMemory(int(cmd.SetupShmSize), int(cmd.SetupPageSize))
	case cmd.CreateInstance != nil:
		p.startInstance(cmd.CreateInstance.ID, cmd.CreateInstance.Config)
	case cmd.TeardownID != 0:
		p.stopInstance(cmd.TeardownID)
	case cmd.Flush != nil:
		p.flushInstances(cmd.Flush.ID, cmd.Flush.Instances)
	}
}

func (p *Producer) setupSharedMemory(size, pageSize int) {
	fd := p.client.TakeReceivedFD()
	if fd < 0 {
		p.lg.Errorf("setup command carried no smb fd")
		return
	}
	mem, err := shm.MapSharedMemory(fd, size)
	if err != nil {
		p.lg.Errorf("smb map failed: %v", err)
		return
	}
	abi, err := shm.NewSharedMemoryABI(mem.Bytes(), pageSize)
	if err != nil {
		mem.Close()
		p.lg.Errorf("smb layout invalid: %v", err)
		return
	}
	p.mtx.Lock()
	p.mem = mem
	p.abi = abi
	p.arb = shm.NewArbiter(abi, p, p.tr)
	p.mtx.Unlock()
}

// CommitData implements shm.CommitSink over the IPC channel.
func (p *Producer) CommitData(req *shm.CommitDataRequest, done func()) {
	p.proxy.Invoke(`CommitData`, service.EncodeCommitDataRequest(req), func(r comms.AsyncResult) {
		if done != nil {
			done()
		}
	})
}

func (p *Producer) startInstance(id shm.DataSourceInstanceID, cfg service.DataSourceConfig) {
	p.mtx.Lock()
	ds := p.sources[cfg.Name]
	arb := p.arb
	if ds != nil {
		p.instances[id] = cfg.Name
	}
	p.mtx.Unlock()
	if ds == nil {
		p.lg.Warnf("instance for unknown source %q", cfg.Name)
		return
	}
	if arb != nil {
		//late-bind any startup writers onto this session's buffer
		p.reg.BindAll(arb, shm.BufferID(cfg.TargetBuffer), shm.DropPolicy)
	}
	ds.Start(id, cfg, &writerFactory{p: p, inst: id})
}

func (p *Producer) stopInstance(id shm.DataSourceInstanceID) {
	p.mtx.Lock()
	name, ok := p.instances[id]
	delete(p.instances, id)
	delete(p.writers, id)
	var ds DataSource
	if ok {
		ds = p.sources[name]
	}
	p.mtx.Unlock()
	if ds != nil {
		ds.Stop(id)
	}
}

func (p *Producer) flushInstances(fid shm.FlushRequestID, ids []shm.DataSourceInstanceID) {
	type dsFlush struct {
		ds DataSource
		id shm.DataSourceInstanceID
	}
	p.mtx.Lock()
	arb := p.arb
	var wids []shm.WriterID
	var flushes []dsFlush
	for _, id := range ids {
		if name, ok := p.instances[id]; ok {
			if ds := p.sources[name]; ds != nil {
				flushes = append(flushes, dsFlush{ds: ds, id: id})
			}
		}
		wids = append(wids, p.writers[id]...)
	}
	p.mtx.Unlock()
	//let sources push out pending data before their chunks are closed
	for _, f := range flushes {
		f.ds.Flush(f.id)
	}
	if arb == nil {
		return
	}
	arb.NotifyFlushRequested(fid, wids)
}

type writerFactory struct {
	p    *Producer
	inst shm.DataSourceInstanceID
}

func (wf *writerFactory) NewWriter(target shm.BufferID, policy shm.BufferExhaustedPolicy) *shm.TraceWriter {
	wf.p.mtx.Lock()
	arb := wf.p.arb
	wf.p.mtx.Unlock()
	if arb == nil {
		return nil
	}
	w := arb.CreateTraceWriter(target, policy)
	wf.p.mtx.Lock()
	wf.p.writers[wf.inst] = append(wf.p.writers[wf.inst], w.ID())
	wf.p.mtx.Unlock()
	return w
}

func encodeNameArg(name string) []byte {
	//message { string name = 1; }
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, name)
}
