/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
	"github.com/gravwell/tracegrid/shm"
)

const (
	maxBuffersPerConsumer        = 128
	maxConcurrentTracingSessions = 5

	guardrailMaxDuration    = 24 * time.Hour
	guardrailMaxBufferBytes = 32 * 1024 * 1024

	defaultShmSize  = 256 * 1024
	defaultPageSize = 4096

	minWritePeriod     = 100 * time.Millisecond
	defaultWritePeriod = 5 * time.Second

	defaultFlushTimeout = 5 * time.Second

	// readBatchThreshold soft-caps one ReadBuffers batch.
	readBatchThreshold = 32 * 1024

	snapshotInterval = 10 * time.Second

	maxIOVecs = 1024
)

var (
	ErrConsumerBusy        = errors.New("consumer already owns a tracing session")
	ErrLockdown            = errors.New("lockdown mode rejects this consumer")
	ErrGuardrail           = errors.New("config exceeds guardrail limits")
	ErrTooManyBuffers      = errors.New("too many buffers in config")
	ErrTooManySessions     = errors.New("too many concurrent tracing sessions")
	ErrMissingFile         = errors.New("write_into_file requires a file descriptor")
	ErrNoSession           = errors.New("no active tracing session")
	ErrInvalidConfigChange = errors.New("only producer_name_filter may change on a live session")
)

// Producer is the callback surface of a connected producer; the service
// posts every call onto the producer's task runner.
type Producer interface {
	OnConnect()
	OnDisconnect()
	SetupSharedMemory(mem *shm.SharedMemory, pageSize int)
	CreateDataSourceInstance(id shm.DataSourceInstanceID, cfg DataSourceConfig)
	TearDownDataSourceInstance(id shm.DataSourceInstanceID)
	Flush(id shm.FlushRequestID, instances []shm.DataSourceInstanceID)
}

// ProducerEndpoint is what a producer calls into the service.
type ProducerEndpoint interface {
	ID() shm.ProducerID
	RegisterDataSource(name string)
	UnregisterDataSource(name string)
	CommitData(req *shm.CommitDataRequest, done func())
	SharedMemory() *shm.SharedMemory
	Disconnect()
}

// Consumer is the callback surface of a connected consumer.
type Consumer interface {
	OnTracingDisabled()
	OnTraceData(pkts []Packet, hasMore bool)
}

// ConsumerEndpoint is what a consumer calls into the service.
type ConsumerEndpoint interface {
	EnableTracing(cfg *TraceConfig, f *os.File) error
	ChangeTraceConfig(cfg *TraceConfig) error
	DisableTracing() error
	ReadBuffers() error
	Flush(timeout time.Duration, cb func(bool)) error
	FreeBuffers() error
	Disconnect()
}

type dsInstance struct {
	id   shm.DataSourceInstanceID
	name string
}

type pendingFlush struct {
	waiting map[shm.ProducerID]bool
	cb      func(bool)
}

type session struct {
	id           TracingSessionID
	uuid         uuid.UUID
	consumer     *consumerEndpoint
	cfg          *TraceConfig
	buffersIndex []shm.BufferID
	instances    map[shm.ProducerID][]dsInstance

	pendingFlushes map[shm.FlushRequestID]*pendingFlush

	file         *os.File
	writePeriod  time.Duration
	maxFileSize  uint64
	bytesWritten uint64

	lastSnapshot  time.Time
	configEmitted bool

	enabled          bool
	disabledNotified bool
}

type producerEntry struct {
	id   shm.ProducerID
	uid  int
	name string
	impl Producer
	tr   *base.TaskRunner

	mem      *shm.SharedMemory
	abi      *shm.SharedMemoryABI
	pageSize int

	shmSizeHintKB  uint32
	pageSizeHintKB uint32

	dataSources map[string]bool
}

// Service is the central tracing daemon state. All state is guarded by
// mtx; producer and consumer callbacks are posted to their owners'
// task runners, never invoked under the lock.
type Service struct {
	mtx sync.Mutex
	tr  *base.TaskRunner
	lg  *log.Logger
	uid int

	producers map[shm.ProducerID]*producerEntry
	//name -> producer ids exposing a data source under that name
	dataSources map[string][]shm.ProducerID
	sessions    map[TracingSessionID]*session
	buffers     map[shm.BufferID]*TraceBuffer
	bufferIDs   bufferIDAllocator

	lastProducerID shm.ProducerID
	lastSessionID  TracingSessionID
	lastInstanceID shm.DataSourceInstanceID
	lastFlushID    shm.FlushRequestID

	producersSeen   uint64
	dataSourcesSeen uint64

	lockdown bool
}

func New(tr *base.TaskRunner, lg *log.Logger) *Service {
	return &Service{
		tr:          tr,
		lg:          lg,
		uid:         os.Getuid(),
		producers:   make(map[shm.ProducerID]*producerEntry),
		dataSources: make(map[string][]shm.ProducerID),
		sessions:    make(map[TracingSessionID]*session),
		buffers:     make(map[shm.BufferID]*TraceBuffer),
	}
}

// ConnectProducer registers a producer. uid is the kernel-reported peer
// uid; it is the value stamped on every packet this producer emits.
func (s *Service) ConnectProducer(p Producer, uid int, name string,
	shmSizeHintKB, pageSizeHintKB uint32, tr *base.TaskRunner) ProducerEndpoint {
	s.mtx.Lock()
	s.lastProducerID++
	pe := &producerEntry{
		id:             s.lastProducerID,
		uid:            uid,
		name:           name,
		impl:           p,
		tr:             tr,
		shmSizeHintKB:  shmSizeHintKB,
		pageSizeHintKB: pageSizeHintKB,
		dataSources:    make(map[string]bool),
	}
	s.producers[pe.id] = pe
	s.producersSeen++
	s.mtx.Unlock()
	tr.PostTask(p.OnConnect)
	s.lg.Infof("producer %d (%s) connected uid=%d", pe.id, name, uid)
	return &producerEndpoint{svc: s, pe: pe}
}

// ConnectConsumer registers a consumer session owner.
func (s *Service) ConnectConsumer(c Consumer, uid int, tr *base.TaskRunner) ConsumerEndpoint {
	return &consumerEndpoint{svc: s, impl: c, uid: uid, tr: tr}
}

type producerEndpoint struct {
	svc *Service
	pe  *producerEntry
}

func (p *producerEndpoint) ID() shm.ProducerID { return p.pe.id }

func (p *producerEndpoint) SharedMemory() *shm.SharedMemory {
	p.svc.mtx.Lock()
	defer p.svc.mtx.Unlock()
	return p.pe.mem
}

func (p *producerEndpoint) RegisterDataSource(name string) {
	s := p.svc
	s.mtx.Lock()
	if !p.pe.dataSources[name] {
		p.pe.dataSources[name] = true
		s.dataSources[name] = append(s.dataSources[name], p.pe.id)
		s.dataSourcesSeen++
	}
	s.mtx.Unlock()
}

func (p *producerEndpoint) UnregisterDataSource(name string) {
	s := p.svc
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !p.pe.dataSources[name] {
		return
	}
	delete(p.pe.dataSources, name)
	ids := s.dataSources[name]
	for i := range ids {
		if ids[i] == p.pe.id {
			s.dataSources[name] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.dataSources[name]) == 0 {
		delete(s.dataSources, name)
	}
}

func (p *producerEndpoint) CommitData(req *shm.CommitDataRequest, done func()) {
	p.svc.commitData(p.pe, req)
	if done != nil {
		done()
	}
}

func (p *producerEndpoint) Disconnect() {
	p.svc.disconnectProducer(p.pe)
}

func (s *Service) disconnectProducer(pe *producerEntry) {
	s.mtx.Lock()
	if _, ok := s.producers[pe.id]; !ok {
		s.mtx.Unlock()
		return
	}
	delete(s.producers, pe.id)
	for name := range pe.dataSources {
		ids := s.dataSources[name]
		for i := range ids {
			if ids[i] == pe.id {
				s.dataSources[name] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.dataSources[name]) == 0 {
			delete(s.dataSources, name)
		}
	}
	for _, sess := range s.sessions {
		delete(sess.instances, pe.id)
		for id, pf := range sess.pendingFlushes {
			delete(pf.waiting, pe.id)
			if len(pf.waiting) == 0 {
				cb := pf.cb
				delete(sess.pendingFlushes, id)
				s.tr.PostTask(func() { cb(true) })
			}
		}
	}
	mem := pe.mem
	pe.mem = nil
	pe.abi = nil
	s.mtx.Unlock()
	if mem != nil {
		mem.Close()
	}
	pe.tr.PostTask(pe.impl.OnDisconnect)
}

type consumerEndpoint struct {
	svc  *Service
	impl Consumer
	uid  int
	tr   *base.TaskRunner

	mtx     sync.Mutex
	session TracingSessionID
}

func (c *consumerEndpoint) EnableTracing(cfg *TraceConfig, f *os.File) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.session != 0 {
		return ErrConsumerBusy
	}
	id, err := c.svc.enableTracing(c, cfg, f)
	if err != nil {
		return err
	}
	c.session = id
	return nil
}

func (c *consumerEndpoint) sessionID() (TracingSessionID, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.session == 0 {
		return 0, ErrNoSession
	}
	return c.session, nil
}

func (c *consumerEndpoint) ChangeTraceConfig(cfg *TraceConfig) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.svc.changeTraceConfig(id, cfg)
}

func (c *consumerEndpoint) DisableTracing() error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	c.svc.disableTracing(id)
	return nil
}

func (c *consumerEndpoint) ReadBuffers() error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	c.svc.readBuffers(id, true)
	return nil
}

func (c *consumerEndpoint) Flush(timeout time.Duration, cb func(bool)) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	c.svc.flush(id, timeout, cb)
	return nil
}

func (c *consumerEndpoint) FreeBuffers() error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	c.mtx.Lock()
	c.session = 0
	c.mtx.Unlock()
	c.svc.freeBuffers(id)
	return nil
}

func (c *consumerEndpoint) Disconnect() {
	c.mtx.Lock()
	id := c.session
	c.session = 0
	c.mtx.Unlock()
	if id != 0 {
		c.svc.freeBuffers(id)
	}
}

func (s *Service) enableTracing(c *consumerEndpoint, cfg *TraceConfig, f *os.File) (TracingSessionID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch cfg.Lockdown {
	case LockdownSet:
		s.lockdown = true
	case LockdownClear:
		s.lockdown = false
	}
	if s.lockdown && c.uid != 0 && c.uid != s.uid {
		return 0, ErrLockdown
	}
	if cfg.EnableExtraGuardrails {
		if time.Duration(cfg.DurationMs)*time.Millisecond > guardrailMaxDuration {
			return 0, ErrGuardrail
		}
		var total uint64
		for _, b := range cfg.Buffers {
			total += uint64(b.SizeKB) * 1024
		}
		if total > guardrailMaxBufferBytes {
			return 0, ErrGuardrail
		}
	}
	if len(cfg.Buffers) > maxBuffersPerConsumer {
		return 0, ErrTooManyBuffers
	}
	if len(s.sessions) >= maxConcurrentTracingSessions {
		return 0, ErrTooManySessions
	}
	if cfg.WriteIntoFile && f == nil {
		return 0, ErrMissingFile
	}

	s.lastSessionID++
	sess := &session{
		id:             s.lastSessionID,
		uuid:           uuid.New(),
		consumer:       c,
		cfg:            cfg,
		instances:      make(map[shm.ProducerID][]dsInstance),
		pendingFlushes: make(map[shm.FlushRequestID]*pendingFlush),
		enabled:        true,
	}
	for _, bc := range cfg.Buffers {
		id, err := s.bufferIDs.alloc()
		if err != nil {
			//roll back every buffer allocated so far
			for _, bid := range sess.buffersIndex {
				s.bufferIDs.free(bid)
				delete(s.buffers, bid)
			}
			return 0, err
		}
		sess.buffersIndex = append(sess.buffersIndex, id)
		s.buffers[id] = NewTraceBuffer(int(bc.SizeKB)*1024, bc.FillPolicy)
	}
	if cfg.WriteIntoFile {
		sess.file = f
		sess.maxFileSize = cfg.MaxFileSizeBytes
		period := time.Duration(cfg.FileWritePeriodMs) * time.Millisecond
		if period < minWritePeriod {
			period = minWritePeriod
		}
		if cfg.FileWritePeriodMs == 0 || period > defaultWritePeriod {
			period = defaultWritePeriod
		}
		sess.writePeriod = period
	}
	s.sessions[sess.id] = sess

	//instantiate every matching registered data source
	for i := range cfg.DataSources {
		ds := &cfg.DataSources[i]
		for _, pid := range s.dataSources[ds.Config.Name] {
			pe := s.producers[pid]
			if pe == nil || !producerNameMatches(ds.ProducerNameFilter, pe.name) {
				continue
			}
			s.setupInstanceLocked(sess, pe, ds)
		}
	}

	sessID := sess.id
	if cfg.DurationMs > 0 {
		s.tr.PostDelayedTask(time.Duration(cfg.DurationMs)*time.Millisecond, func() {
			s.flushAndDisable(sessID)
		})
	}
	if sess.file != nil {
		s.tr.PostDelayedTask(sess.writePeriod, func() {
			s.drainIntoFile(sessID)
		})
	}
	s.lg.Infof("tracing session %d (%s) enabled, %d buffers", sess.id, sess.uuid, len(sess.buffersIndex))
	return sess.id, nil
}

func producerNameMatches(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

// setupInstanceLocked mints an instance, ensures the producer SMB, and
// posts the creation callback. Callers hold s.mtx.
func (s *Service) setupInstanceLocked(sess *session, pe *producerEntry, ds *TraceConfigDataSource) {
	rel := int(ds.Config.TargetBuffer)
	if rel < 0 || rel >= len(sess.buffersIndex) {
		s.lg.Warnf("session %d: data source %q targets invalid buffer %d", sess.id, ds.Config.Name, rel)
		return
	}
	s.lastInstanceID++
	inst := dsInstance{id: s.lastInstanceID, name: ds.Config.Name}
	sess.instances[pe.id] = append(sess.instances[pe.id], inst)

	cfg := ds.Config //deep enough: Extra is never mutated downstream
	cfg.TraceDurationMs = sess.cfg.DurationMs
	cfg.TargetBuffer = uint32(sess.buffersIndex[rel])

	if pe.mem == nil {
		s.setupSharedMemoryLocked(sess, pe)
	}
	impl, tr := pe.impl, pe.tr
	instID := inst.id
	tr.PostTask(func() { impl.CreateDataSourceInstance(instID, cfg) })
}

// setupSharedMemoryLocked computes the SMB geometry from the config and
// producer hints, creates the region, and delivers it. Callers hold
// s.mtx.
func (s *Service) setupSharedMemoryLocked(sess *session, pe *producerEntry) {
	pageKB := pe.pageSizeHintKB
	shmKB := pe.shmSizeHintKB
	//producer config overrides beat the connect-time hints; last match
	//wins when several entries name the same producer
	for _, pc := range sess.cfg.Producers {
		if pc.ProducerName != pe.name {
			continue
		}
		if pc.PageSizeKB != 0 {
			pageKB = pc.PageSizeKB
		}
		if pc.ShmSizeKB != 0 {
			shmKB = pc.ShmSizeKB
		}
	}
	osPage := os.Getpagesize()
	pageSize := int(pageKB) * 1024
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if pageSize < osPage {
		pageSize = osPage
	}
	if pageSize > shm.MaxPageSize {
		pageSize = shm.MaxPageSize
	}
	pageSize -= pageSize % osPage

	size := int(shmKB) * 1024
	if size == 0 {
		size = defaultShmSize
	}
	if size < pageSize {
		size = pageSize
	}
	if size > shm.MaxSharedMemorySize {
		size = shm.MaxSharedMemorySize
	}
	size -= size % pageSize

	mem, err := shm.CreateSharedMemory(size)
	if err != nil {
		s.lg.Errorf("smb allocation for producer %d failed: %v", pe.id, err)
		return
	}
	abi, err := shm.NewSharedMemoryABI(mem.Bytes(), pageSize)
	if err != nil {
		mem.Close()
		s.lg.Errorf("smb layout for producer %d failed: %v", pe.id, err)
		return
	}
	pe.mem = mem
	pe.abi = abi
	pe.pageSize = pageSize
	impl, tr := pe.impl, pe.tr
	tr.PostTask(func() { impl.SetupSharedMemory(mem, pageSize) })
}

func (s *Service) changeTraceConfig(id TracingSessionID, next *TraceConfig) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.enabled {
		return ErrNoSession
	}
	if len(next.DataSources) != len(sess.cfg.DataSources) {
		return ErrInvalidConfigChange
	}
	for i := range next.DataSources {
		cur := &sess.cfg.DataSources[i]
		upd := &next.DataSources[i]
		if upd.Config.Name != cur.Config.Name || upd.Config.TargetBuffer != cur.Config.TargetBuffer {
			return ErrInvalidConfigChange
		}
		//only additions to the filter are allowed
		for _, old := range cur.ProducerNameFilter {
			if !producerNameMatches(upd.ProducerNameFilter, old) {
				return ErrInvalidConfigChange
			}
		}
	}
	for i := range next.DataSources {
		cur := &sess.cfg.DataSources[i]
		upd := &next.DataSources[i]
		added := make(map[string]bool)
		for _, f := range upd.ProducerNameFilter {
			if !producerNameMatches(cur.ProducerNameFilter, f) || len(cur.ProducerNameFilter) == 0 {
				added[f] = true
			}
		}
		cur.ProducerNameFilter = upd.ProducerNameFilter
		if len(added) == 0 {
			continue
		}
		for _, pid := range s.dataSources[cur.Config.Name] {
			pe := s.producers[pid]
			if pe == nil || !added[pe.name] {
				continue
			}
			if hasInstance(sess, pid, cur.Config.Name) {
				continue
			}
			s.setupInstanceLocked(sess, pe, cur)
		}
	}
	return nil
}

func hasInstance(sess *session, pid shm.ProducerID, name string) bool {
	for _, inst := range sess.instances[pid] {
		if inst.name == name {
			return true
		}
	}
	return false
}

func (s *Service) flushAndDisable(id TracingSessionID) {
	s.flush(id, defaultFlushTimeout, func(bool) {
		s.disableTracing(id)
	})
}

func (s *Service) disableTracing(id TracingSessionID) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok || !sess.enabled {
		s.mtx.Unlock()
		return
	}
	sess.enabled = false
	type teardown struct {
		impl Producer
		tr   *base.TaskRunner
		ids  []shm.DataSourceInstanceID
	}
	var tds []teardown
	for pid, insts := range sess.instances {
		pe := s.producers[pid]
		if pe == nil {
			continue
		}
		td := teardown{impl: pe.impl, tr: pe.tr}
		for _, inst := range insts {
			td.ids = append(td.ids, inst.id)
		}
		tds = append(tds, td)
	}
	sess.instances = make(map[shm.ProducerID][]dsInstance)
	hasFile := sess.file != nil
	s.mtx.Unlock()

	for _, td := range tds {
		td := td
		td.tr.PostTask(func() {
			for _, iid := range td.ids {
				td.impl.TearDownDataSourceInstance(iid)
			}
		})
	}
	if hasFile {
		s.drainIntoFile(id) //final drain
	}
	s.notifyDisabled(id)
	s.lg.Infof("tracing session %d disabled", id)
}

func (s *Service) notifyDisabled(id TracingSessionID) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.disabledNotified {
		s.mtx.Unlock()
		return
	}
	sess.disabledNotified = true
	cons := sess.consumer
	s.mtx.Unlock()
	cons.tr.PostTask(cons.impl.OnTracingDisabled)
}

func (s *Service) freeBuffers(id TracingSessionID) {
	s.disableTracing(id)
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mtx.Unlock()
		return
	}
	for _, bid := range sess.buffersIndex {
		s.bufferIDs.free(bid)
		delete(s.buffers, bid)
	}
	delete(s.sessions, id)
	var file *os.File
	if sess.file != nil {
		file = sess.file
		sess.file = nil
	}
	s.mtx.Unlock()
	if file != nil {
		file.Close()
	}
	s.lg.Infof("tracing session %d freed", id)
}

// flush mints a FlushRequestID, asks every producer holding an active
// instance to flush, and arms the timeout.
func (s *Service) flush(id TracingSessionID, timeout time.Duration, cb func(bool)) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok || !sess.enabled {
		s.mtx.Unlock()
		if cb != nil {
			cb(false)
		}
		return
	}
	s.lastFlushID++
	fid := s.lastFlushID
	pf := &pendingFlush{waiting: make(map[shm.ProducerID]bool), cb: cb}
	type ask struct {
		impl Producer
		tr   *base.TaskRunner
		ids  []shm.DataSourceInstanceID
	}
	var asks []ask
	for pid, insts := range sess.instances {
		pe := s.producers[pid]
		if pe == nil {
			continue
		}
		a := ask{impl: pe.impl, tr: pe.tr}
		for _, inst := range insts {
			a.ids = append(a.ids, inst.id)
		}
		pf.waiting[pid] = true
		asks = append(asks, a)
	}
	if len(pf.waiting) == 0 {
		s.mtx.Unlock()
		if cb != nil {
			cb(true)
		}
		return
	}
	sess.pendingFlushes[fid] = pf
	s.mtx.Unlock()

	for _, a := range asks {
		a := a
		a.tr.PostTask(func() { a.impl.Flush(fid, a.ids) })
	}
	s.tr.PostDelayedTask(timeout, func() {
		s.mtx.Lock()
		sess, ok := s.sessions[id]
		if !ok {
			s.mtx.Unlock()
			return
		}
		pf, ok := sess.pendingFlushes[fid]
		if !ok {
			s.mtx.Unlock()
			return
		}
		delete(sess.pendingFlushes, fid)
		s.mtx.Unlock()
		if pf.cb != nil {
			pf.cb(false)
		}
	})
}

// commitData is the heart of the producer data path: move chunks out of
// the SMB into central buffers, apply patches, route flush acks.
func (s *Service) commitData(pe *producerEntry, req *shm.CommitDataRequest) {
	s.mtx.Lock()
	abi := pe.abi
	for _, mv := range req.ChunksToMove {
		if abi == nil {
			break
		}
		page, idx := int(mv.Page), int(mv.Chunk)
		if page < 0 || page >= abi.NumPages() {
			s.bumpABIViolation(mv.TargetBuffer)
			continue
		}
		chunk, ok := abi.TryAcquireChunkForReading(page, idx)
		if !ok {
			s.bumpABIViolation(mv.TargetBuffer)
			continue
		}
		//snapshot the untrusted header once
		writer, chunkID, count, flags := chunk.Header()
		payload := chunk.Payload()
		tb := s.buffers[mv.TargetBuffer]
		if tb != nil {
			//a pending patch for this chunk in the same request means it
			//is not final yet
			finalized := !chunkHasPendingPatch(req, writer, chunkID)
			tb.CopyChunk(pe.id, pe.uid, writer, chunkID, count, flags, payload, finalized)
		}
		//unowned buffer ids are normal during session teardown races
		abi.ReleaseChunkAsFree(chunk)
	}
	for _, cp := range req.ChunksToPatch {
		tb := s.buffers[cp.TargetBuffer]
		if tb == nil {
			continue
		}
		tb.TryPatchChunkContents(pe.id, cp.Writer, cp.Chunk, cp.Patches, cp.HasMorePatches)
	}
	var fired []func(bool)
	if req.FlushRequestID != 0 {
		for _, sess := range s.sessions {
			for fid, pf := range sess.pendingFlushes {
				if fid > req.FlushRequestID || !pf.waiting[pe.id] {
					continue
				}
				delete(pf.waiting, pe.id)
				if len(pf.waiting) == 0 {
					delete(sess.pendingFlushes, fid)
					if pf.cb != nil {
						fired = append(fired, pf.cb)
					}
				}
			}
		}
	}
	s.mtx.Unlock()
	for _, cb := range fired {
		cb(true)
	}
}

// chunkHasPendingPatch reports whether the same request carries patches
// for the chunk; such a chunk is copied unfinalized and the patch
// application right after flips it.
func chunkHasPendingPatch(req *shm.CommitDataRequest, w shm.WriterID, c shm.ChunkID) bool {
	for i := range req.ChunksToPatch {
		if req.ChunksToPatch[i].Writer == w && req.ChunksToPatch[i].Chunk == c {
			return true
		}
	}
	return false
}

func (s *Service) bumpABIViolation(bid shm.BufferID) {
	if tb := s.buffers[bid]; tb != nil {
		tb.Stats().ABIViolations++
	}
}

// snapshotStatsLocked assembles the stats packet counters; callers hold
// s.mtx.
func (s *Service) snapshotStatsLocked(sess *session) *ServiceStats {
	st := &ServiceStats{
		ProducersConnected: uint32(len(s.producers)),
		ProducersSeen:      s.producersSeen,
		DataSourcesSeen:    s.dataSourcesSeen,
		TracingSessions:    uint32(len(s.sessions)),
		TotalBuffers:       uint32(len(s.buffers)),
	}
	for _, bid := range sess.buffersIndex {
		if tb := s.buffers[bid]; tb != nil {
			st.Buffers = append(st.Buffers, *tb.Stats())
		}
	}
	return st
}

// readBuffers drains packets. With toConsumer set the batch goes to the
// consumer's OnTraceData in chunks of ~32 KiB with continuation tasks;
// otherwise it is the file-drain path and the caller writes the result.
func (s *Service) readBuffers(id TracingSessionID, toConsumer bool) {
	s.mtx.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mtx.Unlock()
		return
	}
	var out []Packet
	//synthetic packets: config once per session, clock+stats at most
	//once per interval
	if !sess.configEmitted {
		sess.configEmitted = true
		out = append(out, Packet{Data: BuildUUIDPacket(sess.uuid), TrustedUID: s.uid})
		out = append(out, Packet{Data: BuildConfigPacket(sess.cfg), TrustedUID: s.uid})
	}
	if time.Since(sess.lastSnapshot) >= snapshotInterval {
		sess.lastSnapshot = time.Now()
		out = append(out, Packet{Data: BuildClockSnapshotPacket(), TrustedUID: s.uid})
		out = append(out, Packet{Data: BuildStatsPacket(s.snapshotStatsLocked(sess)), TrustedUID: s.uid})
	}
	total := 0
	hasMore := false
	for _, bid := range sess.buffersIndex {
		tb := s.buffers[bid]
		if tb == nil {
			continue
		}
		tb.BeginRead()
		for {
			pkt, ok := tb.ReadNextTracePacket()
			if !ok {
				break
			}
			if !ValidatePacket(pkt.Data) {
				tb.Stats().ABIViolations++
				continue
			}
			pkt.Data = AppendTrustedUID(pkt.Data, pkt.TrustedUID)
			out = append(out, pkt)
			total += len(pkt.Data)
			if total >= readBatchThreshold {
				hasMore = true
				break
			}
		}
		if hasMore {
			break
		}
	}
	cons := sess.consumer
	s.mtx.Unlock()

	if toConsumer {
		cons.tr.PostTask(func() { cons.impl.OnTraceData(out, hasMore) })
		if hasMore {
			s.tr.PostTask(func() { s.readBuffers(id, true) })
		}
		return
	}
	s.writeIntoFile(id, out, hasMore)
}
