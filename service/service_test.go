/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"bytes"
	"os"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/base"
	"github.com/gravwell/tracegrid/comms/log"
	"github.com/gravwell/tracegrid/shm"
)

type instEvent struct {
	id  shm.DataSourceInstanceID
	cfg DataSourceConfig
}

type flushEvent struct {
	id        shm.FlushRequestID
	instances []shm.DataSourceInstanceID
}

// testProducer is an in-process producer wired straight to the service
// endpoint, with a real arbiter over the delivered SMB.
type testProducer struct {
	tr  *base.TaskRunner
	ep  ProducerEndpoint
	arb *shm.Arbiter

	setup     chan struct{}
	created   chan instEvent
	torndown  chan shm.DataSourceInstanceID
	flushReqs chan flushEvent

	ackFlushes bool
}

func newTestProducer(t *testing.T, ackFlushes bool) *testProducer {
	t.Helper()
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Quit)
	return &testProducer{
		tr:         tr,
		setup:      make(chan struct{}, 1),
		created:    make(chan instEvent, 8),
		torndown:   make(chan shm.DataSourceInstanceID, 8),
		flushReqs:  make(chan flushEvent, 8),
		ackFlushes: ackFlushes,
	}
}

func (p *testProducer) OnConnect()    {}
func (p *testProducer) OnDisconnect() {}

func (p *testProducer) SetupSharedMemory(mem *shm.SharedMemory, pageSize int) {
	abi, err := shm.NewSharedMemoryABI(mem.Bytes(), pageSize)
	if err != nil {
		panic(err)
	}
	p.arb = shm.NewArbiter(abi, p, p.tr)
	select {
	case p.setup <- struct{}{}:
	default:
	}
}

// CommitData implements shm.CommitSink by forwarding to the service.
func (p *testProducer) CommitData(req *shm.CommitDataRequest, done func()) {
	p.ep.CommitData(req, done)
}

func (p *testProducer) CreateDataSourceInstance(id shm.DataSourceInstanceID, cfg DataSourceConfig) {
	p.created <- instEvent{id: id, cfg: cfg}
}

func (p *testProducer) TearDownDataSourceInstance(id shm.DataSourceInstanceID) {
	p.torndown <- id
}

func (p *testProducer) Flush(id shm.FlushRequestID, instances []shm.DataSourceInstanceID) {
	p.flushReqs <- flushEvent{id: id, instances: instances}
	if p.ackFlushes {
		p.ep.CommitData(&shm.CommitDataRequest{FlushRequestID: id}, nil)
	}
}

type testConsumer struct {
	tr       *base.TaskRunner
	disabled chan struct{}
	data     chan []Packet
}

func newTestConsumer(t *testing.T) *testConsumer {
	t.Helper()
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Quit)
	return &testConsumer{
		tr:       tr,
		disabled: make(chan struct{}, 8),
		data:     make(chan []Packet, 64),
	}
}

func (c *testConsumer) OnTracingDisabled() { c.disabled <- struct{}{} }

func (c *testConsumer) OnTraceData(pkts []Packet, hasMore bool) {
	c.data <- pkts
}

type testEnv struct {
	svc  *Service
	tr   *base.TaskRunner
	prod *testProducer
	pep  ProducerEndpoint
	cons *testConsumer
	cep  ConsumerEndpoint
}

func newTestEnv(t *testing.T, ackFlushes bool) *testEnv {
	t.Helper()
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Quit)
	svc := New(tr, log.NewDiscardLogger())
	prod := newTestProducer(t, ackFlushes)
	pep := svc.ConnectProducer(prod, 1000, "test-producer", 0, 0, prod.tr)
	prod.ep = pep
	pep.RegisterDataSource("test.source")
	cons := newTestConsumer(t)
	cep := svc.ConnectConsumer(cons, os.Getuid(), cons.tr)
	return &testEnv{svc: svc, tr: tr, prod: prod, pep: pep, cons: cons, cep: cep}
}

func basicConfig() *TraceConfig {
	return &TraceConfig{
		Buffers: []BufferConfig{{SizeKB: 64}},
		DataSources: []TraceConfigDataSource{{
			Config: DataSourceConfig{Name: "test.source", TargetBuffer: 0},
		}},
	}
}

func waitInstance(t *testing.T, p *testProducer) instEvent {
	t.Helper()
	select {
	case <-p.setup:
	case <-time.After(2 * time.Second):
		t.Fatal("smb never delivered")
	}
	select {
	case ev := <-p.created:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("data source instance never created")
	}
	return instEvent{}
}

// produce writes packets through the real SMB path and flushes commits.
func (e *testEnv) produce(t *testing.T, target shm.BufferID, payloads ...[]byte) {
	t.Helper()
	w := e.prod.arb.CreateTraceWriter(target, shm.DropPolicy)
	for _, p := range payloads {
		if err := w.WritePacket(p); err != nil {
			t.Fatal(err)
		}
	}
	w.Flush()
	e.prod.arb.FlushPendingCommits()
}

func trustedUIDOf(t *testing.T, pkt []byte) (int, bool) {
	t.Helper()
	var uid uint64
	found := false
	if err := walkMessage(pkt, func(num protowire.Number, _ protowire.Type, val []byte) error {
		if num == pktFieldTrustedUID {
			uid, _ = protowire.ConsumeVarint(val)
			found = true
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return int(uid), found
}

func TestEndToEndPacketFlow(t *testing.T) {
	e := newTestEnv(t, true)
	if err := e.cep.EnableTracing(basicConfig(), nil); err != nil {
		t.Fatal(err)
	}
	ev := waitInstance(t, e.prod)
	if ev.cfg.Name != "test.source" {
		t.Fatalf("wrong ds config: %+v", ev.cfg)
	}
	payload := appendBytesField(nil, 11, []byte("ftrace event bundle"))
	e.produce(t, shm.BufferID(ev.cfg.TargetBuffer), payload)

	if err := e.cep.ReadBuffers(); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case pkts := <-e.cons.data:
			for _, p := range pkts {
				if bytes.Contains(p.Data, []byte("ftrace event bundle")) {
					uid, ok := trustedUIDOf(t, p.Data)
					if !ok || uid != 1000 {
						t.Fatalf("trusted uid wrong: %d ok=%v", uid, ok)
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("produced packet never reached the consumer")
		}
	}
}

func TestEnableTracingRejections(t *testing.T) {
	e := newTestEnv(t, true)

	//write_into_file without fd
	cfg := basicConfig()
	cfg.WriteIntoFile = true
	if err := e.cep.EnableTracing(cfg, nil); err != ErrMissingFile {
		t.Fatalf("missing file accepted: %v", err)
	}

	//guardrails: 25h duration
	cfg = basicConfig()
	cfg.EnableExtraGuardrails = true
	cfg.DurationMs = 25 * 3600 * 1000
	if err := e.cep.EnableTracing(cfg, nil); err != ErrGuardrail {
		t.Fatalf("guardrail duration accepted: %v", err)
	}

	//guardrails: buffer total over 32 MiB
	cfg = basicConfig()
	cfg.EnableExtraGuardrails = true
	cfg.Buffers = []BufferConfig{{SizeKB: 64 * 1024}}
	if err := e.cep.EnableTracing(cfg, nil); err != ErrGuardrail {
		t.Fatalf("guardrail size accepted: %v", err)
	}

	//too many buffers
	cfg = basicConfig()
	cfg.Buffers = make([]BufferConfig, maxBuffersPerConsumer+1)
	for i := range cfg.Buffers {
		cfg.Buffers[i].SizeKB = 4
	}
	if err := e.cep.EnableTracing(cfg, nil); err != ErrTooManyBuffers {
		t.Fatalf("buffer count accepted: %v", err)
	}

	//a valid session, then a second one from the same consumer
	if err := e.cep.EnableTracing(basicConfig(), nil); err != nil {
		t.Fatal(err)
	}
	if err := e.cep.EnableTracing(basicConfig(), nil); err != ErrConsumerBusy {
		t.Fatalf("double session accepted: %v", err)
	}
}

func TestConcurrentSessionCap(t *testing.T) {
	tr, err := base.NewTaskRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Quit()
	svc := New(tr, log.NewDiscardLogger())
	for i := 0; i < maxConcurrentTracingSessions; i++ {
		cons := newTestConsumer(t)
		cep := svc.ConnectConsumer(cons, os.Getuid(), cons.tr)
		if err := cep.EnableTracing(basicConfig(), nil); err != nil {
			t.Fatalf("session %d rejected: %v", i, err)
		}
	}
	cons := newTestConsumer(t)
	cep := svc.ConnectConsumer(cons, os.Getuid(), cons.tr)
	if err := cep.EnableTracing(basicConfig(), nil); err != ErrTooManySessions {
		t.Fatalf("session cap not enforced: %v", err)
	}
}

func TestDisableIdempotentAndFreeBuffers(t *testing.T) {
	e := newTestEnv(t, true)
	if err := e.cep.EnableTracing(basicConfig(), nil); err != nil {
		t.Fatal(err)
	}
	waitInstance(t, e.prod)
	if err := e.cep.DisableTracing(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-e.cons.disabled:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTracingDisabled never fired")
	}
	//second disable: no second notification
	e.cep.DisableTracing()
	select {
	case <-e.cons.disabled:
		t.Fatal("OnTracingDisabled fired twice")
	case <-time.After(100 * time.Millisecond):
	}
	//the session object survives for ReadBuffers until FreeBuffers
	if err := e.cep.ReadBuffers(); err != nil {
		t.Fatal(err)
	}
	if err := e.cep.FreeBuffers(); err != nil {
		t.Fatal(err)
	}
	if err := e.cep.ReadBuffers(); err != ErrNoSession {
		t.Fatalf("ReadBuffers after FreeBuffers: %v", err)
	}
	if err := e.cep.Flush(time.Second, nil); err != ErrNoSession {
		t.Fatalf("Flush after FreeBuffers: %v", err)
	}
}

func TestFlushSuccess(t *testing.T) {
	e := newTestEnv(t, true)
	if err := e.cep.EnableTracing(basicConfig(), nil); err != nil {
		t.Fatal(err)
	}
	waitInstance(t, e.prod)
	res := make(chan bool, 1)
	if err := e.cep.Flush(2*time.Second, func(ok bool) { res <- ok }); err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-res:
		if !ok {
			t.Fatal("flush failed with acking producer")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("flush callback never fired")
	}
}

// scenario: flush timeout with a producer that never acks, then a late
// ack that must not fire a second callback
func TestFlushTimeout(t *testing.T) {
	e := newTestEnv(t, false)
	if err := e.cep.EnableTracing(basicConfig(), nil); err != nil {
		t.Fatal(err)
	}
	waitInstance(t, e.prod)
	res := make(chan bool, 2)
	start := time.Now()
	if err := e.cep.Flush(50*time.Millisecond, func(ok bool) { res <- ok }); err != nil {
		t.Fatal(err)
	}
	var fe flushEvent
	select {
	case fe = <-e.prod.flushReqs:
	case <-time.After(time.Second):
		t.Fatal("producer never asked to flush")
	}
	select {
	case ok := <-res:
		if ok {
			t.Fatal("flush succeeded with mute producer")
		}
		if time.Since(start) < 50*time.Millisecond {
			t.Fatal("flush timed out early")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush timeout never fired")
	}
	//late ack: no second callback
	e.pep.CommitData(&shm.CommitDataRequest{FlushRequestID: fe.id}, nil)
	select {
	case <-res:
		t.Fatal("late ack fired a second callback")
	case <-time.After(100 * time.Millisecond):
	}
}

// scenario: file drain with a size cap ends at a packet boundary and
// disables the session exactly once
func TestFileDrainCap(t *testing.T) {
	e := newTestEnv(t, true)
	f, err := os.CreateTemp("", "tracegrid-drain")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	const maxFile = 4096
	cfg := basicConfig()
	cfg.WriteIntoFile = true
	cfg.FileWritePeriodMs = 100
	cfg.MaxFileSizeBytes = maxFile
	if err := e.cep.EnableTracing(cfg, f); err != nil {
		t.Fatal(err)
	}
	ev := waitInstance(t, e.prod)

	//emit well over the cap
	payload := appendBytesField(nil, 11, bytes.Repeat([]byte{0x55}, 512))
	for i := 0; i < 32; i++ {
		e.produce(t, shm.BufferID(ev.cfg.TargetBuffer), payload)
	}
	select {
	case <-e.cons.disabled:
	case <-time.After(5 * time.Second):
		t.Fatal("cap never disabled the session")
	}
	select {
	case <-e.cons.disabled:
		t.Fatal("disabled notification fired twice")
	case <-time.After(200 * time.Millisecond):
	}

	out, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 || len(out) > maxFile {
		t.Fatalf("file size %d violates cap %d", len(out), maxFile)
	}
	//the file must be a clean sequence of root-level packet fields
	rest := out
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 || num != traceFieldPacket || typ != protowire.BytesType {
			t.Fatalf("bad root field at offset %d", len(out)-len(rest))
		}
		rest = rest[n:]
		_, n = protowire.ConsumeBytes(rest)
		if n < 0 {
			t.Fatal("file ends mid packet")
		}
		rest = rest[n:]
	}
}

func TestTraceConfigRoundTrip(t *testing.T) {
	cfg := &TraceConfig{
		Buffers: []BufferConfig{{SizeKB: 1024}, {SizeKB: 64, FillPolicy: FillDiscard}},
		DataSources: []TraceConfigDataSource{{
			Config:             DataSourceConfig{Name: "linux.ftrace", TargetBuffer: 1},
			ProducerNameFilter: []string{"probes"},
		}},
		DurationMs:        10000,
		Lockdown:          LockdownSet,
		Producers:         []ProducerConfig{{ProducerName: "probes", ShmSizeKB: 512, PageSizeKB: 8}},
		WriteIntoFile:     true,
		FileWritePeriodMs: 2500,
		MaxFileSizeBytes:  1 << 20,
	}
	got, err := DecodeTraceConfig(cfg.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Buffers) != 2 || got.Buffers[1].FillPolicy != FillDiscard {
		t.Fatalf("buffers wrong: %+v", got.Buffers)
	}
	if len(got.DataSources) != 1 || got.DataSources[0].Config.Name != "linux.ftrace" ||
		got.DataSources[0].ProducerNameFilter[0] != "probes" {
		t.Fatalf("data sources wrong: %+v", got.DataSources)
	}
	if got.DurationMs != 10000 || got.Lockdown != LockdownSet || !got.WriteIntoFile ||
		got.FileWritePeriodMs != 2500 || got.MaxFileSizeBytes != 1<<20 {
		t.Fatalf("scalars wrong: %+v", got)
	}
	if len(got.Producers) != 1 || got.Producers[0].ShmSizeKB != 512 {
		t.Fatalf("producers wrong: %+v", got.Producers)
	}
}

func TestChangeTraceConfigFilterAdd(t *testing.T) {
	e := newTestEnv(t, true)
	cfg := basicConfig()
	cfg.DataSources[0].ProducerNameFilter = []string{"someone-else"}
	if err := e.cep.EnableTracing(cfg, nil); err != nil {
		t.Fatal(err)
	}
	//no instance: the filter excludes our producer
	select {
	case <-e.prod.created:
		t.Fatal("filtered producer got an instance")
	case <-time.After(200 * time.Millisecond):
	}
	next := basicConfig()
	next.DataSources[0].ProducerNameFilter = []string{"someone-else", "test-producer"}
	if err := e.cep.ChangeTraceConfig(next); err != nil {
		t.Fatal(err)
	}
	waitInstance(t, e.prod)

	//removals are rejected
	bad := basicConfig()
	bad.DataSources[0].ProducerNameFilter = []string{"test-producer"}
	if err := e.cep.ChangeTraceConfig(bad); err != ErrInvalidConfigChange {
		t.Fatalf("filter removal accepted: %v", err)
	}
}
