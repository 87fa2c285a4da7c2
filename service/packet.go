/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"
)

// Trace packet wire field numbers. Field 3 is the service-signed
// trusted uid; producers must never emit it themselves.
const (
	pktFieldClockSnapshot = 6
	pktFieldTrustedUID    = 3
	pktFieldTraceConfig   = 33
	pktFieldTraceStats    = 35
	pktFieldTraceUUID     = 89

	// file layout: each packet is field 1 of the root trace message
	traceFieldPacket = 1
)

// Packet is one validated trace packet plus the uid the service vouches
// for.
type Packet struct {
	Data       []byte
	TrustedUID int
}

// ValidatePacket scans a producer-written packet for the reserved
// trusted field; packets carrying it are dropped whole.
func ValidatePacket(b []byte) bool {
	ok := true
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, _ []byte) error {
		if num == pktFieldTrustedUID {
			ok = false
		}
		return nil
	})
	return err == nil && ok
}

// AppendTrustedUID appends the service-signed uid slice. Appending,
// rather than rewriting, guarantees the signed value wins on decode
// even if validation missed a producer-written field: protobuf
// tiebreaks by last occurrence.
func AppendTrustedUID(pkt []byte, uid int) []byte {
	out := make([]byte, 0, len(pkt)+6)
	out = append(out, pkt...)
	return appendVarintField(out, pktFieldTrustedUID, uint64(uint32(uid)))
}

// FramePacketForFile wraps a packet payload in the root-level field
// preamble so the output file is a valid trace message by construction.
func FramePacketForFile(pkt []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, traceFieldPacket, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(pkt)))
	return b
}

// BuildConfigPacket wraps the session config into a packet emitted once
// per session.
func BuildConfigPacket(cfg *TraceConfig) []byte {
	return appendBytesField(nil, pktFieldTraceConfig, cfg.Encode())
}

// BuildUUIDPacket emits the session identity packet, once per session,
// so every output stream is globally attributable.
func BuildUUIDPacket(id uuid.UUID) []byte {
	return appendBytesField(nil, pktFieldTraceUUID, id[:])
}

var snapshotClocks = []int32{
	unix.CLOCK_BOOTTIME,
	unix.CLOCK_REALTIME,
	unix.CLOCK_REALTIME_COARSE,
	unix.CLOCK_MONOTONIC,
	unix.CLOCK_MONOTONIC_COARSE,
	unix.CLOCK_MONOTONIC_RAW,
	unix.CLOCK_PROCESS_CPUTIME_ID,
	unix.CLOCK_THREAD_CPUTIME_ID,
}

// BuildClockSnapshotPacket samples every clock domain as close together
// as possible and emits them as one snapshot packet.
func BuildClockSnapshotPacket() []byte {
	var snap []byte
	for _, id := range snapshotClocks {
		var ts unix.Timespec
		if err := unix.ClockGettime(id, &ts); err != nil {
			continue
		}
		var clk []byte
		clk = appendVarintField(clk, 1, uint64(uint32(id)))
		clk = appendVarintField(clk, 2, uint64(ts.Sec)*1000000000+uint64(ts.Nsec))
		snap = appendBytesField(snap, 1, clk)
	}
	return appendBytesField(nil, pktFieldClockSnapshot, snap)
}

// BufferStats is the per-buffer counter block surfaced in the stats
// packet.
type BufferStats struct {
	BytesWritten        uint64
	ChunksWritten       uint64
	ChunksOverwritten   uint64
	ChunksDiscarded     uint64
	WriteWrapCount      uint64
	PatchesSucceeded    uint64
	PatchesFailed       uint64
	ReadaheadsSucceeded uint64
	ReadaheadsFailed    uint64
	ABIViolations       uint64
}

// ServiceStats is the service-wide counter block.
type ServiceStats struct {
	ProducersConnected uint32
	ProducersSeen      uint64
	DataSourcesSeen    uint64
	TracingSessions    uint32
	TotalBuffers       uint32
	Buffers            []BufferStats
}

func (s *ServiceStats) encode() []byte {
	var b []byte
	for i := range s.Buffers {
		bs := &s.Buffers[i]
		var sub []byte
		sub = appendVarintField(sub, 1, bs.BytesWritten)
		sub = appendVarintField(sub, 2, bs.ChunksWritten)
		sub = appendVarintField(sub, 3, bs.ChunksOverwritten)
		sub = appendVarintField(sub, 4, bs.WriteWrapCount)
		sub = appendVarintField(sub, 5, bs.PatchesSucceeded)
		sub = appendVarintField(sub, 6, bs.PatchesFailed)
		sub = appendVarintField(sub, 7, bs.ReadaheadsSucceeded)
		sub = appendVarintField(sub, 8, bs.ReadaheadsFailed)
		sub = appendVarintField(sub, 9, bs.ABIViolations)
		sub = appendVarintField(sub, 10, bs.ChunksDiscarded)
		b = appendBytesField(b, 1, sub)
	}
	b = appendVarintField(b, 2, uint64(s.ProducersConnected))
	b = appendVarintField(b, 3, s.ProducersSeen)
	b = appendVarintField(b, 4, s.DataSourcesSeen)
	b = appendVarintField(b, 5, uint64(s.TracingSessions))
	b = appendVarintField(b, 6, uint64(s.TotalBuffers))
	return b
}

// BuildStatsPacket emits the counters packet the consumer polls through
// ReadBuffers.
func BuildStatsPacket(s *ServiceStats) []byte {
	return appendBytesField(nil, pktFieldTraceStats, s.encode())
}
