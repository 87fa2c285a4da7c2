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

	"google.golang.org/protobuf/encoding/protowire"
)

type FillPolicy int

const (
	FillRingBuffer FillPolicy = 0
	FillDiscard    FillPolicy = 1
)

type LockdownMode int

const (
	LockdownUnchanged LockdownMode = 0
	LockdownClear     LockdownMode = 1
	LockdownSet       LockdownMode = 2
)

var ErrMalformedConfig = errors.New("malformed trace config")

type BufferConfig struct {
	SizeKB     uint32
	FillPolicy FillPolicy
}

// DataSourceConfig is the per-instance configuration handed to a
// producer. The service overrides TargetBuffer and TraceDurationMs
// before delivery; Extra carries the source-specific payload opaquely.
type DataSourceConfig struct {
	Name            string
	TargetBuffer    uint32
	TraceDurationMs uint32
	Extra           []byte
}

type TraceConfigDataSource struct {
	Config             DataSourceConfig
	ProducerNameFilter []string
}

type ProducerConfig struct {
	ProducerName string
	ShmSizeKB    uint32
	PageSizeKB   uint32
}

type TraceConfig struct {
	Buffers               []BufferConfig
	DataSources           []TraceConfigDataSource
	DurationMs            uint32
	EnableExtraGuardrails bool
	Lockdown              LockdownMode
	Producers             []ProducerConfig
	WriteIntoFile         bool
	FileWritePeriodMs     uint32
	MaxFileSizeBytes      uint64
}

// trace config wire field numbers
const (
	tcFieldBuffers         = 1
	tcFieldDataSources     = 2
	tcFieldDurationMs      = 3
	tcFieldGuardrails      = 4
	tcFieldLockdown        = 5
	tcFieldProducers       = 6
	tcFieldWriteIntoFile   = 8
	tcFieldWritePeriodMs   = 9
	tcFieldMaxFileSize     = 10
	bufFieldSizeKB         = 1
	bufFieldFillPolicy     = 4
	dsFieldConfig          = 1
	dsFieldProducerFilter  = 2
	dscFieldName           = 1
	dscFieldTargetBuffer   = 2
	dscFieldDurationMs     = 3
	dscFieldExtra          = 100
	pcFieldProducerName    = 1
	pcFieldShmSizeKB       = 2
	pcFieldPageSizeKB      = 3
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (c *DataSourceConfig) Encode() []byte {
	var b []byte
	b = appendBytesField(b, dscFieldName, []byte(c.Name))
	b = appendVarintField(b, dscFieldTargetBuffer, uint64(c.TargetBuffer))
	if c.TraceDurationMs != 0 {
		b = appendVarintField(b, dscFieldDurationMs, uint64(c.TraceDurationMs))
	}
	if len(c.Extra) != 0 {
		b = appendBytesField(b, dscFieldExtra, c.Extra)
	}
	return b
}

func DecodeDataSourceConfig(b []byte) (DataSourceConfig, error) {
	var c DataSourceConfig
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case dscFieldName:
			c.Name = string(val)
		case dscFieldTargetBuffer:
			u, _ := protowire.ConsumeVarint(val)
			c.TargetBuffer = uint32(u)
		case dscFieldDurationMs:
			u, _ := protowire.ConsumeVarint(val)
			c.TraceDurationMs = uint32(u)
		case dscFieldExtra:
			c.Extra = append([]byte(nil), val...)
		}
		return nil
	})
	return c, err
}

// Encode serializes the config for the wire and for the in-trace
// config packet.
func (c *TraceConfig) Encode() []byte {
	var b []byte
	for i := range c.Buffers {
		var sub []byte
		sub = appendVarintField(sub, bufFieldSizeKB, uint64(c.Buffers[i].SizeKB))
		if c.Buffers[i].FillPolicy != FillRingBuffer {
			sub = appendVarintField(sub, bufFieldFillPolicy, uint64(c.Buffers[i].FillPolicy))
		}
		b = appendBytesField(b, tcFieldBuffers, sub)
	}
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		var sub []byte
		sub = appendBytesField(sub, dsFieldConfig, ds.Config.Encode())
		for _, f := range ds.ProducerNameFilter {
			sub = appendBytesField(sub, dsFieldProducerFilter, []byte(f))
		}
		b = appendBytesField(b, tcFieldDataSources, sub)
	}
	if c.DurationMs != 0 {
		b = appendVarintField(b, tcFieldDurationMs, uint64(c.DurationMs))
	}
	if c.EnableExtraGuardrails {
		b = appendVarintField(b, tcFieldGuardrails, 1)
	}
	if c.Lockdown != LockdownUnchanged {
		b = appendVarintField(b, tcFieldLockdown, uint64(c.Lockdown))
	}
	for i := range c.Producers {
		p := &c.Producers[i]
		var sub []byte
		sub = appendBytesField(sub, pcFieldProducerName, []byte(p.ProducerName))
		if p.ShmSizeKB != 0 {
			sub = appendVarintField(sub, pcFieldShmSizeKB, uint64(p.ShmSizeKB))
		}
		if p.PageSizeKB != 0 {
			sub = appendVarintField(sub, pcFieldPageSizeKB, uint64(p.PageSizeKB))
		}
		b = appendBytesField(b, tcFieldProducers, sub)
	}
	if c.WriteIntoFile {
		b = appendVarintField(b, tcFieldWriteIntoFile, 1)
	}
	if c.FileWritePeriodMs != 0 {
		b = appendVarintField(b, tcFieldWritePeriodMs, uint64(c.FileWritePeriodMs))
	}
	if c.MaxFileSizeBytes != 0 {
		b = appendVarintField(b, tcFieldMaxFileSize, c.MaxFileSizeBytes)
	}
	return b
}

func DecodeTraceConfig(b []byte) (*TraceConfig, error) {
	c := &TraceConfig{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case tcFieldBuffers:
			var bc BufferConfig
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				switch n {
				case bufFieldSizeKB:
					u, _ := protowire.ConsumeVarint(v)
					bc.SizeKB = uint32(u)
				case bufFieldFillPolicy:
					u, _ := protowire.ConsumeVarint(v)
					bc.FillPolicy = FillPolicy(u)
				}
				return nil
			}); err != nil {
				return err
			}
			c.Buffers = append(c.Buffers, bc)
		case tcFieldDataSources:
			var ds TraceConfigDataSource
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				switch n {
				case dsFieldConfig:
					dc, err := DecodeDataSourceConfig(v)
					if err != nil {
						return err
					}
					ds.Config = dc
				case dsFieldProducerFilter:
					ds.ProducerNameFilter = append(ds.ProducerNameFilter, string(v))
				}
				return nil
			}); err != nil {
				return err
			}
			c.DataSources = append(c.DataSources, ds)
		case tcFieldDurationMs:
			u, _ := protowire.ConsumeVarint(val)
			c.DurationMs = uint32(u)
		case tcFieldGuardrails:
			u, _ := protowire.ConsumeVarint(val)
			c.EnableExtraGuardrails = u != 0
		case tcFieldLockdown:
			u, _ := protowire.ConsumeVarint(val)
			c.Lockdown = LockdownMode(u)
		case tcFieldProducers:
			var pc ProducerConfig
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				switch n {
				case pcFieldProducerName:
					pc.ProducerName = string(v)
				case pcFieldShmSizeKB:
					u, _ := protowire.ConsumeVarint(v)
					pc.ShmSizeKB = uint32(u)
				case pcFieldPageSizeKB:
					u, _ := protowire.ConsumeVarint(v)
					pc.PageSizeKB = uint32(u)
				}
				return nil
			}); err != nil {
				return err
			}
			c.Producers = append(c.Producers, pc)
		case tcFieldWriteIntoFile:
			u, _ := protowire.ConsumeVarint(val)
			c.WriteIntoFile = u != 0
		case tcFieldWritePeriodMs:
			u, _ := protowire.ConsumeVarint(val)
			c.FileWritePeriodMs = uint32(u)
		case tcFieldMaxFileSize:
			u, _ := protowire.ConsumeVarint(val)
			c.MaxFileSizeBytes = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// walkMessage iterates top-level fields, handing bytes fields their
// payload and scalar fields the remaining buffer starting at the value.
func walkMessage(b []byte, cb func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformedConfig
		}
		b = b[n:]
		var val []byte
		if typ == protowire.BytesType {
			v, n2 := protowire.ConsumeBytes(b)
			if n2 < 0 {
				return ErrMalformedConfig
			}
			val = v
			b = b[n2:]
		} else {
			val = b
			n2 := protowire.ConsumeFieldValue(num, typ, b)
			if n2 < 0 {
				return ErrMalformedConfig
			}
			b = b[n2:]
		}
		if err := cb(num, typ, val); err != nil {
			return err
		}
	}
	return nil
}
