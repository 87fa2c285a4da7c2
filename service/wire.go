/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gravwell/tracegrid/shm"
)

// Wire codecs for the producer-port RPC argument messages. The framing
// itself lives in comms; these only shape the method payloads.

// InitializeConnectionRequest is the first producer call.
type InitializeConnectionRequest struct {
	ProducerName   string
	ShmSizeHintKB  uint32
	PageSizeHintKB uint32
}

func (r *InitializeConnectionRequest) Encode() []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(r.ProducerName))
	if r.ShmSizeHintKB != 0 {
		b = appendVarintField(b, 2, uint64(r.ShmSizeHintKB))
	}
	if r.PageSizeHintKB != 0 {
		b = appendVarintField(b, 3, uint64(r.PageSizeHintKB))
	}
	return b
}

func DecodeInitializeConnectionRequest(b []byte) (InitializeConnectionRequest, error) {
	var r InitializeConnectionRequest
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		switch num {
		case 1:
			r.ProducerName = string(val)
		case 2:
			u, _ := protowire.ConsumeVarint(val)
			r.ShmSizeHintKB = uint32(u)
		case 3:
			u, _ := protowire.ConsumeVarint(val)
			r.PageSizeHintKB = uint32(u)
		}
		return nil
	})
	return r, err
}

// EncodeCommitDataRequest serializes the commit-data payload.
func EncodeCommitDataRequest(req *shm.CommitDataRequest) []byte {
	var b []byte
	for _, mv := range req.ChunksToMove {
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(mv.Page))
		sub = appendVarintField(sub, 2, uint64(mv.Chunk))
		sub = appendVarintField(sub, 3, uint64(mv.TargetBuffer))
		b = appendBytesField(b, 1, sub)
	}
	for _, cp := range req.ChunksToPatch {
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(cp.TargetBuffer))
		sub = appendVarintField(sub, 2, uint64(cp.Writer))
		sub = appendVarintField(sub, 3, uint64(cp.Chunk))
		for _, p := range cp.Patches {
			var psub []byte
			psub = appendVarintField(psub, 1, uint64(p.Offset))
			psub = appendBytesField(psub, 2, p.Data[:])
			sub = appendBytesField(sub, 4, psub)
		}
		if cp.HasMorePatches {
			sub = appendVarintField(sub, 5, 1)
		}
		b = appendBytesField(b, 2, sub)
	}
	if req.FlushRequestID != 0 {
		b = appendVarintField(b, 3, uint64(req.FlushRequestID))
	}
	return b
}

func DecodeCommitDataRequest(b []byte) (*shm.CommitDataRequest, error) {
	req := &shm.CommitDataRequest{}
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		switch num {
		case 1:
			var mv shm.ChunkToMove
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				u, _ := protowire.ConsumeVarint(v)
				switch n {
				case 1:
					mv.Page = uint32(u)
				case 2:
					mv.Chunk = uint32(u)
				case 3:
					mv.TargetBuffer = shm.BufferID(u)
				}
				return nil
			}); err != nil {
				return err
			}
			req.ChunksToMove = append(req.ChunksToMove, mv)
		case 2:
			var cp shm.ChunkToPatch
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				switch n {
				case 1:
					u, _ := protowire.ConsumeVarint(v)
					cp.TargetBuffer = shm.BufferID(u)
				case 2:
					u, _ := protowire.ConsumeVarint(v)
					cp.Writer = shm.WriterID(u)
				case 3:
					u, _ := protowire.ConsumeVarint(v)
					cp.Chunk = shm.ChunkID(u)
				case 4:
					var p shm.Patch
					if err := walkMessage(v, func(pn protowire.Number, _ protowire.Type, pv []byte) error {
						switch pn {
						case 1:
							u, _ := protowire.ConsumeVarint(pv)
							p.Offset = uint32(u)
						case 2:
							if len(pv) != shm.PatchSize {
								return ErrMalformedConfig
							}
							copy(p.Data[:], pv)
						}
						return nil
					}); err != nil {
						return err
					}
					cp.Patches = append(cp.Patches, p)
				case 5:
					u, _ := protowire.ConsumeVarint(v)
					cp.HasMorePatches = u != 0
				}
				return nil
			}); err != nil {
				return err
			}
			req.ChunksToPatch = append(req.ChunksToPatch, cp)
		case 3:
			u, _ := protowire.ConsumeVarint(val)
			req.FlushRequestID = shm.FlushRequestID(u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// AsyncCommand is streamed from the service to a producer over the
// long-lived GetAsyncCommand reply channel. Exactly one field is set.
type AsyncCommand struct {
	//SetupTracing delivers the SMB geometry; the fd rides as ancillary
	//data on the same frame.
	SetupShmSize   uint32
	SetupPageSize  uint32
	CreateInstance *AsyncCreateInstance
	TeardownID     shm.DataSourceInstanceID
	Flush          *AsyncFlush
}

type AsyncCreateInstance struct {
	ID     shm.DataSourceInstanceID
	Config DataSourceConfig
}

type AsyncFlush struct {
	ID        shm.FlushRequestID
	Instances []shm.DataSourceInstanceID
}

func (c *AsyncCommand) Encode() []byte {
	var b []byte
	switch {
	case c.SetupShmSize != 0:
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(c.SetupShmSize))
		sub = appendVarintField(sub, 2, uint64(c.SetupPageSize))
		b = appendBytesField(b, 1, sub)
	case c.CreateInstance != nil:
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(c.CreateInstance.ID))
		sub = appendBytesField(sub, 2, c.CreateInstance.Config.Encode())
		b = appendBytesField(b, 2, sub)
	case c.TeardownID != 0:
		b = appendVarintField(b, 3, uint64(c.TeardownID))
	case c.Flush != nil:
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(c.Flush.ID))
		for _, id := range c.Flush.Instances {
			sub = appendVarintField(sub, 2, uint64(id))
		}
		b = appendBytesField(b, 4, sub)
	}
	return b
}

func DecodeAsyncCommand(b []byte) (*AsyncCommand, error) {
	c := &AsyncCommand{}
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, val []byte) error {
		switch num {
		case 1:
			return walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				u, _ := protowire.ConsumeVarint(v)
				switch n {
				case 1:
					c.SetupShmSize = uint32(u)
				case 2:
					c.SetupPageSize = uint32(u)
				}
				return nil
			})
		case 2:
			ci := &AsyncCreateInstance{}
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				switch n {
				case 1:
					u, _ := protowire.ConsumeVarint(v)
					ci.ID = shm.DataSourceInstanceID(u)
				case 2:
					cfg, err := DecodeDataSourceConfig(v)
					if err != nil {
						return err
					}
					ci.Config = cfg
				}
				return nil
			}); err != nil {
				return err
			}
			c.CreateInstance = ci
		case 3:
			u, _ := protowire.ConsumeVarint(val)
			c.TeardownID = shm.DataSourceInstanceID(u)
		case 4:
			fl := &AsyncFlush{}
			if err := walkMessage(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				u, _ := protowire.ConsumeVarint(v)
				switch n {
				case 1:
					fl.ID = shm.FlushRequestID(u)
				case 2:
					fl.Instances = append(fl.Instances, shm.DataSourceInstanceID(u))
				}
				return nil
			}); err != nil {
				return err
			}
			c.Flush = fl
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
