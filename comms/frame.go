/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package comms implements the producer/consumer IPC runtime: the framed
// wire protocol, the buffered frame deserializer, the non-blocking unix
// socket stream with descriptor passing, and the client and host ends of
// the RPC layer.
package comms

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of the Frame message. A frame carries a request id
// and exactly one message variant.
const (
	frameFieldRequestID         = 1
	frameFieldBindService       = 3
	frameFieldBindServiceReply  = 4
	frameFieldInvokeMethod      = 5
	frameFieldInvokeMethodReply = 6
	frameFieldRequestError      = 7
	frameFieldSetPeerIdentity   = 8
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

type BindService struct {
	ServiceName string
}

type MethodInfo struct {
	ID   uint32
	Name string
}

type BindServiceReply struct {
	Success   bool
	ServiceID uint32
	Methods   []MethodInfo
}

type InvokeMethod struct {
	ServiceID uint32
	MethodID  uint32
	ArgsProto []byte
	DropReply bool
}

type InvokeMethodReply struct {
	Success    bool
	HasMore    bool
	ReplyProto []byte
}

type RequestError struct {
	Error string
}

type SetPeerIdentity struct {
	PID           int32
	UID           int32
	MachineIDHint string
}

// Frame is the unit of the IPC wire protocol: a request id plus exactly
// one populated message variant.
type Frame struct {
	RequestID         uint64
	BindService       *BindService
	BindServiceReply  *BindServiceReply
	InvokeMethod      *InvokeMethod
	InvokeMethodReply *InvokeMethodReply
	RequestError      *RequestError
	SetPeerIdentity   *SetPeerIdentity
}

// Encode serializes the frame body (without the length prefix).
func (f *Frame) Encode() ([]byte, error) {
	b := protowire.AppendTag(nil, frameFieldRequestID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.RequestID)
	switch {
	case f.BindService != nil:
		sub := protowire.AppendTag(nil, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, f.BindService.ServiceName)
		b = protowire.AppendTag(b, frameFieldBindService, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case f.BindServiceReply != nil:
		r := f.BindServiceReply
		var sub []byte
		sub = appendBool(sub, 1, r.Success)
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(r.ServiceID))
		for _, m := range r.Methods {
			var msub []byte
			msub = protowire.AppendTag(msub, 1, protowire.VarintType)
			msub = protowire.AppendVarint(msub, uint64(m.ID))
			msub = protowire.AppendTag(msub, 2, protowire.BytesType)
			msub = protowire.AppendString(msub, m.Name)
			sub = protowire.AppendTag(sub, 3, protowire.BytesType)
			sub = protowire.AppendBytes(sub, msub)
		}
		b = protowire.AppendTag(b, frameFieldBindServiceReply, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case f.InvokeMethod != nil:
		r := f.InvokeMethod
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(r.ServiceID))
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(r.MethodID))
		sub = protowire.AppendTag(sub, 3, protowire.BytesType)
		sub = protowire.AppendBytes(sub, r.ArgsProto)
		if r.DropReply {
			sub = appendBool(sub, 4, true)
		}
		b = protowire.AppendTag(b, frameFieldInvokeMethod, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case f.InvokeMethodReply != nil:
		r := f.InvokeMethodReply
		var sub []byte
		sub = appendBool(sub, 1, r.Success)
		sub = appendBool(sub, 2, r.HasMore)
		sub = protowire.AppendTag(sub, 3, protowire.BytesType)
		sub = protowire.AppendBytes(sub, r.ReplyProto)
		b = protowire.AppendTag(b, frameFieldInvokeMethodReply, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case f.RequestError != nil:
		sub := protowire.AppendTag(nil, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, f.RequestError.Error)
		b = protowire.AppendTag(b, frameFieldRequestError, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case f.SetPeerIdentity != nil:
		r := f.SetPeerIdentity
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(uint32(r.PID)))
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(uint32(r.UID)))
		if r.MachineIDHint != `` {
			sub = protowire.AppendTag(sub, 3, protowire.BytesType)
			sub = protowire.AppendString(sub, r.MachineIDHint)
		}
		b = protowire.AppendTag(b, frameFieldSetPeerIdentity, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	default:
		return nil, fmt.Errorf("frame has no message variant")
	}
	return b, nil
}

// DecodeFrame parses a frame body (without the length prefix).
func DecodeFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformedFrame
		}
		b = b[n:]
		switch num {
		case frameFieldRequestID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedFrame
			}
			f.RequestID = v
			b = b[n:]
		case frameFieldBindService, frameFieldBindServiceReply, frameFieldInvokeMethod,
			frameFieldInvokeMethodReply, frameFieldRequestError, frameFieldSetPeerIdentity:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrMalformedFrame
			}
			b = b[n:]
			if err := f.decodeVariant(num, sub); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrMalformedFrame
			}
			b = b[n:]
		}
	}
	return f, nil
}

func (f *Frame) decodeVariant(num protowire.Number, sub []byte) error {
	switch num {
	case frameFieldBindService:
		v := &BindService{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			if fn == 1 {
				s, err := consumeString(b)
				if err != nil {
					return err
				}
				v.ServiceName = s
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.BindService = v
	case frameFieldBindServiceReply:
		v := &BindServiceReply{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			switch fn {
			case 1:
				v.Success = consumeBool(b)
			case 2:
				u, _ := protowire.ConsumeVarint(b)
				v.ServiceID = uint32(u)
			case 3:
				mb, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return ErrMalformedFrame
				}
				var mi MethodInfo
				err := walkFields(mb, func(mn protowire.Number, _ protowire.Type, b []byte) error {
					switch mn {
					case 1:
						u, _ := protowire.ConsumeVarint(b)
						mi.ID = uint32(u)
					case 2:
						s, err := consumeString(b)
						if err != nil {
							return err
						}
						mi.Name = s
					}
					return nil
				})
				if err != nil {
					return err
				}
				v.Methods = append(v.Methods, mi)
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.BindServiceReply = v
	case frameFieldInvokeMethod:
		v := &InvokeMethod{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			switch fn {
			case 1:
				u, _ := protowire.ConsumeVarint(b)
				v.ServiceID = uint32(u)
			case 2:
				u, _ := protowire.ConsumeVarint(b)
				v.MethodID = uint32(u)
			case 3:
				pb, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return ErrMalformedFrame
				}
				v.ArgsProto = append([]byte(nil), pb...)
			case 4:
				v.DropReply = consumeBool(b)
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.InvokeMethod = v
	case frameFieldInvokeMethodReply:
		v := &InvokeMethodReply{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			switch fn {
			case 1:
				v.Success = consumeBool(b)
			case 2:
				v.HasMore = consumeBool(b)
			case 3:
				pb, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return ErrMalformedFrame
				}
				v.ReplyProto = append([]byte(nil), pb...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.InvokeMethodReply = v
	case frameFieldRequestError:
		v := &RequestError{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			if fn == 1 {
				s, err := consumeString(b)
				if err != nil {
					return err
				}
				v.Error = s
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.RequestError = v
	case frameFieldSetPeerIdentity:
		v := &SetPeerIdentity{}
		err := walkFields(sub, func(fn protowire.Number, typ protowire.Type, b []byte) error {
			switch fn {
			case 1:
				u, _ := protowire.ConsumeVarint(b)
				v.PID = int32(u)
			case 2:
				u, _ := protowire.ConsumeVarint(b)
				v.UID = int32(u)
			case 3:
				s, err := consumeString(b)
				if err != nil {
					return err
				}
				v.MachineIDHint = s
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.SetPeerIdentity = v
	}
	return nil
}

// walkFields iterates the top-level fields of a message, handing each
// callback the field number, wire type, and the remaining bytes starting
// at the value.
func walkFields(b []byte, cb func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformedFrame
		}
		b = b[n:]
		if err := cb(num, typ, b); err != nil {
			return err
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ErrMalformedFrame
		}
		b = b[n:]
	}
	return nil
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	var u uint64
	if v {
		u = 1
	}
	return protowire.AppendVarint(b, u)
}

func consumeBool(b []byte) bool {
	u, n := protowire.ConsumeVarint(b)
	return n > 0 && u != 0
}

func consumeString(b []byte) (string, error) {
	sb, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return ``, ErrMalformedFrame
	}
	return string(sb), nil
}
