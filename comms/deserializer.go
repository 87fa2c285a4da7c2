/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package comms

import (
	"encoding/binary"
)

const (
	// MaxFrameSize bounds a single frame body; an advertised length
	// beyond this is treated as a protocol violation and the transport
	// is expected to be closed by the caller.
	MaxFrameSize = 128 * 1024

	frameHeaderSize = 4
)

// FrameDeserializer reassembles length-prefixed frames from a byte
// stream, tolerating arbitrary fragmentation of the incoming reads. The
// transport reads directly into the region returned by BeginReceive and
// commits with EndReceive.
type FrameDeserializer struct {
	buf  []byte
	size int
}

func NewFrameDeserializer() *FrameDeserializer {
	return &FrameDeserializer{
		buf: make([]byte, MaxFrameSize+frameHeaderSize),
	}
}

// BeginReceive returns the writable tail of the internal buffer. The
// region is never empty: a full buffer can only happen with an oversize
// frame, which EndReceive rejects first.
func (d *FrameDeserializer) BeginReceive() []byte {
	return d.buf[d.size:]
}

// EndReceive commits n bytes read into the region handed out by
// BeginReceive. Returns an error if the stream advertises a frame larger
// than MaxFrameSize; the caller must drop the transport.
func (d *FrameDeserializer) EndReceive(n int) error {
	if n < 0 || d.size+n > len(d.buf) {
		return ErrMalformedFrame
	}
	d.size += n
	if d.size >= frameHeaderSize {
		if ln := binary.LittleEndian.Uint32(d.buf[0:frameHeaderSize]); ln > MaxFrameSize {
			return ErrFrameTooLarge
		}
	}
	return nil
}

// PopNextFrame yields one fully reassembled frame, or nil if the stream
// does not yet hold one. A frame body that fails to decode is returned
// as a decode error; the caller treats it like a transport failure.
func (d *FrameDeserializer) PopNextFrame() (*Frame, error) {
	if d.size < frameHeaderSize {
		return nil, nil
	}
	ln := int(binary.LittleEndian.Uint32(d.buf[0:frameHeaderSize]))
	if ln > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if d.size < frameHeaderSize+ln {
		return nil, nil
	}
	body := d.buf[frameHeaderSize : frameHeaderSize+ln]
	f, err := DecodeFrame(body)
	//always consume the frame, even on decode failure
	rem := d.size - (frameHeaderSize + ln)
	copy(d.buf, d.buf[frameHeaderSize+ln:d.size])
	d.size = rem
	if err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeFrame serializes a frame with its length prefix, ready for the
// wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	body, err := f.Encode()
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:frameHeaderSize], uint32(len(body)))
	copy(out[frameHeaderSize:], body)
	return out, nil
}
