/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

// PatchSize is the fixed byte width of a chunk patch; it matches the
// redundant varint length field a writer leaves behind when a packet
// continues into the next chunk.
const PatchSize = 4

// EncodeRedundantVarint writes v as a fixed 4 byte varint; decoders see
// the same value a minimal varint would yield. Values must stay below
// 2^28.
func EncodeRedundantVarint(v uint32) (out [PatchSize]byte) {
	out[0] = byte(v&0x7F) | 0x80
	out[1] = byte((v>>7)&0x7F) | 0x80
	out[2] = byte((v>>14)&0x7F) | 0x80
	out[3] = byte((v >> 21) & 0x7F)
	return
}

type ChunkToMove struct {
	Page         uint32
	Chunk        uint32
	TargetBuffer BufferID
}

type Patch struct {
	Offset uint32
	Data   [PatchSize]byte
}

type ChunkToPatch struct {
	TargetBuffer   BufferID
	Writer         WriterID
	Chunk          ChunkID
	Patches        []Patch
	HasMorePatches bool
}

// CommitDataRequest names the SMB chunks a producer has completed and
// any in-place edits to chunks already copied out. A request with no
// chunks but a FlushRequestID is a bare flush ack.
type CommitDataRequest struct {
	ChunksToMove   []ChunkToMove
	ChunksToPatch  []ChunkToPatch
	FlushRequestID FlushRequestID
}

func (r *CommitDataRequest) Empty() bool {
	return len(r.ChunksToMove) == 0 && len(r.ChunksToPatch) == 0 && r.FlushRequestID == 0
}

// CommitSink is the channel the arbiter pushes commit-data requests
// into; in production it is the producer's IPC endpoint, in tests an
// in-process service. The done callback fires once the service has
// consumed the request.
type CommitSink interface {
	CommitData(req *CommitDataRequest, done func())
}
