// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunk implements the framed firmware image format: a sequence of
// chunks, each a 32-byte little-endian header followed by up to 4096 bytes
// of payload protected by a CRC-32.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// HeaderSize is the size of an encoded Header.
	HeaderSize = 32
	// Payload is the maximum number of payload bytes in a chunk. Every chunk
	// but the last carries exactly this many.
	Payload = 4096
	// FrameSize is the size of a full chunk on the wire.
	FrameSize = HeaderSize + Payload
	// MaxImageSize is the largest image whose chunk count fits the header.
	MaxImageSize = 0xffff * Payload
	// Magic starts every header.
	Magic = "OTAImage"
)

var (
	ErrBadMagic  = errors.New("bad chunk magic")
	ErrBadCRC    = errors.New("chunk CRC mismatch")
	ErrSequence  = errors.New("chunk out of sequence")
	ErrSize      = errors.New("invalid chunk size")
	ErrTotals    = errors.New("inconsistent chunk totals")
	ErrOffset    = errors.New("unsupported offset to data")
	ErrTruncated = errors.New("stream ended inside image")
)

// Error describes a framing failure at a particular chunk.
type Error struct {
	Chunk  uint16
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chunk %d: %v", e.Chunk, e.Err)
	}
	return fmt.Sprintf("chunk %d: %v: %s", e.Chunk, e.Err, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason returns the short status-report code for a framing error, or ""
// if err is not one.
func Reason(err error) string {
	for _, r := range []struct {
		err  error
		code string
	}{
		{ErrBadCRC, "chunk_crc"},
		{ErrBadMagic, "chunk_magic"},
		{ErrSequence, "chunk_sequence"},
		{ErrSize, "chunk_size"},
		{ErrTotals, "chunk_totals"},
		{ErrOffset, "chunk_offset"},
		{ErrTruncated, "chunk_truncated"},
	} {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ""
}

// Header precedes each chunk payload. Bytes 24-31 are reserved and are
// written as zero.
type Header struct {
	OffsetToData uint16
	ChunkNumber  uint16
	ChunkSize    uint16
	TotalChunks  uint16
	TotalSize    uint32
	CRC32        uint32
}

// MarshalBinary encodes h in wire format.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

// AppendBinary appends the wire encoding of h to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, Magic...)
	b = binary.LittleEndian.AppendUint16(b, h.OffsetToData)
	b = binary.LittleEndian.AppendUint16(b, h.ChunkNumber)
	b = binary.LittleEndian.AppendUint16(b, h.ChunkSize)
	b = binary.LittleEndian.AppendUint16(b, h.TotalChunks)
	b = binary.LittleEndian.AppendUint32(b, h.TotalSize)
	b = binary.LittleEndian.AppendUint32(b, h.CRC32)
	return append(b, make([]byte, 8)...), nil
}

// UnmarshalBinary decodes a wire header, checking only the magic.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: header is %d bytes", ErrTruncated, len(b))
	}
	if string(b[:len(Magic)]) != Magic {
		return ErrBadMagic
	}
	b = b[len(Magic):]
	h.OffsetToData = binary.LittleEndian.Uint16(b[0:])
	h.ChunkNumber = binary.LittleEndian.Uint16(b[2:])
	h.ChunkSize = binary.LittleEndian.Uint16(b[4:])
	h.TotalChunks = binary.LittleEndian.Uint16(b[6:])
	h.TotalSize = binary.LittleEndian.Uint32(b[8:])
	h.CRC32 = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// NumChunks returns the number of chunks an image of size bytes is split
// into, and false if size exceeds MaxImageSize.
func NumChunks(size uint32) (uint16, bool) {
	if size > MaxImageSize {
		return 0, false
	}
	return uint16((size + Payload - 1) / Payload), true
}

// Checksum returns the CRC-32 (IEEE) of a chunk payload.
func Checksum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// WriteImage writes image to w as a framed chunk stream, starting at chunk
// first. It is used by tooling and test servers.
func WriteImage(w io.Writer, image []byte, first uint16) error {
	if len(image) == 0 || len(image) > MaxImageSize {
		return fmt.Errorf("image size %d cannot be framed", len(image))
	}
	total := uint32(len(image))
	n, _ := NumChunks(total)
	buf := make([]byte, 0, FrameSize)
	for i := first; i < n; i++ {
		p := image[int(i)*Payload : min(int(i+1)*Payload, len(image))]
		h := Header{
			OffsetToData: HeaderSize,
			ChunkNumber:  i,
			ChunkSize:    uint16(len(p)),
			TotalChunks:  n,
			TotalSize:    total,
			CRC32:        Checksum(p),
		}
		buf, _ = h.AppendBinary(buf[:0])
		buf = append(buf, p...)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
