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

package chunk

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"k8s.io/klog/v2"
)

// Chunk is a validated chunk header and its payload.
type Chunk struct {
	Header
	// Offset is the image offset of the first payload byte.
	Offset uint32
	// Payload is owned by the caller.
	Payload []byte
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// TotalSize is the expected image size. Every header must agree.
	TotalSize uint32
	// FirstChunk is the number of the first chunk expected on the stream,
	// non-zero when resuming a download.
	FirstChunk uint16
}

// Reader parses a framed chunk stream, yielding validated chunks in strict
// order. Any error is fatal for the stream.
type Reader struct {
	r    io.Reader
	opts ReaderOptions

	next        uint16
	offset      uint32
	totalChunks uint16
	locked      bool
	err         error
	hdr         [HeaderSize]byte
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:      r,
		opts:   opts,
		next:   opts.FirstChunk,
		offset: uint32(opts.FirstChunk) * Payload,
	}
}

// Offset returns the number of image bytes accounted for so far, including
// any skipped by ReaderOptions.FirstChunk.
func (r *Reader) Offset() uint32 {
	return r.offset
}

// Next returns the next chunk, or io.EOF once the final chunk has been
// returned and the stream is exhausted.
func (r *Reader) Next() (*Chunk, error) {
	if r.err != nil {
		return nil, r.err
	}
	c, err := r.next1()
	if err != nil {
		r.err = err
		return nil, err
	}
	return c, nil
}

// All returns an iterator over the remaining chunks. Iteration stops after
// the first error, which is yielded with a nil chunk.
func (r *Reader) All() iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		for {
			c, err := r.Next()
			if err == io.EOF {
				return
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

func (r *Reader) fail(err error, format string, args ...any) error {
	return &Error{Chunk: r.next, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func (r *Reader) next1() (*Chunk, error) {
	if r.opts.TotalSize == 0 {
		return nil, r.fail(ErrTotals, "expected image size is zero")
	}
	if r.locked && r.next == r.totalChunks || !r.locked && r.offset >= r.opts.TotalSize {
		return nil, r.expectEOF()
	}

	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, r.readErr(err, "header")
	}
	var h Header
	if err := h.UnmarshalBinary(r.hdr[:]); err != nil {
		return nil, r.fail(err, "")
	}
	if err := r.check(h); err != nil {
		return nil, err
	}

	c := &Chunk{
		Header:  h,
		Offset:  r.offset,
		Payload: make([]byte, h.ChunkSize),
	}
	if _, err := io.ReadFull(r.r, c.Payload); err != nil {
		return nil, r.readErr(err, "payload")
	}
	if got := Checksum(c.Payload); got != h.CRC32 {
		return nil, r.fail(ErrBadCRC, "got %08x, header says %08x", got, h.CRC32)
	}
	klog.V(2).Infof("Chunk %d/%d: %d bytes @ %d", h.ChunkNumber+1, h.TotalChunks, h.ChunkSize, r.offset)
	r.next++
	r.offset += uint32(h.ChunkSize)
	return c, nil
}

func (r *Reader) check(h Header) error {
	if h.OffsetToData != HeaderSize {
		return r.fail(ErrOffset, "offset_to_data %d", h.OffsetToData)
	}
	if !r.locked {
		if h.TotalSize != r.opts.TotalSize {
			return r.fail(ErrTotals, "total_size %d, expected %d", h.TotalSize, r.opts.TotalSize)
		}
		if want, ok := NumChunks(h.TotalSize); !ok || h.TotalChunks != want {
			return r.fail(ErrTotals, "total_chunks %d for %d bytes, expected %d", h.TotalChunks, h.TotalSize, want)
		}
		r.totalChunks = h.TotalChunks
		r.locked = true
	} else if h.TotalSize != r.opts.TotalSize || h.TotalChunks != r.totalChunks {
		return r.fail(ErrTotals, "header totals %d/%d disagree with %d/%d", h.TotalChunks, h.TotalSize, r.totalChunks, r.opts.TotalSize)
	}
	if h.ChunkNumber != r.next || h.ChunkNumber >= r.totalChunks {
		return r.fail(ErrSequence, "got chunk %d", h.ChunkNumber)
	}
	remaining := r.opts.TotalSize - r.offset
	switch {
	case h.ChunkSize == 0 || h.ChunkSize > Payload:
		return r.fail(ErrSize, "chunk_size %d", h.ChunkSize)
	case uint32(h.ChunkSize) > remaining:
		return r.fail(ErrSize, "chunk_size %d exceeds remaining %d", h.ChunkSize, remaining)
	case h.ChunkNumber < r.totalChunks-1 && h.ChunkSize != Payload:
		return r.fail(ErrSize, "short chunk_size %d before final chunk", h.ChunkSize)
	case h.ChunkNumber == r.totalChunks-1 && uint32(h.ChunkSize) != remaining:
		return r.fail(ErrSize, "final chunk_size %d, expected %d", h.ChunkSize, remaining)
	}
	return nil
}

// expectEOF checks that nothing follows the final chunk.
func (r *Reader) expectEOF() error {
	var b [1]byte
	n, err := io.ReadFull(r.r, b[:])
	switch {
	case n > 0:
		return r.fail(ErrSequence, "data after final chunk")
	case err == io.EOF:
		return io.EOF
	default:
		return err
	}
}

func (r *Reader) readErr(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return r.fail(ErrTruncated, "reading %s at offset %d", what, r.offset)
	}
	return fmt.Errorf("chunk %d %s: %w", r.next, what, err)
}
