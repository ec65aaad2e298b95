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

// Package testonly provides in-memory storage doubles for tests.
package testonly

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// ErrInjected is returned by writes once a MemDev's write budget is spent.
var ErrInjected = errors.New("injected write failure")

// MemDev is a simple in-memory block device.
type MemDev struct {
	mu      sync.Mutex
	Storage [][MemBlockSize]byte

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)

	// FailAfter, when non-negative, is the number of further WriteBlocks
	// calls which will succeed before every write returns ErrInjected.
	FailAfter int

	writes int
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if lba >= uint(len(md.Storage)) {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, len(md.Storage))
	}
	bl := uint(len(b)) / MemBlockSize
	if l := uint(len(md.Storage)); lba+bl > l {
		bl = l - lba
	}
	for i := uint(0); i < bl; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address. A partial final block is zero padded.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.FailAfter >= 0 {
		if md.writes >= md.FailAfter {
			return 0, ErrInjected
		}
	}
	md.writes++

	if lba >= uint(len(md.Storage)) {
		return 0, fmt.Errorf("lba (%d) >= device blocks (%d)", lba, len(md.Storage))
	}
	bl := (uint(len(b)) + MemBlockSize - 1) / MemBlockSize
	if l := uint(len(md.Storage)); lba+bl > l {
		bl = l - lba
	}
	for i := uint(0); i < bl; i++ {
		blk := &md.Storage[lba+i]
		n := copy(blk[:], b[i*MemBlockSize:])
		clear(blk[n:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return bl, nil
}

// Writes returns the number of successful WriteBlocks calls so far.
func (md *MemDev) Writes() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.writes
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{
		Storage:   make([][MemBlockSize]byte, numBlocks),
		FailAfter: -1,
	}
}
