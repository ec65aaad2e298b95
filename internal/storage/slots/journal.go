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

package slots

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

const (
	// journalMagic prefixes every valid journal entry header.
	journalMagic = "OTAJRNL1"
	// entryHeaderLen is magic + revision + data length + SHA-256 of data.
	entryHeaderLen = len(journalMagic) + 4 + 4 + sha256.Size
)

// BlockReaderWriter is the block-level storage interface the slots are
// built on.
type BlockReaderWriter interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address, padding a partial final block.
	// Writes are durable on successful return.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Entry is a single record stored in a Journal.
type Entry struct {
	// Revision increases by one on every successful update.
	Revision uint32
	// Data is the payload stored in this entry.
	Data []byte
}

// Journal stores a single record across two alternating halves of a block
// range. An update always writes the half which does not hold the current
// entry, so an interrupted write leaves the previous entry readable.
type Journal struct {
	dev BlockReaderWriter
	// start and length define the blocks used: [start, start+length).
	start, length uint

	current Entry
}

// OpenJournal reads the latest valid entry stored in the given block range.
// An empty or unformatted range yields an empty entry with revision 0.
func OpenJournal(dev BlockReaderWriter, start, length uint) (*Journal, error) {
	if length < 2 {
		return nil, fmt.Errorf("journal needs at least 2 blocks, got %d", length)
	}
	j := &Journal{
		dev:    dev,
		start:  start,
		length: length,
	}
	if j.Capacity() <= 0 {
		return nil, fmt.Errorf("journal of %d blocks has no room for data", length)
	}
	for half := uint(0); half < 2; half++ {
		e, err := j.readHalf(half)
		if err != nil {
			klog.V(2).Infof("Journal @%d half %d: %v", start, half, err)
			continue
		}
		if e.Revision >= j.current.Revision {
			j.current = *e
		}
	}
	klog.V(1).Infof("Opened journal @%d, revision %d (%d bytes)", start, j.current.Revision, len(j.current.Data))
	return j, nil
}

// Capacity returns the maximum number of data bytes a single entry can hold.
func (j *Journal) Capacity() int {
	return int(j.halfBlocks()*j.dev.BlockSize()) - entryHeaderLen
}

// Current returns the latest successfully written entry.
func (j *Journal) Current() Entry {
	return j.current
}

// Update durably writes p as the new current entry.
func (j *Journal) Update(p []byte) error {
	if len(p) > j.Capacity() {
		return fmt.Errorf("entry of %d bytes exceeds journal capacity %d", len(p), j.Capacity())
	}
	next := Entry{
		Revision: j.current.Revision + 1,
		Data:     bytes.Clone(p),
	}
	buf := make([]byte, 0, entryHeaderLen+len(p))
	buf = append(buf, journalMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, next.Revision)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
	sum := entrySum(next.Revision, p)
	buf = append(buf, sum[:]...)
	buf = append(buf, p...)

	lba := j.start + uint(next.Revision%2)*j.halfBlocks()
	if _, err := j.dev.WriteBlocks(lba, buf); err != nil {
		return fmt.Errorf("failed to write journal entry %d: %w", next.Revision, err)
	}
	j.current = next
	return nil
}

func (j *Journal) halfBlocks() uint {
	return j.length / 2
}

func (j *Journal) readHalf(half uint) (*Entry, error) {
	bs := j.dev.BlockSize()
	buf := make([]byte, j.halfBlocks()*bs)
	if err := j.dev.ReadBlocks(j.start+half*j.halfBlocks(), buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[:len(journalMagic)], []byte(journalMagic)) {
		return nil, errors.New("no entry")
	}
	o := len(journalMagic)
	rev := binary.LittleEndian.Uint32(buf[o:])
	l := int(binary.LittleEndian.Uint32(buf[o+4:]))
	var sum [sha256.Size]byte
	copy(sum[:], buf[o+8:])
	if l > len(buf)-entryHeaderLen {
		return nil, fmt.Errorf("entry length %d overflows journal", l)
	}
	data := buf[entryHeaderLen : entryHeaderLen+l]
	if entrySum(rev, data) != sum {
		return nil, fmt.Errorf("entry %d checksum mismatch", rev)
	}
	return &Entry{Revision: rev, Data: bytes.Clone(data)}, nil
}

func entrySum(rev uint32, data []byte) [sha256.Size]byte {
	h := sha256.New()
	binary.Write(h, binary.LittleEndian, rev)
	h.Write(data)
	var r [sha256.Size]byte
	copy(r[:], h.Sum(nil))
	return r
}
