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

// Package slots keeps the update client's small durable records on a block
// device: the sealed download progress record and the A/B staging state.
// Each record has a slot of its own holding a two-entry journal, so a power
// cut in the middle of an update leaves either the old or the new record
// readable, never a mix.
package slots

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Geometry places the record slots inside the metadata area of the device.
type Geometry struct {
	// Start is the first block of the metadata area.
	Start uint
	// Length is the size of the metadata area in blocks.
	Length uint
	// SlotLengths holds the size in blocks of each record slot, laid out
	// back to back from Start. A journal needs at least 2 blocks.
	SlotLengths []uint
}

// Validate checks that every slot can hold a journal and that the slots fit
// in the metadata area.
func (g Geometry) Validate() error {
	var used uint
	for i, l := range g.SlotLengths {
		if l < 2 {
			return fmt.Errorf("invalid geometry: slot %d has %d blocks, need at least 2", i, l)
		}
		used += l
	}
	if used > g.Length {
		return fmt.Errorf("invalid geometry: slots need %d blocks, metadata area has %d", used, g.Length)
	}
	return nil
}

// Partition is the metadata area of the device with all its slots opened.
type Partition struct {
	slots []Slot
}

// OpenPartition validates geo and reads the current record of every slot.
func OpenPartition(dev BlockReaderWriter, geo Geometry) (*Partition, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	p := &Partition{slots: make([]Slot, len(geo.SlotLengths))}
	lba := geo.Start
	for i, l := range geo.SlotLengths {
		j, err := OpenJournal(dev, lba, l)
		if err != nil {
			return nil, fmt.Errorf("slot %d at block %d: %v", i, lba, err)
		}
		p.slots[i] = Slot{start: lba, length: l, journal: j}
		lba += l
	}
	klog.V(1).Infof("Opened %d record slots in blocks [%d, %d)", len(p.slots), geo.Start, lba)
	return p, nil
}

// Slot returns slot i.
func (p *Partition) Slot(i uint) (*Slot, error) {
	if n := uint(len(p.slots)); i >= n {
		return nil, fmt.Errorf("invalid slot %d (partition has %d slots)", i, n)
	}
	return &p.slots[i], nil
}

// NumSlots returns the number of record slots.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// Slot holds one record.
type Slot struct {
	mu sync.RWMutex
	// [start, start+length) are the blocks backing the journal.
	start, length uint
	journal       *Journal
}

// Read returns the last record successfully written to the slot. An empty
// slot yields an entry with revision 0 and no data.
func (s *Slot) Read() Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.Current()
}

// Capacity returns the largest record the slot can hold.
func (s *Slot) Capacity() int {
	return s.journal.Capacity()
}

// Write replaces the record. If Write fails, Read keeps returning the
// previous record.
func (s *Slot) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journal.Update(p); err != nil {
		return err
	}
	klog.V(2).Infof("Slot @%d: wrote revision %d, %d bytes", s.start, s.journal.Current().Revision, len(p))
	return nil
}
