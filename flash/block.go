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

package flash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tesaiot/ota-client/internal/storage/slots"
	"github.com/tesaiot/ota-client/persist"
	"k8s.io/klog/v2"
)

const (
	// StateKey is the KV key holding the A/B staging state.
	StateKey = "stage"

	batchSize = 2048
	noSlot    = 0xff
	stateLen  = 1 + 1 + 1 + 8 + 4 + 4 + 4
)

const (
	phaseIdle uint8 = iota
	phaseWriting
)

// Layout places the two image slots on the block device.
type Layout struct {
	// Start holds the first block of slots A and B.
	Start [2]uint
	// Blocks is the capacity of each slot in blocks.
	Blocks uint
}

// state is the persisted A/B bookkeeping.
type state struct {
	Active     uint8
	Staging    uint8
	Phase      uint8
	Generation uint64
	Size       uint32
	Sizes      [2]uint32
}

func (s *state) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, stateLen)
	b = append(b, s.Active, s.Staging, s.Phase)
	b = binary.LittleEndian.AppendUint64(b, s.Generation)
	b = binary.LittleEndian.AppendUint32(b, s.Size)
	b = binary.LittleEndian.AppendUint32(b, s.Sizes[0])
	b = binary.LittleEndian.AppendUint32(b, s.Sizes[1])
	return b, nil
}

func (s *state) UnmarshalBinary(b []byte) error {
	if len(b) != stateLen {
		return fmt.Errorf("stage state is %d bytes, want %d", len(b), stateLen)
	}
	s.Active, s.Staging, s.Phase = b[0], b[1], b[2]
	s.Generation = binary.LittleEndian.Uint64(b[3:])
	s.Size = binary.LittleEndian.Uint32(b[11:])
	s.Sizes[0] = binary.LittleEndian.Uint32(b[15:])
	s.Sizes[1] = binary.LittleEndian.Uint32(b[19:])
	if s.Active > 1 || (s.Staging > 1 && s.Staging != noSlot) || s.Phase > phaseWriting {
		return errors.New("stage state out of range")
	}
	return nil
}

// BlockStage is an A/B Stage over a block device. Images are written to
// the slot which is not active; a commit flips the active slot.
type BlockStage struct {
	mu     sync.Mutex
	dev    slots.BlockReaderWriter
	kv     persist.KV
	layout Layout
	st     state
}

// NewBlockStage returns a BlockStage, loading any existing state from kv.
func NewBlockStage(dev slots.BlockReaderWriter, kv persist.KV, l Layout) (*BlockStage, error) {
	if l.Blocks == 0 {
		return nil, errors.New("empty image slots")
	}
	lo, hi := l.Start[0], l.Start[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo+l.Blocks > hi {
		return nil, fmt.Errorf("image slots at blocks %d and %d overlap", l.Start[0], l.Start[1])
	}
	s := &BlockStage{dev: dev, kv: kv, layout: l, st: state{Staging: noSlot}}
	b, ok, err := kv.Get(StateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage state: %v", err)
	}
	if ok {
		if err := s.st.UnmarshalBinary(b); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("Stage: active slot %s, phase %d, generation %d", SlotID(s.st.Active), s.st.Phase, s.st.Generation)
	return s, nil
}

// Capacity returns the largest image a slot can hold.
func (s *BlockStage) Capacity() uint64 {
	return uint64(s.layout.Blocks) * uint64(s.dev.BlockSize())
}

// Active returns the slot the bootloader will start.
func (s *BlockStage) Active() SlotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotID(s.st.Active)
}

// save persists next and adopts it as the current state.
func (s *BlockStage) save(next state) error {
	b, _ := next.MarshalBinary()
	if err := s.kv.Put(StateKey, b); err != nil {
		return err
	}
	s.st = next
	return nil
}

func (s *BlockStage) Begin(ctx context.Context, size uint32) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, &OpError{Op: "begin", Err: err}
	}
	if size == 0 || uint64(size) > s.Capacity() {
		return 0, &OpError{Op: "begin", Err: fmt.Errorf("image size %d outside (0, %d]", size, s.Capacity())}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.st
	next.Staging = 1 - s.st.Active
	next.Phase = phaseWriting
	next.Generation++
	next.Size = size
	if err := s.save(next); err != nil {
		return 0, &OpError{Op: "begin", Err: err}
	}
	klog.Infof("Staging %d byte image into slot %s", size, SlotID(next.Staging))
	return Handle(next.Generation), nil
}

func (s *BlockStage) Resume(ctx context.Context, size uint32) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Phase != phaseWriting || s.st.Size != size {
		return 0, ErrNoStage
	}
	klog.Infof("Resuming staging into slot %s", SlotID(s.st.Staging))
	return Handle(s.st.Generation), nil
}

func (s *BlockStage) check(h Handle) error {
	if s.st.Phase != phaseWriting || Handle(s.st.Generation) != h {
		return ErrStaleHandle
	}
	return nil
}

// Write stores p at off. off must be block aligned, and p a whole number of
// blocks unless it ends the image.
func (s *BlockStage) Write(ctx context.Context, h Handle, off uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(h); err != nil {
		return &OpError{Op: "write", Err: err}
	}
	bs := s.dev.BlockSize()
	end := uint64(off) + uint64(len(p))
	switch {
	case uint(off)%bs != 0:
		return &OpError{Op: "write", Err: fmt.Errorf("offset %d not aligned to %d byte blocks", off, bs)}
	case end > uint64(s.st.Size):
		return &OpError{Op: "write", Err: fmt.Errorf("write [%d, %d) beyond image size %d", off, end, s.st.Size)}
	case uint(len(p))%bs != 0 && end != uint64(s.st.Size):
		return &OpError{Op: "write", Err: fmt.Errorf("partial block write at offset %d", off)}
	}
	if err := s.flash(ctx, s.layout.Start[s.st.Staging]+uint(off)/bs, p); err != nil {
		return &OpError{Op: "write", Err: err}
	}
	return nil
}

// flash writes buf at lba in batches, padding the final block with zeros.
func (s *BlockStage) flash(ctx context.Context, lba uint, buf []byte) error {
	bs := int(s.dev.BlockSize())
	if rem := len(buf) % bs; rem > 0 {
		buf = append(append(make([]byte, 0, len(buf)+bs-rem), buf...), make([]byte, bs-rem)...)
	}
	blocks := len(buf) / bs
	batch := batchSize
	for i := 0; i < blocks; i += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = min(batch, blocks-i)
		start := i * bs
		if _, err := s.dev.WriteBlocks(lba+uint(i), buf[start:start+batch*bs]); err != nil {
			return err
		}
		klog.V(2).Infof("flashed %d/%d blocks", i+batch, blocks)
	}
	return nil
}

func (s *BlockStage) Commit(ctx context.Context, h Handle) (SlotID, error) {
	if err := ctx.Err(); err != nil {
		return 0, &OpError{Op: "commit", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(h); err != nil {
		return 0, &OpError{Op: "commit", Err: err}
	}
	next := s.st
	next.Active = s.st.Staging
	next.Sizes[next.Active] = s.st.Size
	next.Staging = noSlot
	next.Phase = phaseIdle
	if err := s.save(next); err != nil {
		return 0, &OpError{Op: "commit", Err: err}
	}
	klog.Infof("Committed slot %s as bootable", SlotID(next.Active))
	return SlotID(next.Active), nil
}

func (s *BlockStage) Abort(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(h); err != nil {
		return &OpError{Op: "abort", Err: err}
	}
	next := s.st
	next.Staging = noSlot
	next.Phase = phaseIdle
	if err := s.save(next); err != nil {
		return &OpError{Op: "abort", Err: err}
	}
	klog.Infof("Aborted staging, slot %s remains active", SlotID(next.Active))
	return nil
}

// ReadImage returns the committed image in slot id.
func (s *BlockStage) ReadImage(id SlotID) ([]byte, error) {
	if id != 0 && id != 1 {
		return nil, fmt.Errorf("invalid slot %d", id)
	}
	s.mu.Lock()
	size := s.st.Sizes[id]
	s.mu.Unlock()
	if size == 0 {
		return nil, fmt.Errorf("slot %s holds no image", id)
	}
	bs := s.dev.BlockSize()
	buf := make([]byte, (uint(size)+bs-1)/bs*bs)
	if err := s.dev.ReadBlocks(s.layout.Start[id], buf); err != nil {
		return nil, err
	}
	return buf[:size], nil
}
