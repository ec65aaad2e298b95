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
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/tesaiot/ota-client/internal/storage/testonly"
	"github.com/tesaiot/ota-client/persist"
)

var testLayout = Layout{Start: [2]uint{8, 40}, Blocks: 32}

func newStage(t *testing.T) (*BlockStage, *testonly.MemDev, *persist.MemKV) {
	t.Helper()
	md := testonly.NewMemDev(t, 80)
	kv := persist.NewMemKV()
	s, err := NewBlockStage(md, kv, testLayout)
	if err != nil {
		t.Fatalf("NewBlockStage: %v", err)
	}
	return s, md, kv
}

func TestNewBlockStageLayout(t *testing.T) {
	for _, test := range []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{name: "ok", layout: testLayout},
		{name: "swapped", layout: Layout{Start: [2]uint{40, 8}, Blocks: 32}},
		{name: "overlap", layout: Layout{Start: [2]uint{8, 20}, Blocks: 32}, wantErr: true},
		{name: "empty", layout: Layout{Start: [2]uint{8, 40}}, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewBlockStage(testonly.NewMemDev(t, 80), persist.NewMemKV(), test.layout)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestStageAndCommit(t *testing.T) {
	ctx := context.Background()
	s, _, kv := newStage(t)
	img := make([]byte, 10000)
	rand.Read(img)

	h, err := s.Begin(ctx, uint32(len(img)))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for off := 0; off < len(img); off += 4096 {
		if err := s.Write(ctx, h, uint32(off), img[off:min(off+4096, len(img))]); err != nil {
			t.Fatalf("Write(%d): %v", off, err)
		}
	}
	slot, err := s.Commit(ctx, h)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if slot != 1 || s.Active() != 1 {
		t.Errorf("Got slot %s active %s, want B", slot, s.Active())
	}
	got, err := s.ReadImage(slot)
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Error("staged image differs")
	}

	// State survives a restart, and the next image goes to the other slot.
	s2, err := NewBlockStage(s.dev, kv, testLayout)
	if err != nil {
		t.Fatalf("NewBlockStage: %v", err)
	}
	if s2.Active() != 1 {
		t.Errorf("Got active slot %s after restart, want B", s2.Active())
	}
	h2, _ := s2.Begin(ctx, 512)
	s2.Write(ctx, h2, 0, make([]byte, 512))
	if slot, _ := s2.Commit(ctx, h2); slot != 0 {
		t.Errorf("Got slot %s, want A", slot)
	}
}

func TestWriteChecks(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStage(t)
	h, _ := s.Begin(ctx, 10000)
	for _, test := range []struct {
		name string
		h    Handle
		off  uint32
		n    int
	}{
		{name: "stale handle", h: h + 1, off: 0, n: 512},
		{name: "unaligned", h: h, off: 100, n: 512},
		{name: "beyond image", h: h, off: 9728, n: 512},
		{name: "partial block mid image", h: h, off: 0, n: 100},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := s.Write(ctx, test.h, test.off, make([]byte, test.n)); err == nil {
				t.Fatal("Write succeeded")
			}
		})
	}
	if _, err := s.Begin(ctx, uint32(s.Capacity()+1)); err == nil {
		t.Error("Begin accepted an oversized image")
	}
}

func TestAbortAndResume(t *testing.T) {
	ctx := context.Background()
	s, md, kv := newStage(t)
	h, _ := s.Begin(ctx, 8192)
	if err := s.Write(ctx, h, 0, make([]byte, 4096)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// After a restart the session can be resumed with the same handle.
	s2, _ := NewBlockStage(md, kv, testLayout)
	if _, err := s2.Resume(ctx, 4096); !errors.Is(err, ErrNoStage) {
		t.Errorf("Resume with wrong size = %v, want ErrNoStage", err)
	}
	h2, err := s2.Resume(ctx, 8192)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h2 != h {
		t.Errorf("Got handle %d, want %d", h2, h)
	}

	if err := s2.Abort(ctx, h2); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if s2.Active() != 0 {
		t.Errorf("Got active slot %s after abort, want A", s2.Active())
	}
	if _, err := s2.Commit(ctx, h2); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Commit after abort = %v, want ErrStaleHandle", err)
	}
	if _, err := s2.Resume(ctx, 8192); !errors.Is(err, ErrNoStage) {
		t.Errorf("Resume after abort = %v, want ErrNoStage", err)
	}
}

func TestWriteFailure(t *testing.T) {
	ctx := context.Background()
	s, md, _ := newStage(t)
	h, _ := s.Begin(ctx, 4096)
	md.FailAfter = md.Writes()
	err := s.Write(ctx, h, 0, make([]byte, 4096))
	if !errors.Is(err, testonly.ErrInjected) {
		t.Fatalf("Got %v, want ErrInjected", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "write" {
		t.Errorf("Got %#v, want *OpError for write", err)
	}
}
