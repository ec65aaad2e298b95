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
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tesaiot/ota-client/internal/storage/testonly"
)

func TestOpenPartition(t *testing.T) {
	type slotGeo struct {
		Start  uint
		Length uint
	}
	toSlotGeo := func(in []Slot) []slotGeo {
		r := make([]slotGeo, len(in))
		for i := range in {
			r[i] = slotGeo{
				Start:  in[i].start,
				Length: in[i].length,
			}
		}
		return r
	}

	for _, test := range []struct {
		name      string
		geo       Geometry
		wantErr   bool
		wantSlots []slotGeo
	}{
		{
			name: "free space remaining",
			geo: Geometry{
				Start:       10,
				Length:      20,
				SlotLengths: []uint{2, 2, 4, 8},
			},
			wantSlots: []slotGeo{
				{Start: 10, Length: 2},
				{Start: 12, Length: 2},
				{Start: 14, Length: 4},
				{Start: 18, Length: 8},
			},
		}, {
			name: "fully allocated",
			geo: Geometry{
				Start:       10,
				Length:      20,
				SlotLengths: []uint{2, 2, 4, 8, 4},
			},
			wantSlots: []slotGeo{
				{Start: 10, Length: 2},
				{Start: 12, Length: 2},
				{Start: 14, Length: 4},
				{Start: 18, Length: 8},
				{Start: 26, Length: 4},
			},
		}, {
			name: "over allocated",
			geo: Geometry{
				Start:       10,
				Length:      20,
				SlotLengths: []uint{2, 2, 4, 8, 6},
			},
			wantErr: true,
		}, {
			name: "slot too small for journal",
			geo: Geometry{
				Start:       10,
				Length:      20,
				SlotLengths: []uint{2, 1},
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemDev(t, 64)
			p, err := OpenPartition(dev, test.geo)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if diff := cmp.Diff(toSlotGeo(p.slots), test.wantSlots); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func memPartition(t *testing.T) (*Partition, *testonly.MemDev) {
	t.Helper()
	md := testonly.NewMemDev(t, 64)
	geo := Geometry{
		Start:       10,
		Length:      20,
		SlotLengths: []uint{2, 2, 4, 8},
	}
	p, err := OpenPartition(md, geo)
	if err != nil {
		t.Fatalf("Failed to create mem partition: %v", err)
	}
	return p, md
}

func TestSlot(t *testing.T) {
	p, _ := memPartition(t)
	for _, test := range []struct {
		name    string
		slot    uint
		wantErr bool
	}{
		{
			name: "works",
			slot: 0,
		}, {
			name:    "invalid slot: too big",
			slot:    uint(len(p.slots)),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := p.Slot(test.slot)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestWriteReadRevisions(t *testing.T) {
	p, _ := memPartition(t)
	s, err := p.Slot(2)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	for i := 1; i <= 5; i++ {
		want := []byte(fmt.Sprintf("progress %d", i))
		if err := s.Write(want); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
		e := s.Read()
		if e.Revision != uint32(i) {
			t.Errorf("Got revision %d, want %d", e.Revision, i)
		}
		if !bytes.Equal(e.Data, want) {
			t.Errorf("Got %q, want %q", e.Data, want)
		}
	}
}

func TestReopenSurvivesTornWrite(t *testing.T) {
	p, md := memPartition(t)
	s, err := p.Slot(1)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	if err := s.Write([]byte("good")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	md.FailAfter = md.Writes()
	if err := s.Write([]byte("lost")); err == nil {
		t.Fatal("Write succeeded despite injected failure")
	}
	md.FailAfter = -1

	// A fresh partition over the same device sees the last good entry.
	p2, err := OpenPartition(md, Geometry{Start: 10, Length: 20, SlotLengths: []uint{2, 2, 4, 8}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	d, r := openAndRead(t, p2, 1)
	if got, want := string(d), "good"; got != want {
		t.Errorf("Got %q, want %q", got, want)
	}
	if r != 1 {
		t.Errorf("Got revision %d, want 1", r)
	}
}

func TestCorruptEntryIgnored(t *testing.T) {
	p, md := memPartition(t)
	s, _ := p.Slot(0)
	s.Write([]byte("first"))
	s.Write([]byte("second"))
	// Revision 2 lives in the first half of slot 0, at block 10.
	md.Storage[10][entryHeaderLen] ^= 0xff

	p2, _ := OpenPartition(md, Geometry{Start: 10, Length: 20, SlotLengths: []uint{2, 2, 4, 8}})
	d, r := openAndRead(t, p2, 0)
	if got, want := string(d), "first"; got != want {
		t.Errorf("Got %q, want %q", got, want)
	}
	if r != 1 {
		t.Errorf("Got revision %d, want 1", r)
	}
}

func TestKV(t *testing.T) {
	p, _ := memPartition(t)
	kv, err := NewKV(p, "progress", "stage")
	if err != nil {
		t.Fatalf("NewKV: %v", err)
	}
	if _, ok, err := kv.Get("progress"); err != nil || ok {
		t.Fatalf("Get on empty slot = %v, %v", ok, err)
	}
	if err := kv.Put("progress", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := kv.Get("progress")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if diff := cmp.Diff(got, []byte("abc")); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
	if err := kv.Delete("progress"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := kv.Get("progress"); ok {
		t.Error("value still present after Delete")
	}
	if err := kv.Put("progress", make([]byte, 2*512)); err == nil {
		t.Error("Put of value larger than the slot succeeded")
	}
	if err := kv.Put("nope", []byte("x")); err == nil {
		t.Error("Put to unknown key succeeded")
	}
	if _, err := NewKV(p, "a", "a"); err == nil {
		t.Error("NewKV accepted duplicate keys")
	}
}

func openAndRead(t *testing.T, p *Partition, i uint) ([]byte, uint32) {
	t.Helper()
	s, err := p.Slot(i)
	if err != nil {
		t.Fatalf("Slot(%d): %v", i, err)
	}
	e := s.Read()
	return e.Data, e.Revision
}
