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
)

// KV maps a fixed set of keys onto the slots of a partition, one key per
// slot. Each Put is atomic at record granularity.
type KV struct {
	p     *Partition
	index map[string]uint
}

// NewKV assigns keys[i] to slot i of p.
func NewKV(p *Partition, keys ...string) (*KV, error) {
	if len(keys) > p.NumSlots() {
		return nil, fmt.Errorf("%d keys do not fit in %d slots", len(keys), p.NumSlots())
	}
	kv := &KV{p: p, index: make(map[string]uint, len(keys))}
	for i, k := range keys {
		if _, dup := kv.index[k]; dup {
			return nil, fmt.Errorf("duplicate key %q", k)
		}
		kv.index[k] = uint(i)
	}
	return kv, nil
}

func (kv *KV) slot(key string) (*Slot, error) {
	i, ok := kv.index[key]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", key)
	}
	return kv.p.Slot(i)
}

// Put stores value under key.
func (kv *KV) Put(key string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty value for key %q", key)
	}
	s, err := kv.slot(key)
	if err != nil {
		return err
	}
	if len(value) > s.Capacity() {
		return fmt.Errorf("%d byte value for key %q exceeds slot capacity %d", len(value), key, s.Capacity())
	}
	return s.Write(value)
}

// Get returns the value stored under key, and false if there is none.
func (kv *KV) Get(key string) ([]byte, bool, error) {
	s, err := kv.slot(key)
	if err != nil {
		return nil, false, err
	}
	d := s.Read().Data
	if len(d) == 0 {
		return nil, false, nil
	}
	return bytes.Clone(d), true, nil
}

// Delete removes any value stored under key.
func (kv *KV) Delete(key string) error {
	s, err := kv.slot(key)
	if err != nil {
		return err
	}
	if len(s.Read().Data) == 0 {
		return nil
	}
	return s.Write(nil)
}
