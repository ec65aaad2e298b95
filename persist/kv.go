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

// Package persist holds the update client's durable resumption state.
package persist

import (
	"bytes"
	"errors"
	"sync"
)

// KV is a small persistent key-value store. Each Put is atomic at record
// granularity: after a crash, Get returns either the old or the new value.
type KV interface {
	Put(key string, value []byte) error
	// Get returns the value for key, and false if none is stored.
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
}

// MemKV is an in-memory KV, for tests and hosts without durable storage.
// The zero value is an empty store.
type MemKV struct {
	mu sync.Mutex
	m  map[string][]byte
	// FailPut, if set, is returned by Put instead of storing the value.
	FailPut error
}

// NewMemKV returns an empty MemKV.
func NewMemKV() *MemKV {
	return &MemKV{m: make(map[string][]byte)}
}

func (kv *MemKV) Put(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.FailPut != nil {
		return kv.FailPut
	}
	if len(value) == 0 {
		return errors.New("empty value")
	}
	kv.set(key, bytes.Clone(value))
	return nil
}

func (kv *MemKV) Get(key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.m[key]
	return bytes.Clone(v), ok, nil
}

func (kv *MemKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

// Set stores value under key without any checks, for corrupting records in tests.
func (kv *MemKV) Set(key string, value []byte) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.set(key, value)
}

func (kv *MemKV) set(key string, value []byte) {
	if kv.m == nil {
		kv.m = make(map[string][]byte)
	}
	kv.m[key] = value
}
