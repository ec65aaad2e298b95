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

// Package hse defines the secure element capability used for hashing and
// signature verification, and a software implementation of it.
package hse

import (
	"errors"
	"sync"
)

// KeyHandle names a verification key held by the secure element. Callers
// do not interpret it.
type KeyHandle string

var (
	ErrUnknownKey       = errors.New("unknown key handle")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsupported      = errors.New("operation not supported by key")
)

// Target says what a detached signature was computed over.
type Target int

const (
	// TargetDigest signatures sign the 32-byte SHA-256 digest as a message.
	TargetDigest Target = iota
	// TargetImage signatures sign the image itself, verified via its
	// SHA-256 digest. Only keys whose algorithm signs a SHA-256 prehash
	// support this.
	TargetImage
)

func (t Target) String() string {
	switch t {
	case TargetDigest:
		return "digest"
	case TargetImage:
		return "image"
	}
	return "unknown"
}

// Hash is a running SHA-256 computation inside the secure element.
type Hash interface {
	// Write folds p into the hash.
	Write(p []byte) error
	// Sum returns the digest of everything written so far.
	Sum() ([32]byte, error)
	// State returns an opaque blob from which NewSHA256 can resume.
	State() ([]byte, error)
}

// HSE is the secure element capability.
type HSE interface {
	// NewSHA256 starts a hash, resuming from state when it is non-nil.
	NewSHA256(state []byte) (Hash, error)
	// VerifySignature checks sig against digest using the key behind
	// handle. It returns ErrInvalidSignature on mismatch.
	VerifySignature(key KeyHandle, digest [32]byte, target Target, sig []byte) error
	// DeviceUID returns the unique device identifier.
	DeviceUID() ([]byte, error)
}

// Serialized wraps an HSE so that no two operations, including those on
// hashes it returns, ever run concurrently.
func Serialized(h HSE) HSE {
	if l, ok := h.(*locked); ok {
		return l
	}
	return &locked{h: h}
}

type locked struct {
	mu sync.Mutex
	h  HSE
}

func (l *locked) NewSHA256(state []byte) (Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, err := l.h.NewSHA256(state)
	if err != nil {
		return nil, err
	}
	return &lockedHash{l: l, h: h}, nil
}

func (l *locked) VerifySignature(key KeyHandle, digest [32]byte, target Target, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.VerifySignature(key, digest, target, sig)
}

func (l *locked) DeviceUID() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.DeviceUID()
}

type lockedHash struct {
	l *locked
	h Hash
}

func (h *lockedHash) Write(p []byte) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	return h.h.Write(p)
}

func (h *lockedHash) Sum() ([32]byte, error) {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	return h.h.Sum()
}

func (h *lockedHash) State() ([]byte, error) {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	return h.h.State()
}
