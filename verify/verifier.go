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

// Package verify checks a downloaded image against the hash and detached
// signature advertised by its job document.
package verify

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tesaiot/ota-client/hse"
	"k8s.io/klog/v2"
)

var (
	// ErrHashMismatch means the image does not hash to the advertised value.
	ErrHashMismatch = errors.New("image hash mismatch")
	// ErrInvalidSignature means the detached signature did not verify.
	ErrInvalidSignature = errors.New("invalid image signature")
)

// Policy is the device's signature verification policy.
type Policy struct {
	// Key is the secure element handle of the release verification key.
	Key hse.KeyHandle
	// Target selects whether signatures cover the digest or the image.
	Target hse.Target
}

// Verifier hashes image bytes as they arrive and checks the result.
// It is not safe for concurrent use.
type Verifier struct {
	hse    hse.HSE
	policy Policy
	h      hse.Hash
	n      uint64
}

// New returns a Verifier for a fresh image.
func New(h hse.HSE, p Policy) (*Verifier, error) {
	hh, err := h.NewSHA256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start hash: %v", err)
	}
	return &Verifier{hse: h, policy: p, h: hh}, nil
}

// Restore returns a Verifier resumed from a Snapshot. offset is the image
// position the caller will continue from and must match the snapshot.
func Restore(h hse.HSE, p Policy, state []byte, offset uint64) (*Verifier, error) {
	if len(state) < 8 {
		return nil, errors.New("hash snapshot too short")
	}
	if n := binary.BigEndian.Uint64(state); n != offset {
		return nil, fmt.Errorf("hash snapshot is at offset %d, resuming at %d", n, offset)
	}
	hh, err := h.NewSHA256(state[8:])
	if err != nil {
		return nil, err
	}
	return &Verifier{hse: h, policy: p, h: hh, n: offset}, nil
}

// Offset returns the number of image bytes hashed so far.
func (v *Verifier) Offset() uint64 {
	return v.n
}

// Update folds the next payload into the running hash.
func (v *Verifier) Update(p []byte) error {
	if err := v.h.Write(p); err != nil {
		return err
	}
	v.n += uint64(len(p))
	return nil
}

// Snapshot returns an opaque blob capturing the hash state and position.
func (v *Verifier) Snapshot() ([]byte, error) {
	st, err := v.h.State()
	if err != nil {
		return nil, err
	}
	return append(binary.BigEndian.AppendUint64(nil, v.n), st...), nil
}

// Finalize returns the SHA-256 of everything passed to Update.
func (v *Verifier) Finalize() ([32]byte, error) {
	return v.h.Sum()
}

// CheckDigest compares got to want in constant time.
func CheckDigest(got, want [32]byte) error {
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return ErrHashMismatch
	}
	return nil
}

// VerifySignature checks sig over digest, per the device policy.
func (v *Verifier) VerifySignature(digest [32]byte, sig []byte) error {
	err := v.hse.VerifySignature(v.policy.Key, digest, v.policy.Target, sig)
	switch {
	case err == nil:
		klog.V(1).Infof("Signature over %s verified with key %q", v.policy.Target, v.policy.Key)
		return nil
	case errors.Is(err, hse.ErrInvalidSignature):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

// Verify finalizes the hash, compares it to want and checks the signature.
func (v *Verifier) Verify(want [32]byte, sig []byte) ([32]byte, error) {
	got, err := v.Finalize()
	if err != nil {
		return got, err
	}
	if err := CheckDigest(got, want); err != nil {
		klog.Warningf("Image hash %x, expected %x", got, want)
		return got, err
	}
	return got, v.VerifySignature(got, sig)
}
