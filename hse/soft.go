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

package hse

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// Soft is an HSE implemented in software, for hosts without a secure
// element and for tests. Key material is public only.
type Soft struct {
	uid []byte

	mu   sync.RWMutex
	keys map[KeyHandle]keyVerifier
}

type keyVerifier func(digest [32]byte, target Target, sig []byte) error

// NewSoft returns a software HSE reporting uid as its device UID.
func NewSoft(uid []byte) *Soft {
	return &Soft{
		uid:  bytes.Clone(uid),
		keys: make(map[KeyHandle]keyVerifier),
	}
}

func (s *Soft) add(h KeyHandle, v keyVerifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[h] = v
}

// AddNoteVerifier registers an ed25519 key in note verifier format,
// e.g. "name+hash+base64key". Such keys verify digest signatures only.
func (s *Soft) AddNoteVerifier(h KeyHandle, vkey string) error {
	v, err := note.NewVerifier(string(bytes.TrimSpace([]byte(vkey))))
	if err != nil {
		return fmt.Errorf("invalid note verifier for %q: %v", h, err)
	}
	klog.V(1).Infof("HSE key %q: note verifier %q (hash %08x)", h, v.Name(), v.KeyHash())
	s.add(h, func(digest [32]byte, target Target, sig []byte) error {
		if target != TargetDigest {
			return fmt.Errorf("%w: note key %q signs digests", ErrUnsupported, v.Name())
		}
		if !v.Verify(digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	})
	return nil
}

// AddPublicKey registers a PEM encoded PKIX public key. ECDSA P-256 and
// Ed25519 keys are supported.
func (s *Soft) AddPublicKey(h KeyHandle, pemBytes []byte) error {
	b, _ := pem.Decode(pemBytes)
	if b == nil {
		return fmt.Errorf("no PEM block in key for %q", h)
	}
	pub, err := x509.ParsePKIXPublicKey(b.Bytes)
	if err != nil {
		return fmt.Errorf("invalid public key for %q: %v", h, err)
	}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return fmt.Errorf("key %q: unsupported curve %s", h, k.Curve.Params().Name)
		}
		s.add(h, func(digest [32]byte, target Target, sig []byte) error {
			d := digest
			if target == TargetDigest {
				d = sha256.Sum256(digest[:])
			}
			if !ecdsa.VerifyASN1(k, d[:], sig) {
				return ErrInvalidSignature
			}
			return nil
		})
	case ed25519.PublicKey:
		s.add(h, func(digest [32]byte, target Target, sig []byte) error {
			if target != TargetDigest {
				return fmt.Errorf("%w: ed25519 key %q signs digests", ErrUnsupported, h)
			}
			if !ed25519.Verify(k, digest[:], sig) {
				return ErrInvalidSignature
			}
			return nil
		})
	default:
		return fmt.Errorf("key %q: unsupported key type %T", h, pub)
	}
	return nil
}

// NewSHA256 implements HSE.
func (s *Soft) NewSHA256(state []byte) (Hash, error) {
	h := sha256.New()
	if state != nil {
		if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
			return nil, fmt.Errorf("invalid hash state: %v", err)
		}
	}
	return &softHash{h: h}, nil
}

// VerifySignature implements HSE.
func (s *Soft) VerifySignature(key KeyHandle, digest [32]byte, target Target, sig []byte) error {
	s.mu.RLock()
	v, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if len(sig) == 0 {
		return ErrInvalidSignature
	}
	return v(digest, target, sig)
}

// DeviceUID implements HSE.
func (s *Soft) DeviceUID() ([]byte, error) {
	if len(s.uid) == 0 {
		return nil, errors.New("no device UID provisioned")
	}
	return bytes.Clone(s.uid), nil
}

type softHash struct {
	h hash.Hash
}

func (h *softHash) Write(p []byte) error {
	_, err := h.h.Write(p)
	return err
}

func (h *softHash) Sum() ([32]byte, error) {
	var r [32]byte
	copy(r[:], h.h.Sum(nil))
	return r, nil
}

func (h *softHash) State() ([]byte, error) {
	return h.h.(encoding.BinaryMarshaler).MarshalBinary()
}
