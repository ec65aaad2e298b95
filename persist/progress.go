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

package persist

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

const (
	// ProgressKey is the KV key under which the ProgressRecord is stored.
	ProgressKey = "progress"

	keyLen       = 32
	recordMagic  = "OTAP"
	macLen       = sha256.Size
	headerLen    = len(recordMagic) + 4
	kdfInfo      = "ota-client progress record MAC"
	kdfSaltLabel = "OTAProgressMAC"
)

// ErrCorrupt is returned when a stored record fails authentication or
// cannot be decoded.
var ErrCorrupt = errors.New("corrupt progress record")

// ProgressRecord is the durable state needed to resume an interrupted
// download at a chunk boundary.
type ProgressRecord struct {
	// JobID identifies the job the download belongs to.
	JobID string
	// BytesWritten is the number of image bytes durably staged.
	BytesWritten uint32
	// NextChunk is the chunk number the resumed download starts at.
	NextChunk uint16
	// HashState is the Verifier snapshot taken after BytesWritten bytes.
	HashState []byte
	// StateTag is the engine state at the time the record was written.
	StateTag string
}

// Record field numbers.
const (
	fieldJobID        protowire.Number = 1
	fieldBytesWritten protowire.Number = 2
	fieldNextChunk    protowire.Number = 3
	fieldHashState    protowire.Number = 4
	fieldStateTag     protowire.Number = 5
)

// MarshalBinary encodes the record in protobuf wire format.
func (r *ProgressRecord) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldJobID, protowire.BytesType)
	b = protowire.AppendString(b, r.JobID)
	b = protowire.AppendTag(b, fieldBytesWritten, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.BytesWritten))
	b = protowire.AppendTag(b, fieldNextChunk, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NextChunk))
	b = protowire.AppendTag(b, fieldHashState, protowire.BytesType)
	b = protowire.AppendBytes(b, r.HashState)
	b = protowire.AppendTag(b, fieldStateTag, protowire.BytesType)
	b = protowire.AppendString(b, r.StateTag)
	return b, nil
}

// UnmarshalBinary decodes a record, skipping unknown fields.
func (r *ProgressRecord) UnmarshalBinary(b []byte) error {
	*r = ProgressRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldJobID && typ == protowire.BytesType:
			r.JobID, n = protowire.ConsumeString(b)
		case num == fieldBytesWritten && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > 1<<32-1 {
				return fmt.Errorf("bytes_written %d out of range", v)
			}
			r.BytesWritten = uint32(v)
		case num == fieldNextChunk && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > 1<<16-1 {
				return fmt.Errorf("next_chunk %d out of range", v)
			}
			r.NextChunk = uint16(v)
		case num == fieldHashState && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.HashState = append([]byte(nil), v...)
		case num == fieldStateTag && typ == protowire.BytesType:
			r.StateTag, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// DeriveKey derives the record MAC key from the device's unique ID.
func DeriveKey(uid []byte) ([]byte, error) {
	if len(uid) == 0 {
		return nil, errors.New("empty device UID")
	}
	k := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, uid, []byte(kdfSaltLabel), []byte(kdfInfo)), k); err != nil {
		return nil, err
	}
	return k, nil
}

// Store keeps a single ProgressRecord in a KV, sealed with an HMAC so that
// records from another device or a torn write are never trusted.
// Each record carries a write counter; once a Store has written or loaded
// a record, it rejects any record with a lower counter.
type Store struct {
	mu  sync.Mutex
	kv  KV
	key [keyLen]byte
	// counter is the highest write counter this Store has written or loaded.
	counter uint32
}

// NewStore returns a Store over kv using the MAC key from DeriveKey.
func NewStore(kv KV, key []byte) (*Store, error) {
	if len(key) != keyLen {
		return nil, errors.New("invalid MAC key size")
	}
	s := &Store{kv: kv}
	copy(s.key[:], key)
	return s, nil
}

func (s *Store) mac(b []byte) []byte {
	m := hmac.New(sha256.New, s.key[:])
	m.Write(b)
	return m.Sum(nil)
}

// Save durably replaces the stored record with r.
func (s *Store) Save(r *ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	b := make([]byte, 0, headerLen+len(body)+macLen)
	b = append(b, recordMagic...)
	b = binary.BigEndian.AppendUint32(b, s.counter+1)
	b = append(b, body...)
	b = append(b, s.mac(b)...)
	if err := s.kv.Put(ProgressKey, b); err != nil {
		return fmt.Errorf("failed to store progress record: %w", err)
	}
	s.counter++
	klog.V(2).Infof("Stored progress record #%d: job %q, %d bytes, next chunk %d", s.counter, r.JobID, r.BytesWritten, r.NextChunk)
	return nil
}

// Load returns the stored record, or nil if there is none.
// A record which fails authentication, or whose write counter is behind
// one already seen, yields ErrCorrupt.
func (s *Store) Load() (*ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok, err := s.kv.Get(ProgressKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if len(b) < headerLen+macLen || string(b[:len(recordMagic)]) != recordMagic {
		return nil, fmt.Errorf("%w: bad framing", ErrCorrupt)
	}
	body, sum := b[:len(b)-macLen], b[len(b)-macLen:]
	if !hmac.Equal(sum, s.mac(body)) {
		return nil, fmt.Errorf("%w: MAC mismatch", ErrCorrupt)
	}
	c := binary.BigEndian.Uint32(body[len(recordMagic):])
	if c < s.counter {
		return nil, fmt.Errorf("%w: write counter %d is behind %d", ErrCorrupt, c, s.counter)
	}
	r := &ProgressRecord{}
	if err := r.UnmarshalBinary(body[headerLen:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s.counter = c
	return r, nil
}

// Clear removes any stored record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ProgressKey)
}
