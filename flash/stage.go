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

// Package flash stages downloaded firmware images into non-volatile storage.
package flash

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleHandle is returned when a handle no longer names the active staging session.
	ErrStaleHandle = errors.New("stale stage handle")
	// ErrNoStage is returned by Resume when no matching staging session exists.
	ErrNoStage = errors.New("no staging session to resume")
)

// Handle identifies one staging session.
type Handle uint64

// SlotID names a bootable image slot.
type SlotID int

func (s SlotID) String() string {
	return string(rune('A' + s))
}

// Stage is the flash staging capability. Writes are durable when Write
// returns nil; nothing becomes bootable before Commit.
type Stage interface {
	// Begin starts staging an image of size bytes into the inactive slot.
	Begin(ctx context.Context, size uint32) (Handle, error)
	// Resume reopens an interrupted staging session for an image of the
	// same size, or returns ErrNoStage.
	Resume(ctx context.Context, size uint32) (Handle, error)
	// Write stores p at image offset off.
	Write(ctx context.Context, h Handle, off uint32, p []byte) error
	// Commit marks the staged image bootable and returns its slot.
	Commit(ctx context.Context, h Handle) (SlotID, error)
	// Abort discards the staging session. The active slot is unchanged.
	Abort(ctx context.Context, h Handle) error
}

// OpError records the failed stage operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("flash %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
