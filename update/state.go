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

package update

import (
	"errors"
	"fmt"
	"time"

	"github.com/tesaiot/ota-client/flash"
	"github.com/tesaiot/ota-client/job"
)

// State is an update engine state.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateVerifying
	StateStaged
	StateApplying
	StateReporting
	StateFailed
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChecking:
		return "Checking"
	case StateDownloading:
		return "Downloading"
	case StateVerifying:
		return "Verifying"
	case StateStaged:
		return "Staged"
	case StateApplying:
		return "Applying"
	case StateReporting:
		return "Reporting"
	case StateFailed:
		return "Failed"
	case StateComplete:
		return "Complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Kind classifies why an update failed.
type Kind int

const (
	KindNone Kind = iota
	KindAuth
	KindNotFound
	KindRejected
	KindNetwork
	KindDownload
	KindVerification
	KindFlash
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	case KindNetwork:
		return "network"
	case KindDownload:
		return "download"
	case KindVerification:
		return "verification"
	case KindFlash:
		return "flash"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrNotStaged is returned by Apply when no verified image is waiting.
var ErrNotStaged = errors.New("no verified image staged")

// Error is a terminal update failure.
type Error struct {
	Kind Kind
	// Reason is the short code sent in the failed status report.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("update failed (%s/%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Event reports engine progress. State is always set; the other fields
// are filled in where they apply.
type Event struct {
	State State
	// Job is the descriptor being processed, once known.
	Job *job.Descriptor
	// NoUpdate is set on the return to Idle when the platform had no job.
	NoUpdate bool

	// BytesWritten and Chunk describe the last chunk staged.
	BytesWritten uint32
	TotalBytes   uint32
	Chunk        uint16
	TotalChunks  uint16

	// RetryIn is set when a transient failure will be retried after a delay.
	RetryIn time.Duration
	// Err is the failure for StateFailed, or the transient error behind a retry.
	Err error
	// Kind is the failure kind for StateFailed.
	Kind Kind

	// Slot is the newly bootable slot, on StateComplete.
	Slot flash.SlotID
}

func (e Event) String() string {
	switch {
	case e.State == StateFailed:
		return fmt.Sprintf("%s{%s}: %v", e.State, e.Kind, e.Err)
	case e.RetryIn > 0:
		return fmt.Sprintf("%s: retrying in %v: %v", e.State, e.RetryIn, e.Err)
	case e.State == StateDownloading && e.TotalBytes > 0:
		return fmt.Sprintf("%s: chunk %d/%d, %d/%d bytes", e.State, e.Chunk+1, e.TotalChunks, e.BytesWritten, e.TotalBytes)
	case e.NoUpdate:
		return fmt.Sprintf("%s: no update", e.State)
	case e.State == StateComplete:
		return fmt.Sprintf("%s: slot %s", e.State, e.Slot)
	}
	return e.State.String()
}
