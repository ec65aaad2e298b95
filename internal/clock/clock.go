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

// Package clock provides the time sources used by the update client.
package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/klog/v2"
)

// Clock tells the time and sleeps. Sleep returns early with the context's
// error if ctx is done first.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the host clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NTP is the host clock corrected by the offset last measured against an
// NTP server.
type NTP struct {
	System
	server string
	offset atomic.Int64
	synced atomic.Bool
	query  func(host string) (*ntp.Response, error)
}

// NewNTP returns an NTP clock for server. It reads as the system clock
// until the first successful Sync.
func NewNTP(server string) *NTP {
	return &NTP{
		server: server,
		query: func(host string) (*ntp.Response, error) {
			return ntp.QueryWithOptions(host, ntp.QueryOptions{})
		},
	}
}

func (c *NTP) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

// Synced reports whether an offset has been measured.
func (c *NTP) Synced() bool {
	return c.synced.Load()
}

// Sync queries the server once and adopts its clock offset.
func (c *NTP) Sync() error {
	r, err := c.query(c.server)
	if err != nil {
		return fmt.Errorf("failed to get NTP time: %v", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("got invalid time from NTP server: %v", err)
	}
	c.offset.Store(int64(r.ClockOffset))
	c.synced.Store(true)
	klog.V(1).Infof("NTP clock offset %v", r.ClockOffset)
	return nil
}

// Run syncs until ctx is done, frequently until the first success and
// hourly afterwards. The returned channel is closed after the first success.
func (c *NTP) Run(ctx context.Context) <-chan struct{} {
	r := make(chan struct{})
	go func() {
		i := 10 * time.Second
		first := true
		for {
			if err := c.Sync(); err != nil {
				klog.Errorf("NTP sync with %q: %v", c.server, err)
			} else if first {
				i, first = time.Hour, false
				close(r)
			}
			if c.Sleep(ctx, i) != nil {
				return
			}
		}
	}()
	return r
}

// Fake is a manually advanced clock. Sleep advances it immediately and
// records the requested duration.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake returns a Fake reading t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps returns the durations passed to Sleep so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}
