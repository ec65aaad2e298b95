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

package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/transport"
)

type post struct {
	Deployment string
	Status     api.ReportStatus
}

type fakePoster struct {
	mu    sync.Mutex
	posts []post
	calls int
	// errs is consumed one per call; nil entries and an exhausted slice succeed.
	errs []error
}

func (f *fakePoster) PostStatus(_ context.Context, id string, r api.StatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.posts = append(f.posts, post{id, r.Status})
	return nil
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func flush(t *testing.T, r *Reporter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestDeliversInOrder(t *testing.T) {
	p := &fakePoster{}
	r := New(p, Options{NewBackOff: zeroBackOff})
	r.Start(context.Background())
	defer r.Close()

	r.Enqueue("dep", api.StatusReport{Status: api.StatusInProgress})
	r.Enqueue("dep", api.StatusReport{Status: api.StatusInProgress})
	r.Enqueue("dep", api.StatusReport{Status: api.StatusSuccess})
	flush(t, r)

	want := []post{{"dep", api.StatusInProgress}, {"dep", api.StatusInProgress}, {"dep", api.StatusSuccess}}
	if diff := cmp.Diff(want, p.posts); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}

func TestDropPolicy(t *testing.T) {
	p := &fakePoster{}
	r := New(p, Options{QueueSize: 3, NewBackOff: zeroBackOff})
	for _, e := range []post{
		{"a", api.StatusInProgress},
		{"b", api.StatusInProgress},
		{"c", api.StatusSuccess},
		{"d", api.StatusInProgress},
		{"e", api.StatusFailed},
		{"f", api.StatusSuccess},
		{"g", api.StatusSuccess},
		{"h", api.StatusInProgress},
	} {
		r.Enqueue(e.Deployment, api.StatusReport{Status: e.Status})
	}
	if got, want := r.Dropped(), 4; got != want {
		t.Errorf("Dropped() = %d, want %d", got, want)
	}

	r.Start(context.Background())
	defer r.Close()
	flush(t, r)
	want := []post{{"c", api.StatusSuccess}, {"e", api.StatusFailed}, {"f", api.StatusSuccess}, {"g", api.StatusSuccess}}
	if diff := cmp.Diff(want, p.posts); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}

func TestRetries(t *testing.T) {
	flaky := errors.New("connection reset")
	for _, test := range []struct {
		name      string
		errs      []error
		wantCalls int
		wantPosts int
	}{
		{name: "first try", wantCalls: 1, wantPosts: 1},
		{name: "recovers", errs: []error{flaky, flaky}, wantCalls: 3, wantPosts: 1},
		{name: "gives up", errs: []error{flaky, flaky, flaky}, wantCalls: 3},
		{name: "permanent", errs: []error{transport.ErrNotFound}, wantCalls: 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := &fakePoster{errs: test.errs}
			r := New(p, Options{MaxAttempts: 3, NewBackOff: zeroBackOff})
			r.Start(context.Background())
			defer r.Close()
			r.Enqueue("dep", api.StatusReport{Status: api.StatusFailed, Error: "auth"})
			flush(t, r)
			if p.calls != test.wantCalls {
				t.Errorf("Got %d calls, want %d", p.calls, test.wantCalls)
			}
			if len(p.posts) != test.wantPosts {
				t.Errorf("Got %d posts, want %d", len(p.posts), test.wantPosts)
			}
		})
	}
}

func TestFlushEmpty(t *testing.T) {
	r := New(&fakePoster{}, Options{})
	flush(t, r)
	r.Close()
}
