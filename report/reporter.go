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

// Package report delivers deployment status reports to the platform in the
// background, in order, without blocking the update engine.
package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/internal/metrics"
	"github.com/tesaiot/ota-client/transport"
	"k8s.io/klog/v2"
)

const (
	DefaultQueueSize   = 8
	DefaultMaxAttempts = 3
)

// Poster sends one status report.
type Poster interface {
	PostStatus(ctx context.Context, deploymentID string, r api.StatusReport) error
}

// Options configures a Reporter. Zero values select the defaults.
type Options struct {
	// QueueSize is the number of reports held before in_progress reports
	// start being dropped.
	QueueSize int
	// MaxAttempts bounds delivery attempts per report.
	MaxAttempts int
	// NewBackOff returns the delay policy between attempts of one report.
	NewBackOff func() backoff.BackOff
	Metrics    *metrics.Metrics
}

type item struct {
	deployment string
	report     api.StatusReport
}

// Reporter queues status reports and posts them from a worker goroutine.
type Reporter struct {
	p    Poster
	opts Options

	mu      sync.Mutex
	queue   []item
	dropped int
	// inFlight is set while queue[0] is being delivered.
	inFlight bool
	// idle is closed whenever the queue is empty and nothing is in flight.
	idle chan struct{}
	wake chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Reporter posting through p. Call Start to begin delivery.
func New(p Poster, opts Options) *Reporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		}
	}
	idle := make(chan struct{})
	close(idle)
	return &Reporter{
		p:    p,
		opts: opts,
		idle: idle,
		wake: make(chan struct{}, 1),
	}
}

// Start launches the delivery worker. It stops when ctx is done or Close is called.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for {
			it, ok := r.next()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-r.wake:
				}
				continue
			}
			r.deliver(ctx, it)
			r.finish()
		}
	}()
}

// Close stops the worker. Undelivered reports are discarded.
func (r *Reporter) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Enqueue queues a report for deploymentID. When the queue is full the
// oldest in_progress report is dropped; terminal reports are never dropped.
func (r *Reporter) Enqueue(deploymentID string, rep api.StatusReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) >= r.opts.QueueSize {
		i := 0
		if r.inFlight {
			i = 1
		}
		for i < len(r.queue) && r.queue[i].report.Status.Terminal() {
			i++
		}
		switch {
		case i < len(r.queue):
			klog.Warningf("Report queue full, dropping %s report for %q", r.queue[i].report.Status, r.queue[i].deployment)
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.dropped++
			r.opts.Metrics.Report("dropped")
		case !rep.Status.Terminal():
			klog.Warningf("Report queue full of terminal reports, dropping %s report for %q", rep.Status, deploymentID)
			r.dropped++
			r.opts.Metrics.Report("dropped")
			return
		}
	}
	r.queue = append(r.queue, item{deployment: deploymentID, report: rep})
	select {
	case <-r.idle:
		r.idle = make(chan struct{})
	default:
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every queued report has been delivered or given up on.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of reports dropped because the queue was full.
func (r *Reporter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// next returns the head of the queue, leaving it in place until finish.
func (r *Reporter) next() (item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return item{}, false
	}
	r.inFlight = true
	return r.queue[0], true
}

func (r *Reporter) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = r.queue[1:]
	r.inFlight = false
	if len(r.queue) == 0 {
		close(r.idle)
	}
}

func permanent(err error) bool {
	return errors.Is(err, transport.ErrUnauthorized) ||
		errors.Is(err, transport.ErrNotFound) ||
		errors.Is(err, transport.ErrMalformedResponse)
}

func (r *Reporter) deliver(ctx context.Context, it item) {
	op := func() error {
		err := r.p.PostStatus(ctx, it.deployment, it.report)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.opts.NewBackOff(), uint64(r.opts.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		klog.Warningf("Posting %s report for %q failed, retrying in %v: %v", it.report.Status, it.deployment, d, err)
	})
	if err != nil {
		klog.Errorf("Giving up on %s report for %q: %v", it.report.Status, it.deployment, err)
		r.opts.Metrics.Report("failed")
		return
	}
	klog.V(1).Infof("Posted %s report for %q", it.report.Status, it.deployment)
	r.opts.Metrics.Report("delivered")
}
