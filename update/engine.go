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

// Package update implements the firmware update state machine: it checks
// the platform for a job, downloads and stages the image chunk by chunk,
// verifies it, commits it for the bootloader and reports the outcome.
package update

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/chunk"
	"github.com/tesaiot/ota-client/flash"
	"github.com/tesaiot/ota-client/hse"
	"github.com/tesaiot/ota-client/internal/clock"
	"github.com/tesaiot/ota-client/internal/metrics"
	"github.com/tesaiot/ota-client/job"
	"github.com/tesaiot/ota-client/persist"
	"github.com/tesaiot/ota-client/report"
	"github.com/tesaiot/ota-client/transport"
	"github.com/tesaiot/ota-client/verify"
	"k8s.io/klog/v2"
)

const (
	DefaultProgressEvery = 16
	DefaultReportTimeout = 30 * time.Second
)

// Platform fetches jobs and firmware. *transport.Client implements it.
type Platform interface {
	FetchJob(ctx context.Context) (transport.JobFetchResult, error)
	OpenDownload(ctx context.Context, u *url.URL, start uint32) (*transport.Download, error)
}

// Options configures an Engine.
type Options struct {
	Identity api.DeviceIdentity
	Endpoint api.ServerEndpoint

	// Required collaborators.
	Platform Platform
	Stage    flash.Stage
	HSE      hse.HSE
	// KV holds the progress record.
	KV       persist.KV
	Reporter *report.Reporter

	// Clock defaults to the system clock.
	Clock clock.Clock
	// Verify selects the verification key and signature target.
	Verify verify.Policy
	// Job controls job document parsing. BaseURL defaults to the endpoint.
	Job job.Options
	// AllowForeignHosts permits downloads from outside the endpoint's origin.
	AllowForeignHosts bool
	// AutoApply commits a verified image without waiting for Apply.
	AutoApply bool

	// MaxAttempts bounds attempts for network failures within one check.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CriticalMaxDelay caps retry delays for jobs marked critical.
	CriticalMaxDelay time.Duration
	// Rand returns values in [0, 1) for backoff jitter.
	Rand func() float64

	// ProgressEvery is the number of chunks between in_progress reports.
	ProgressEvery uint16
	// ReportTimeout bounds the wait for a terminal report to be delivered.
	ReportTimeout time.Duration

	Metrics *metrics.Metrics
}

// Engine is the update state machine. Its operations return iterators of
// Events; the work happens as the caller ranges over them, and stopping
// early cancels the run.
type Engine struct {
	opts     Options
	hse      hse.HSE
	progress *persist.Store
	policy   job.Policy

	mu          sync.Mutex
	busy        bool
	state       State
	job         *job.Descriptor
	written     uint32
	lastOutcome string
	staged      *staged
}

type staged struct {
	d *job.Descriptor
	h flash.Handle
}

// New returns an Engine in the Idle state.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Platform == nil:
		return nil, errors.New("no platform transport")
	case opts.Stage == nil:
		return nil, errors.New("no flash stage")
	case opts.HSE == nil:
		return nil, errors.New("no secure element")
	case opts.KV == nil:
		return nil, errors.New("no persistent store")
	case opts.Reporter == nil:
		return nil, errors.New("no status reporter")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Job.BaseURL == nil {
		opts.Job.BaseURL = opts.Endpoint.BaseURL()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.CriticalMaxDelay <= 0 {
		opts.CriticalMaxDelay = DefaultCriticalMaxDelay
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.ProgressEvery == 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = DefaultReportTimeout
	}

	h := hse.Serialized(opts.HSE)
	uid, err := h.DeviceUID()
	if err != nil {
		return nil, fmt.Errorf("failed to read device UID: %v", err)
	}
	key, err := persist.DeriveKey(uid)
	if err != nil {
		return nil, err
	}
	store, err := persist.NewStore(opts.KV, key)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:     opts,
		hse:      h,
		progress: store,
		policy:   job.Policy{Endpoint: opts.Endpoint, AllowForeignHosts: opts.AllowForeignHosts},
	}, nil
}

// Status is a point-in-time summary of the engine.
type Status struct {
	State        State
	Job          string
	BytesWritten uint32
	TotalBytes   uint32
	LastOutcome  string
}

// Status returns the engine's current status. It is safe to call from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{State: e.state, BytesWritten: e.written, LastOutcome: e.lastOutcome}
	if e.job != nil {
		s.Job = e.job.ID()
		s.TotalBytes = e.job.FileSize
	}
	return s
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CheckForUpdate asks the platform for a job and, if there is one, takes
// it as far as the engine's options allow. It does nothing unless the
// engine is Idle.
func (e *Engine) CheckForUpdate(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !e.claim(StateIdle) {
			klog.V(1).Infof("Update check while %s ignored", e.State())
			return
		}
		r := e.newRun(ctx, yield)
		defer r.done()
		r.check()
	}
}

// Apply commits the staged image. It returns ErrNotStaged unless the
// engine is Staged.
func (e *Engine) Apply(ctx context.Context) (iter.Seq[Event], error) {
	e.mu.Lock()
	st, ok := e.staged, e.state == StateStaged && e.staged != nil && !e.busy
	e.mu.Unlock()
	if !ok {
		return nil, ErrNotStaged
	}
	return func(yield func(Event) bool) {
		if !e.claim(StateStaged) {
			return
		}
		r := e.newRun(ctx, yield)
		defer r.done()
		r.d, r.h, r.staging = st.d, st.h, true
		r.bytes, r.next = st.d.FileSize, st.d.Chunks()
		r.apply()
	}, nil
}

func (e *Engine) claim(want State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy || e.state != want {
		return false
	}
	e.busy = true
	return true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.opts.Metrics.SetState(int(s))
}

func (e *Engine) update(f func(e *Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e)
}

// run is one pass of the state machine, driven by the caller's iteration.
type run struct {
	e       *Engine
	ctx     context.Context
	cancel  context.CancelFunc
	yield   func(Event) bool
	stopped bool

	d *job.Descriptor
	// h is the staging session, valid when staging is set.
	h       flash.Handle
	staging bool
	// bytes and next locate the next chunk to download.
	bytes uint32
	next  uint16
}

func (e *Engine) newRun(ctx context.Context, yield func(Event) bool) *run {
	ctx, cancel := context.WithCancel(ctx)
	return &run{e: e, ctx: ctx, cancel: cancel, yield: yield}
}

func (r *run) done() {
	r.cancel()
	r.e.update(func(e *Engine) { e.busy = false })
}

// emit passes ev to the caller until the caller stops iterating, which
// cancels the run.
func (r *run) emit(ev Event) {
	if ev.Job == nil {
		ev.Job = r.d
	}
	klog.V(2).Infof("Update event: %s", ev)
	if r.stopped {
		return
	}
	if !r.yield(ev) {
		r.stopped = true
		r.cancel()
	}
}

func (r *run) enter(s State, ev Event) {
	r.e.setState(s)
	ev.State = s
	r.emit(ev)
}

func (r *run) deployment() string {
	if r.d != nil {
		return r.d.Deployment()
	}
	return r.e.opts.Identity.DeviceID
}

func (r *run) report(status api.ReportStatus, reason string) {
	rep := api.StatusReport{Status: status, Error: reason}
	if r.staging {
		n, c := r.bytes, r.next
		rep.BytesWritten, rep.CurrentChunk = &n, &c
	}
	r.e.opts.Reporter.Enqueue(r.deployment(), rep)
}

// flush waits, within bounds and despite cancellation, for queued reports.
func (r *run) flush() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.e.opts.ReportTimeout)
	defer cancel()
	if err := r.e.opts.Reporter.Flush(ctx); err != nil {
		klog.Warningf("Status reports still pending: %v", err)
	}
}

// wait sleeps before the next attempt. It returns false once the attempt
// budget is spent or the run is cancelled.
func (r *run) wait(bo backoff.BackOff, cause error) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	klog.Warningf("%s: %v, retrying in %v", r.e.State(), cause, d)
	r.emit(Event{State: r.e.State(), RetryIn: d, Err: cause})
	return r.e.opts.Clock.Sleep(r.ctx, d) == nil
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil
}

// transient fails the run after retries of err have run out.
func (r *run) transient(err error) {
	if r.cancelled() {
		r.fail(&Error{Kind: KindCancelled, Reason: "cancelled", Err: r.ctx.Err()})
		return
	}
	r.fail(&Error{Kind: KindNetwork, Reason: "network", Err: err})
}

// transportFailure maps non-retryable transport errors to a failure.
func transportFailure(err error) *Error {
	switch {
	case errors.Is(err, transport.ErrUnauthorized):
		return &Error{Kind: KindAuth, Reason: "auth", Err: err}
	case errors.Is(err, transport.ErrNotFound):
		return &Error{Kind: KindNotFound, Reason: "not_found", Err: err}
	}
	return nil
}

func rejectReason(err error) string {
	var re *job.RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return job.ReasonSchema
}

func (r *run) check() {
	e := r.e
	r.enter(StateChecking, Event{})
	e.opts.Metrics.CheckStarted()

	bo := e.retryPolicy(false)
	var res transport.JobFetchResult
	for {
		var err error
		res, err = e.opts.Platform.FetchJob(r.ctx)
		if err == nil {
			break
		}
		if ferr := transportFailure(err); ferr != nil && !r.cancelled() {
			r.fail(ferr)
			return
		}
		if r.cancelled() || !r.wait(bo, err) {
			r.transient(err)
			return
		}
	}

	if !res.Available {
		klog.Infof("No update available")
		e.update(func(e *Engine) { e.lastOutcome = "no update" })
		r.enter(StateIdle, Event{NoUpdate: true})
		return
	}

	d, err := job.Parse(res.Body, e.opts.Job)
	if err != nil {
		r.fail(&Error{Kind: KindRejected, Reason: rejectReason(err), Err: err})
		return
	}
	r.d = d
	e.update(func(e *Engine) { e.job, e.written = d, 0 })
	if err := d.Validate(e.opts.Identity, e.policy, e.opts.Clock.Now()); err != nil {
		r.fail(&Error{Kind: KindRejected, Reason: rejectReason(err), Err: err})
		return
	}
	klog.Infof("Job %q: %s %s -> %s, %d bytes, fingerprint %q", d.Deployment(), d.FirmwareID, e.opts.Identity.Version, d.Version, d.FileSize, res.Fingerprint)
	r.download()
}

// start resumes the staging session recorded in the progress record, or
// begins a new one.
func (r *run) start() (*verify.Verifier, *Error) {
	e, d := r.e, r.d
	rec, err := e.progress.Load()
	if err != nil {
		klog.Warningf("Discarding progress record: %v", err)
		rec = nil
	}
	if rec != nil {
		if v := r.resume(rec); v != nil {
			return v, nil
		}
		if err := e.progress.Clear(); err != nil {
			return nil, &Error{Kind: KindFlash, Reason: "progress_write", Err: err}
		}
	}
	h, err := e.opts.Stage.Begin(r.ctx, d.FileSize)
	if err != nil {
		return nil, &Error{Kind: KindFlash, Reason: "flash_begin", Err: err}
	}
	r.h, r.staging = h, true
	r.bytes, r.next = 0, 0
	v, err := verify.New(e.hse, e.opts.Verify)
	if err != nil {
		return nil, &Error{Kind: KindVerification, Reason: "hse_error", Err: err}
	}
	return v, nil
}

// resume returns a verifier positioned at rec, or nil if rec cannot be
// resumed for the current job.
func (r *run) resume(rec *persist.ProgressRecord) *verify.Verifier {
	e, d := r.e, r.d
	if rec.JobID != d.ID() {
		klog.Infof("Progress record is for job %q, starting %q afresh", rec.JobID, d.ID())
		return nil
	}
	if rec.NextChunk > d.Chunks() || rec.BytesWritten != min(uint32(rec.NextChunk)*chunk.Payload, d.FileSize) {
		klog.Warningf("Progress record at chunk %d, %d bytes is not on a chunk boundary", rec.NextChunk, rec.BytesWritten)
		return nil
	}
	h, err := e.opts.Stage.Resume(r.ctx, d.FileSize)
	if err != nil {
		klog.Warningf("Cannot resume staging: %v", err)
		return nil
	}
	v, err := verify.Restore(e.hse, e.opts.Verify, rec.HashState, uint64(rec.BytesWritten))
	if err != nil {
		klog.Warningf("Cannot restore hash state: %v", err)
		return nil
	}
	r.h, r.staging = h, true
	r.bytes, r.next = rec.BytesWritten, rec.NextChunk
	klog.Infof("Resuming job %q at chunk %d, %d/%d bytes", d.ID(), rec.NextChunk, rec.BytesWritten, d.FileSize)
	return v
}

func (r *run) download() {
	e, d := r.e, r.d
	total := d.Chunks()
	r.enter(StateDownloading, Event{TotalBytes: d.FileSize, TotalChunks: total})

	v, ferr := r.start()
	if ferr != nil {
		r.abort()
		r.fail(ferr)
		return
	}
	e.update(func(e *Engine) { e.written = r.bytes })
	r.report(api.StatusInProgress, "")

	bo := e.retryPolicy(d.IsCritical)
	framing := 0
	for r.bytes < d.FileSize {
		before := r.bytes
		err := r.session(v)
		if err == nil {
			continue
		}
		if r.bytes > before {
			framing = 0
			bo.Reset()
		}
		if r.cancelled() {
			r.fail(&Error{Kind: KindCancelled, Reason: "cancelled", Err: r.ctx.Err()})
			return
		}
		var ue *Error
		if errors.As(err, &ue) {
			r.abort()
			r.fail(ue)
			return
		}
		if ferr := transportFailure(err); ferr != nil {
			r.fail(ferr)
			return
		}
		if reason := chunk.Reason(err); reason != "" {
			e.opts.Metrics.ChunkFailure(reason)
			if framing++; framing > 1 {
				r.abort()
				r.fail(&Error{Kind: KindDownload, Reason: reason, Err: err})
				return
			}
			klog.Warningf("Download failed: %v; resuming at chunk %d", err, r.next)
			continue
		}
		if !r.wait(bo, err) {
			r.transient(err)
			return
		}
	}
	r.verifyImage(v)
}

// session downloads from the current position until the image is complete
// or the stream fails. Each chunk is staged to flash, then hashed, then
// recorded in the progress record before the next is read.
func (r *run) session(v *verify.Verifier) error {
	e, d := r.e, r.d
	dl, err := e.opts.Platform.OpenDownload(r.ctx, d.DownloadURL, r.bytes)
	if err != nil {
		return err
	}
	defer dl.Close()

	total := d.Chunks()
	cr := chunk.NewReader(dl, chunk.ReaderOptions{TotalSize: d.FileSize, FirstChunk: r.next})
	for c, err := range cr.All() {
		if err != nil {
			return err
		}
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := e.opts.Stage.Write(r.ctx, r.h, c.Offset, c.Payload); err != nil {
			if r.cancelled() {
				return r.ctx.Err()
			}
			return &Error{Kind: KindFlash, Reason: "flash_write", Err: err}
		}
		if err := v.Update(c.Payload); err != nil {
			return &Error{Kind: KindVerification, Reason: "hse_error", Err: err}
		}
		snap, err := v.Snapshot()
		if err != nil {
			return &Error{Kind: KindVerification, Reason: "hse_error", Err: err}
		}
		rec := &persist.ProgressRecord{
			JobID:        d.ID(),
			BytesWritten: c.Offset + uint32(len(c.Payload)),
			NextChunk:    c.ChunkNumber + 1,
			HashState:    snap,
			StateTag:     StateDownloading.String(),
		}
		if err := e.progress.Save(rec); err != nil {
			return &Error{Kind: KindFlash, Reason: "progress_write", Err: err}
		}
		r.bytes, r.next = rec.BytesWritten, rec.NextChunk
		e.update(func(e *Engine) { e.written = r.bytes })
		e.opts.Metrics.Downloaded(len(c.Payload))
		r.emit(Event{
			State:        StateDownloading,
			BytesWritten: r.bytes,
			TotalBytes:   d.FileSize,
			Chunk:        c.ChunkNumber,
			TotalChunks:  total,
		})
		if r.next%e.opts.ProgressEvery == 0 && r.bytes < d.FileSize {
			r.report(api.StatusInProgress, "")
		}
	}
	return nil
}

func (r *run) verifyImage(v *verify.Verifier) {
	e, d := r.e, r.d
	r.enter(StateVerifying, Event{})
	digest, err := v.Verify(d.FileHash, d.Signature)
	if err != nil {
		reason := "hse_error"
		switch {
		case errors.Is(err, verify.ErrHashMismatch):
			reason = "hash_mismatch"
		case errors.Is(err, verify.ErrInvalidSignature):
			reason = "invalid_signature"
		}
		r.abort()
		r.fail(&Error{Kind: KindVerification, Reason: reason, Err: err})
		return
	}
	klog.Infof("Image %x verified for job %q", digest, d.ID())

	e.update(func(e *Engine) { e.staged = &staged{d: d, h: r.h} })
	r.enter(StateStaged, Event{})
	if e.opts.AutoApply {
		r.apply()
	}
}

func (r *run) apply() {
	e := r.e
	r.enter(StateApplying, Event{})
	slot, err := e.opts.Stage.Commit(r.ctx, r.h)
	if err != nil {
		if r.cancelled() {
			r.fail(&Error{Kind: KindCancelled, Reason: "cancelled", Err: r.ctx.Err()})
			return
		}
		r.abort()
		r.fail(&Error{Kind: KindFlash, Reason: "flash_commit", Err: err})
		return
	}
	if err := e.progress.Clear(); err != nil {
		klog.Warningf("Failed to clear progress record: %v", err)
	}
	e.update(func(e *Engine) {
		e.staged = nil
		e.lastOutcome = fmt.Sprintf("installed %s %s into slot %s", r.d.FirmwareID, r.d.Version, slot)
	})
	r.enter(StateReporting, Event{})
	r.report(api.StatusSuccess, "")
	r.flush()
	e.opts.Metrics.Outcome("complete")
	klog.Infof("Update to %s %s complete, slot %s is bootable", r.d.FirmwareID, r.d.Version, slot)
	r.enter(StateComplete, Event{Slot: slot})
}

// abort discards the staging session and the progress record.
func (r *run) abort() {
	if !r.staging {
		return
	}
	if err := r.e.opts.Stage.Abort(context.WithoutCancel(r.ctx), r.h); err != nil {
		klog.Warningf("Failed to abort staging: %v", err)
	}
	if err := r.e.progress.Clear(); err != nil {
		klog.Warningf("Failed to clear progress record: %v", err)
	}
}

// fail reports err as the terminal outcome of the run and returns to Idle.
func (r *run) fail(err *Error) {
	e := r.e
	klog.Errorf("%v", err)
	e.update(func(e *Engine) {
		e.staged = nil
		e.lastOutcome = fmt.Sprintf("failed: %s", err.Reason)
	})
	r.enter(StateFailed, Event{Kind: err.Kind, Err: err})
	e.opts.Metrics.Outcome(err.Kind.String())
	r.enter(StateReporting, Event{})
	r.report(api.StatusFailed, err.Reason)
	r.flush()
	r.enter(StateIdle, Event{})
}
