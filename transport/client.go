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

// Package transport talks to the update platform over HTTP(S): it fetches
// job documents, streams firmware downloads and posts status reports.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/machinebox/progress"
	"github.com/tesaiot/ota-client/api"
	"k8s.io/klog/v2"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrServerError       = errors.New("server error")
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNetwork covers connection failures and truncated streams.
	ErrNetwork = errors.New("network error")
)

const (
	// maxJobResponse bounds how much of a job response is read. The job
	// codec applies the real size limit.
	maxJobResponse = 1 << 20

	DefaultConnectTimeout  = 10 * time.Second
	DefaultTimeout         = 60 * time.Second
	DefaultDownloadTimeout = 30 * time.Minute
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	// ConnectTimeout bounds TCP connect and TLS handshake.
	ConnectTimeout time.Duration
	// Timeout bounds each job fetch and status post.
	Timeout time.Duration
	// DownloadTimeout bounds a whole download.
	DownloadTimeout time.Duration
	// UserAgent defaults to "ota-client/<version>".
	UserAgent string
	// LogProgress logs download progress once a second.
	LogProgress bool
}

// Client is the transport adapter for a single platform endpoint.
type Client struct {
	ep     api.ServerEndpoint
	id     api.DeviceIdentity
	auth   AuthMode
	dialer Dialer
	opts   Options
	hc     *http.Client
}

// New returns a Client. A nil dialer selects a NetDialer.
func New(ep api.ServerEndpoint, id api.DeviceIdentity, auth AuthMode, dialer Dialer, opts Options) (*Client, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		d, err := NewNetDialer()
		if err != nil {
			return nil, err
		}
		dialer = d
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ota-client/" + id.Version.String()
	}
	c := &Client{ep: ep, id: id, auth: auth, dialer: dialer, opts: opts}
	c.hc = &http.Client{
		Transport: &http.Transport{
			DialContext:           c.dialPlain,
			DialTLSContext:        c.dialTLS,
			DisableKeepAlives:     true,
			ForceAttemptHTTP2:     false,
			ResponseHeaderTimeout: opts.ConnectTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		// Redirects are never followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c, nil
}

func splitAddr(addr string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, uint16(port), nil
}

func (c *Client) dialPlain(ctx context.Context, _, addr string) (net.Conn, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	return c.dialer.Dial(ctx, host, port, nil)
}

func (c *Client) dialTLS(ctx context.Context, _, addr string) (net.Conn, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	return c.dialer.Dial(ctx, host, port, &TLSOptions{
		VerifyPeer:     !c.ep.InsecureSkipVerify,
		CABundle:       c.ep.CABundle,
		ClientIdentity: c.auth.cert,
		ServerName:     host,
		MinVersion:     c.ep.MinTLSVersion,
	})
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-Device-ID", c.id.DeviceID)
	req.Header.Set("X-Device-Version", c.id.Version.String())
	req.Header.Set("X-Hardware-Type", c.id.Platform)
	req.Header.Set("X-Device-Platform", c.id.Platform)
	// The token is only sent to the platform origin.
	if t, ok := c.auth.bearer(); ok && c.ep.SameOrigin(u) {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	return req, nil
}

// do sends req, then drops its credentials.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	defer req.Header.Del("Authorization")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return resp, nil
}

// classify maps a client error onto the package sentinels.
func classify(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// statusErr maps an unexpected HTTP status onto the package sentinels.
func statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Status)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	default:
		return fmt.Errorf("%w: unexpected http status %q", ErrMalformedResponse, resp.Status)
	}
}

func closeBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if err := resp.Body.Close(); err != nil {
		klog.Errorf("resp.Body.Close(): %v", err)
	}
}

// JobFetchResult is the outcome of a successful job fetch.
type JobFetchResult struct {
	// Available is false when the platform has no job for the device.
	Available bool
	// Body is the raw job document.
	Body []byte
	// UpdateCheck and Fingerprint echo the X-Update-Check and
	// X-Build-Fingerprint response headers.
	UpdateCheck string
	Fingerprint string
}

// JobURL returns the job endpoint for the device.
func (c *Client) JobURL() *url.URL {
	return c.ep.BaseURL().JoinPath("api", "v1", "ota", "devices", c.id.DeviceID, "job")
}

// FetchJob asks the platform for the device's pending job.
func (c *Client) FetchJob(ctx context.Context) (JobFetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	u := c.JobURL()
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return JobFetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return JobFetchResult{}, err
	}
	defer closeBody(resp)

	r := JobFetchResult{
		UpdateCheck: resp.Header.Get("X-Update-Check"),
		Fingerprint: resp.Header.Get("X-Build-Fingerprint"),
	}
	switch resp.StatusCode {
	case http.StatusNoContent:
		klog.V(1).Infof("No job for device %s", c.id.DeviceID)
		return r, nil
	case http.StatusOK:
	default:
		return r, statusErr(resp)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
			return r, fmt.Errorf("%w: content type %q", ErrMalformedResponse, ct)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJobResponse))
	if err != nil {
		return r, classify(ctx, err)
	}
	r.Available, r.Body = true, body
	klog.V(1).Infof("Fetched %d byte job document from %s", len(body), u)
	return r, nil
}

// PostStatus posts a status report for deploymentID.
func (c *Client) PostStatus(ctx context.Context, deploymentID string, report api.StatusReport) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	u := c.ep.BaseURL().JoinPath("api", "v1", "ota", "deployments", deploymentID, "status")
	req, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode/100 != 2 {
		return statusErr(resp)
	}
	return nil
}

// Download is an open firmware download. It is a single-pass stream;
// resuming requires a new OpenDownload.
type Download struct {
	body   io.ReadCloser
	pr     *progress.Reader
	cancel context.CancelFunc
	u      string
	start  uint32
	length int64
	n      int64
	done   bool
}

// OpenDownload starts downloading u from byte offset start.
func (c *Client) OpenDownload(ctx context.Context, u *url.URL, start uint32) (*Download, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (*Download, error) {
		closeBody(resp)
		cancel()
		return nil, err
	}
	switch {
	case start == 0 && resp.StatusCode == http.StatusOK:
	case start > 0 && resp.StatusCode == http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); !strings.HasPrefix(cr, fmt.Sprintf("bytes %d-", start)) {
			return fail(fmt.Errorf("%w: Content-Range %q for offset %d", ErrMalformedResponse, cr, start))
		}
	case start > 0 && resp.StatusCode == http.StatusOK:
		return fail(fmt.Errorf("%w: server ignored range request", ErrMalformedResponse))
	default:
		return fail(statusErr(resp))
	}

	d := &Download{
		body:   resp.Body,
		pr:     progress.NewReader(resp.Body),
		cancel: cancel,
		u:      u.Redacted(),
		start:  start,
		length: resp.ContentLength,
	}
	klog.Infof("Downloading %q from offset %d (%d bytes)", d.u, start, d.length)
	if c.opts.LogProgress && d.length > 0 {
		go func() {
			progressChan := progress.NewTicker(ctx, d.pr, d.length, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", d.u, int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	return d, nil
}

// Read implements io.Reader. A stream which ends before its declared
// length fails with ErrNetwork.
func (d *Download) Read(p []byte) (int, error) {
	n, err := d.pr.Read(p)
	d.n += int64(n)
	switch {
	case err == io.EOF:
		if d.length >= 0 && d.n < d.length {
			return n, fmt.Errorf("%w: stream truncated at %d of %d bytes", ErrNetwork, d.n, d.length)
		}
		d.done = true
		return n, io.EOF
	case errors.Is(err, context.DeadlineExceeded):
		return n, fmt.Errorf("%w: %v", ErrTimeout, err)
	case err != nil:
		// Truncation is a transport failure, so the cause is not wrapped.
		return n, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return n, nil
}

// ContentLength returns the declared length of this response, or -1.
func (d *Download) ContentLength() int64 {
	return d.length
}

// Complete reports whether the stream ended cleanly with all declared bytes.
func (d *Download) Complete() bool {
	return d.done
}

// Close releases the connection.
func (d *Download) Close() error {
	defer d.cancel()
	err := d.body.Close()
	if d.done {
		klog.Infof("Downloading %q: finished", d.u)
	}
	return err
}
