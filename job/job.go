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

// Package job parses and validates the job document which describes an
// available firmware update.
package job

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coreos/go-semver/semver"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/chunk"
)

const (
	// DefaultMaxSize is the largest job document accepted by default.
	DefaultMaxSize = 16 << 10
	// MaxFirmwareIDLen bounds firmware_id.
	MaxFirmwareIDLen = 64
)

var (
	// ErrBadJobDocument is matched by every schema-level parse failure.
	ErrBadJobDocument = errors.New("bad job document")
	// ErrRejected is matched by every descriptor that fails validation
	// against the device.
	ErrRejected = errors.New("job rejected")
)

// Rejection reasons, reported to the platform in the status error field.
const (
	ReasonSchema       = "bad_job_document"
	ReasonFileSize     = "invalid_file_size"
	ReasonVersion      = "version_not_newer"
	ReasonMinVersion   = "below_min_version"
	ReasonDeviceType   = "device_type_mismatch"
	ReasonExpired      = "job_expired"
	ReasonDownloadHost = "download_host_not_allowed"
)

// RejectError explains why a job document was refused.
type RejectError struct {
	Reason string
	Detail string
	schema bool
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("job rejected (%s): %s", e.Reason, e.Detail)
}

// Is lets errors.Is match ErrBadJobDocument and ErrRejected.
func (e *RejectError) Is(target error) bool {
	return target == ErrRejected || (e.schema && target == ErrBadJobDocument)
}

func schemaErr(reason, format string, args ...any) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...), schema: true}
}

func rejectErr(reason, format string, args ...any) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Descriptor is the validated, immutable form of a job document.
type Descriptor struct {
	FirmwareID   string
	Version      semver.Version
	DeviceType   string
	DownloadURL  *url.URL
	FileSize     uint32
	FileHash     [32]byte
	Signature    []byte
	MinVersion   *semver.Version
	IsCritical   bool
	ReleaseNotes string
	// CreatedAt is zero when the document does not carry it.
	CreatedAt    time.Time
	ExpiresAt    time.Time
	DeploymentID string
}

// ID identifies the job for resumption purposes.
func (d *Descriptor) ID() string {
	return d.FirmwareID + "@" + d.Version.String() + "#" + d.HashHex()
}

// HashHex returns the expected image hash as lowercase hex.
func (d *Descriptor) HashHex() string {
	return hex.EncodeToString(d.FileHash[:])
}

// Chunks returns the number of chunks the image is framed in.
func (d *Descriptor) Chunks() uint16 {
	n, _ := chunk.NumChunks(d.FileSize)
	return n
}

// Deployment returns the id status reports are posted against.
func (d *Descriptor) Deployment() string {
	if d.DeploymentID != "" {
		return d.DeploymentID
	}
	return d.FirmwareID
}

// document is the wire form. Pointer fields distinguish absent keys.
type document struct {
	FirmwareID   *string `json:"firmware_id"`
	Version      *string `json:"version"`
	DeviceType   *string `json:"device_type"`
	DownloadURL  *string `json:"download_url"`
	FirmwarePath *string `json:"firmware_path"`
	FileSize     *uint32 `json:"file_size"`
	FileHash     *string `json:"file_hash"`
	FileHashHex  *string `json:"file_hash_hex"`
	Signature    *string `json:"signature"`
	MinVersion   *string `json:"min_version"`
	IsCritical   *bool   `json:"is_critical"`
	ReleaseNotes *string `json:"release_notes"`
	CreatedAt    *string `json:"created_at"`
	ExpiresAt    *string `json:"expires_at"`
	DeploymentID *string `json:"deployment_id"`
}

// Options controls parsing.
type Options struct {
	// MaxSize is the largest accepted document. Zero means DefaultMaxSize.
	MaxSize int
	// BaseURL resolves a relative firmware_path when download_url is absent.
	BaseURL *url.URL
}

// Parse decodes and schema-checks a job document.
func Parse(body []byte, opts Options) (*Descriptor, error) {
	limit := opts.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if len(body) > limit {
		return nil, schemaErr(ReasonSchema, "document is %d bytes, limit %d", len(body), limit)
	}
	if !utf8.Valid(body) {
		return nil, schemaErr(ReasonSchema, "document is not valid UTF-8")
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&doc); err != nil {
		return nil, schemaErr(ReasonSchema, "%v", err)
	}
	if dec.More() {
		return nil, schemaErr(ReasonSchema, "trailing data after document")
	}

	d := &Descriptor{}
	var err error
	str := func(name string, p *string) (string, error) {
		if p == nil {
			return "", schemaErr(ReasonSchema, "missing %s", name)
		}
		s := strings.TrimSpace(*p)
		if s == "" {
			return "", schemaErr(ReasonSchema, "empty %s", name)
		}
		return s, nil
	}

	if d.FirmwareID, err = str("firmware_id", doc.FirmwareID); err != nil {
		return nil, err
	}
	if len(d.FirmwareID) > MaxFirmwareIDLen {
		return nil, schemaErr(ReasonSchema, "firmware_id is %d bytes, limit %d", len(d.FirmwareID), MaxFirmwareIDLen)
	}
	vs, err := str("version", doc.Version)
	if err != nil {
		return nil, err
	}
	v, err := api.ParseVersion(vs)
	if err != nil {
		return nil, schemaErr(ReasonSchema, "%v", err)
	}
	d.Version = *v
	if d.DeviceType, err = str("device_type", doc.DeviceType); err != nil {
		return nil, err
	}
	if d.DownloadURL, err = downloadURL(doc, opts.BaseURL); err != nil {
		return nil, err
	}
	if doc.FileSize == nil {
		return nil, schemaErr(ReasonSchema, "missing file_size")
	}
	if *doc.FileSize == 0 {
		return nil, schemaErr(ReasonFileSize, "file_size is zero")
	}
	if *doc.FileSize > chunk.MaxImageSize {
		return nil, schemaErr(ReasonFileSize, "file_size %d exceeds %d", *doc.FileSize, chunk.MaxImageSize)
	}
	d.FileSize = *doc.FileSize
	if d.FileHash, err = fileHash(doc); err != nil {
		return nil, err
	}
	sig, err := str("signature", doc.Signature)
	if err != nil {
		return nil, err
	}
	if d.Signature, err = base64.StdEncoding.DecodeString(sig); err != nil {
		return nil, schemaErr(ReasonSchema, "signature: %v", err)
	}
	if doc.MinVersion != nil && strings.TrimSpace(*doc.MinVersion) != "" {
		if d.MinVersion, err = api.ParseVersion(*doc.MinVersion); err != nil {
			return nil, schemaErr(ReasonSchema, "min_version: %v", err)
		}
	}
	if doc.IsCritical != nil {
		d.IsCritical = *doc.IsCritical
	}
	if doc.ReleaseNotes != nil {
		d.ReleaseNotes = strings.TrimSpace(*doc.ReleaseNotes)
	}
	if doc.CreatedAt != nil && strings.TrimSpace(*doc.CreatedAt) != "" {
		if d.CreatedAt, err = parseTime(*doc.CreatedAt); err != nil {
			return nil, schemaErr(ReasonSchema, "created_at: %v", err)
		}
	}
	es, err := str("expires_at", doc.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if d.ExpiresAt, err = parseTime(es); err != nil {
		return nil, schemaErr(ReasonSchema, "expires_at: %v", err)
	}
	if doc.DeploymentID != nil {
		d.DeploymentID = strings.TrimSpace(*doc.DeploymentID)
	}
	return d, nil
}

func downloadURL(doc document, base *url.URL) (*url.URL, error) {
	if doc.DownloadURL != nil && strings.TrimSpace(*doc.DownloadURL) != "" {
		u, err := url.Parse(strings.TrimSpace(*doc.DownloadURL))
		if err != nil {
			return nil, schemaErr(ReasonSchema, "download_url: %v", err)
		}
		if !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return nil, schemaErr(ReasonSchema, "download_url %q is not an absolute http(s) URL", u.Redacted())
		}
		return u, nil
	}
	if doc.FirmwarePath != nil && strings.TrimSpace(*doc.FirmwarePath) != "" {
		if base == nil {
			return nil, schemaErr(ReasonSchema, "relative firmware_path without a base URL")
		}
		p, err := url.Parse(strings.TrimSpace(*doc.FirmwarePath))
		if err != nil || p.IsAbs() {
			return nil, schemaErr(ReasonSchema, "firmware_path %q is not a relative path", *doc.FirmwarePath)
		}
		return base.ResolveReference(p), nil
	}
	return nil, schemaErr(ReasonSchema, "missing download_url")
}

func fileHash(doc document) ([32]byte, error) {
	var r [32]byte
	var a, b string
	if doc.FileHash != nil {
		a = strings.ToLower(strings.TrimSpace(*doc.FileHash))
	}
	if doc.FileHashHex != nil {
		b = strings.ToLower(strings.TrimSpace(*doc.FileHashHex))
	}
	switch {
	case a == "" && b == "":
		return r, schemaErr(ReasonSchema, "missing file_hash")
	case a != "" && b != "" && a != b:
		return r, schemaErr(ReasonSchema, "file_hash and file_hash_hex disagree")
	case a == "":
		a = b
	}
	if len(a) != 2*len(r) {
		return r, schemaErr(ReasonSchema, "file_hash has %d hex digits, want %d", len(a), 2*len(r))
	}
	if _, err := hex.Decode(r[:], []byte(a)); err != nil {
		return r, schemaErr(ReasonSchema, "file_hash: %v", err)
	}
	return r, nil
}

// parseTime accepts RFC 3339 and zone-less ISO-8601 timestamps, the latter
// interpreted as UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Policy holds the device-side rules a descriptor is validated against.
type Policy struct {
	// Endpoint is the platform the job was fetched from.
	Endpoint api.ServerEndpoint
	// AllowForeignHosts permits download URLs outside the endpoint's origin.
	AllowForeignHosts bool
}

// Validate checks the descriptor against the running device.
func (d *Descriptor) Validate(id api.DeviceIdentity, p Policy, now time.Time) error {
	if !id.Version.LessThan(d.Version) {
		return rejectErr(ReasonVersion, "offered %s, running %s", d.Version, id.Version)
	}
	if d.MinVersion != nil && id.Version.LessThan(*d.MinVersion) {
		return rejectErr(ReasonMinVersion, "running %s, job requires at least %s", id.Version, d.MinVersion)
	}
	if d.DeviceType != id.Platform {
		return rejectErr(ReasonDeviceType, "job for %q, device is %q", d.DeviceType, id.Platform)
	}
	if !now.Before(d.ExpiresAt) {
		return rejectErr(ReasonExpired, "expired at %s", d.ExpiresAt.Format(time.RFC3339))
	}
	if !p.AllowForeignHosts && !p.Endpoint.SameOrigin(d.DownloadURL) {
		return rejectErr(ReasonDownloadHost, "%s is outside %s", d.DownloadURL.Redacted(), p.Endpoint.BaseURL())
	}
	return nil
}

// canonical is the canonical wire subset, in a fixed key order.
type canonical struct {
	FirmwareID   string `json:"firmware_id"`
	Version      string `json:"version"`
	DeviceType   string `json:"device_type"`
	DownloadURL  string `json:"download_url"`
	FileSize     uint32 `json:"file_size"`
	FileHash     string `json:"file_hash"`
	Signature    string `json:"signature"`
	MinVersion   string `json:"min_version,omitempty"`
	IsCritical   bool   `json:"is_critical,omitempty"`
	ReleaseNotes string `json:"release_notes,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	ExpiresAt    string `json:"expires_at"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// MarshalJSON returns the canonical encoding of the descriptor.
// Parsing the result yields an equal descriptor.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	c := canonical{
		FirmwareID:   d.FirmwareID,
		Version:      d.Version.String(),
		DeviceType:   d.DeviceType,
		DownloadURL:  d.DownloadURL.String(),
		FileSize:     d.FileSize,
		FileHash:     d.HashHex(),
		Signature:    base64.StdEncoding.EncodeToString(d.Signature),
		IsCritical:   d.IsCritical,
		ReleaseNotes: d.ReleaseNotes,
		ExpiresAt:    d.ExpiresAt.UTC().Format(time.RFC3339Nano),
		DeploymentID: d.DeploymentID,
	}
	if d.MinVersion != nil {
		c.MinVersion = d.MinVersion.String()
	}
	if !d.CreatedAt.IsZero() {
		c.CreatedAt = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(c)
}
