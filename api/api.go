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

// Package api defines the device identity, server endpoint and status
// report types exchanged between the update client and the platform.
package api

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
)

// maxPlatformLen bounds the platform tag.
const maxPlatformLen = 32

// DeviceIdentity identifies the device to the platform. It is immutable.
type DeviceIdentity struct {
	// DeviceID is the device UUID in canonical form.
	DeviceID string
	// Version is the currently running firmware version.
	Version semver.Version
	// Platform is the hardware platform tag, e.g. a SoC family.
	Platform string
}

// NewDeviceIdentity validates and returns a DeviceIdentity.
// The version may carry a leading "v".
func NewDeviceIdentity(deviceID, version, platform string) (DeviceIdentity, error) {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("invalid device id %q: %v", deviceID, err)
	}
	v, err := ParseVersion(version)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if err := ValidatePlatform(platform); err != nil {
		return DeviceIdentity{}, err
	}
	return DeviceIdentity{
		DeviceID: id.String(),
		Version:  *v,
		Platform: platform,
	}, nil
}

// ParseVersion parses a dotted semantic version, tolerating a "v" prefix.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %v", s, err)
	}
	return v, nil
}

// ValidatePlatform checks that p is a short printable ASCII tag.
func ValidatePlatform(p string) error {
	if p == "" || len(p) > maxPlatformLen {
		return fmt.Errorf("platform tag %q must be 1-%d bytes", p, maxPlatformLen)
	}
	for _, c := range []byte(p) {
		if c <= ' ' || c > '~' {
			return fmt.Errorf("platform tag %q has invalid character %q", p, c)
		}
	}
	return nil
}

// ServerEndpoint locates the platform. It is immutable for the lifetime of
// an update engine.
type ServerEndpoint struct {
	Host string
	Port uint16
	// TLS selects https; otherwise plain http is used.
	TLS bool
	// CABundle is an optional PEM bundle of trusted roots. When empty the
	// system roots are used.
	CABundle []byte
	// InsecureSkipVerify disables peer verification. Development only.
	InsecureSkipVerify bool
	// MinTLSVersion is tls.VersionTLS12 or tls.VersionTLS13. Zero means 1.2.
	MinTLSVersion uint16
}

// Validate checks the endpoint is usable.
func (e ServerEndpoint) Validate() error {
	if e.Host == "" {
		return errors.New("endpoint host is empty")
	}
	if e.Port == 0 {
		return errors.New("endpoint port is zero")
	}
	switch e.MinTLSVersion {
	case 0, tls.VersionTLS12, tls.VersionTLS13:
	default:
		return fmt.Errorf("unsupported minimum TLS version %#x", e.MinTLSVersion)
	}
	return nil
}

// Scheme returns "https" or "http".
func (e ServerEndpoint) Scheme() string {
	if e.TLS {
		return "https"
	}
	return "http"
}

// BaseURL returns the root URL of the platform API.
func (e ServerEndpoint) BaseURL() *url.URL {
	return &url.URL{
		Scheme: e.Scheme(),
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))),
		Path:   "/",
	}
}

// SameOrigin reports whether u has the endpoint's scheme, host and port.
func (e ServerEndpoint) SameOrigin(u *url.URL) bool {
	if u.Scheme != e.Scheme() || !strings.EqualFold(u.Hostname(), e.Host) {
		return false
	}
	port := u.Port()
	if port == "" {
		port = map[string]string{"http": "80", "https": "443"}[u.Scheme]
	}
	return port == strconv.Itoa(int(e.Port))
}

// ReportStatus is the status value carried by a StatusReport.
type ReportStatus string

const (
	StatusInProgress ReportStatus = "in_progress"
	StatusSuccess    ReportStatus = "success"
	StatusFailed     ReportStatus = "failed"
)

// Terminal reports whether s ends a job.
func (s ReportStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StatusReport is the JSON body posted to the deployment status endpoint.
type StatusReport struct {
	Status       ReportStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	BytesWritten *uint32      `json:"bytes_written,omitempty"`
	CurrentChunk *uint16      `json:"current_chunk,omitempty"`
}

// Status summarises the client for humans.
type Status struct {
	Identity    DeviceIdentity
	Server      string
	State       string
	LastOutcome string
	ActiveSlot  int
	Job         string
	Progress    string
}

// Print returns the client status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("--------------------------------------------------------- OTA client ----\n")
	status.WriteString(fmt.Sprintf("Device ID ..............: %s\n", p.Identity.DeviceID))
	status.WriteString(fmt.Sprintf("Platform ...............: %s\n", p.Identity.Platform))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Identity.Version.String()))
	status.WriteString(fmt.Sprintf("Server .................: %s\n", p.Server))
	status.WriteString(fmt.Sprintf("Active slot ............: %d\n", p.ActiveSlot))
	status.WriteString(fmt.Sprintf("State ..................: %s\n", p.State))
	if p.Job != "" {
		status.WriteString(fmt.Sprintf("Job ....................: %s\n", p.Job))
	}
	if p.Progress != "" {
		status.WriteString(fmt.Sprintf("Progress ...............: %s\n", p.Progress))
	}
	status.WriteString(fmt.Sprintf("Last outcome ...........: %s", p.LastOutcome))

	return status.String()
}
