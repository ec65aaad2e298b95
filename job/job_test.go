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

package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/chunk"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// doc returns a valid job document with the given keys overridden; a nil
// value deletes the key.
func doc(t *testing.T, over map[string]any) []byte {
	t.Helper()
	m := map[string]any{
		"firmware_id":  "fw-pse84-app",
		"version":      "1.2.0",
		"device_type":  "PSE84",
		"download_url": "https://admin.tesaiot.com/api/v1/ota/firmware/fw-pse84-app/download",
		"file_size":    10000,
		"file_hash":    testHash,
		"signature":    "c2lnbmF0dXJl",
		"expires_at":   "2030-01-01T00:00:00Z",
	}
	for k, v := range over {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestParse(t *testing.T) {
	base, _ := url.Parse("https://admin.tesaiot.com/")
	for _, test := range []struct {
		name       string
		body       []byte
		opts       Options
		wantErr    bool
		wantReason string
		check      func(t *testing.T, d *Descriptor)
	}{
		{
			name: "valid",
			body: doc(t, nil),
			check: func(t *testing.T, d *Descriptor) {
				if d.FirmwareID != "fw-pse84-app" || d.Version.String() != "1.2.0" || d.FileSize != 10000 {
					t.Errorf("Got %+v", d)
				}
				if string(d.Signature) != "signature" {
					t.Errorf("Got signature %q", d.Signature)
				}
				if d.HashHex() != testHash {
					t.Errorf("Got hash %s", d.HashHex())
				}
			},
		}, {
			name: "unknown keys ignored, optional fields read",
			body: doc(t, map[string]any{"colour": "blue", "nested": map[string]any{"a": 1}, "min_version": "1.0.0", "is_critical": true, "release_notes": " fixes ", "created_at": "2026-01-01T00:00:00", "deployment_id": "dep-7"}),
			check: func(t *testing.T, d *Descriptor) {
				if d.MinVersion == nil || d.MinVersion.String() != "1.0.0" || !d.IsCritical || d.ReleaseNotes != "fixes" || d.DeploymentID != "dep-7" {
					t.Errorf("Got %+v", d)
				}
				if want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); !d.CreatedAt.Equal(want) {
					t.Errorf("Got created_at %v, want %v", d.CreatedAt, want)
				}
				if d.Deployment() != "dep-7" {
					t.Errorf("Deployment() = %q", d.Deployment())
				}
			},
		}, {
			name: "hash normalised to lower case",
			body: doc(t, map[string]any{"file_hash": "  " + strings.ToUpper(testHash) + " "}),
			check: func(t *testing.T, d *Descriptor) {
				if d.HashHex() != testHash {
					t.Errorf("Got hash %s", d.HashHex())
				}
			},
		}, {
			name: "file_hash_hex alone",
			body: doc(t, map[string]any{"file_hash": nil, "file_hash_hex": testHash}),
		}, {
			name: "file_hash and file_hash_hex agree",
			body: doc(t, map[string]any{"file_hash_hex": strings.ToUpper(testHash)}),
		}, {
			name:       "file_hash and file_hash_hex disagree",
			body:       doc(t, map[string]any{"file_hash_hex": strings.Repeat("0", 64)}),
			wantErr:    true,
			wantReason: ReasonSchema,
		}, {
			name: "download_url preferred over firmware_path",
			body: doc(t, map[string]any{"firmware_path": "/other/path"}),
			opts: Options{BaseURL: base},
			check: func(t *testing.T, d *Descriptor) {
				if !strings.HasSuffix(d.DownloadURL.Path, "/download") {
					t.Errorf("Got URL %s", d.DownloadURL)
				}
			},
		}, {
			name: "relative firmware_path resolved",
			body: doc(t, map[string]any{"download_url": nil, "firmware_path": "/api/v1/ota/firmware/x/download"}),
			opts: Options{BaseURL: base},
			check: func(t *testing.T, d *Descriptor) {
				if got, want := d.DownloadURL.String(), "https://admin.tesaiot.com/api/v1/ota/firmware/x/download"; got != want {
					t.Errorf("Got URL %s, want %s", got, want)
				}
			},
		}, {
			name:    "relative download_url",
			body:    doc(t, map[string]any{"download_url": "/fw.bin"}),
			wantErr: true,
		}, {
			name:       "zero file size",
			body:       doc(t, map[string]any{"file_size": 0}),
			wantErr:    true,
			wantReason: ReasonFileSize,
		}, {
			name:       "file size beyond chunk framing",
			body:       doc(t, map[string]any{"file_size": chunk.MaxImageSize + 1}),
			wantErr:    true,
			wantReason: ReasonFileSize,
		}, {
			name: "largest framable file size",
			body: doc(t, map[string]any{"file_size": chunk.MaxImageSize}),
			check: func(t *testing.T, d *Descriptor) {
				if got := d.Chunks(); got != 0xffff {
					t.Errorf("Got %d chunks, want 65535", got)
				}
			},
		}, {
			name:    "negative file size",
			body:    doc(t, map[string]any{"file_size": -1}),
			wantErr: true,
		}, {
			name:    "file size as string",
			body:    doc(t, map[string]any{"file_size": "10000"}),
			wantErr: true,
		}, {
			name:       "missing version",
			body:       doc(t, map[string]any{"version": nil}),
			wantErr:    true,
			wantReason: ReasonSchema,
		}, {
			name:    "missing expires_at",
			body:    doc(t, map[string]any{"expires_at": nil}),
			wantErr: true,
		}, {
			name:    "missing signature",
			body:    doc(t, map[string]any{"signature": nil}),
			wantErr: true,
		}, {
			name:    "signature not base64",
			body:    doc(t, map[string]any{"signature": "!!"}),
			wantErr: true,
		}, {
			name:    "short hash",
			body:    doc(t, map[string]any{"file_hash": "abcd"}),
			wantErr: true,
		}, {
			name:    "firmware_id too long",
			body:    doc(t, map[string]any{"firmware_id": strings.Repeat("f", 65)}),
			wantErr: true,
		}, {
			name:    "not utf-8",
			body:    bytes.Replace(doc(t, map[string]any{"release_notes": "XX"}), []byte("XX"), []byte{0xff, 0xfe}, 1),
			wantErr: true,
		}, {
			name:    "too large",
			body:    doc(t, map[string]any{"release_notes": strings.Repeat("n", 200)}),
			opts:    Options{MaxSize: 128},
			wantErr: true,
		}, {
			name:    "not json",
			body:    []byte("firmware_id=1"),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, err := Parse(test.body, test.opts)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				if !errors.Is(err, ErrBadJobDocument) || !errors.Is(err, ErrRejected) {
					t.Errorf("error %v does not match ErrBadJobDocument and ErrRejected", err)
				}
				var re *RejectError
				if test.wantReason != "" && (!errors.As(err, &re) || re.Reason != test.wantReason) {
					t.Errorf("Got %v, want reason %q", err, test.wantReason)
				}
				return
			}
			if test.check != nil {
				test.check(t, d)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	id, err := api.NewDeviceIdentity("1ba776fc-1250-4a21-bc7f-fd538cdda083", "1.1.0", "PSE84")
	if err != nil {
		t.Fatal(err)
	}
	policy := Policy{Endpoint: api.ServerEndpoint{Host: "admin.tesaiot.com", Port: 443, TLS: true}}
	now := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, test := range []struct {
		name       string
		over       map[string]any
		policy     *Policy
		wantReason string
	}{
		{
			name: "ok",
		}, {
			name: "min_version equal to current is allowed",
			over: map[string]any{"min_version": "1.1.0"},
		}, {
			name:       "same version",
			over:       map[string]any{"version": "1.1.0"},
			wantReason: ReasonVersion,
		}, {
			name:       "older version",
			over:       map[string]any{"version": "1.0.9"},
			wantReason: ReasonVersion,
		}, {
			name:       "numeric not lexical comparison",
			over:       map[string]any{"version": "1.10.0", "min_version": "1.9.0"},
			wantReason: ReasonMinVersion,
		}, {
			name:       "below min version",
			over:       map[string]any{"min_version": "1.2.0"},
			wantReason: ReasonMinVersion,
		}, {
			name:       "wrong platform",
			over:       map[string]any{"device_type": "PSE85"},
			wantReason: ReasonDeviceType,
		}, {
			name:       "expired",
			over:       map[string]any{"expires_at": "2026-12-31T23:59:59Z"},
			wantReason: ReasonExpired,
		}, {
			name:       "expires exactly now",
			over:       map[string]any{"expires_at": "2027-01-01T00:00:00Z"},
			wantReason: ReasonExpired,
		}, {
			name:       "foreign host",
			over:       map[string]any{"download_url": "https://cdn.example.com/fw.bin"},
			wantReason: ReasonDownloadHost,
		}, {
			name:   "foreign host permitted",
			over:   map[string]any{"download_url": "https://cdn.example.com/fw.bin"},
			policy: &Policy{Endpoint: policy.Endpoint, AllowForeignHosts: true},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, err := Parse(doc(t, test.over), Options{})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			p := policy
			if test.policy != nil {
				p = *test.policy
			}
			err = d.Validate(id, p, now)
			if test.wantReason == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var re *RejectError
			if !errors.As(err, &re) || re.Reason != test.wantReason {
				t.Fatalf("Got %v, want reason %q", err, test.wantReason)
			}
			if !errors.Is(err, ErrRejected) || errors.Is(err, ErrBadJobDocument) {
				t.Errorf("error %v matched the wrong sentinels", err)
			}
		})
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	for _, body := range [][]byte{
		doc(t, nil),
		doc(t, map[string]any{"min_version": "v1.0.0", "is_critical": true, "release_notes": "a<b & c", "created_at": "2026-01-01T00:00:00+02:00", "deployment_id": "d1", "file_hash": strings.ToUpper(testHash)}),
	} {
		d, err := Parse(body, Options{})
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		first, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		d2, err := Parse(first, Options{})
		if err != nil {
			t.Fatalf("Parse(canonical): %v", err)
		}
		second, err := json.Marshal(d2)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if diff := cmp.Diff(string(first), string(second)); diff != "" {
			t.Errorf("canonical form not stable: %s", diff)
		}
		if d2.ID() != d.ID() {
			t.Errorf("ID changed across round trip: %q vs %q", d.ID(), d2.ID())
		}
	}
}
