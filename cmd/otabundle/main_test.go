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

package main

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tesaiot/ota-client/chunk"
	"github.com/tesaiot/ota-client/hse"
	"github.com/tesaiot/ota-client/job"
	"github.com/tesaiot/ota-client/verify"
	"golang.org/x/mod/sumdb/note"
)

func TestDescribe(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "release")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatal(err)
	}
	*firmwareID, *version, *downloadURL, *minVersion = "fw-main", "v2.0.1", "https://cdn.example.com/fw.bin", "1.5.0"
	img := make([]byte, 3*chunk.Payload+17)
	rand.Read(img)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	d, err := describe(img, signer, now)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	doc, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	got, err := job.Parse(doc, job.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.ID() != d.ID() || got.Version.String() != "2.0.1" || got.MinVersion.String() != "1.5.0" {
		t.Errorf("Got job %q min %s, want %q min 1.5.0", got.ID(), got.MinVersion, d.ID())
	}
	if !got.ExpiresAt.Equal(now.Add(*expiresIn)) {
		t.Errorf("Got expiry %v", got.ExpiresAt)
	}

	// The client accepts the signature and the framed image.
	soft := hse.NewSoft([]byte("uid"))
	if err := soft.AddNoteVerifier("release", vkey); err != nil {
		t.Fatal(err)
	}
	v, err := verify.New(soft, verify.Policy{Key: "release", Target: hse.TargetDigest})
	if err != nil {
		t.Fatal(err)
	}
	var framed bytes.Buffer
	if err := chunk.WriteImage(&framed, img, 0); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	r := chunk.NewReader(&framed, chunk.ReaderOptions{TotalSize: got.FileSize})
	for c, err := range r.All() {
		if err != nil {
			t.Fatalf("chunk %v: %v", c, err)
		}
		v.Update(c.Payload)
	}
	if _, err := v.Verify(got.FileHash, got.Signature); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestDescribeErrors(t *testing.T) {
	signer, _ := note.NewSigner(mustKey(t))
	for _, test := range []struct {
		name string
		img  []byte
		url  string
		ver  string
	}{
		{name: "empty image", url: "https://cdn.example.com/fw.bin", ver: "1.0.0"},
		{name: "relative url", img: []byte{1}, url: "/fw.bin", ver: "1.0.0"},
		{name: "bad version", img: []byte{1}, url: "https://cdn.example.com/fw.bin", ver: "one"},
	} {
		t.Run(test.name, func(t *testing.T) {
			*downloadURL, *version, *minVersion = test.url, test.ver, ""
			if _, err := describe(test.img, signer, time.Now()); err == nil {
				t.Error("describe succeeded")
			}
		})
	}
}

func TestWriteKeyPair(t *testing.T) {
	name := filepath.Join(t.TempDir(), "release")
	if err := writeKeyPair(name); err != nil {
		t.Fatalf("writeKeyPair: %v", err)
	}
	skey, err := os.ReadFile(name + ".key")
	if err != nil {
		t.Fatal(err)
	}
	vkey, err := os.ReadFile(name + ".pub")
	if err != nil {
		t.Fatal(err)
	}
	s, err := note.NewSigner(string(bytes.TrimSpace(skey)))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := note.NewVerifier(string(bytes.TrimSpace(vkey)))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	sig, _ := s.Sign([]byte("msg"))
	if !v.Verify([]byte("msg"), sig) {
		t.Error("generated key pair does not verify")
	}
}

func mustKey(t *testing.T) string {
	t.Helper()
	skey, _, err := note.GenerateKey(rand.Reader, "test")
	if err != nil {
		t.Fatal(err)
	}
	return skey
}
