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
//
// The otabundle tool frames a firmware image for the OTA client and
// writes a signed job document describing it. It is only useful for
// development work and for feeding test platforms.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/chunk"
	"github.com/tesaiot/ota-client/job"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	imageFile      = flag.String("image_file", "", "Firmware image to bundle.")
	framedFile     = flag.String("framed_file", "", "File to write the framed image to, empty to skip.")
	jobFile        = flag.String("job_file", "", "File to write the job document to, empty for stdout.")
	signingKeyFile = flag.String("signing_key_file", "", "File containing a note signer key.")
	generateKey    = flag.String("generate_key", "", "Generate a signing key pair with this name, writing <name>.key and <name>.pub, and exit.")

	firmwareID   = flag.String("firmware_id", "", "Firmware identifier.")
	version      = flag.String("version", "", "Version of the image.")
	deviceType   = flag.String("device_type", "PSE84", "Platform the image is for.")
	downloadURL  = flag.String("download_url", "", "Absolute URL the framed image will be served from.")
	minVersion   = flag.String("min_version", "", "Oldest running version allowed to install the image.")
	critical     = flag.Bool("critical", false, "Mark the job critical.")
	releaseNotes = flag.String("release_notes", "", "Release notes.")
	deploymentID = flag.String("deployment_id", "", "Deployment id status reports are posted against.")
	expiresIn    = flag.Duration("expires_in", 30*24*time.Hour, "Validity period of the job.")
)

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	if *generateKey != "" {
		if err := writeKeyPair(*generateKey); err != nil {
			klog.Exitf("%v", err)
		}
		return
	}

	img, err := os.ReadFile(*imageFile)
	if err != nil {
		klog.Exitf("Failed to read image %q: %v", *imageFile, err)
	}
	signer := signerOrDie(*signingKeyFile)
	d, err := describe(img, signer, time.Now())
	if err != nil {
		klog.Exitf("%v", err)
	}
	doc, err := d.MarshalJSON()
	if err != nil {
		klog.Exitf("MarshalJSON: %v", err)
	}
	// The document must be one the client accepts.
	if _, err := job.Parse(doc, job.Options{}); err != nil {
		klog.Exitf("Generated job document does not parse: %v", err)
	}

	if *framedFile != "" {
		var b bytes.Buffer
		if err := chunk.WriteImage(&b, img, 0); err != nil {
			klog.Exitf("Failed to frame image: %v", err)
		}
		if err := os.WriteFile(*framedFile, b.Bytes(), 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}
		klog.Infof("Wrote %d chunks, %d bytes of framed image to %q", d.Chunks(), b.Len(), *framedFile)
	}

	if *jobFile == "" {
		fmt.Printf("%s\n", doc)
		return
	}
	if err := os.WriteFile(*jobFile, doc, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote job for %s %s (%x) to %q", d.FirmwareID, d.Version, d.FileHash, *jobFile)
}

// describe returns the job descriptor for img, signing its digest with s.
func describe(img []byte, s note.Signer, now time.Time) (*job.Descriptor, error) {
	if len(img) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	if len(img) > chunk.MaxImageSize {
		return nil, fmt.Errorf("image is %d bytes, too large to describe", len(img))
	}
	v, err := api.ParseVersion(*version)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(*downloadURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("download URL %q is not absolute", *downloadURL)
	}
	digest := sha256.Sum256(img)
	sig, err := s.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %v", err)
	}
	d := &job.Descriptor{
		FirmwareID:   *firmwareID,
		Version:      *v,
		DeviceType:   *deviceType,
		DownloadURL:  u,
		FileSize:     uint32(len(img)),
		FileHash:     digest,
		Signature:    sig,
		IsCritical:   *critical,
		ReleaseNotes: *releaseNotes,
		CreatedAt:    now.UTC().Truncate(time.Second),
		ExpiresAt:    now.Add(*expiresIn).UTC().Truncate(time.Second),
		DeploymentID: *deploymentID,
	}
	if *minVersion != "" {
		if d.MinVersion, err = api.ParseVersion(*minVersion); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// writeKeyPair writes a key pair to path.key and path.pub, naming the key
// after the last element of path.
func writeKeyPair(path string) error {
	skey, vkey, err := note.GenerateKey(rand.Reader, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to generate key: %v", err)
	}
	if err := os.WriteFile(path+".key", []byte(skey+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(path+".pub", []byte(vkey+"\n"), 0o644); err != nil {
		return err
	}
	klog.Infof("Wrote %s.key and %s.pub for verifier %q", path, path, vkey)
	return nil
}

func signerOrDie(p string) note.Signer {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read signing key file %q: %v", p, err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(b)))
	if err != nil {
		klog.Exitf("Invalid note signer key in %q: %v", p, err)
	}
	return s
}
