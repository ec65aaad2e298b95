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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tesaiot/ota-client/flash"
	"github.com/tesaiot/ota-client/hse"
	"github.com/tesaiot/ota-client/internal/storage/filedev"
	"github.com/tesaiot/ota-client/internal/storage/slots"
	"github.com/tesaiot/ota-client/persist"
	"k8s.io/klog/v2"
)

const (
	// Changing any of these is overwhelmingly likely to lose the staged
	// image and progress record held in an existing storage file.
	blockSize      = 512
	metaBlocks     = 64
	metaSlotBlocks = 8
	uidSize        = 32

	firmwareKey = hse.KeyHandle("firmware")
)

// device is the client's view of the local hardware.
type device struct {
	dev   *filedev.Device
	kv    *slots.KV
	stage *flash.BlockStage
	hse   *hse.Soft
}

// openDevice opens the storage file laid out as a small slots partition
// for metadata followed by the A and B firmware slots.
func openDevice(c *Config) (*device, error) {
	if c.SlotSizeKB == 0 {
		return nil, errors.New("zero slot size")
	}
	slotBlocks := c.SlotSizeKB * 1024 / blockSize
	dev, err := filedev.Open(c.StorageFile, blockSize, metaBlocks+2*slotBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %v", err)
	}
	part, err := slots.OpenPartition(dev, slots.Geometry{
		Start:       0,
		Length:      metaBlocks,
		SlotLengths: []uint{metaSlotBlocks, metaSlotBlocks},
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to open metadata partition: %v", err)
	}
	kv, err := slots.NewKV(part, persist.ProgressKey, flash.StateKey)
	if err != nil {
		dev.Close()
		return nil, err
	}
	stage, err := flash.NewBlockStage(dev, kv, flash.Layout{
		Start:  [2]uint{metaBlocks, metaBlocks + slotBlocks},
		Blocks: slotBlocks,
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to open firmware slots: %v", err)
	}

	uid, err := loadUID(c.UIDFile)
	if err != nil {
		dev.Close()
		return nil, err
	}
	h := hse.NewSoft(uid)
	if c.VerifyKey != "" {
		if err := addKey(h, c.VerifyKey); err != nil {
			dev.Close()
			return nil, err
		}
	} else {
		klog.Warning("No -verify_key given, every firmware signature will be rejected")
	}
	return &device{dev: dev, kv: kv, stage: stage, hse: h}, nil
}

func (d *device) Close() error {
	return d.dev.Close()
}

func loadUID(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != uidSize {
			return nil, fmt.Errorf("device UID in %q is %d bytes, want %d", path, len(b), uidSize)
		}
		return b, nil
	case errors.Is(err, fs.ErrNotExist):
		klog.Infof("Creating device UID in %q", path)
		b = make([]byte, uidSize)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save device UID: %v", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("failed to read device UID: %v", err)
}

// addKey registers the key in path, which holds either a note verifier
// string or a PEM public key.
func addKey(h *hse.Soft, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read verification key: %v", err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("-----BEGIN")) {
		return h.AddPublicKey(firmwareKey, b)
	}
	return h.AddNoteVerifier(firmwareKey, string(b))
}
