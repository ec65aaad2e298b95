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

// Package filedev provides a block device backed by a host file, standing in
// for the flash or eMMC part on development hosts.
// Writes are synced before returning, so they are durable on success.
package filedev

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// MaxTransferBytes is the largest single write issued to the file.
var MaxTransferBytes = 32 * 1024

// Device is a fixed-size block device stored in a regular file.
type Device struct {
	f         *os.File
	blockSize uint
	numBlocks uint
}

// Open opens, creating if necessary, the file at path as a device of
// numBlocks blocks of blockSize bytes.
func Open(path string, blockSize, numBlocks uint) (*Device, error) {
	if blockSize == 0 || numBlocks == 0 {
		return nil, fmt.Errorf("invalid device geometry %d x %d", numBlocks, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	size := int64(blockSize * numBlocks)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		klog.Infof("Extending device file %q from %d to %d bytes", path, fi.Size(), size)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size device file: %v", err)
		}
	}
	return &Device{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// Close closes the backing file.
func (d *Device) Close() error {
	return d.f.Close()
}

// BlockSize returns the size in bytes of each block.
func (d *Device) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of blocks on the device.
func (d *Device) NumBlocks() uint {
	return d.numBlocks
}

// ReadBlocks reads len(b) bytes starting at block lba into b.
func (d *Device) ReadBlocks(lba uint, b []byte) error {
	if err := d.check(lba, uint(len(b))); err != nil {
		return err
	}
	_, err := d.f.ReadAt(b, int64(lba*d.blockSize))
	return err
}

// WriteBlocks writes b to the device starting at block lba, zero padding a
// partial final block. Returns the number of blocks written.
func (d *Device) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		p := make([]byte, len(b)+bs-r)
		copy(p, b)
		b = p
	}
	if err := d.check(lba, uint(len(b))); err != nil {
		return 0, err
	}
	numBlocks := uint(len(b) / bs)
	off := int64(lba * d.blockSize)
	for len(b) > 0 {
		n := min(len(b), MaxTransferBytes)
		if _, err := d.f.WriteAt(b[:n], off); err != nil {
			klog.Errorf("WriteAt(%d, ...) = %v", off, err)
			return 0, err
		}
		b = b[n:]
		off += int64(n)
	}
	if err := d.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync: %v", err)
	}
	return numBlocks, nil
}

func (d *Device) check(lba, n uint) error {
	if end := lba + (n+d.blockSize-1)/d.blockSize; end > d.numBlocks {
		return fmt.Errorf("blocks [%d, %d) beyond device end %d", lba, end, d.numBlocks)
	}
	return nil
}
