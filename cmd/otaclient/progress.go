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
	"iter"

	"github.com/cheggaaa/pb/v3"
	"github.com/tesaiot/ota-client/update"
	"k8s.io/klog/v2"
)

// watch logs the events of one engine run, drawing a progress bar while
// chunks are staged if showBar is set. It returns the run's failure.
func watch(evs iter.Seq[update.Event], showBar bool) error {
	var bar *pb.ProgressBar
	var failed error
	for ev := range evs {
		if ev.State == update.StateDownloading && ev.TotalBytes > 0 && ev.RetryIn == 0 {
			if !showBar {
				klog.V(1).Info(ev)
				continue
			}
			if bar == nil {
				bar = pb.Full.Start64(int64(ev.TotalBytes))
				bar.Set(pb.Bytes, true)
			}
			bar.SetCurrent(int64(ev.BytesWritten))
			continue
		}
		if bar != nil {
			bar.Finish()
			bar = nil
		}
		if ev.State == update.StateFailed {
			failed = ev.Err
			klog.Error(ev)
			continue
		}
		klog.Info(ev)
	}
	if bar != nil {
		bar.Finish()
	}
	return failed
}
