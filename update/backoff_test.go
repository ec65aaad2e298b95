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

package update

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
)

func delays(b backoff.BackOff) []time.Duration {
	var r []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		r = append(r, d)
	}
	return r
}

func TestRetryPolicy(t *testing.T) {
	for _, test := range []struct {
		name     string
		opts     Options
		critical bool
		want     []time.Duration
	}{
		{
			name: "defaults",
			opts: Options{Rand: func() float64 { return 1 }},
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		}, {
			name: "capped",
			opts: Options{MaxAttempts: 9, Rand: func() float64 { return 1 }},
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second},
		}, {
			name:     "critical",
			opts:     Options{MaxAttempts: 7, Rand: func() float64 { return 1 }},
			critical: true,
			want:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second, 15 * time.Second},
		}, {
			name: "jittered",
			opts: Options{MaxAttempts: 3, Rand: func() float64 { return 0.25 }},
			want: []time.Duration{250 * time.Millisecond, 500 * time.Millisecond},
		}, {
			name: "single attempt",
			opts: Options{MaxAttempts: 1, Rand: func() float64 { return 1 }},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := &Engine{opts: test.opts}
			if e.opts.MaxAttempts == 0 {
				e.opts.MaxAttempts = DefaultMaxAttempts
			}
			e.opts.BaseDelay = DefaultBaseDelay
			e.opts.MaxDelay = DefaultMaxDelay
			e.opts.CriticalMaxDelay = DefaultCriticalMaxDelay

			if diff := cmp.Diff(test.want, delays(e.retryPolicy(test.critical))); diff != "" {
				t.Errorf("Got diff: %s", diff)
			}
		})
	}
}

func TestRetryPolicyReset(t *testing.T) {
	e := &Engine{opts: Options{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		CriticalMaxDelay: time.Minute,
		Rand:             func() float64 { return 1 },
	}}
	b := e.retryPolicy(false)
	b.NextBackOff()
	b.NextBackOff()
	b.Reset()
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, delays(b)); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}
