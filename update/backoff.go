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
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts      = 5
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 60 * time.Second
	DefaultCriticalMaxDelay = 15 * time.Second
	backoffFactor           = 2
)

// jitterBackOff is exponential backoff with full jitter: each delay is
// uniform in [0, min(max, base*2^n)).
type jitterBackOff struct {
	base, max time.Duration
	rand      func() float64
	n         int
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	ceil := math.Min(float64(b.base)*math.Pow(backoffFactor, float64(b.n)), float64(b.max))
	b.n++
	return time.Duration(b.rand() * ceil)
}

func (b *jitterBackOff) Reset() {
	b.n = 0
}

// retryPolicy returns the backoff for one job. Critical jobs use a lower
// delay cap.
func (e *Engine) retryPolicy(critical bool) backoff.BackOff {
	limit := e.opts.MaxDelay
	if critical {
		limit = min(limit, e.opts.CriticalMaxDelay)
	}
	return backoff.WithMaxRetries(&jitterBackOff{
		base: e.opts.BaseDelay,
		max:  limit,
		rand: e.opts.Rand,
	}, uint64(e.opts.MaxAttempts-1))
}
