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

package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/google/go-cmp/cmp"
)

func TestSystemSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (System{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Got %v, want context.Canceled", err)
	}
}

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Sleep(context.Background(), time.Second)
	f.Sleep(context.Background(), 2*time.Second)
	f.Advance(time.Minute)
	if got, want := f.Now(), start.Add(time.Minute+3*time.Second); !got.Equal(want) {
		t.Errorf("Got %v, want %v", got, want)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, f.Sleeps()); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
}

func TestNTPSync(t *testing.T) {
	now := time.Now()
	for _, test := range []struct {
		name       string
		resp       *ntp.Response
		err        error
		wantErr    bool
		wantSynced bool
	}{
		{
			name: "good",
			resp: &ntp.Response{
				Time:          now,
				ReferenceTime: now.Add(-time.Minute),
				Stratum:       2,
				ClockOffset:   time.Hour,
			},
			wantSynced: true,
		}, {
			name:    "query fails",
			err:     errors.New("no route to host"),
			wantErr: true,
		}, {
			name: "kiss of death",
			resp: &ntp.Response{
				Time:          now,
				ReferenceTime: now.Add(-time.Minute),
				Stratum:       0,
				ClockOffset:   time.Hour,
			},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := NewNTP("ntp.example")
			c.query = func(host string) (*ntp.Response, error) {
				if host != "ntp.example" {
					t.Errorf("Got host %q", host)
				}
				return test.resp, test.err
			}
			err := c.Sync()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if c.Synced() != test.wantSynced {
				t.Errorf("Synced() = %t, want %t", c.Synced(), test.wantSynced)
			}
			skew := c.Now().Sub(time.Now())
			if test.wantSynced && skew < 59*time.Minute {
				t.Errorf("Got skew %v, want about an hour", skew)
			}
			if !test.wantSynced && skew > time.Second {
				t.Errorf("Got skew %v before sync", skew)
			}
		})
	}
}
