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
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/flash"
	"github.com/tesaiot/ota-client/update"
	"k8s.io/klog/v2"
)

// checker runs update checks on a timer and on demand.
type checker struct {
	e       *update.Engine
	showBar bool
	trigger chan struct{}
	apply   chan struct{}
}

func newChecker(e *update.Engine, showBar bool) *checker {
	return &checker{
		e:       e,
		showBar: showBar,
		trigger: make(chan struct{}, 1),
		apply:   make(chan struct{}, 1),
	}
}

// Check asks for an update check without waiting for it.
func (c *checker) Check() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Apply asks for the staged image to be committed.
func (c *checker) Apply() {
	select {
	case c.apply <- struct{}{}:
	default:
	}
}

func (c *checker) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	c.Check()
	for {
		select {
		case <-t.C:
			c.check(ctx)
		case <-c.trigger:
			c.check(ctx)
		case <-c.apply:
			evs, err := c.e.Apply(ctx)
			if err != nil {
				klog.Warningf("Apply: %v", err)
				continue
			}
			watch(evs, false)
		case <-ctx.Done():
			return
		}
	}
}

func (c *checker) check(ctx context.Context) {
	switch s := c.e.State(); s {
	case update.StateIdle:
	case update.StateComplete:
		klog.V(1).Info("Update installed, restart into the new firmware to check again")
		return
	default:
		klog.V(1).Infof("Skipping update check while %s", s)
		return
	}
	klog.V(1).Info("Checking for updates")
	if err := watch(c.e.CheckForUpdate(ctx), c.showBar); err != nil {
		klog.Errorf("Update check: %v", err)
	}
}

func status(id api.DeviceIdentity, ep api.ServerEndpoint, e *update.Engine, stage *flash.BlockStage) *api.Status {
	s := e.Status()
	r := &api.Status{
		Identity:    id,
		Server:      ep.BaseURL().String(),
		State:       s.State.String(),
		LastOutcome: s.LastOutcome,
		ActiveSlot:  int(stage.Active()),
		Job:         s.Job,
	}
	if s.TotalBytes > 0 {
		r.Progress = fmt.Sprintf("%d/%d bytes", s.BytesWritten, s.TotalBytes)
	}
	return r
}

// adminMux serves metrics, the status page and the check and apply triggers.
func adminMux(c *checker, st func() *api.Status) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
		c.Check()
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte("ok, check the logs!"))
	})
	mux.HandleFunc("POST /apply", func(w http.ResponseWriter, _ *http.Request) {
		c.Apply()
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte("ok, check the logs!"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte(st().Print()))
	})
	return mux
}

func serveAdmin(ctx context.Context, addr string, c *checker, st func() *api.Status) {
	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		klog.Errorf("Could not initialize admin listener: %v", err)
		return
	}
	srv := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      adminMux(c, st),
	}
	go func() {
		<-ctx.Done()
		klog.Infof("Closing admin listener (%s)", addr)
		srv.Close()
	}()
	klog.Infof("Serving admin pages on %s", l.Addr())
	if err := srv.Serve(l); err != http.ErrServerClosed {
		klog.Errorf("Error serving admin pages: %v", err)
	}
}
