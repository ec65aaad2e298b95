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

// The otaclient tool checks an update platform for a firmware job for this
// device, and downloads, verifies and stages the image into the inactive
// slot of a file-backed A/B device.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/internal/clock"
	"github.com/tesaiot/ota-client/internal/metrics"
	"github.com/tesaiot/ota-client/job"
	"github.com/tesaiot/ota-client/report"
	"github.com/tesaiot/ota-client/transport"
	"github.com/tesaiot/ota-client/update"
	"github.com/tesaiot/ota-client/verify"
	"k8s.io/klog/v2"
)

const ntpWait = 30 * time.Second

var configFile = flag.String("config", "", "Optional YAML config file. Flags given on the command line take precedence.")

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	cfg := defaultConfig()
	registerFlags(flag.CommandLine, &cfg)
	flag.Parse()
	if *configFile != "" {
		if err := loadConfigFile(flag.CommandLine, *configFile, &cfg); err != nil {
			klog.Exitf("Config: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	id, err := cfg.identity()
	if err != nil {
		klog.Exitf("Invalid device identity: %v", err)
	}
	ep, err := cfg.endpoint()
	if err != nil {
		klog.Exitf("Invalid server: %v", err)
	}
	auth, err := cfg.auth()
	if err != nil {
		klog.Exitf("Invalid credentials: %v", err)
	}
	client, err := transport.New(ep, id, auth, nil, transport.Options{LogProgress: !cfg.ProgressBar})
	if err != nil {
		klog.Exitf("Failed to create transport: %v", err)
	}
	klog.Infof("%s/%s (%s) • OTA client • device %s %s %s • %s auth against %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		id.DeviceID, id.Platform, id.Version, auth, ep.BaseURL())

	clk := startClock(ctx, cfg.NTPServer)
	if cfg.JobOnly {
		if err := printJob(ctx, os.Stdout, client, id, job.Policy{Endpoint: ep, AllowForeignHosts: cfg.AllowForeignHosts}, clk); err != nil {
			klog.Exitf("%v", err)
		}
		return
	}

	target, err := cfg.target()
	if err != nil {
		klog.Exitf("%v", err)
	}
	dev, err := openDevice(&cfg)
	if err != nil {
		klog.Exitf("%v", err)
	}
	defer dev.Close()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		metrics.RegisterRuntime()
		m = metrics.New(prom.DefaultRegisterer)
	}
	rep := report.New(client, report.Options{Metrics: m})
	rep.Start(ctx)
	defer rep.Close()

	e, err := update.New(update.Options{
		Identity:          id,
		Endpoint:          ep,
		Platform:          client,
		Stage:             dev.stage,
		HSE:               dev.hse,
		KV:                dev.kv,
		Reporter:          rep,
		Clock:             clk,
		Verify:            verify.Policy{Key: firmwareKey, Target: target},
		AllowForeignHosts: cfg.AllowForeignHosts,
		AutoApply:         cfg.AutoApply,
		MaxAttempts:       cfg.MaxAttempts,
		Metrics:           m,
	})
	if err != nil {
		klog.Exitf("Failed to create update engine: %v", err)
	}
	st := func() *api.Status { return status(id, ep, e, dev.stage) }
	for _, line := range strings.Split(st().Print(), "\n") {
		klog.Info(line)
	}

	if !cfg.Loop {
		if err := watch(e.CheckForUpdate(ctx), cfg.ProgressBar); err != nil {
			klog.Errorf("%v", err)
			rep.Close()
			dev.Close()
			os.Exit(1)
		}
		if e.State() == update.StateStaged {
			klog.Info("Image verified and staged. Run again with -auto_apply to commit it.")
		}
		return
	}

	c := newChecker(e, cfg.ProgressBar)
	if cfg.MetricsAddr != "" {
		go serveAdmin(ctx, cfg.MetricsAddr, c, st)
	}
	c.run(ctx, cfg.Interval)
}

// startClock returns the clock used for job expiry, waiting a short
// while for the first NTP sync if a server is configured.
func startClock(ctx context.Context, server string) clock.Clock {
	if server == "" {
		return clock.System{}
	}
	c := clock.NewNTP(server)
	select {
	case <-c.Run(ctx):
	case <-time.After(ntpWait):
		klog.Warningf("No NTP sync with %q after %v, using the host clock until there is one", server, ntpWait)
	case <-ctx.Done():
	}
	return c
}

// printJob fetches the job offered to the device and describes it
// without downloading anything.
func printJob(ctx context.Context, w io.Writer, client *transport.Client, id api.DeviceIdentity, p job.Policy, clk clock.Clock) error {
	res, err := client.FetchJob(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch job: %v", err)
	}
	if !res.Available {
		fmt.Fprintln(w, "No update available")
		return nil
	}
	d, err := job.Parse(res.Body, job.Options{BaseURL: p.Endpoint.BaseURL()})
	if err != nil {
		return fmt.Errorf("invalid job document: %v", err)
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", b)
	if err := d.Validate(id, p, clk.Now()); err != nil {
		fmt.Fprintf(w, "Job would be rejected: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "Job %q offers %s %s -> %s, %d bytes\n", d.Deployment(), d.FirmwareID, id.Version, d.Version, d.FileSize)
	return nil
}
