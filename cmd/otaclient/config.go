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
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/tesaiot/ota-client/api"
	"github.com/tesaiot/ota-client/hse"
	"github.com/tesaiot/ota-client/transport"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Each field can be set in the YAML
// config file or by the flag of the same name.
type Config struct {
	DeviceID string `yaml:"device_id"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform"`

	Server     string `yaml:"server"`
	Port       uint   `yaml:"port"`
	NoTLS      bool   `yaml:"no_tls"`
	Insecure   bool   `yaml:"insecure_skip_verify"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	Token      string `yaml:"token"`

	// VerifyKey is a file holding a note verifier string or a PEM public key.
	VerifyKey       string `yaml:"verify_key"`
	SignatureTarget string `yaml:"signature_target"`
	// UIDFile holds the device UID used to seal the progress record. It is
	// created on first use.
	UIDFile string `yaml:"uid_file"`

	StorageFile string `yaml:"storage_file"`
	SlotSizeKB  uint   `yaml:"slot_size_kb"`

	JobOnly           bool          `yaml:"job_only"`
	Loop              bool          `yaml:"loop"`
	Interval          time.Duration `yaml:"interval"`
	AutoApply         bool          `yaml:"auto_apply"`
	AllowForeignHosts bool          `yaml:"allow_foreign_hosts"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ProgressBar       bool          `yaml:"progress_bar"`
	NTPServer         string        `yaml:"ntp_server"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		Version:         "1.0.0",
		Platform:        "PSE84",
		Server:          "admin.tesaiot.com",
		Port:            443,
		SignatureTarget: hse.TargetDigest.String(),
		UIDFile:         "ota-device.uid",
		StorageFile:     "ota-device.img",
		SlotSizeKB:      4096,
		Interval:        5 * time.Minute,
		AutoApply:       true,
		ProgressBar:     true,
	}
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.DeviceID, "device_id", c.DeviceID, "Device UUID.")
	fs.StringVar(&c.Version, "version", c.Version, "Currently running firmware version.")
	fs.StringVar(&c.Platform, "platform", c.Platform, "Hardware platform tag.")
	fs.StringVar(&c.Server, "server", c.Server, "Update platform host.")
	fs.UintVar(&c.Port, "port", c.Port, "Update platform port.")
	fs.BoolVar(&c.NoTLS, "no_tls", c.NoTLS, "Talk plain HTTP to the platform.")
	fs.BoolVar(&c.Insecure, "insecure_skip_verify", c.Insecure, "Do not verify the platform's certificate. Development only.")
	fs.StringVar(&c.CACert, "ca_cert", c.CACert, "PEM file of CA certificates trusted for the platform.")
	fs.StringVar(&c.ClientCert, "client_cert", c.ClientCert, "PEM client certificate for mutual TLS.")
	fs.StringVar(&c.ClientKey, "client_key", c.ClientKey, "PEM private key for -client_cert.")
	fs.StringVar(&c.Token, "token", c.Token, "Bearer token, used unless mutual TLS is configured.")
	fs.StringVar(&c.VerifyKey, "verify_key", c.VerifyKey, "File containing the firmware signing key as a note verifier or PEM public key.")
	fs.StringVar(&c.SignatureTarget, "signature_target", c.SignatureTarget, "What firmware signatures cover: digest or image.")
	fs.StringVar(&c.UIDFile, "uid_file", c.UIDFile, "File holding the device UID, created if missing.")
	fs.StringVar(&c.StorageFile, "storage_file", c.StorageFile, "File backing the staging device.")
	fs.UintVar(&c.SlotSizeKB, "slot_size_kb", c.SlotSizeKB, "Size of each firmware slot in KiB.")
	fs.BoolVar(&c.JobOnly, "job_only", c.JobOnly, "Fetch and print the job without downloading it.")
	fs.BoolVar(&c.Loop, "loop", c.Loop, "Keep checking for updates every -interval.")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "Time between update checks with -loop.")
	fs.BoolVar(&c.AutoApply, "auto_apply", c.AutoApply, "Commit a verified image straight away.")
	fs.BoolVar(&c.AllowForeignHosts, "allow_foreign_hosts", c.AllowForeignHosts, "Allow firmware downloads from hosts other than -server.")
	fs.IntVar(&c.MaxAttempts, "max_attempts", c.MaxAttempts, "Attempts per network operation, 0 for the default.")
	fs.BoolVar(&c.ProgressBar, "progress_bar", c.ProgressBar, "Show a progress bar while downloading.")
	fs.StringVar(&c.NTPServer, "ntp_server", c.NTPServer, "NTP server used to check job expiry, empty to use the host clock.")
	fs.StringVar(&c.MetricsAddr, "metrics_addr", c.MetricsAddr, "Address to serve /metrics, /status and /updatecheck on, empty to disable.")
}

// loadConfigFile reads path into c. Flags set on the command line keep
// their values.
func loadConfigFile(fs *flag.FlagSet, path string, c *Config) error {
	set := map[string]string{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %q: %v", path, err)
	}
	for name, v := range set {
		if err := fs.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) identity() (api.DeviceIdentity, error) {
	return api.NewDeviceIdentity(c.DeviceID, c.Version, c.Platform)
}

func (c *Config) endpoint() (api.ServerEndpoint, error) {
	if c.Port == 0 || c.Port > math.MaxUint16 {
		return api.ServerEndpoint{}, fmt.Errorf("invalid port %d", c.Port)
	}
	ep := api.ServerEndpoint{
		Host:               c.Server,
		Port:               uint16(c.Port),
		TLS:                !c.NoTLS,
		InsecureSkipVerify: c.Insecure,
	}
	if c.CACert != "" {
		b, err := os.ReadFile(c.CACert)
		if err != nil {
			return api.ServerEndpoint{}, fmt.Errorf("failed to read CA bundle: %v", err)
		}
		ep.CABundle = b
	}
	return ep, ep.Validate()
}

// auth selects mutual TLS when both halves of a client identity are
// configured, and the bearer token otherwise.
func (c *Config) auth() (transport.AuthMode, error) {
	if c.ClientCert != "" && c.ClientKey != "" {
		if c.NoTLS {
			return transport.AuthMode{}, errors.New("mutual TLS needs TLS")
		}
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return transport.AuthMode{}, fmt.Errorf("failed to load client identity: %v", err)
		}
		return transport.Mutual(cert), nil
	}
	if c.Token != "" {
		return transport.Bearer(c.Token), nil
	}
	return transport.NoAuth(), nil
}

func (c *Config) target() (hse.Target, error) {
	for _, t := range []hse.Target{hse.TargetDigest, hse.TargetImage} {
		if c.SignatureTarget == t.String() {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown signature target %q", c.SignatureTarget)
}
