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

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.mercari.io/go-dnscache"
)

const (
	dnsUpdateFreq    = 5 * time.Minute
	dnsUpdateTimeout = 5 * time.Second
)

// AuthMode selects how the client authenticates to the platform.
// A client certificate takes precedence: when one is set the bearer token
// is never sent.
type AuthMode struct {
	token string
	cert  *tls.Certificate
}

// NoAuth sends no credentials.
func NoAuth() AuthMode { return AuthMode{} }

// Bearer authenticates every request with an Authorization header.
func Bearer(token string) AuthMode { return AuthMode{token: token} }

// Mutual authenticates with a TLS client certificate.
func Mutual(cert tls.Certificate) AuthMode { return AuthMode{cert: &cert} }

func (a AuthMode) String() string {
	switch {
	case a.cert != nil:
		return "mutual-tls"
	case a.token != "":
		return "bearer"
	default:
		return "none"
	}
}

// bearer returns the token to send, if any.
func (a AuthMode) bearer() (string, bool) {
	if a.cert != nil || a.token == "" {
		return "", false
	}
	return a.token, true
}

// TLSOptions configures a TLS connection made by a Dialer.
type TLSOptions struct {
	VerifyPeer bool
	// CABundle holds PEM roots; the system pool is used when empty.
	CABundle       []byte
	ClientIdentity *tls.Certificate
	ServerName     string
	// MinVersion is tls.VersionTLS12 or tls.VersionTLS13.
	MinVersion uint16
}

// Config returns the crypto/tls configuration for these options.
func (o *TLSOptions) Config() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         o.ServerName,
		InsecureSkipVerify: !o.VerifyPeer,
		MinVersion:         tls.VersionTLS12,
	}
	switch o.MinVersion {
	case 0, tls.VersionTLS12:
	case tls.VersionTLS13:
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported minimum TLS version %#x", o.MinVersion)
	}
	if len(o.CABundle) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(o.CABundle) {
			return nil, errors.New("no certificates found in CA bundle")
		}
		cfg.RootCAs = pool
	}
	if o.ClientIdentity != nil {
		cfg.Certificates = []tls.Certificate{*o.ClientIdentity}
	}
	return cfg, nil
}

// Dialer is the TLS transport capability: it returns a connection to
// host:port, secured with TLS when opts is non-nil.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16, opts *TLSOptions) (net.Conn, error)
}

// NetDialer dials over the host network stack through a caching resolver.
type NetDialer struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewNetDialer returns a NetDialer with its own DNS cache.
func NewNetDialer() (*NetDialer, error) {
	resolver, err := dnscache.New(dnsUpdateFreq, dnsUpdateTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS cache: %v", err)
	}
	return &NetDialer{
		dial: dnscache.DialFunc(resolver, (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext),
	}, nil
}

func (d *NetDialer) Dial(ctx context.Context, host string, port uint16, opts *TLSOptions) (net.Conn, error) {
	conn, err := d.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	if opts == nil {
		return conn, nil
	}
	cfg, err := opts.Config()
	if err != nil {
		conn.Close()
		return nil, err
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", host, err)
	}
	return tc, nil
}
