// Copyright 2024 The emqx-go Authors
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

// Package tls builds the client TLS configuration used for tls and wss
// broker connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Options selects the trust roots and client certificate presented to
// brokers. All fields are optional.
type Options struct {
	// CAFile is a PEM bundle added to the trust roots.
	CAFile string
	// CertFile and KeyFile enable mutual TLS. Both or neither must be set.
	CertFile string
	KeyFile  string
	// ServerName overrides the name verified against the broker certificate.
	ServerName         string
	InsecureSkipVerify bool
	// MinVersion is "1.2" or "1.3". Empty means 1.2.
	MinVersion string
}

var (
	// ErrIncompleteKeyPair is returned when only one of CertFile and KeyFile is set.
	ErrIncompleteKeyPair = errors.New("cert_file and key_file must be set together")
	// ErrNoCertificates is returned when CAFile holds no PEM certificate.
	ErrNoCertificates = errors.New("no certificates found in CA file")
)

// Enabled reports whether any option deviates from the system defaults.
func (o Options) Enabled() bool {
	return o != Options{}
}

// ClientConfig loads the files named by o into a *tls.Config.
func ClientConfig(o Options) (*tls.Config, error) {
	minVersion, err := parseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec // opt-in for development brokers
	}

	if o.CAFile != "" {
		pemData, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("%s: %w", o.CAFile, ErrNoCertificates)
		}
		cfg.RootCAs = pool
	}

	switch {
	case o.CertFile != "" && o.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case o.CertFile != "" || o.KeyFile != "":
		return nil, ErrIncompleteKeyPair
	}
	return cfg, nil
}

// ExpiresWithin reports whether the client certificate of cfg expires within d.
func ExpiresWithin(cfg *tls.Config, d time.Duration) (bool, time.Time, error) {
	if cfg == nil || len(cfg.Certificates) == 0 || len(cfg.Certificates[0].Certificate) == 0 {
		return false, time.Time{}, nil
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to parse client certificate: %w", err)
	}
	return time.Until(leaf.NotAfter) < d, leaf.NotAfter, nil
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (supported: 1.2, 1.3)", v)
	}
}
