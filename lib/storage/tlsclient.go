// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"net"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/doomsday/lib/defaults"
)

// TLSTarget is one endpoint to scrape.
type TLSTarget struct {
	// Host to dial.
	Host string
	// Port to dial, 443 when zero.
	Port int
	// ServerName overrides the SNI name presented in the handshake.
	// Empty means Host.
	ServerName string
}

// TLSClientConfig configures the live endpoint adapter.
type TLSClientConfig struct {
	// Targets are the endpoints to scrape.
	Targets []TLSTarget
}

// CheckAndSetDefaults validates the config and fills in default ports.
func (c *TLSClientConfig) CheckAndSetDefaults() error {
	if len(c.Targets) == 0 {
		return trace.BadParameter("tlsclient: at least one target is required")
	}
	for i := range c.Targets {
		if c.Targets[i].Host == "" {
			return trace.BadParameter("tlsclient: target %d is missing a host", i)
		}
		if c.Targets[i].Port == 0 {
			c.Targets[i].Port = defaults.TLSTargetPort
		}
	}
	return nil
}

// TLSClient harvests the leaf certificate served by live TLS endpoints.
// Handshakes skip chain verification so self-signed and already expired
// certificates are still captured.
type TLSClient struct {
	name string
	cfg  TLSClientConfig
}

// NewTLSClient opens a live endpoint adapter.
func NewTLSClient(name string, cfg TLSClientConfig) (*TLSClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TLSClient{name: name, cfg: cfg}, nil
}

// Name returns the configured backend name.
func (t *TLSClient) Name() string { return t.name }

// List dials every target and yields one PEM encoded leaf per endpoint,
// with path host:port.
func (t *TLSClient) List(ctx context.Context) ([]Item, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.BackendParallelism)

	var mu sync.Mutex
	var items []Item
	for _, target := range t.cfg.Targets {
		group.Go(func() error {
			item, err := t.scrape(groupCtx, target)
			if err != nil {
				return trace.Wrap(err)
			}
			mu.Lock()
			items = append(items, *item)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return items, nil
}

func (t *TLSClient) scrape(ctx context.Context, target TLSTarget) (*Item, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	serverName := target.ServerName
	if serverName == "" {
		serverName = target.Host
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: defaults.HTTPClientTimeout},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		},
	}

	var conn net.Conn
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.DebugContext(ctx, "TLS dial failed, retrying",
			"target", addr,
			"attempt", attempt,
			"error", err,
		)
	}
	if err != nil {
		return nil, trace.ConnectionProblem(err, "tls handshake with %v failed", addr)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, trace.BadParameter("%v presented no certificates", addr)
	}
	return &Item{
		Path: addr,
		PEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: state.PeerCertificates[0].Raw}),
	}, nil
}
