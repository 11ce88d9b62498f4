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

// Package client talks to a doomsday server's HTTP API. It is what the
// CLI is built on.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/doomsday/api"
	"github.com/gravitational/doomsday/lib/httplib"
)

// Config configures a Client.
type Config struct {
	// Address is the server base URL, e.g. https://doomsday.example.com.
	Address string
	// Token authenticates requests when the server requires it.
	Token string
	// InsecureSkipVerify disables TLS verification of the server.
	InsecureSkipVerify bool
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Address == "" {
		return trace.BadParameter("client: an address is required")
	}
	u, err := url.Parse(c.Address)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("client: invalid address %q", c.Address)
	}
	return nil
}

// Client is a doomsday API client. It is safe for concurrent use.
type Client struct {
	clt *roundtrip.Client
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	hc := &http.Client{
		Transport: &tokenTransport{base: transport, token: cfg.Token},
	}
	clt, err := roundtrip.NewClient(cfg.Address, "v1", roundtrip.HTTPClient(hc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{clt: clt}, nil
}

// tokenTransport attaches the session token to every request.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set(api.TokenHeader, t.token)
	}
	return t.base.RoundTrip(req)
}

// Info fetches the server version and auth mode.
func (c *Client) Info(ctx context.Context) (*api.InfoResponse, error) {
	var out api.InfoResponse
	if err := c.get(ctx, c.clt.Endpoint("info"), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Auth trades credentials for a session token.
func (c *Client) Auth(ctx context.Context, username, password string) (*api.AuthResponse, error) {
	var out api.AuthResponse
	err := c.post(ctx, c.clt.Endpoint("auth"), api.AuthRequest{
		Username: username,
		Password: password,
	}, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Cache lists every tracked certificate.
func (c *Client) Cache(ctx context.Context) ([]api.CacheItem, error) {
	return c.cache(ctx, nil)
}

// CacheWithin lists certificates expiring within the compact duration d,
// already expired ones included.
func (c *Client) CacheWithin(ctx context.Context, d string) ([]api.CacheItem, error) {
	return c.cache(ctx, url.Values{"within": []string{d}})
}

// CacheBeyond lists certificates expiring later than the compact
// duration d from now.
func (c *Client) CacheBeyond(ctx context.Context, d string) ([]api.CacheItem, error) {
	return c.cache(ctx, url.Values{"beyond": []string{d}})
}

func (c *Client) cache(ctx context.Context, query url.Values) ([]api.CacheItem, error) {
	var out []api.CacheItem
	if err := c.get(ctx, c.clt.Endpoint("cache"), query, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Refresh queues a refresh of the named backends, or of every backend
// when the list is empty. The refresh runs in the background; the
// returned task ids can be watched via SchedulerInfo.
func (c *Client) Refresh(ctx context.Context, backends []string) (*api.RefreshResponse, error) {
	var out api.RefreshResponse
	err := c.post(ctx, c.clt.Endpoint("cache", "refresh"), api.RefreshRequest{Backends: backends}, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// SchedulerInfo fetches scheduler load.
func (c *Client) SchedulerInfo(ctx context.Context) (*api.SchedulerInfo, error) {
	var out api.SchedulerInfo
	if err := c.get(ctx, c.clt.Endpoint("scheduler"), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Backends fetches per-backend refresh stats.
func (c *Client) Backends(ctx context.Context) ([]api.BackendStatus, error) {
	var out []api.BackendStatus
	if err := c.get(ctx, c.clt.Endpoint("backends"), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	resp, err := httplib.ConvertResponse(c.clt.Get(ctx, endpoint, query))
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(resp.Bytes(), out))
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	resp, err := httplib.ConvertResponse(c.clt.PostJSON(ctx, endpoint, body))
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(resp.Bytes(), out))
}
