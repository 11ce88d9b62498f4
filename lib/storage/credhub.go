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
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/doomsday/lib/defaults"
)

// CredhubConfig configures the CredHub adapter.
type CredhubConfig struct {
	// URL is the CredHub API address.
	URL string
	// ClientID and ClientSecret are the UAA client credentials for the
	// client_credentials grant.
	ClientID     string
	ClientSecret string
	// InsecureSkipVerify disables TLS verification of the CredHub server.
	InsecureSkipVerify bool
}

// CheckAndSetDefaults validates the config.
func (c *CredhubConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("credhub: url is required")
	}
	if c.ClientID == "" {
		return trace.BadParameter("credhub: client_id is required")
	}
	if c.ClientSecret == "" {
		return trace.BadParameter("credhub: client_secret is required")
	}
	return nil
}

// Credhub lists all credentials of type certificate and yields their
// certificate values.
type Credhub struct {
	name string
	clt  *roundtrip.Client
}

// NewCredhub opens a CredHub adapter. The OAuth handshake happens lazily
// on the first request of a List call.
func NewCredhub(name string, cfg CredhubConfig) (*Credhub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base := &http.Client{
		Timeout:   defaults.HTTPClientTimeout,
		Transport: transportFor(cfg.InsecureSkipVerify),
	}
	grant := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     strings.TrimSuffix(cfg.URL, "/") + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// the oauth2 transport fetches and refreshes the token on demand
	hc := grant.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	hc.Timeout = defaults.HTTPClientTimeout

	clt, err := roundtrip.NewClient(cfg.URL, "", roundtrip.HTTPClient(hc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Credhub{name: name, clt: clt}, nil
}

// Name returns the configured backend name.
func (c *Credhub) Name() string { return c.name }

type credhubListResponse struct {
	Credentials []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"credentials"`
}

type credhubGetResponse struct {
	Type  string `json:"type"`
	Value struct {
		Certificate string `json:"certificate"`
	} `json:"value"`
}

// List enumerates all credentials and fetches the certificate typed ones
// with bounded parallelism.
func (c *Credhub) List(ctx context.Context) ([]Item, error) {
	endpoint := c.clt.Endpoint("api", "v1", "credentials")
	resp, err := getWithRetry(ctx, c.clt, endpoint, url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var list credhubListResponse
	if err := json.Unmarshal(resp.Bytes(), &list); err != nil {
		return nil, trace.BadParameter("malformed credhub credentials response: %v", err)
	}

	var names []string
	for _, cred := range list.Credentials {
		if cred.Type == "certificate" {
			names = append(names, cred.Name)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.BackendParallelism)

	var mu sync.Mutex
	var items []Item
	for _, name := range names {
		group.Go(func() error {
			item, err := c.fetch(groupCtx, name)
			if err != nil {
				return trace.Wrap(err)
			}
			if item != nil {
				mu.Lock()
				items = append(items, *item)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return items, nil
}

// fetch reads one credential by name. Credentials deleted between the
// listing and the fetch are skipped.
func (c *Credhub) fetch(ctx context.Context, name string) (*Item, error) {
	endpoint := c.clt.Endpoint("api", "v1", "credentials")
	resp, err := getWithRetry(ctx, c.clt, endpoint, url.Values{"name": []string{name}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() == http.StatusNotFound {
		return nil, nil
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var out credhubGetResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.BadParameter("malformed credhub credential %q: %v", name, err)
	}
	if out.Type != "certificate" || out.Value.Certificate == "" {
		return nil, nil
	}
	return &Item{Path: name, PEM: []byte(out.Value.Certificate)}, nil
}
