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
	"path"
	"strings"
	"sync"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/doomsday/lib/defaults"
)

// pemCertMarker gates which secret fields are worth yielding. The decoder
// later does the real parsing and accounting.
const pemCertMarker = "-----BEGIN CERTIFICATE-----"

// VaultConfig configures the vault adapter.
type VaultConfig struct {
	// URL is the vault address, e.g. https://vault.example.com:8200.
	URL string
	// Token is the static client token sent with every request.
	Token string
	// MountPath is the KV v2 mount to walk, e.g. "secret".
	MountPath string
	// SecretPath is the directory under the mount the walk starts at.
	// Empty means the mount root.
	SecretPath string
	// InsecureSkipVerify disables TLS verification of the vault server.
	InsecureSkipVerify bool
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *VaultConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("vault: url is required")
	}
	if c.Token == "" {
		return trace.BadParameter("vault: token is required")
	}
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	c.MountPath = strings.Trim(c.MountPath, "/")
	c.SecretPath = strings.Trim(c.SecretPath, "/")
	return nil
}

// Vault walks a KV v2 mount recursively and yields every secret field
// that holds certificate PEM.
type Vault struct {
	name string
	cfg  VaultConfig
	clt  *roundtrip.Client
}

// NewVault opens a vault adapter. No connection is made until List.
func NewVault(name string, cfg VaultConfig) (*Vault, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	hc := &http.Client{
		Timeout: defaults.HTTPClientTimeout,
		Transport: &headerTransport{
			base:   transportFor(cfg.InsecureSkipVerify),
			header: http.Header{"X-Vault-Token": []string{cfg.Token}},
		},
	}
	clt, err := roundtrip.NewClient(cfg.URL, "", roundtrip.HTTPClient(hc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Vault{name: name, cfg: cfg, clt: clt}, nil
}

// Name returns the configured backend name.
func (v *Vault) Name() string { return v.name }

type vaultListResponse struct {
	Data struct {
		Keys []string `json:"keys"`
	} `json:"data"`
}

type vaultReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

// List walks the mount depth first, then reads the discovered secrets
// with bounded parallelism.
func (v *Vault) List(ctx context.Context) ([]Item, error) {
	var leaves []string
	stack := []string{v.cfg.SecretPath}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		keys, err := v.listDir(ctx, dir)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, "/") {
				stack = append(stack, path.Join(dir, strings.TrimSuffix(key, "/")))
			} else {
				leaves = append(leaves, path.Join(dir, key))
			}
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.BackendParallelism)

	var mu sync.Mutex
	var items []Item
	for _, leaf := range leaves {
		group.Go(func() error {
			found, err := v.read(groupCtx, leaf)
			if err != nil {
				return trace.Wrap(err)
			}
			mu.Lock()
			items = append(items, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return items, nil
}

// listDir lists the keys under dir. Vault answers 404 both for paths that
// never existed and for directories whose secrets were all deleted, so a
// 404 reads as empty rather than an error.
func (v *Vault) listDir(ctx context.Context, dir string) ([]string, error) {
	endpoint := v.endpoint("metadata", dir)
	resp, err := getWithRetry(ctx, v.clt, endpoint, url.Values{"list": []string{"true"}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() == http.StatusNotFound {
		return nil, nil
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var out vaultListResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.BadParameter("malformed vault list response for %q: %v", dir, err)
	}
	return out.Data.Keys, nil
}

// read fetches one secret and yields an item per string field that looks
// like certificate PEM. Secrets deleted between the listing and the read
// are skipped.
func (v *Vault) read(ctx context.Context, leaf string) ([]Item, error) {
	endpoint := v.endpoint("data", leaf)
	resp, err := getWithRetry(ctx, v.clt, endpoint, url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() == http.StatusNotFound {
		return nil, nil
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var out vaultReadResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.BadParameter("malformed vault secret response for %q: %v", leaf, err)
	}

	var items []Item
	for _, value := range out.Data.Data {
		s, ok := value.(string)
		if !ok || !strings.Contains(s, pemCertMarker) {
			continue
		}
		items = append(items, Item{Path: leaf, PEM: []byte(s)})
	}
	return items, nil
}

func (v *Vault) endpoint(parts ...string) string {
	all := make([]string, 0, len(parts)+2)
	all = append(all, "v1", v.cfg.MountPath)
	for _, part := range parts {
		if part != "" {
			all = append(all, part)
		}
	}
	return v.clt.Endpoint(all...)
}
