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
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/doomsday/lib/defaults"
)

// OpsManagerConfig configures the Ops Manager adapter.
type OpsManagerConfig struct {
	// URL is the Ops Manager address.
	URL string
	// Username and Password authenticate against the Ops Manager UAA via
	// the password grant.
	Username string
	Password string
	// ClientID is the UAA client used for the grant. Ops Manager ships
	// with the "opsman" client and an empty secret.
	ClientID string
	// InsecureSkipVerify disables TLS verification. Ops Manager commonly
	// self-signs.
	InsecureSkipVerify bool
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *OpsManagerConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("opsmgr: url is required")
	}
	if c.Username == "" {
		return trace.BadParameter("opsmgr: username is required")
	}
	if c.Password == "" {
		return trace.BadParameter("opsmgr: password is required")
	}
	if c.ClientID == "" {
		c.ClientID = "opsman"
	}
	return nil
}

// OpsManager walks the deployed products of an Ops Manager installation
// and yields every certificate credential they expose.
type OpsManager struct {
	name string
	cfg  OpsManagerConfig
	conf *oauth2.Config
	base *http.Client
}

// NewOpsManager opens an Ops Manager adapter. Authentication happens per
// List call.
func NewOpsManager(name string, cfg OpsManagerConfig) (*OpsManager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &OpsManager{
		name: name,
		cfg:  cfg,
		conf: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimSuffix(cfg.URL, "/") + "/uaa/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		base: &http.Client{
			Timeout:   defaults.HTTPClientTimeout,
			Transport: transportFor(cfg.InsecureSkipVerify),
		},
	}, nil
}

// Name returns the configured backend name.
func (o *OpsManager) Name() string { return o.name }

type opsManagerDeploymentsResponse struct {
	Deployments []opsManagerDeployment `json:"deployments"`
}

type opsManagerDeployment struct {
	Name string `json:"name"`
	GUID string `json:"deployment_guid"`
}

type opsManagerCertificatesResponse struct {
	Certificates []struct {
		PropertyReference string `json:"property_reference"`
		Certificate       struct {
			CertPEM string `json:"cert_pem"`
		} `json:"certificate"`
	} `json:"certificates"`
}

// List authenticates, enumerates deployments and collects the certificate
// credentials of each one with bounded parallelism.
func (o *OpsManager) List(ctx context.Context) ([]Item, error) {
	clt, err := o.connect(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	deployments, err := o.deployments(ctx, clt)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.BackendParallelism)

	var mu sync.Mutex
	var items []Item
	for _, deployment := range deployments {
		group.Go(func() error {
			found, err := o.certificates(groupCtx, clt, deployment.GUID)
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

// connect performs the UAA password grant and returns a client that
// presents the resulting bearer token on every request.
func (o *OpsManager) connect(ctx context.Context) (*roundtrip.Client, error) {
	authCtx := context.WithValue(ctx, oauth2.HTTPClient, o.base)
	token, err := o.conf.PasswordCredentialsToken(authCtx, o.cfg.Username, o.cfg.Password)
	if err != nil {
		return nil, convertTransportError(err, o.conf.Endpoint.TokenURL)
	}

	// requests may outlive the handshake context
	clientCtx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
	hc := oauth2.NewClient(clientCtx, o.conf.TokenSource(clientCtx, token))
	hc.Timeout = defaults.HTTPClientTimeout

	clt, err := roundtrip.NewClient(o.cfg.URL, "", roundtrip.HTTPClient(hc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return clt, nil
}

func (o *OpsManager) deployments(ctx context.Context, clt *roundtrip.Client) ([]opsManagerDeployment, error) {
	endpoint := clt.Endpoint("api", "v0", "deployments")
	resp, err := getWithRetry(ctx, clt, endpoint, url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var out opsManagerDeploymentsResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.BadParameter("malformed ops manager deployments response: %v", err)
	}
	return out.Deployments, nil
}

func (o *OpsManager) certificates(ctx context.Context, clt *roundtrip.Client, guid string) ([]Item, error) {
	endpoint := clt.Endpoint("api", "v0", "deployments", guid, "certificates")
	resp, err := getWithRetry(ctx, clt, endpoint, url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Code() != http.StatusOK {
		return nil, statusError(resp.Code(), resp.Bytes(), endpoint)
	}
	var out opsManagerCertificatesResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.BadParameter("malformed ops manager certificates response for %q: %v", guid, err)
	}

	var items []Item
	for _, cert := range out.Certificates {
		if cert.Certificate.CertPEM == "" {
			continue
		}
		items = append(items, Item{
			Path: "/" + guid + "/" + cert.PropertyReference,
			PEM:  []byte(cert.Certificate.CertPEM),
		})
	}
	return items, nil
}
