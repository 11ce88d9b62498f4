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

// Package storage implements the backend adapters certificates are
// harvested from: vault KV mounts, CredHub, Ops Manager and live TLS
// endpoints. Adapters enumerate (path, PEM) pairs and never touch the
// certificate cache.
package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"golang.org/x/oauth2"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/defaults"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentStorage)

// Item is one (path, PEM blob) pair produced by a scrape.
type Item struct {
	// Path is where the blob was found, in the backend's own addressing.
	Path string
	// PEM is the raw blob. It may hold several certificate blocks.
	PEM []byte
}

// Accessor enumerates the PEM blobs one backend holds. Implementations
// handle their own pagination, auth handshakes and bounded retries of
// transport errors within a single List call.
type Accessor interface {
	// Name returns the configured backend name.
	Name() string
	// List scrapes the source and returns every item found. An error means
	// the scrape did not complete and none of the partial results may be
	// used.
	List(ctx context.Context) ([]Item, error)
}

// Kind selects a backend adapter. The set is closed: new kinds are
// additions to the constants below and to New.
type Kind string

const (
	KindVault      Kind = "vault"
	KindCredhub    Kind = "credhub"
	KindOpsManager Kind = "opsmgr"
	KindTLSClient  Kind = "tlsclient"
)

// Spec is a fully parsed backend definition from the config file.
type Spec struct {
	// Name uniquely identifies the backend across the process.
	Name string
	// Kind selects the adapter.
	Kind Kind
	// RefreshInterval is the scrape cadence, measured from the completion
	// of the previous scrape.
	RefreshInterval time.Duration
	// Exactly one of the following matches Kind.
	Vault      *VaultConfig
	Credhub    *CredhubConfig
	OpsManager *OpsManagerConfig
	TLSClient  *TLSClientConfig
}

// CheckAndSetDefaults validates the spec and fills in defaults.
func (s *Spec) CheckAndSetDefaults() error {
	if s.Name == "" {
		return trace.BadParameter("backend is missing a name")
	}
	if s.RefreshInterval < 0 {
		return trace.BadParameter("backend %q: refresh_interval must be positive", s.Name)
	}
	if s.RefreshInterval == 0 {
		s.RefreshInterval = defaults.RefreshInterval
	}
	switch s.Kind {
	case KindVault:
		if s.Vault == nil {
			return trace.BadParameter("backend %q: missing vault properties", s.Name)
		}
		return trace.Wrap(s.Vault.CheckAndSetDefaults())
	case KindCredhub:
		if s.Credhub == nil {
			return trace.BadParameter("backend %q: missing credhub properties", s.Name)
		}
		return trace.Wrap(s.Credhub.CheckAndSetDefaults())
	case KindOpsManager:
		if s.OpsManager == nil {
			return trace.BadParameter("backend %q: missing opsmgr properties", s.Name)
		}
		return trace.Wrap(s.OpsManager.CheckAndSetDefaults())
	case KindTLSClient:
		if s.TLSClient == nil {
			return trace.BadParameter("backend %q: missing tlsclient properties", s.Name)
		}
		return trace.Wrap(s.TLSClient.CheckAndSetDefaults())
	default:
		return trace.BadParameter("backend %q: unsupported kind %q", s.Name, s.Kind)
	}
}

// New opens the adapter described by spec.
func New(spec Spec) (Accessor, error) {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch spec.Kind {
	case KindVault:
		return NewVault(spec.Name, *spec.Vault)
	case KindCredhub:
		return NewCredhub(spec.Name, *spec.Credhub)
	case KindOpsManager:
		return NewOpsManager(spec.Name, *spec.OpsManager)
	case KindTLSClient:
		return NewTLSClient(spec.Name, *spec.TLSClient)
	}
	return nil, trace.BadParameter("unsupported backend kind %q", spec.Kind)
}

// Error kinds reported in backend stats.
const (
	ErrorKindTransient = "transient"
	ErrorKindAuth      = "auth"
	ErrorKindPermanent = "permanent"
)

// ErrorKind classifies a backend error for stats reporting: connection
// problems and timeouts are transient and worth waiting out, access
// denials mean credentials need attention, anything else needs a config
// change.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case trace.IsConnectionProblem(err):
		return ErrorKindTransient
	case trace.IsAccessDenied(err):
		return ErrorKindAuth
	default:
		return ErrorKindPermanent
	}
}

// maxAttempts bounds transport retries within a single List call.
const maxAttempts = 3

// transportFor builds the backend HTTP transport, optionally skipping TLS
// verification for sources that self-sign.
func transportFor(insecureSkipVerify bool) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// headerTransport injects fixed headers into every request, e.g. the
// vault token.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range t.header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(req)
}

// getWithRetry performs a GET, retrying transport failures up to the
// per-call budget. Response status codes are not retried here, callers
// classify them via statusError.
func getWithRetry(ctx context.Context, clt *roundtrip.Client, endpoint string, query url.Values) (*roundtrip.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := clt.Get(ctx, endpoint, query)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || isAuthError(err) {
			break
		}
		log.DebugContext(ctx, "Transport error, retrying request",
			"endpoint", endpoint,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, convertTransportError(lastErr, endpoint)
}

// statusError converts a non-2xx backend response into the populator's
// error taxonomy: 401/403 are auth errors, 5xx are transient, any other
// status is permanent.
func statusError(code int, body []byte, endpoint string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return trace.AccessDenied("%v returned status %v: %s", endpoint, code, body)
	case code >= 500:
		return trace.ConnectionProblem(nil, "%v returned status %v: %s", endpoint, code, body)
	default:
		return trace.BadParameter("%v returned status %v: %s", endpoint, code, body)
	}
}

// convertTransportError classifies request errors that never produced a
// response. OAuth token handshake rejections surface here through the
// oauth2 transport and count as auth errors.
func convertTransportError(err error, endpoint string) error {
	if err == nil {
		return nil
	}
	if isAuthError(err) {
		return trace.AccessDenied("authentication failed for %v: %v", endpoint, err)
	}
	return trace.ConnectionProblem(err, "request to %v failed", endpoint)
}

func isAuthError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}
