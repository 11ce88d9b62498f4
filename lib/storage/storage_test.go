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
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/doomsday/lib/defaults"
)

// Adapters treat PEM payloads as opaque bytes, so fixtures do not need
// to be parseable certificates.
const (
	testLeafPEM = "-----BEGIN CERTIFICATE-----\nbGVhZg==\n-----END CERTIFICATE-----\n"
	testCAPEM   = "-----BEGIN CERTIFICATE-----\nY2E=\n-----END CERTIFICATE-----\n"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestSpecCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		spec         Spec
		wantErr      bool
		wantInterval time.Duration
	}{
		{
			name: "interval defaulted",
			spec: Spec{
				Name:  "main-vault",
				Kind:  KindVault,
				Vault: &VaultConfig{URL: "https://vault.example.com:8200", Token: "s.deadbeef"},
			},
			wantInterval: defaults.RefreshInterval,
		},
		{
			name: "explicit interval kept",
			spec: Spec{
				Name:            "paas",
				Kind:            KindCredhub,
				RefreshInterval: time.Hour,
				Credhub:         &CredhubConfig{URL: "https://credhub.example.com", ClientID: "doomsday", ClientSecret: "shhh"},
			},
			wantInterval: time.Hour,
		},
		{
			name:    "missing name",
			spec:    Spec{Kind: KindVault, Vault: &VaultConfig{URL: "https://vault.example.com:8200", Token: "s.deadbeef"}},
			wantErr: true,
		},
		{
			name: "negative interval",
			spec: Spec{
				Name:            "main-vault",
				Kind:            KindVault,
				RefreshInterval: -time.Minute,
				Vault:           &VaultConfig{URL: "https://vault.example.com:8200", Token: "s.deadbeef"},
			},
			wantErr: true,
		},
		{
			name: "kind and properties mismatch",
			spec: Spec{
				Name:    "main-vault",
				Kind:    KindVault,
				Credhub: &CredhubConfig{URL: "https://credhub.example.com", ClientID: "doomsday", ClientSecret: "shhh"},
			},
			wantErr: true,
		},
		{
			name:    "unsupported kind",
			spec:    Spec{Name: "bucket", Kind: "s3"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.CheckAndSetDefaults()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantInterval, tt.spec.RefreshInterval)
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	vault, err := New(Spec{
		Name:  "main-vault",
		Kind:  KindVault,
		Vault: &VaultConfig{URL: "https://vault.example.com:8200", Token: "s.deadbeef"},
	})
	require.NoError(t, err)
	require.IsType(t, &Vault{}, vault)
	require.Equal(t, "main-vault", vault.Name())

	credhub, err := New(Spec{
		Name:    "paas",
		Kind:    KindCredhub,
		Credhub: &CredhubConfig{URL: "https://credhub.example.com", ClientID: "doomsday", ClientSecret: "shhh"},
	})
	require.NoError(t, err)
	require.IsType(t, &Credhub{}, credhub)

	opsmgr, err := New(Spec{
		Name:       "om",
		Kind:       KindOpsManager,
		OpsManager: &OpsManagerConfig{URL: "https://opsmgr.example.com", Username: "admin", Password: "hunter2"},
	})
	require.NoError(t, err)
	require.IsType(t, &OpsManager{}, opsmgr)

	tlsClient, err := New(Spec{
		Name:      "edge",
		Kind:      KindTLSClient,
		TLSClient: &TLSClientConfig{Targets: []TLSTarget{{Host: "db.example.com"}}},
	})
	require.NoError(t, err)
	require.IsType(t, &TLSClient{}, tlsClient)

	_, err = New(Spec{Name: "bucket", Kind: "s3"})
	require.True(t, trace.IsBadParameter(err))
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	require.Empty(t, ErrorKind(nil))
	require.Equal(t, ErrorKindTransient, ErrorKind(trace.ConnectionProblem(nil, "dial failed")))
	require.Equal(t, ErrorKindAuth, ErrorKind(trace.AccessDenied("bad token")))
	require.Equal(t, ErrorKindPermanent, ErrorKind(trace.BadParameter("malformed response")))
	require.Equal(t, ErrorKindPermanent, ErrorKind(errors.New("kaboom")))
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	require.True(t, trace.IsAccessDenied(statusError(http.StatusUnauthorized, []byte("no"), "https://vault.example.com/v1")))
	require.True(t, trace.IsAccessDenied(statusError(http.StatusForbidden, nil, "https://vault.example.com/v1")))
	require.True(t, trace.IsConnectionProblem(statusError(http.StatusBadGateway, nil, "https://vault.example.com/v1")))
	require.True(t, trace.IsBadParameter(statusError(http.StatusUnprocessableEntity, nil, "https://vault.example.com/v1")))
}

// flakyListener closes the first few accepted connections before the
// server can answer, forcing transport errors on the client side.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if l.failures.Add(-1) >= 0 {
		conn.Close()
	}
	return conn, nil
}

func TestGetWithRetryRecovers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	flaky := &flakyListener{Listener: srv.Listener}
	flaky.failures.Store(maxAttempts - 1)
	srv.Listener = flaky
	srv.Start()
	t.Cleanup(srv.Close)

	clt, err := roundtrip.NewClient(srv.URL, "", roundtrip.HTTPClient(&http.Client{
		Transport: transportFor(false),
	}))
	require.NoError(t, err)

	resp, err := getWithRetry(context.Background(), clt, clt.Endpoint("health"), url.Values{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Code())
}

func TestGetWithRetryGivesUp(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	clt, err := roundtrip.NewClient(addr, "", roundtrip.HTTPClient(&http.Client{
		Transport: transportFor(false),
	}))
	require.NoError(t, err)

	_, err = getWithRetry(context.Background(), clt, clt.Endpoint("health"), url.Values{})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, ErrorKindTransient, ErrorKind(err))
}
