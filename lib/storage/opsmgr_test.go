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
	"cmp"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestOpsManagerList(t *testing.T) {
	t.Parallel()

	tokenForms := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/uaa/oauth/token" {
			_ = r.ParseForm()
			select {
			case tokenForms <- r.PostForm:
			default:
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "test-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
			return
		}
		switch r.URL.Path {
		case "/api/v0/deployments":
			writeJSON(w, http.StatusOK, map[string]any{"deployments": []map[string]any{
				{"name": "cf", "deployment_guid": "cf-0a1b2c"},
				{"name": "redis", "deployment_guid": "redis-9f8e7d"},
			}})
		case "/api/v0/deployments/cf-0a1b2c/certificates":
			writeJSON(w, http.StatusOK, map[string]any{"certificates": []map[string]any{
				{
					"property_reference": ".properties.networking_poe_ssl_certs[0]",
					"certificate":        map[string]any{"cert_pem": testLeafPEM},
				},
				{
					"property_reference": ".uaa.service_provider_key_credentials",
					"certificate":        map[string]any{"cert_pem": ""},
				},
			}})
		case "/api/v0/deployments/redis-9f8e7d/certificates":
			writeJSON(w, http.StatusOK, map[string]any{"certificates": []map[string]any{
				{
					"property_reference": ".properties.server_tls",
					"certificate":        map[string]any{"cert_pem": testCAPEM},
				},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	opsmgr, err := NewOpsManager("om", OpsManagerConfig{
		URL:      srv.URL,
		Username: "admin",
		Password: "hunter2",
	})
	require.NoError(t, err)

	items, err := opsmgr.List(context.Background())
	require.NoError(t, err)

	slices.SortFunc(items, func(a, b Item) int { return cmp.Compare(a.Path, b.Path) })
	require.Equal(t, []Item{
		{Path: "/cf-0a1b2c/.properties.networking_poe_ssl_certs[0]", PEM: []byte(testLeafPEM)},
		{Path: "/redis-9f8e7d/.properties.server_tls", PEM: []byte(testCAPEM)},
	}, items)

	form := <-tokenForms
	require.Equal(t, "password", form.Get("grant_type"))
	require.Equal(t, "admin", form.Get("username"))
	require.Equal(t, "hunter2", form.Get("password"))
	require.Equal(t, "opsman", form.Get("client_id"))
}

func TestOpsManagerListBadCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":             "unauthorized",
			"error_description": "Bad credentials",
		})
	}))
	t.Cleanup(srv.Close)

	opsmgr, err := NewOpsManager("om", OpsManagerConfig{
		URL:      srv.URL,
		Username: "admin",
		Password: "wrong",
	})
	require.NoError(t, err)

	items, err := opsmgr.List(context.Background())
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, ErrorKindAuth, ErrorKind(err))
	require.Nil(t, items)
}
