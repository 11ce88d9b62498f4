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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCredhubList(t *testing.T) {
	t.Parallel()

	// db-password must never be fetched: its string value would not
	// unmarshal into the certificate response shape.
	creds := map[string]any{
		"/concourse/web-tls": map[string]any{
			"type":  "certificate",
			"value": map[string]any{"certificate": testLeafPEM, "ca": testCAPEM},
		},
		"/concourse/db-password": map[string]any{
			"type":  "password",
			"value": "hunter2",
		},
		"/concourse/in-transition": map[string]any{
			"type":  "certificate",
			"value": map[string]any{"certificate": "", "ca": testCAPEM},
		},
	}

	tokenForms := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
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
		if name := r.URL.Query().Get("name"); name != "" {
			cred, ok := creds[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "credential does not exist"})
				return
			}
			writeJSON(w, http.StatusOK, cred)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": []map[string]any{
			{"name": "/concourse/web-tls", "type": "certificate"},
			{"name": "/concourse/db-password", "type": "password"},
			{"name": "/concourse/rotated-away", "type": "certificate"},
			{"name": "/concourse/in-transition", "type": "certificate"},
		}})
	}))
	t.Cleanup(srv.Close)

	credhub, err := NewCredhub("paas", CredhubConfig{
		URL:          srv.URL,
		ClientID:     "doomsday-client",
		ClientSecret: "shhh",
	})
	require.NoError(t, err)

	items, err := credhub.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Item{{Path: "/concourse/web-tls", PEM: []byte(testLeafPEM)}}, items)

	form := <-tokenForms
	require.Equal(t, "client_credentials", form.Get("grant_type"))
	require.Equal(t, "doomsday-client", form.Get("client_id"))
	require.Equal(t, "shhh", form.Get("client_secret"))
}

func TestCredhubListAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":             "unauthorized",
			"error_description": "Bad credentials",
		})
	}))
	t.Cleanup(srv.Close)

	credhub, err := NewCredhub("paas", CredhubConfig{
		URL:          srv.URL,
		ClientID:     "doomsday-client",
		ClientSecret: "wrong",
	})
	require.NoError(t, err)

	items, err := credhub.List(context.Background())
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, ErrorKindAuth, ErrorKind(err))
	require.Nil(t, items)
}
