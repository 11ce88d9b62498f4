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

package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/doomsday/lib/client"
	"github.com/gravitational/doomsday/lib/config"
)

// TestProcessEndToEnd boots a full process against a live TLS endpoint
// and reads the harvested certificate back through the API.
func TestProcessEndToEnd(t *testing.T) {
	endpoint := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(endpoint.Close)

	host, portStr, err := net.SplitHostPort(endpoint.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{
		Backends: []config.Backend{{
			Name: "web-endpoints",
			Type: "tlsclient",
			Properties: config.BackendProperties{
				Targets: []config.TLSTarget{{Host: host, Port: port}},
			},
		}},
		// port zero lets the kernel pick, Addr reports the result
		Server: config.Server{Port: 0},
	}

	proc, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- proc.Run(ctx) }()

	var baseURL string
	require.Eventually(t, func() bool {
		addr := proc.Addr()
		if addr == nil {
			return false
		}
		baseURL = "http://" + addr.String()
		_, err := http.Get(baseURL + "/v1/info")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "API never came up")

	clt, err := client.New(client.Config{Address: baseURL})
	require.NoError(t, err)

	// the immediate refresh harvests the endpoint's certificate
	require.Eventually(t, func() bool {
		items, err := clt.Cache(ctx)
		return err == nil && len(items) == 1
	}, 10*time.Second, 50*time.Millisecond, "certificate never showed up in the cache")

	items, err := clt.Cache(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"web-endpoints"}, []string{items[0].Paths[0].Backend})
	require.Equal(t, net.JoinHostPort(host, portStr), items[0].Paths[0].Path)

	backends, err := clt.Backends(ctx)
	require.NoError(t, err)
	require.Len(t, backends, 1)
	require.Equal(t, 1, backends[0].NumCerts)
	require.Empty(t, backends[0].LastError)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("process did not shut down")
	}
}

func TestNewValidation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, nil)
		require.True(t, trace.IsBadParameter(err))
	})
	t.Run("bad backend", func(t *testing.T) {
		cfg := &config.Config{
			Backends: []config.Backend{{Name: "b", Type: "vault", Properties: config.BackendProperties{}}},
		}
		_, err := New(cfg, nil)
		require.True(t, trace.IsBadParameter(err))
	})
	t.Run("bad auth type", func(t *testing.T) {
		cfg := &config.Config{
			Backends: []config.Backend{{
				Name: "b",
				Type: "tlsclient",
				Properties: config.BackendProperties{
					Targets: []config.TLSTarget{{Host: "example.com"}},
				},
			}},
			Server: config.Server{Auth: config.Auth{Type: "ldap"}},
		}
		_, err := New(cfg, nil)
		require.True(t, trace.IsBadParameter(err))
	})
}
