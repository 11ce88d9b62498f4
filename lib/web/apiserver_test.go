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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/doomsday/api"
	"github.com/gravitational/doomsday/lib/auth"
	"github.com/gravitational/doomsday/lib/cache"
	"github.com/gravitational/doomsday/lib/certs"
	"github.com/gravitational/doomsday/lib/schedule"
	"github.com/gravitational/doomsday/lib/storage"
)

type testEnv struct {
	handler   *Handler
	cache     *cache.Cache
	scheduler *schedule.Scheduler
	// release unblocks the refresh jobs of newBlockingEnv.
	release chan struct{}
}

func newEnv(t *testing.T, provider auth.Provider, clock clockwork.Clock, backends ...string) *testEnv {
	t.Helper()
	c, err := cache.New(clock)
	require.NoError(t, err)

	scheduler, err := schedule.New(schedule.Config{Workers: 4})
	require.NoError(t, err)
	release := make(chan struct{})
	for _, name := range backends {
		require.NoError(t, scheduler.AddJob(schedule.Job{
			Key:      schedule.RefreshJobKey(name),
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}))
	}
	require.NoError(t, scheduler.Start())
	t.Cleanup(func() {
		close(release)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, scheduler.Stop(stopCtx))
	})

	handler, err := NewHandler(Config{
		Cache:     c,
		Scheduler: scheduler,
		Auth:      provider,
		Backends:  backends,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &testEnv{handler: handler, cache: c, scheduler: scheduler, release: release}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set(api.TokenHeader, token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestInfo(t *testing.T) {
	t.Run("auth disabled", func(t *testing.T) {
		env := newEnv(t, nil, nil, "b1")
		w := env.do(t, http.MethodGet, "/v1/info", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		info := decodeJSON[api.InfoResponse](t, w)
		require.False(t, info.AuthRequired)
		require.NotEmpty(t, info.Version)
	})
	t.Run("auth enabled", func(t *testing.T) {
		provider, err := auth.NewUserpass(auth.UserpassConfig{Users: map[string]string{"admin": "hunter2"}})
		require.NoError(t, err)
		env := newEnv(t, provider, nil, "b1")
		// info stays public
		w := env.do(t, http.MethodGet, "/v1/info", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		require.True(t, decodeJSON[api.InfoResponse](t, w).AuthRequired)
	})
}

func TestAuthGate(t *testing.T) {
	provider, err := auth.NewUserpass(auth.UserpassConfig{Users: map[string]string{"admin": "hunter2"}})
	require.NoError(t, err)
	env := newEnv(t, provider, nil, "b1")

	t.Run("missing token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache", nil, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Body.String(), "error")
	})
	t.Run("bad credentials", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/auth", api.AuthRequest{Username: "admin", Password: "nope"}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("login and use token", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/auth", api.AuthRequest{Username: "admin", Password: "hunter2"}, "")
		require.Equal(t, http.StatusOK, w.Code)
		session := decodeJSON[api.AuthResponse](t, w)
		require.NotEmpty(t, session.Token)

		w = env.do(t, http.MethodGet, "/v1/cache", nil, session.Token)
		require.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("token via cookie", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/auth", api.AuthRequest{Username: "admin", Password: "hunter2"}, "")
		require.Equal(t, http.StatusOK, w.Code)
		session := decodeJSON[api.AuthResponse](t, w)

		req := httptest.NewRequest(http.MethodGet, "/v1/scheduler", nil)
		req.AddCookie(&http.Cookie{Name: api.TokenCookie, Value: session.Token})
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("bogus token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache", nil, "bogus")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestListCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	env := newEnv(t, nil, clock, "b1")
	now := clock.Now()

	day := 24 * time.Hour
	seed := []struct {
		fp       certs.Fingerprint
		subject  string
		notAfter time.Time
	}{
		{certs.Fingerprint{0x01}, "CN=expired", now.Add(-5 * day)},
		{certs.Fingerprint{0x02}, "CN=soon", now.Add(10 * day)},
		{certs.Fingerprint{0x03}, "CN=fine", now.Add(120 * day)},
	}
	for _, s := range seed {
		env.cache.MergePath(
			certs.Certificate{Fingerprint: s.fp, Subject: s.subject, NotAfter: s.notAfter},
			cache.PathRef{Backend: "b1", Path: "p-" + s.subject},
		)
	}

	t.Run("all", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		items := decodeJSON[[]api.CacheItem](t, w)
		require.Len(t, items, 3)
		// expiry ascending
		require.Equal(t, "CN=expired", items[0].Subject)
		require.Equal(t, "CN=soon", items[1].Subject)
		require.Equal(t, "CN=fine", items[2].Subject)
		require.Equal(t, []api.PathObject{{Backend: "b1", Path: "p-CN=expired"}}, items[0].Paths)
	})
	t.Run("within includes expired", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache?within=30d", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		items := decodeJSON[[]api.CacheItem](t, w)
		require.Len(t, items, 2)
		require.Equal(t, "CN=expired", items[0].Subject)
		require.Equal(t, "CN=soon", items[1].Subject)
	})
	t.Run("beyond", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache?beyond=30d", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		items := decodeJSON[[]api.CacheItem](t, w)
		require.Len(t, items, 1)
		require.Equal(t, "CN=fine", items[0].Subject)
	})
	t.Run("both filters rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache?within=30d&beyond=30d", nil, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("bad duration rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache?within=30+days", nil, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRefresh(t *testing.T) {
	env := newEnv(t, nil, nil, "production-vault", "web-endpoints")

	t.Run("single backend", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/cache/refresh", api.RefreshRequest{Backends: []string{"production-vault"}}, "")
		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decodeJSON[api.RefreshResponse](t, w)
		require.Len(t, resp.TaskIDs, 1)
		first := resp.TaskIDs["production-vault"]
		require.NotEmpty(t, first)

		// the job is still blocked, a second request coalesces with it
		w = env.do(t, http.MethodPost, "/v1/cache/refresh", api.RefreshRequest{Backends: []string{"production-vault"}}, "")
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Equal(t, first, decodeJSON[api.RefreshResponse](t, w).TaskIDs["production-vault"])
	})
	t.Run("empty request means all", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/cache/refresh", api.RefreshRequest{}, "")
		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decodeJSON[api.RefreshResponse](t, w)
		require.Len(t, resp.TaskIDs, 2)
		require.Contains(t, resp.TaskIDs, "production-vault")
		require.Contains(t, resp.TaskIDs, "web-endpoints")
	})
	t.Run("unknown backend", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/cache/refresh", api.RefreshRequest{Backends: []string{"nope"}}, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/cache/refresh", bytes.NewReader([]byte("{")))
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSchedulerInfo(t *testing.T) {
	env := newEnv(t, nil, nil, "b1")
	w := env.do(t, http.MethodGet, "/v1/scheduler", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeJSON[api.SchedulerInfo](t, w)
	require.Equal(t, 4, info.Workers)
}

func TestBackendStats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	env := newEnv(t, nil, clock, "production-vault", "web-endpoints")

	env.cache.RecordRun("web-endpoints", cache.Stats{
		NumCerts: 3,
		NumPaths: 4,
		Skipped:  1,
		Duration: 1500 * time.Millisecond,
	}, nil)
	env.cache.RecordRun("production-vault", cache.Stats{}, trace.AccessDenied("vault token rejected"))

	w := env.do(t, http.MethodGet, "/v1/backends", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	statuses := decodeJSON[[]api.BackendStatus](t, w)
	require.Len(t, statuses, 2)

	// sorted by name
	require.Equal(t, "production-vault", statuses[0].Name)
	require.NotEmpty(t, statuses[0].LastError)
	require.Equal(t, storage.ErrorKindAuth, statuses[0].ErrorKind)

	require.Equal(t, "web-endpoints", statuses[1].Name)
	require.Equal(t, 3, statuses[1].NumCerts)
	require.Equal(t, 4, statuses[1].NumPaths)
	require.Equal(t, 1, statuses[1].Skipped)
	require.Equal(t, int64(1500), statuses[1].DurationMS)
	require.Empty(t, statuses[1].LastError)
}
