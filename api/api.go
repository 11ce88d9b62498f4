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

// Package api holds the wire types of the doomsday HTTP API, shared by
// the server handlers and the client.
package api

import "time"

// TokenHeader carries the session token on authenticated requests.
const TokenHeader = "X-Doomsday-Token"

// TokenCookie is the cookie fallback for the session token, set for
// browser consumers.
const TokenCookie = "doomsday-token"

// InfoResponse is returned by GET /v1/info.
type InfoResponse struct {
	// Version is the server release.
	Version string `json:"version"`
	// AuthRequired tells clients whether they must authenticate before
	// calling the rest of the API.
	AuthRequired bool `json:"auth_required"`
}

// AuthRequest is the body of POST /v1/auth.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by a successful POST /v1/auth.
type AuthResponse struct {
	// Token authenticates subsequent requests via TokenHeader.
	Token string `json:"token"`
	// ExpiresAt is the absolute expiry of the session. Validating the
	// token may push it further out when the server refreshes sessions
	// on use.
	ExpiresAt time.Time `json:"expires_at"`
}

// PathObject is one location a certificate was seen at.
type PathObject struct {
	// Backend is the configured backend name.
	Backend string `json:"backend"`
	// Path is the backend specific location.
	Path string `json:"path"`
}

// CacheItem is one tracked certificate as returned by GET /v1/cache.
// Certificates are deduplicated by fingerprint, not subject: two distinct
// certificates sharing a subject appear as two items, possibly claiming
// the same paths.
type CacheItem struct {
	// Subject is the certificate subject, for display only.
	Subject string `json:"subject"`
	// NotAfter is the expiry instant in RFC 3339 form.
	NotAfter time.Time `json:"not_after"`
	// Paths is everywhere the certificate was observed, sorted by
	// backend then path.
	Paths []PathObject `json:"paths"`
}

// RefreshRequest is the body of POST /v1/cache/refresh. An empty or
// absent backend list means every configured backend.
type RefreshRequest struct {
	Backends []string `json:"backends,omitempty"`
}

// RefreshResponse is returned by POST /v1/cache/refresh with status 202.
// It maps each backend to the id of the scheduler task that will refresh
// it. A request that coalesced with an already pending refresh returns
// that task's id.
type RefreshResponse struct {
	TaskIDs map[string]string `json:"task_ids"`
}

// SchedulerInfo is returned by GET /v1/scheduler.
type SchedulerInfo struct {
	Workers      int `json:"workers"`
	PendingTasks int `json:"pending_tasks"`
	RunningTasks int `json:"running_tasks"`
}

// BackendStatus is one entry of the GET /v1/backends response, the
// last-run bookkeeping of a single backend.
type BackendStatus struct {
	// Name is the configured backend name.
	Name string `json:"name"`
	// LastRefresh is when the backend last finished a refresh attempt,
	// zero when none has completed yet.
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	// NumCerts and NumPaths are the counts of the last successful
	// refresh.
	NumCerts int `json:"num_certs"`
	NumPaths int `json:"num_paths"`
	// Skipped counts PEM blocks that failed to decode during the last
	// successful refresh.
	Skipped int `json:"skipped"`
	// DurationMS is how long the last successful refresh took.
	DurationMS int64 `json:"duration_ms"`
	// LastError is set when the most recent refresh attempt failed.
	LastError string `json:"last_error,omitempty"`
	// ErrorKind classifies LastError as transient, auth or permanent.
	ErrorKind string `json:"error_kind,omitempty"`
}
