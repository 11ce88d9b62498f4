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

// Package auth guards the doomsday HTTP API. Two providers exist: None,
// which lets everything through, and Userpass, which trades a username
// and password for an expiring session token.
package auth

import (
	"time"

	"github.com/gravitational/trace"
)

// Session is an issued API session.
type Session struct {
	// Token is the opaque bearer token.
	Token string
	// ExpiresAt is the absolute expiry of the session.
	ExpiresAt time.Time
}

// Provider decides who may use the API.
type Provider interface {
	// Required reports whether requests must carry a valid token.
	Required() bool
	// NewSession authenticates the user and issues a session.
	NewSession(username, password string) (Session, error)
	// ValidateToken checks a bearer token, returning an access denied
	// error when it is unknown or expired.
	ValidateToken(token string) error
}

// None is the provider used when the config does not enable
// authentication. Every request passes, and there is nothing to log in
// to.
type None struct{}

// Required implements Provider.
func (None) Required() bool { return false }

// NewSession implements Provider. With auth disabled there are no
// sessions to hand out.
func (None) NewSession(username, password string) (Session, error) {
	return Session{}, trace.BadParameter("authentication is disabled on this server")
}

// ValidateToken implements Provider.
func (None) ValidateToken(token string) error { return nil }
