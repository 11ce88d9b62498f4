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

package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/defaults"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentAuth)

// UserpassConfig configures the Userpass provider.
type UserpassConfig struct {
	// Users maps usernames to plaintext passwords as loaded from the
	// config file. They are hashed at construction and the plaintext is
	// not retained.
	Users map[string]string
	// SessionTimeout is the session lifetime. Defaults to an hour.
	SessionTimeout time.Duration
	// RefreshOnUse extends a session by SessionTimeout every time its
	// token validates, so only idle sessions expire.
	RefreshOnUse bool
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *UserpassConfig) CheckAndSetDefaults() error {
	if len(c.Users) == 0 {
		return trace.BadParameter("userpass auth requires at least one user")
	}
	for name := range c.Users {
		if name == "" {
			return trace.BadParameter("userpass auth: empty username")
		}
	}
	if c.SessionTimeout < 0 {
		return trace.BadParameter("session_timeout must be positive")
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaults.SessionTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Userpass authenticates users against a static list and tracks issued
// sessions in memory. Sessions die with the process, matching the rest of
// the catalog.
type Userpass struct {
	clock          clockwork.Clock
	sessionTimeout time.Duration
	refreshOnUse   bool

	// dummyHash is compared against when the username is unknown, so
	// missing users cost the same as wrong passwords.
	dummyHash []byte

	mu       sync.Mutex
	users    map[string][]byte
	sessions map[string]time.Time
}

// NewUserpass creates the provider, hashing every configured password.
func NewUserpass(cfg UserpassConfig) (*Userpass, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	users := make(map[string][]byte, len(cfg.Users))
	for name, password := range cfg.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, trace.Wrap(err, "hashing password for user %q", name)
		}
		users[name] = hash
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Userpass{
		clock:          cfg.Clock,
		sessionTimeout: cfg.SessionTimeout,
		refreshOnUse:   cfg.RefreshOnUse,
		dummyHash:      dummyHash,
		users:          users,
		sessions:       make(map[string]time.Time),
	}, nil
}

// Required implements Provider.
func (u *Userpass) Required() bool { return true }

// NewSession implements Provider. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (u *Userpass) NewSession(username, password string) (Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	hash, ok := u.users[username]
	if !ok {
		hash = u.dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		log.Warn("Rejected login attempt", "user", username)
		return Session{}, trace.AccessDenied("invalid username or password")
	}

	u.sweepLocked()
	session := Session{
		Token:     uuid.NewString(),
		ExpiresAt: u.clock.Now().Add(u.sessionTimeout),
	}
	u.sessions[session.Token] = session.ExpiresAt
	log.Info("Issued API session", "user", username, "expires_at", session.ExpiresAt)
	return session, nil
}

// ValidateToken implements Provider. Valid tokens are refreshed when the
// provider is configured to do so.
func (u *Userpass) ValidateToken(token string) error {
	if token == "" {
		return trace.AccessDenied("missing session token")
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	expiry, ok := u.sessions[token]
	if !ok {
		return trace.AccessDenied("invalid session token")
	}
	if !u.clock.Now().Before(expiry) {
		delete(u.sessions, token)
		return trace.AccessDenied("session has expired")
	}
	if u.refreshOnUse {
		u.sessions[token] = u.clock.Now().Add(u.sessionTimeout)
	}
	return nil
}

// sweepLocked drops expired sessions. Called on the login path so the
// session map cannot grow without bound between validations.
func (u *Userpass) sweepLocked() {
	now := u.clock.Now()
	for token, expiry := range u.sessions {
		if !now.Before(expiry) {
			delete(u.sessions, token)
		}
	}
}
