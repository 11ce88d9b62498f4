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

package client

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// Target is one saved doomsday server plus the session token last issued
// for it.
type Target struct {
	// Address is the server base URL.
	Address string `yaml:"address"`
	// SkipVerify disables TLS verification of the server.
	SkipVerify bool `yaml:"skip_verify,omitempty"`
	// Token is the session token from the last doomsday auth, empty when
	// never authenticated.
	Token string `yaml:"token,omitempty"`
}

// TargetStore is the CLI's saved server list, one of which is current.
// It round-trips through a YAML file in the user's config directory.
type TargetStore struct {
	// Current names the target CLI commands talk to.
	Current string `yaml:"current,omitempty"`
	// Targets maps names to saved servers.
	Targets map[string]*Target `yaml:"targets,omitempty"`

	path string
}

// DefaultTargetPath returns the CLI state file location,
// $XDG_CONFIG_HOME/doomsday/config.yml or the platform equivalent.
func DefaultTargetPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return filepath.Join(dir, "doomsday", "config.yml"), nil
}

// LoadTargetStore reads the store at path. A missing file is an empty
// store, so the first `doomsday target` works without setup.
func LoadTargetStore(path string) (*TargetStore, error) {
	store := &TargetStore{path: path, Targets: make(map[string]*Target)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, trace.Wrap(err)
	}
	if err := yaml.UnmarshalStrict(data, store); err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", path, err)
	}
	if store.Targets == nil {
		store.Targets = make(map[string]*Target)
	}
	return store, nil
}

// Save writes the store back to disk, creating the directory on first
// use. The file holds session tokens so it is not group or world
// readable.
func (s *TargetStore) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.WriteFile(s.path, data, 0o600))
}

// Set saves a target and makes it current.
func (s *TargetStore) Set(name string, target Target) {
	s.Targets[name] = &target
	s.Current = name
}

// CurrentTarget returns the target CLI commands should talk to.
func (s *TargetStore) CurrentTarget() (*Target, error) {
	if s.Current == "" {
		return nil, trace.NotFound("no doomsday server targeted, run `doomsday target` first")
	}
	target, ok := s.Targets[s.Current]
	if !ok {
		return nil, trace.NotFound("current target %q is not in the target list", s.Current)
	}
	return target, nil
}

// Client builds an API client for the current target.
func (s *TargetStore) Client() (*Client, error) {
	target, err := s.CurrentTarget()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clt, err := New(Config{
		Address:            target.Address,
		Token:              target.Token,
		InsecureSkipVerify: target.SkipVerify,
	})
	return clt, trace.Wrap(err)
}
