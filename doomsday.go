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

// Package doomsday holds constants shared across the doomsday server,
// client and tools.
package doomsday

import "strings"

// Version is the current release of the doomsday server and CLI.
const Version = "0.9.2"

// Gitref is set to the output of git-describe during the build process.
var Gitref string

// ComponentKey is the log field that identifies the subsystem emitting a
// log entry.
const ComponentKey = "component"

// MetricNamespace is the prefix shared by all prometheus metrics.
const MetricNamespace = "doomsday"

const (
	// ComponentProcess is the supervisor that wires config, scheduler and
	// web server together.
	ComponentProcess = "process"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentSchedule is the background task scheduler.
	ComponentSchedule = "schedule"

	// ComponentStorage is the storage backend layer.
	ComponentStorage = "storage"

	// ComponentPopulate is the cache populator.
	ComponentPopulate = "populate"

	// ComponentNotify is the expiry notification pipeline.
	ComponentNotify = "notify"

	// ComponentAuth is the API authentication layer.
	ComponentAuth = "auth"

	// ComponentClient is the API client used by the CLI.
	ComponentClient = "client"
)

// Component generates "component:subcomponent1:subcomponent2" strings used
// in logging.
func Component(components ...string) string {
	return strings.Join(components, ":")
}
