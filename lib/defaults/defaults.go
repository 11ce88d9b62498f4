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

// Package defaults contains default constants set in various parts of the
// doomsday codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the API server binds to when the config
	// does not say otherwise.
	HTTPListenPort = 8111

	// RefreshInterval is how often a backend is scanned when its config
	// does not set refresh_interval.
	RefreshInterval = 30 * time.Minute

	// SchedulerWorkers is the number of concurrent task runners in the
	// scheduler.
	SchedulerWorkers = 4

	// MaxTaskRuntime caps how long a single scheduled task may run before
	// its context is canceled.
	MaxTaskRuntime = 5 * time.Minute

	// ShutdownGrace is how long in-flight tasks and requests are given to
	// finish after a shutdown signal.
	ShutdownGrace = 15 * time.Second

	// ExpiryThreshold is the window within which a certificate counts as
	// expiring soon for notification purposes.
	ExpiryThreshold = 30 * 24 * time.Hour

	// SessionTimeout is the idle lifetime of an API session token.
	SessionTimeout = time.Hour

	// TLSTargetPort is the port dialed by the TLS client backend when a
	// target does not name one.
	TLSTargetPort = 443

	// HTTPClientTimeout bounds individual requests made to storage
	// backends and notification endpoints.
	HTTPClientTimeout = 30 * time.Second

	// BackendParallelism is how many paths a storage backend fetches
	// concurrently during a scrape.
	BackendParallelism = 8
)
