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

// Package populate turns one backend scrape into a cache update.
package populate

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/cache"
	"github.com/gravitational/doomsday/lib/certs"
	"github.com/gravitational/doomsday/lib/storage"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentPopulate)

// Refresh scrapes source and folds the harvest into target, replacing the
// backend's previous contribution. The scrape is drained before the cache
// is touched: when it fails partway the cache keeps serving the previous
// state and only the backend's error bookkeeping changes.
func Refresh(ctx context.Context, clock clockwork.Clock, target *cache.Cache, source storage.Accessor) (cache.Stats, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	start := clock.Now()

	items, err := source.List(ctx)
	if err != nil {
		target.RecordRun(source.Name(), cache.Stats{}, err)
		log.WarnContext(ctx, "Backend scrape failed",
			"backend", source.Name(),
			"error_kind", storage.ErrorKind(err),
			"error", err,
		)
		return cache.Stats{}, trace.Wrap(err)
	}

	observed := make(map[certs.Fingerprint]cache.Observation)
	var skipped int
	for _, item := range items {
		decoded, bad := certs.Decode(item.PEM)
		skipped += bad
		for _, cert := range decoded {
			obs := observed[cert.Fingerprint]
			obs.Subject = cert.Subject
			obs.NotAfter = cert.NotAfter
			obs.Paths = append(obs.Paths, item.Path)
			observed[cert.Fingerprint] = obs
		}
	}

	numCerts, numPaths := target.ReplaceBackend(source.Name(), observed)
	stats := cache.Stats{
		NumCerts: numCerts,
		NumPaths: numPaths,
		Skipped:  skipped,
		Duration: clock.Since(start),
	}
	target.RecordRun(source.Name(), stats, nil)

	log.InfoContext(ctx, "Backend scrape complete",
		"backend", source.Name(),
		"certs", numCerts,
		"paths", numPaths,
		"skipped", skipped,
		"duration", stats.Duration,
	)
	return stats, nil
}
