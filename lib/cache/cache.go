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

// Package cache implements the in-memory certificate catalog. It maps
// certificate fingerprints to the set of backend paths each certificate
// was seen at, and keeps per-backend bookkeeping for the most recent
// refresh.
package cache

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/certs"
	"github.com/gravitational/doomsday/lib/utils"
)

// PathRef locates one occurrence of a certificate.
type PathRef struct {
	// Backend is the configured backend name.
	Backend string
	// Path is the backend specific location, e.g. a vault secret path or
	// a host:port pair.
	Path string
}

// Record is a snapshot of one tracked certificate and everywhere it is
// known to live. Distinct certificates sharing a subject stay distinct
// records; identity is the fingerprint alone.
type Record struct {
	Fingerprint certs.Fingerprint
	Subject     string
	NotAfter    time.Time
	Paths       []PathRef
}

// Observation is what a single backend refresh saw for one certificate.
type Observation struct {
	Subject  string
	NotAfter time.Time
	Paths    []string
}

// Stats captures the numbers of one completed backend refresh.
type Stats struct {
	// NumCerts is the count of distinct fingerprints observed.
	NumCerts int
	// NumPaths is the total path count across the observed records after
	// the merge, so a certificate shared with another backend counts the
	// other backend's paths too.
	NumPaths int
	// Skipped counts PEM blocks that failed to decode during the run.
	Skipped int
	// Duration is how long the refresh took.
	Duration time.Duration
	// FinishedAt is when the refresh completed.
	FinishedAt time.Time
}

// BackendStats is the last-run bookkeeping for one backend.
type BackendStats struct {
	// Stats holds the numbers of the last successful refresh. Zero until
	// a refresh succeeds.
	Stats
	// LastAttempt is when a refresh last finished, successfully or not.
	LastAttempt time.Time
	// LastError is the terminal error of the most recent refresh, nil
	// when it succeeded.
	LastError error
}

type record struct {
	subject  string
	notAfter time.Time
	paths    map[PathRef]struct{}
}

// Cache is safe for concurrent use. Readers see either the pre- or
// post-state of a backend replacement, never a half-updated record.
type Cache struct {
	clock clockwork.Clock
	size  prometheus.Gauge

	mu      sync.RWMutex
	records map[certs.Fingerprint]*record
	stats   map[string]BackendStats
}

// New creates an empty cache. A nil clock means the real one.
func New(clock clockwork.Clock) (*Cache, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cache{
		clock: clock,
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: doomsday.MetricNamespace,
			Name:      "cache_certificates",
			Help:      "Number of unique certificates currently tracked in the cache.",
		}),
		records: make(map[certs.Fingerprint]*record),
		stats:   make(map[string]BackendStats),
	}
	if err := utils.RegisterPrometheusCollectors(c.size); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// MergePath records that cert was observed at path. The subject and expiry
// stick from the first observation of a fingerprint; later merges only add
// paths.
func (c *Cache) MergePath(cert certs.Certificate, path PathRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(cert, path)
	c.size.Set(float64(len(c.records)))
}

func (c *Cache) mergeLocked(cert certs.Certificate, path PathRef) {
	rec, ok := c.records[cert.Fingerprint]
	if !ok {
		rec = &record{
			subject:  cert.Subject,
			notAfter: cert.NotAfter,
			paths:    make(map[PathRef]struct{}),
		}
		c.records[cert.Fingerprint] = rec
	}
	rec.paths[path] = struct{}{}
}

// ReplaceBackend atomically reconciles the cache with the complete set of
// observations from one refresh of the named backend: paths owned by the
// backend that were not observed are dropped, observed paths are merged
// in, and records left with no paths are removed. Paths owned by other
// backends are untouched. A successful call happens-before any List that
// starts after it returns.
//
// The returned counts are the observed fingerprint count and the
// post-merge path total across the observed records.
func (c *Cache) ReplaceBackend(backend string, observed map[certs.Fingerprint]Observation) (numCerts, numPaths int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for fp, rec := range c.records {
		obs, seen := observed[fp]
		for path := range rec.paths {
			if path.Backend != backend {
				continue
			}
			if !seen || !slices.Contains(obs.Paths, path.Path) {
				delete(rec.paths, path)
			}
		}
		if len(rec.paths) == 0 {
			delete(c.records, fp)
		}
	}

	for fp, obs := range observed {
		for _, path := range obs.Paths {
			c.mergeLocked(certs.Certificate{
				Fingerprint: fp,
				Subject:     obs.Subject,
				NotAfter:    obs.NotAfter,
			}, PathRef{Backend: backend, Path: path})
		}
	}

	numCerts = len(observed)
	for fp := range observed {
		if rec, ok := c.records[fp]; ok {
			numPaths += len(rec.paths)
		}
	}
	c.size.Set(float64(len(c.records)))
	return numCerts, numPaths
}

// List returns a snapshot of every record, sorted by expiry ascending with
// ties broken by subject.
func (c *Cache) List() []Record {
	return c.list(func(time.Time) bool { return true })
}

// ListWithin returns the records expiring within d of now. Certificates
// that are already expired are included.
func (c *Cache) ListWithin(d time.Duration) []Record {
	now := c.clock.Now()
	return c.list(func(notAfter time.Time) bool { return notAfter.Sub(now) <= d })
}

// ListBeyond returns the records expiring more than d from now.
func (c *Cache) ListBeyond(d time.Duration) []Record {
	now := c.clock.Now()
	return c.list(func(notAfter time.Time) bool { return notAfter.Sub(now) > d })
}

func (c *Cache) list(match func(notAfter time.Time) bool) []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for fp, rec := range c.records {
		if !match(rec.notAfter) {
			continue
		}
		paths := make([]PathRef, 0, len(rec.paths))
		for path := range rec.paths {
			paths = append(paths, path)
		}
		slices.SortFunc(paths, func(a, b PathRef) int {
			if v := cmp.Compare(a.Backend, b.Backend); v != 0 {
				return v
			}
			return cmp.Compare(a.Path, b.Path)
		})
		out = append(out, Record{
			Fingerprint: fp,
			Subject:     rec.subject,
			NotAfter:    rec.notAfter,
			Paths:       paths,
		})
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if v := a.NotAfter.Compare(b.NotAfter); v != 0 {
			return v
		}
		return cmp.Compare(a.Subject, b.Subject)
	})
	return out
}

// RecordRun stores the outcome of a refresh of the named backend. On
// success the numbers replace the previous ones, on failure the previous
// numbers are kept and only the error is recorded.
func (c *Cache) RecordRun(backend string, stats Stats, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.stats[backend]
	entry.LastAttempt = c.clock.Now()
	entry.LastError = err
	if err == nil {
		stats.FinishedAt = entry.LastAttempt
		entry.Stats = stats
	}
	c.stats[backend] = entry
}

// GetBackendStats returns a copy of the last-run stats for every backend
// that has completed at least one refresh attempt.
func (c *Cache) GetBackendStats() map[string]BackendStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]BackendStats, len(c.stats))
	for name, entry := range c.stats {
		out[name] = entry
	}
	return out
}
