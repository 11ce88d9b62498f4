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

// Package notify pushes expiry warnings out of the certificate cache and
// into chat channels, generic webhooks or mailboxes. A dispatcher run is
// stateless: it looks at the catalog, sends one message per certificate
// that is expired or about to be, and forgets. Deduplication across runs
// is left to the receiving end.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/cache"
	"github.com/gravitational/doomsday/lib/defaults"
	"github.com/gravitational/doomsday/lib/duration"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentNotify)

// Message is one expiry warning about a single certificate. Sinks decide
// how to render it.
type Message struct {
	// Subject is the certificate subject.
	Subject string
	// NotAfter is the expiry instant.
	NotAfter time.Time
	// TimeLeft is how far away NotAfter is, non-positive once expired.
	TimeLeft time.Duration
	// Backends names every backend the certificate was seen in, sorted
	// and deduplicated.
	Backends []string
	// NumPaths is how many distinct locations the certificate was seen
	// at across those backends.
	NumPaths int
	// Link points at the dashboard when one is configured.
	Link string
}

// Expired reports whether the deadline has already passed.
func (m Message) Expired() bool {
	return m.TimeLeft <= 0
}

// Headline is the one line summary shared by the sinks.
func (m Message) Headline() string {
	if m.Expired() {
		return fmt.Sprintf("Certificate %s has expired", m.Subject)
	}
	return fmt.Sprintf("Certificate %s expires in %s", m.Subject, duration.Format(m.TimeLeft))
}

// Body is the detail sentence shared by the sinks.
func (m Message) Body() string {
	verb := "expires"
	if m.Expired() {
		verb = "expired"
	}
	body := fmt.Sprintf("%s %s %s and was seen at %d locations in %s.",
		m.Subject, verb, m.NotAfter.UTC().Format(time.RFC3339),
		m.NumPaths, strings.Join(m.Backends, ", "))
	if m.Link != "" {
		body += fmt.Sprintf(" Check %s for details.", m.Link)
	}
	return body
}

// Sink delivers expiry warnings to one destination.
type Sink interface {
	// Name returns the sink kind for logging.
	Name() string
	// Send delivers a single message.
	Send(ctx context.Context, msg Message) error
}

// SinkKind selects a sink implementation. The set is closed: new kinds
// are additions to the constants below and to NewSink.
type SinkKind string

const (
	KindSlack SinkKind = "slack"
	KindShout SinkKind = "shout"
	KindEmail SinkKind = "email"
)

// SinkSpec is a fully parsed notification sink definition from the
// config file.
type SinkSpec struct {
	// Kind selects the sink implementation.
	Kind SinkKind
	// Exactly one of the following matches Kind.
	Slack *SlackConfig
	Shout *ShoutConfig
	Email *EmailConfig
}

// CheckAndSetDefaults validates the spec.
func (s *SinkSpec) CheckAndSetDefaults() error {
	switch s.Kind {
	case KindSlack:
		if s.Slack == nil {
			return trace.BadParameter("notifications: missing slack properties")
		}
	case KindShout:
		if s.Shout == nil {
			return trace.BadParameter("notifications: missing shout properties")
		}
	case KindEmail:
		if s.Email == nil {
			return trace.BadParameter("notifications: missing email properties")
		}
	default:
		return trace.BadParameter("notifications: unsupported sink kind %q", s.Kind)
	}
	return nil
}

// NewSink opens the sink described by spec.
func NewSink(spec SinkSpec) (Sink, error) {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch spec.Kind {
	case KindSlack:
		return newSlackSink(*spec.Slack)
	case KindShout:
		return newShoutSink(*spec.Shout)
	case KindEmail:
		return newEmailSink(*spec.Email)
	}
	return nil, trace.BadParameter("unsupported sink kind %q", spec.Kind)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Source is the certificate catalog to read.
	Source *cache.Cache
	// Sink receives one message per risky certificate.
	Sink Sink
	// Threshold is how close to expiry a certificate must be to warrant
	// a warning. Expired certificates are always included.
	Threshold time.Duration
	// DashboardURL, when set, is attached to every message as a deep
	// link for the receiving humans.
	DashboardURL string
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DispatcherConfig) CheckAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("notify: a certificate source is required")
	}
	if c.Sink == nil {
		return trace.BadParameter("notify: a sink is required")
	}
	if c.Threshold < 0 {
		return trace.BadParameter("notify: threshold must be positive")
	}
	if c.Threshold == 0 {
		c.Threshold = defaults.ExpiryThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dispatcher turns the riskiest slice of the catalog into sink messages.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher creates a dispatcher. It holds no connections and may
// outlive any number of Run calls.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Run sends one message per certificate that is expired or expires
// within the threshold, closest deadline first. Sink failures are logged
// and do not stop the batch.
func (d *Dispatcher) Run(ctx context.Context) error {
	records := d.cfg.Source.ListWithin(d.cfg.Threshold)
	if len(records) == 0 {
		log.DebugContext(ctx, "No certificates close to expiry, nothing to send")
		return nil
	}
	now := d.cfg.Clock.Now()
	var sent, failed int
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		msg := newMessage(rec, now, d.cfg.DashboardURL)
		if err := d.cfg.Sink.Send(ctx, msg); err != nil {
			failed++
			log.WarnContext(ctx, "Failed to deliver an expiry warning",
				"sink", d.cfg.Sink.Name(),
				"subject", msg.Subject,
				"error", err,
			)
			continue
		}
		sent++
	}
	log.InfoContext(ctx, "Notification pass finished",
		"sink", d.cfg.Sink.Name(),
		"sent", sent,
		"failed", failed,
	)
	return nil
}

func newMessage(rec cache.Record, now time.Time, link string) Message {
	// Record paths are sorted by backend, so compacting adjacent names
	// yields a sorted deduplicated list.
	backends := make([]string, 0, len(rec.Paths))
	for _, path := range rec.Paths {
		if len(backends) > 0 && backends[len(backends)-1] == path.Backend {
			continue
		}
		backends = append(backends, path.Backend)
	}
	return Message{
		Subject:  rec.Subject,
		NotAfter: rec.NotAfter,
		TimeLeft: rec.NotAfter.Sub(now),
		Backends: backends,
		NumPaths: len(rec.Paths),
		Link:     link,
	}
}
