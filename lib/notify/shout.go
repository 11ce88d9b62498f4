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

package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/doomsday/lib/defaults"
)

// ShoutConfig configures the generic webhook sink.
type ShoutConfig struct {
	// URL receives one JSON POST per message.
	URL string
}

// CheckAndSetDefaults validates the config.
func (c *ShoutConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("shout: url is required")
	}
	return nil
}

// shoutMessage is the wire shape POSTed to the webhook.
type shoutMessage struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Urgency  string   `json:"urgency"`
	Subject  string   `json:"subject"`
	NotAfter string   `json:"not_after"`
	Backends []string `json:"backends"`
	Link     string   `json:"link,omitempty"`
}

type shoutSink struct {
	cfg ShoutConfig
	clt *resty.Client
}

func newShoutSink(cfg ShoutConfig) (*shoutSink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	clt := resty.
		NewWithClient(&http.Client{Timeout: defaults.HTTPClientTimeout}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &shoutSink{cfg: cfg, clt: clt}, nil
}

func (s *shoutSink) Name() string { return string(KindShout) }

func (s *shoutSink) Send(ctx context.Context, msg Message) error {
	urgency := "high"
	if msg.Expired() {
		urgency = "critical"
	}
	resp, err := s.clt.R().
		SetContext(ctx).
		SetBody(shoutMessage{
			Title:    msg.Headline(),
			Body:     msg.Body(),
			Urgency:  urgency,
			Subject:  msg.Subject,
			NotAfter: msg.NotAfter.UTC().Format(time.RFC3339),
			Backends: msg.Backends,
			Link:     msg.Link,
		}).
		Post(s.cfg.URL)
	if err != nil {
		return trace.ConnectionProblem(err, "posting to webhook %v", s.cfg.URL)
	}
	if resp.IsError() {
		return trace.ConnectionProblem(nil, "webhook %v replied %v", s.cfg.URL, resp.StatusCode())
	}
	return nil
}
