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
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/slack-go/slack"

	"github.com/gravitational/doomsday/lib/defaults"
)

// Attachment bar colors understood by slack.
const (
	slackColorExpired  = "danger"
	slackColorExpiring = "warning"
)

// SlackConfig configures the slack incoming webhook sink.
type SlackConfig struct {
	// WebhookURL is the incoming webhook to post to.
	WebhookURL string
	// Channel overrides the webhook's default channel.
	Channel string
	// Username overrides the webhook's default sender name.
	Username string
}

// CheckAndSetDefaults validates the config.
func (c *SlackConfig) CheckAndSetDefaults() error {
	if c.WebhookURL == "" {
		return trace.BadParameter("slack: webhook_url is required")
	}
	return nil
}

type slackSink struct {
	cfg SlackConfig
	clt *http.Client
}

func newSlackSink(cfg SlackConfig) (*slackSink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &slackSink{
		cfg: cfg,
		clt: &http.Client{Timeout: defaults.HTTPClientTimeout},
	}, nil
}

func (s *slackSink) Name() string { return string(KindSlack) }

func (s *slackSink) Send(ctx context.Context, msg Message) error {
	marker, color := "⏰", slackColorExpiring
	if msg.Expired() {
		marker, color = "⚠️", slackColorExpired
	}
	attachment := slack.Attachment{
		Color: color,
		Text:  msg.Body(),
		Fields: []slack.AttachmentField{
			{Title: "Expires", Value: msg.NotAfter.UTC().Format(time.RFC3339), Short: true},
			{Title: "Seen in", Value: strings.Join(msg.Backends, ", "), Short: true},
		},
		Footer: "Doomsday Certificate Monitor",
	}
	if msg.Link != "" {
		attachment.Title = msg.Subject
		attachment.TitleLink = msg.Link
	}
	payload := &slack.WebhookMessage{
		Channel:     s.cfg.Channel,
		Username:    s.cfg.Username,
		Text:        marker + " " + msg.Headline(),
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.clt, payload); err != nil {
		return trace.ConnectionProblem(err, "posting to slack webhook")
	}
	return nil
}
