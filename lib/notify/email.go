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

	"github.com/gravitational/trace"
	"github.com/mailgun/mailgun-go/v4"

	"github.com/gravitational/doomsday/lib/defaults"
)

// EmailConfig configures the mailgun email sink.
type EmailConfig struct {
	// Domain is the mailgun sending domain.
	Domain string
	// APIKey is the mailgun private API key.
	APIKey string
	// From is the sender address.
	From string
	// To lists the recipients.
	To []string
	// APIBase overrides the mailgun API endpoint in tests.
	APIBase string
}

// CheckAndSetDefaults validates the config.
func (c *EmailConfig) CheckAndSetDefaults() error {
	if c.Domain == "" {
		return trace.BadParameter("email: domain is required")
	}
	if c.APIKey == "" {
		return trace.BadParameter("email: api_key is required")
	}
	if c.From == "" {
		return trace.BadParameter("email: from is required")
	}
	if len(c.To) == 0 {
		return trace.BadParameter("email: at least one recipient is required")
	}
	return nil
}

type emailSink struct {
	cfg     EmailConfig
	mailgun *mailgun.MailgunImpl
}

func newEmailSink(cfg EmailConfig) (*emailSink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		m.SetAPIBase(cfg.APIBase)
	}
	m.SetClient(&http.Client{Timeout: defaults.HTTPClientTimeout})
	return &emailSink{cfg: cfg, mailgun: m}, nil
}

func (e *emailSink) Name() string { return string(KindEmail) }

func (e *emailSink) Send(ctx context.Context, msg Message) error {
	m := mailgun.NewMessage(e.cfg.From, msg.Headline(), msg.Body(), e.cfg.To...)
	if _, _, err := e.mailgun.Send(ctx, m); err != nil {
		return trace.ConnectionProblem(err, "sending through mailgun")
	}
	return nil
}
