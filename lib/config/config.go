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

// Package config loads and validates the doomsday server configuration
// file. The file is strict YAML: unknown keys are rejected so typos
// surface at startup instead of silently disabling features.
//
// All durations use the compact form from lib/duration ("30m", "1h30m",
// "30d").
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/gravitational/doomsday/lib/defaults"
	"github.com/gravitational/doomsday/lib/duration"
	"github.com/gravitational/doomsday/lib/notify"
	"github.com/gravitational/doomsday/lib/storage"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
)

// Config is the root of the server configuration file.
type Config struct {
	// Backends lists the certificate sources to scrape.
	Backends []Backend `yaml:"backends"`
	// Server configures the HTTP API listener.
	Server Server `yaml:"server"`
	// Workers is the scheduler worker pool size. Defaults to 4.
	Workers int `yaml:"workers,omitempty"`
	// Log configures process logging.
	Log Log `yaml:"log,omitempty"`
	// Notifications enables the expiry notification pipeline when set.
	Notifications *Notifications `yaml:"notifications,omitempty"`
}

// Backend is one entry of the backends list.
type Backend struct {
	// Name uniquely identifies the backend.
	Name string `yaml:"name"`
	// Type is one of vault, credhub, opsmgr, tlsclient.
	Type string `yaml:"type"`
	// RefreshInterval is the scrape cadence. Defaults to 30m.
	RefreshInterval string `yaml:"refresh_interval,omitempty"`
	// Properties are type specific.
	Properties BackendProperties `yaml:"properties"`
}

// BackendProperties is the union of every backend type's properties.
// Which fields apply is decided by the backend type; the per-kind
// conversion below picks the relevant ones and the adapter's own
// validation rejects incomplete sets.
type BackendProperties struct {
	// URL addresses vault, credhub and opsmgr sources.
	URL string `yaml:"url,omitempty"`
	// Token is the static vault client token.
	Token string `yaml:"token,omitempty"`
	// MountPath and SecretPath scope the vault KV walk.
	MountPath  string `yaml:"mount_path,omitempty"`
	SecretPath string `yaml:"secret_path,omitempty"`
	// ClientID and ClientSecret are the credhub UAA client credentials.
	// ClientID doubles as the opsmgr UAA client override.
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	// Username and Password are the opsmgr credentials.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// InsecureSkipVerify disables TLS verification of the source.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
	// Targets are the tlsclient endpoints.
	Targets []TLSTarget `yaml:"targets,omitempty"`
}

// TLSTarget is one tlsclient endpoint.
type TLSTarget struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port,omitempty"`
	// ServerName overrides the SNI name sent on the handshake. Defaults
	// to Host.
	ServerName string `yaml:"server_name,omitempty"`
}

// Server configures the API listener.
type Server struct {
	// Port is the TCP port to bind. Defaults to 8111.
	Port int `yaml:"port,omitempty"`
	// Auth selects the API authentication mode.
	Auth Auth `yaml:"auth,omitempty"`
	// TLS makes the listener serve HTTPS when set.
	TLS *ServerTLS `yaml:"tls,omitempty"`
}

// Auth configures API authentication.
type Auth struct {
	// Type is "none" (the default) or "userpass".
	Type string `yaml:"type,omitempty"`
	// Users maps usernames to passwords for userpass auth.
	Users map[string]string `yaml:"users,omitempty"`
	// SessionTimeout is the session lifetime. Defaults to 1h.
	SessionTimeout string `yaml:"session_timeout,omitempty"`
	// RefreshOnUse extends sessions on every validated request.
	// Defaults to true.
	RefreshOnUse *bool `yaml:"refresh_on_use,omitempty"`
}

// ServerTLS points at the server certificate pair.
type ServerTLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Log configures process logging.
type Log struct {
	// Level is one of DEBUG, INFO, WARN, ERROR. Defaults to INFO.
	Level string `yaml:"level,omitempty"`
	// Format is "text" or "json". Defaults to text.
	Format string `yaml:"format,omitempty"`
}

// Notifications configures the expiry notification pipeline.
type Notifications struct {
	// DoomsdayURL, when set, is attached to every message as a deep
	// link to this server's dashboard.
	DoomsdayURL string `yaml:"doomsday_url,omitempty"`
	// Threshold is how close to expiry a certificate must be to trigger
	// a warning. Defaults to 30d.
	Threshold string `yaml:"threshold,omitempty"`
	// Schedule says when notification passes run.
	Schedule Schedule `yaml:"schedule"`
	// Backend selects the delivery sink.
	Backend NotificationBackend `yaml:"backend"`
}

// Schedule configures when notification passes run.
type Schedule struct {
	// Type is "constant" or "cron".
	Type string `yaml:"type"`
	// Interval is the constant delay between passes, measured from
	// completion.
	Interval string `yaml:"interval,omitempty"`
	// Spec is a standard 5-field cron expression.
	Spec string `yaml:"spec,omitempty"`
}

// NotificationBackend selects and configures the delivery sink.
type NotificationBackend struct {
	// Type is one of slack, shout, email.
	Type string `yaml:"type"`
	// Properties are type specific.
	Properties NotificationProperties `yaml:"properties"`
}

// NotificationProperties is the union of every sink type's properties.
type NotificationProperties struct {
	// WebhookURL is the slack incoming webhook.
	WebhookURL string `yaml:"webhook_url,omitempty"`
	// Channel and Username override the slack webhook defaults.
	Channel  string `yaml:"channel,omitempty"`
	Username string `yaml:"username,omitempty"`
	// URL is the shout webhook endpoint.
	URL string `yaml:"url,omitempty"`
	// Domain, APIKey, From and To configure the mailgun email sink.
	Domain string   `yaml:"domain,omitempty"`
	APIKey string   `yaml:"api_key,omitempty"`
	From   string   `yaml:"from,omitempty"`
	To     []string `yaml:"to,omitempty"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.BadParameter("failed to read config file %v: %v", path, err)
	}
	return Parse(data)
}

// Parse validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults validates the whole document and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Backends) == 0 {
		return trace.BadParameter("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		name := c.Backends[i].Name
		if seen[name] {
			return trace.BadParameter("config: duplicate backend name %q", name)
		}
		seen[name] = true
		// surface per-backend errors now rather than at first refresh
		if _, err := c.Backends[i].Spec(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Workers < 0 {
		return trace.BadParameter("config: workers must be positive")
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.HTTPListenPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return trace.BadParameter("config: invalid server port %v", c.Server.Port)
	}
	if err := c.Server.Auth.check(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Log.check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Server.TLS != nil {
		if c.Server.TLS.Cert == "" || c.Server.TLS.Key == "" {
			return trace.BadParameter("config: server tls needs both cert and key")
		}
	}
	if c.Notifications != nil {
		if err := c.Notifications.check(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

const (
	// AuthNone leaves every endpoint open.
	AuthNone = "none"
	// AuthUserpass gates the API behind username/password sessions.
	AuthUserpass = "userpass"
)

func (a *Auth) check() error {
	switch a.Type {
	case "", AuthNone:
	case AuthUserpass:
		if len(a.Users) == 0 {
			return trace.BadParameter("config: userpass auth requires users")
		}
		if _, err := parseOptionalDuration(a.SessionTimeout, defaults.SessionTimeout); err != nil {
			return trace.BadParameter("config: invalid session_timeout: %v", err)
		}
	default:
		return trace.BadParameter("config: unsupported auth type %q", a.Type)
	}
	return nil
}

func (l *Log) check() error {
	if _, err := logutils.ParseLevel(l.Level); err != nil {
		return trace.BadParameter("config: invalid log level: %v", err)
	}
	if err := logutils.CheckFormat(l.Format); err != nil {
		return trace.BadParameter("config: invalid log format: %v", err)
	}
	return nil
}

func (n *Notifications) check() error {
	if _, err := parseOptionalDuration(n.Threshold, defaults.ExpiryThreshold); err != nil {
		return trace.BadParameter("config: invalid notifications threshold: %v", err)
	}
	if _, _, err := n.Schedule.Parse(); err != nil {
		return trace.Wrap(err)
	}
	if _, err := n.Backend.SinkSpec(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Spec converts the YAML backend entry into a storage spec.
func (b *Backend) Spec() (storage.Spec, error) {
	interval, err := parseOptionalDuration(b.RefreshInterval, defaults.RefreshInterval)
	if err != nil {
		return storage.Spec{}, trace.BadParameter("backend %q: invalid refresh_interval: %v", b.Name, err)
	}
	spec := storage.Spec{
		Name:            b.Name,
		Kind:            storage.Kind(b.Type),
		RefreshInterval: interval,
	}
	p := b.Properties
	switch spec.Kind {
	case storage.KindVault:
		spec.Vault = &storage.VaultConfig{
			URL:                p.URL,
			Token:              p.Token,
			MountPath:          p.MountPath,
			SecretPath:         p.SecretPath,
			InsecureSkipVerify: p.InsecureSkipVerify,
		}
	case storage.KindCredhub:
		spec.Credhub = &storage.CredhubConfig{
			URL:                p.URL,
			ClientID:           p.ClientID,
			ClientSecret:       p.ClientSecret,
			InsecureSkipVerify: p.InsecureSkipVerify,
		}
	case storage.KindOpsManager:
		spec.OpsManager = &storage.OpsManagerConfig{
			URL:                p.URL,
			Username:           p.Username,
			Password:           p.Password,
			ClientID:           p.ClientID,
			InsecureSkipVerify: p.InsecureSkipVerify,
		}
	case storage.KindTLSClient:
		targets := make([]storage.TLSTarget, 0, len(p.Targets))
		for _, target := range p.Targets {
			targets = append(targets, storage.TLSTarget{
				Host:       target.Host,
				Port:       target.Port,
				ServerName: target.ServerName,
			})
		}
		spec.TLSClient = &storage.TLSClientConfig{Targets: targets}
	default:
		return storage.Spec{}, trace.BadParameter("backend %q: unsupported type %q", b.Name, b.Type)
	}
	if err := spec.CheckAndSetDefaults(); err != nil {
		return storage.Spec{}, trace.Wrap(err)
	}
	return spec, nil
}

// Specs converts every backend entry.
func (c *Config) Specs() ([]storage.Spec, error) {
	specs := make([]storage.Spec, 0, len(c.Backends))
	for i := range c.Backends {
		spec, err := c.Backends[i].Spec()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ExpiryThreshold returns the parsed notification threshold.
func (n *Notifications) ExpiryThreshold() (time.Duration, error) {
	return parseOptionalDuration(n.Threshold, defaults.ExpiryThreshold)
}

// Schedule types.
const (
	ScheduleConstant = "constant"
	ScheduleCron     = "cron"
)

// Parse returns either a fixed interval or a cron schedule, depending on
// the schedule type. Exactly one of the two return values is set.
func (s *Schedule) Parse() (time.Duration, cron.Schedule, error) {
	switch s.Type {
	case ScheduleConstant:
		if s.Interval == "" {
			return 0, nil, trace.BadParameter("config: constant schedule requires an interval")
		}
		interval, err := duration.Parse(s.Interval)
		if err != nil {
			return 0, nil, trace.BadParameter("config: invalid schedule interval: %v", err)
		}
		if interval <= 0 {
			return 0, nil, trace.BadParameter("config: schedule interval must be positive")
		}
		return interval, nil, nil
	case ScheduleCron:
		if s.Spec == "" {
			return 0, nil, trace.BadParameter("config: cron schedule requires a spec")
		}
		sched, err := cron.ParseStandard(s.Spec)
		if err != nil {
			return 0, nil, trace.BadParameter("config: invalid cron spec %q: %v", s.Spec, err)
		}
		return 0, sched, nil
	default:
		return 0, nil, trace.BadParameter("config: unsupported schedule type %q", s.Type)
	}
}

// SinkSpec converts the notification backend entry into a sink spec.
func (b *NotificationBackend) SinkSpec() (notify.SinkSpec, error) {
	p := b.Properties
	spec := notify.SinkSpec{Kind: notify.SinkKind(b.Type)}
	switch spec.Kind {
	case notify.KindSlack:
		spec.Slack = &notify.SlackConfig{
			WebhookURL: p.WebhookURL,
			Channel:    p.Channel,
			Username:   p.Username,
		}
	case notify.KindShout:
		spec.Shout = &notify.ShoutConfig{URL: p.URL}
	case notify.KindEmail:
		spec.Email = &notify.EmailConfig{
			Domain: p.Domain,
			APIKey: p.APIKey,
			From:   p.From,
			To:     p.To,
		}
	default:
		return notify.SinkSpec{}, trace.BadParameter("config: unsupported notification backend %q", b.Type)
	}
	if err := spec.CheckAndSetDefaults(); err != nil {
		return notify.SinkSpec{}, trace.Wrap(err)
	}
	return spec, nil
}

// SessionTimeoutDuration returns the parsed session timeout.
func (a *Auth) SessionTimeoutDuration() (time.Duration, error) {
	return parseOptionalDuration(a.SessionTimeout, defaults.SessionTimeout)
}

// RefreshSessionsOnUse returns whether validated sessions should be
// extended, defaulting to true.
func (a *Auth) RefreshSessionsOnUse() bool {
	if a.RefreshOnUse == nil {
		return true
	}
	return *a.RefreshOnUse
}

func parseOptionalDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := duration.Parse(s)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return d, nil
}
