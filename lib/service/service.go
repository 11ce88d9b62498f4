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

// Package service wires a parsed configuration into a running doomsday
// process: storage adapters, cache, scheduler, notification pipeline and
// the HTTP API, with coordinated shutdown.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/auth"
	"github.com/gravitational/doomsday/lib/cache"
	"github.com/gravitational/doomsday/lib/config"
	"github.com/gravitational/doomsday/lib/defaults"
	"github.com/gravitational/doomsday/lib/notify"
	"github.com/gravitational/doomsday/lib/populate"
	"github.com/gravitational/doomsday/lib/schedule"
	"github.com/gravitational/doomsday/lib/storage"
	logutils "github.com/gravitational/doomsday/lib/utils/log"
	"github.com/gravitational/doomsday/lib/web"
)

var log = logutils.NewPackageLogger(doomsday.ComponentKey, doomsday.ComponentProcess)

// ErrBindFailed marks listener setup failures so main can exit with the
// dedicated status code.
var ErrBindFailed = errors.New("failed to bind the API listener")

// Process is a fully wired doomsday server.
type Process struct {
	cfg       *config.Config
	clock     clockwork.Clock
	cache     *cache.Cache
	scheduler *schedule.Scheduler
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New builds the process from a validated config. All initialization
// that can fail happens here; Run only runs.
func New(cfg *config.Config, clock clockwork.Clock) (*Process, error) {
	if cfg == nil {
		return nil, trace.BadParameter("service: a config is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c, err := cache.New(clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	specs, err := cfg.Specs()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	scheduler, err := schedule.New(schedule.Config{Clock: clock, Workers: cfg.Workers})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	backendNames := make([]string, 0, len(specs))
	for _, spec := range specs {
		accessor, err := storage.New(spec)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		backendNames = append(backendNames, spec.Name)
		err = scheduler.AddJob(schedule.Job{
			Key:       schedule.RefreshJobKey(spec.Name),
			Interval:  spec.RefreshInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := populate.Refresh(ctx, clock, c, accessor)
				return trace.Wrap(err)
			},
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if cfg.Notifications != nil {
		if err := addNotifyJob(scheduler, cfg.Notifications, c, clock); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	provider, err := newAuthProvider(&cfg.Server.Auth, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Cache:     c,
		Scheduler: scheduler,
		Auth:      provider,
		Backends:  backendNames,
		Clock:     clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Process{
		cfg:       cfg,
		clock:     clock,
		cache:     c,
		scheduler: scheduler,
		server: &http.Server{
			Handler:           web.WithRequestLogging(handler),
			ReadHeaderTimeout: defaults.HTTPClientTimeout,
		},
	}, nil
}

func newAuthProvider(cfg *config.Auth, clock clockwork.Clock) (auth.Provider, error) {
	switch cfg.Type {
	case "", config.AuthNone:
		return auth.None{}, nil
	case config.AuthUserpass:
		timeout, err := cfg.SessionTimeoutDuration()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		provider, err := auth.NewUserpass(auth.UserpassConfig{
			Users:          cfg.Users,
			SessionTimeout: timeout,
			RefreshOnUse:   cfg.RefreshSessionsOnUse(),
			Clock:          clock,
		})
		return provider, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unsupported auth type %q", cfg.Type)
}

func addNotifyJob(scheduler *schedule.Scheduler, cfg *config.Notifications, c *cache.Cache, clock clockwork.Clock) error {
	sinkSpec, err := cfg.Backend.SinkSpec()
	if err != nil {
		return trace.Wrap(err)
	}
	sink, err := notify.NewSink(sinkSpec)
	if err != nil {
		return trace.Wrap(err)
	}
	threshold, err := cfg.ExpiryThreshold()
	if err != nil {
		return trace.Wrap(err)
	}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Source:       c,
		Sink:         sink,
		Threshold:    threshold,
		DashboardURL: cfg.DoomsdayURL,
		Clock:        clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	interval, cronSchedule, err := cfg.Schedule.Parse()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(scheduler.AddJob(schedule.Job{
		Key:      schedule.NotifyJobKey,
		Interval: interval,
		Schedule: cronSchedule,
		Timeout:  defaults.MaxTaskRuntime,
		Run:      dispatcher.Run,
	}))
}

// Run starts the scheduler and the API listener and blocks until ctx is
// cancelled, then shuts both down within the grace period. Listener
// setup failures are wrapped in ErrBindFailed.
func (p *Process) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(p.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(errors.Join(ErrBindFailed, err))
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	if err := p.scheduler.Start(); err != nil {
		listener.Close()
		return trace.Wrap(err)
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if p.cfg.Server.TLS != nil {
			err = p.server.ServeTLS(listener, p.cfg.Server.TLS.Cert, p.cfg.Server.TLS.Key)
		} else {
			err = p.server.Serve(listener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Info("Doomsday server is up",
		"version", doomsday.Version,
		"listen_addr", listener.Addr().String(),
		"https", p.cfg.Server.TLS != nil,
	)

	select {
	case err := <-serveErr:
		p.shutdown(context.Background())
		return trace.Wrap(err)
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		return trace.Wrap(p.shutdown(context.Background()))
	}
}

// shutdown stops accepting requests, then gives in-flight requests and
// scheduler tasks the grace period to finish.
func (p *Process) shutdown(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, defaults.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := p.server.Shutdown(graceCtx); err != nil {
		errs = append(errs, trace.Wrap(err, "stopping the HTTP server"))
	}
	if err := p.scheduler.Stop(graceCtx); err != nil {
		errs = append(errs, trace.Wrap(err, "stopping the scheduler"))
	}
	if len(errs) > 0 {
		return trace.NewAggregate(errs...)
	}
	log.Info("Shutdown complete")
	return nil
}

// Addr returns the bound listener address, for tests that bind port
// zero.
func (p *Process) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}
