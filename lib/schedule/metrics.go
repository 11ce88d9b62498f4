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

package schedule

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/doomsday"
	"github.com/gravitational/doomsday/lib/utils"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

type schedulerMetrics struct {
	pendingTasks prometheus.Gauge
	runningTasks prometheus.Gauge
	runsTotal    *prometheus.CounterVec
	runSeconds   prometheus.Histogram
}

func newSchedulerMetrics() (*schedulerMetrics, error) {
	m := &schedulerMetrics{
		pendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: doomsday.MetricNamespace,
				Name:      "scheduler_pending_tasks",
				Help:      "Number of tasks waiting for a worker.",
			},
		),
		runningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: doomsday.MetricNamespace,
				Name:      "scheduler_running_tasks",
				Help:      "Number of tasks currently executing.",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: doomsday.MetricNamespace,
				Name:      "scheduler_runs_total",
				Help:      "Completed task runs by job and result.",
			},
			[]string{"job", "result"},
		),
		runSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: doomsday.MetricNamespace,
				Name:      "scheduler_run_seconds",
				Help:      "Task run duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
	}
	if err := utils.RegisterPrometheusCollectors(
		m.pendingTasks,
		m.runningTasks,
		m.runsTotal,
		m.runSeconds,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}
