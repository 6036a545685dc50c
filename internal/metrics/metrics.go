/*
Mailman message-processing core - rule chains, handler pipelines, queue runners.
Copyright © 2023-2024 The mailman-go developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics defines the Prometheus instrumentation shared by the
// runners. Collectors are registered on the default registry; the
// master exposes them over HTTP when configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Processed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_processed_total",
		Help: "Messages a runner finished processing, by disposition.",
	}, []string{"runner", "result"})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_parse_errors_total",
		Help: "Queue files quarantined to bad/ because they failed to decode.",
	}, []string{"runner"})

	BounceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_bounce_events_total",
		Help: "Bounce events registered, by context (normal or probe).",
	}, []string{"context"})

	MembersDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailman_members_disabled_total",
		Help: "Memberships whose delivery was disabled by bounce scoring.",
	})

	MembersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailman_members_removed_total",
		Help: "Memberships removed after exhausting disabled-delivery warnings.",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_smtp_deliveries_total",
		Help: "Outbound SMTP deliveries, by result.",
	}, []string{"result"})
)

// Disposition labels for the Processed counter.
const (
	ResultDone      = "done"
	ResultPreserved = "preserved"
	ResultShunted   = "shunted"
)
