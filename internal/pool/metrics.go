/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package pool

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Prometheus metrics
var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexos_pool_tasks_total",
			Help: "Total pool tasks reaching a terminal status",
		},
		[]string{"status"},
	)
	tasksQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexos_pool_tasks_submitted_total",
			Help: "Total tasks accepted by Submit",
		},
	)
	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexos_pool_tasks_active",
			Help: "Tasks currently holding an execution slot",
		},
	)
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexos_pool_queue_length",
			Help: "Tasks waiting for a free slot",
		},
	)
	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortexos_pool_task_duration_seconds",
			Help:    "Wall time from admission to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~54m
		},
	)
)

var tracer = otel.Tracer("cortexos/pool")

func init() {
	prometheus.MustRegister(tasksTotal, tasksQueued, tasksActive, queueLength, taskDuration)
}

func taskSpanAttrs(t Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("cortexos.task.id", t.ID),
		attribute.String("cortexos.task.status", string(t.Status)),
		attribute.String("cortexos.task.environment", t.Environment),
		attribute.String("cortexos.task.role", t.Role),
	}
}

// emitTaskSpan records a named lifecycle event on the task's span.
func emitTaskSpan(ctx context.Context, eventName string, t Task) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(eventName, trace.WithAttributes(taskSpanAttrs(t)...))
}
