/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package a2a

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	tasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexos_a2a_tasks_created_total",
			Help: "Total tasks admitted by the gateway",
		},
	)
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexos_a2a_tasks_finished_total",
			Help: "Total tasks reaching a terminal status",
		},
		[]string{"status"},
	)
	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexos_a2a_active_tasks",
			Help: "Tasks currently submitted or working",
		},
	)
	sseSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexos_a2a_sse_subscribers",
			Help: "Attached SSE subscribers across all tasks",
		},
	)
	pushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexos_a2a_push_deliveries_total",
			Help: "Outbound push webhook attempts by result",
		},
		[]string{"result"},
	)
	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortexos_a2a_task_duration_seconds",
			Help:    "Wall time from admission to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~54m
		},
	)
)

func init() {
	prometheus.MustRegister(tasksCreated, tasksFinished, activeTasks, sseSubscribers, pushDeliveries, taskDuration)
}
