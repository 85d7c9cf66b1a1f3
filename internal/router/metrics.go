/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	routeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexos_router_decisions_total",
			Help: "Total routing decisions by selected tier",
		},
		[]string{"tier"},
	)
	routeDowngrades = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexos_router_downgrades_total",
			Help: "Routing decisions downgraded to the fast tier by the budget rule",
		},
	)
)

func init() {
	prometheus.MustRegister(routeDecisions, routeDowngrades)
}
