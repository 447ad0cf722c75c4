/*
Package metrics provides Prometheus metrics collection and exposition for
the compute node, plus the liveness/readiness HTTP handlers an
orchestrator polls to decide whether to route work here.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Auth: token refreshes, forced invalidation │          │
	│  │  Lease: leases started/active               │          │
	│  │  Heartbeat: posted count, latency, rotations│          │
	│  │  Tasks: outcome counts, cycle duration      │          │
	│  │  Poll: result counts (task/empty/error)     │          │
	│  │  Transfer: download/upload bytes and parts  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Health and readiness

HealthHandler, ReadyHandler, and LivenessHandler are plain net/http
handlers backed by a small in-process component registry
(RegisterComponent / UpdateComponent). Readiness additionally requires
the "discovery", "management", and "runner" components to be registered
healthy -- the node isn't ready to accept work until it has
authenticated, can reach the management service, and has at least one
capability Runner registered.

# Usage

	metrics.RegisterComponent("discovery", true, "")
	metrics.RegisterComponent("management", true, "")
	metrics.RegisterComponent("runner", true, "")

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())
	http.HandleFunc("/readyz", metrics.ReadyHandler())
	http.HandleFunc("/livez", metrics.LivenessHandler())

Counters and histograms are incremented directly at their call sites
(token manager, heartbeat driver, node engine, storage client) rather
than through a periodic collector -- there is no cluster-wide state to
snapshot, only this node's own event stream.
*/
package metrics
