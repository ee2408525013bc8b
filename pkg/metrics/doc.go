/*
Package metrics provides Prometheus metrics collection and exposition for the
agent bus runtime.

It defines and registers gauges, counters, and histograms covering inbox
depth, claim outcomes, turn duration, semaphore/cooldown state, and
orchestrator/observer throughput, plus a small self-report registry
(RegisterComponent/GetHealth) behind the /health, /ready, and /live
endpoints that cmd/agentbus serves next to /metrics when --metrics-addr is
set. Metrics are exposed via Handler() for scraping by a Prometheus server.

A Collector periodically snapshots inbox depth per agent from a bus.Store
into InboxDepth; everything else is updated inline by the component that
produces the event (a claim, a dispatched follow-up, a cooldown write).
*/
package metrics
