// Package metrics defines and registers the Prometheus metrics exposed by
// both binaries: the agent's score/reconciliation gauges and counters, and
// the scheduler extender's request counters. Handler serves them at
// /metrics; Timer is a small helper for histogram observations.
package metrics
