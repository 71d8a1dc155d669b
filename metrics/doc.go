// Package metrics exports Prometheus collectors for OBEX sessions and
// transfers. A nil *Metrics records nothing.
package metrics
