// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package metrics wires the engine's instrumentation seam (peer.Metrics)
// to a prometheus registry, the way the rest of the examined stack
// instruments its long-running daemons: counters and gauges registered
// once at startup, incremented inline from the hot path, scraped by
// whatever exporter the host process wires up (this package only builds
// the registry; it deliberately does not start an HTTP exporter, since
// that belongs to the Non-goals of this daemon).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sailfishos/nfcd/llcp"
)

// Registry collects nfcd's LLCP-level counters and gauges. It satisfies
// peer.Metrics.
type Registry struct {
	reg *prometheus.Registry

	pduSent     *prometheus.CounterVec
	pduReceived *prometheus.CounterVec
	linkState   *prometheus.GaugeVec
	snepPuts    prometheus.Counter
	snepBytes   prometheus.Counter
}

// New creates a Registry and registers its collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pduSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfcd",
			Subsystem: "llcp",
			Name:      "pdu_sent_total",
			Help:      "LLCP PDUs transmitted, by type.",
		}, []string{"type"}),
		pduReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfcd",
			Subsystem: "llcp",
			Name:      "pdu_received_total",
			Help:      "LLCP PDUs received, by type.",
		}, []string{"type"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nfcd",
			Subsystem: "llcp",
			Name:      "link_state",
			Help:      "Current LLC link state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		snepPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfcd",
			Subsystem: "snep",
			Name:      "put_total",
			Help:      "SNEP Put requests served.",
		}),
		snepBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfcd",
			Subsystem: "snep",
			Name:      "put_bytes_total",
			Help:      "Bytes received across all served SNEP Put requests.",
		}),
	}
	r.reg.MustRegister(r.pduSent, r.pduReceived, r.linkState, r.snepPuts, r.snepBytes)
	return r
}

// Registerer exposes the underlying prometheus registry so the host
// process can wire it into its own exporter, if any.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying prometheus registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// PDUSent implements peer.Metrics.
func (r *Registry) PDUSent(t llcp.PTYPE) { r.pduSent.WithLabelValues(t.String()).Inc() }

// PDUReceived implements peer.Metrics.
func (r *Registry) PDUReceived(t llcp.PTYPE) { r.pduReceived.WithLabelValues(t.String()).Inc() }

// LinkStateChanged implements peer.Metrics.
func (r *Registry) LinkStateChanged(s string) {
	r.linkState.Reset()
	r.linkState.WithLabelValues(s).Set(1)
}

// SNEPPutServed records one successfully completed SNEP Put.
func (r *Registry) SNEPPutServed(bytes int) {
	r.snepPuts.Inc()
	r.snepBytes.Add(float64(bytes))
}
