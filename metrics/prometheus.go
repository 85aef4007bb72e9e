// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ Recorder = (*Prometheus)(nil)

// Prometheus records events into collectors registered on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	published      *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	rpcCalls       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	rpcRetries     *prometheus.CounterVec
	blocksProduced prometheus.Counter
}

// NewPrometheus creates the collectors and registers them together with the
// Go and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_published_total", Help: "Messages published"},
			[]string{"topic"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_consumed_total", Help: "Messages handled and committed"},
			[]string{"topic", "group"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_duplicates_total", Help: "Redelivered messages skipped by the sink"},
			[]string{"topic"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_handler_errors_total", Help: "Handler failures"},
			[]string{"topic", "group"},
		),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_rpc_calls_total", Help: "Upstream JSON-RPC calls"},
			[]string{"method", "status"},
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "chainstream_rpc_duration_seconds", Help: "Upstream call latency including retries", Buckets: prometheus.DefBuckets},
			[]string{"method"},
		),
		rpcRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chainstream_rpc_retries_total", Help: "Retried upstream attempts"},
			[]string{"method"},
		),
		blocksProduced: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "chainstream_blocks_produced_total", Help: "Blocks published by the producer"},
		),
	}

	p.registry.MustRegister(
		p.published, p.consumed, p.duplicates, p.handlerErrors,
		p.rpcCalls, p.rpcDuration, p.rpcRetries, p.blocksProduced,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry returns the registry the collectors live in.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Published(topic string) {
	p.published.WithLabelValues(topic).Inc()
}

func (p *Prometheus) Consumed(topic, group string) {
	p.consumed.WithLabelValues(topic, group).Inc()
}

func (p *Prometheus) Duplicate(topic string) {
	p.duplicates.WithLabelValues(topic).Inc()
}

func (p *Prometheus) HandlerError(topic, group string) {
	p.handlerErrors.WithLabelValues(topic, group).Inc()
}

func (p *Prometheus) RPCCall(method string, d time.Duration, err error) {
	p.rpcCalls.WithLabelValues(method, outcome(err)).Inc()
	p.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (p *Prometheus) RPCRetry(method string) {
	p.rpcRetries.WithLabelValues(method).Inc()
}

func (p *Prometheus) BlocksProduced(n int) {
	p.blocksProduced.Add(float64(n))
}
