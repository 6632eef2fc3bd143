// Package metrics counts queries by type, response code and outcome,
// and times the full chain.
package metrics

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
)

// Event describes one completed query, delivered to the OnEvent hook.
type Event struct {
	Qname   string
	Qtype   uint16
	Rcode   int
	Outcome middleware.Outcome
	Elapsed time.Duration
}

// Metrics type
type Metrics struct {
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec

	// OnEvent, when set, receives an Event per answered query.
	OnEvent func(Event)

	now func() time.Time
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return new metrics
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "rcode", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_query_duration_seconds",
				Help:    "Query duration through the full chain",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"outcome"},
		),
		now: time.Now,
	}

	_ = prometheus.Register(m.queries)
	_ = prometheus.Register(m.duration)

	return m
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handle interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := m.now()

	ch.Next(ctx)

	if !ch.Writer.Written() {
		return
	}

	elapsed := m.now().Sub(start)
	outcome := ch.Outcome.String()

	m.queries.With(
		prometheus.Labels{
			"qtype":   dns.TypeToString[ch.Request.Question[0].Qtype],
			"rcode":   dns.RcodeToString[ch.Writer.Rcode()],
			"outcome": outcome,
		}).Inc()

	m.duration.With(prometheus.Labels{"outcome": outcome}).Observe(elapsed.Seconds())

	if m.OnEvent != nil {
		q := ch.Request.Question[0]
		m.OnEvent(Event{
			Qname:   q.Name,
			Qtype:   q.Qtype,
			Rcode:   ch.Writer.Rcode(),
			Outcome: ch.Outcome,
			Elapsed: elapsed,
		})
	}
}

const name = "metrics"
