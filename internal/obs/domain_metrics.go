package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// TokenRequestsTotal counts token lookups by source (cache, shared, exchange).
	TokenRequestsTotal *prometheus.CounterVec
	// TokenExchangeTotal counts credential-exchange outcomes.
	TokenExchangeTotal *prometheus.CounterVec
	// OrderFetchTotal counts upstream order reads by outcome.
	OrderFetchTotal *prometheus.CounterVec
	// OrderFetchLatency records upstream order read latency in milliseconds.
	OrderFetchLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		TokenRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Count of bearer token lookups by serving source.",
		}, []string{"source"})
		TokenExchangeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchange_total",
			Help:      "Count of OAuth client-credentials exchanges by result.",
		}, []string{"result"})
		OrderFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_fetch_total",
			Help:      "Count of upstream order reads by outcome.",
		}, []string{"result"})
		OrderFetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_fetch_duration_ms",
			Help:      "Latency for upstream order reads in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		})

		mustRegisterCollector(reg, TokenRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TokenRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, TokenExchangeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TokenExchangeTotal = v
			}
		})
		mustRegisterCollector(reg, OrderFetchTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderFetchTotal = v
			}
		})
		mustRegisterCollector(reg, OrderFetchLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				OrderFetchLatency = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
