// Package metrics defines the Prometheus instruments for the token lifecycle.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups the collectors recorded by the lifecycle manager and the
// profile fetcher.
type Metrics struct {
	exchanges      *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	profileFetches *prometheus.CounterVec
	grantLatency   *prometheus.HistogramVec
	pendingFlows   prometheus.Gauge
}

// New creates the collectors and registers them on reg (or the default
// registerer if nil). Collectors already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_token_exchanges_total",
			Help: "Authorization-code exchanges by provider and result.",
		}, []string{"provider", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_token_refreshes_total",
			Help: "Refresh-token grants by provider and result.",
		}, []string{"provider", "result"}),
		profileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keysync_profile_fetches_total",
			Help: "Profile fetches by provider and result.",
		}, []string{"provider", "result"}),
		grantLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keysync_token_grant_duration_seconds",
			Help:    "Token endpoint round trip duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "grant"}),
		pendingFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keysync_pending_authorizations",
			Help: "Authorization flows waiting for their callback.",
		}),
	}

	var err error
	if m.exchanges, err = register(reg, m.exchanges); err != nil {
		return nil, err
	}
	if m.refreshes, err = register(reg, m.refreshes); err != nil {
		return nil, err
	}
	if m.profileFetches, err = register(reg, m.profileFetches); err != nil {
		return nil, err
	}
	if m.grantLatency, err = register(reg, m.grantLatency); err != nil {
		return nil, err
	}
	if m.pendingFlows, err = register(reg, m.pendingFlows); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c on reg. When an identical collector is already
// registered, that one is returned so that several Metrics values share it.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}

// ObserveExchange records an authorization-code exchange.
func (m *Metrics) ObserveExchange(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(provider, result(err)).Inc()
	m.grantLatency.WithLabelValues(provider, "authorization_code").Observe(d.Seconds())
}

// ObserveRefresh records a refresh-token grant.
func (m *Metrics) ObserveRefresh(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(provider, result(err)).Inc()
	m.grantLatency.WithLabelValues(provider, "refresh_token").Observe(d.Seconds())
}

// ObserveProfileFetch records a profile fetch.
func (m *Metrics) ObserveProfileFetch(provider string, err error) {
	if m == nil {
		return
	}
	m.profileFetches.WithLabelValues(provider, result(err)).Inc()
}

// SetPendingFlows records the number of authorizations awaiting a callback.
func (m *Metrics) SetPendingFlows(n int) {
	if m == nil {
		return
	}
	m.pendingFlows.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
