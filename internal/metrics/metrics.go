// Package metrics exposes organize activity as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/events"
	"github.com/ioerror/vula/internal/organize"
)

// StateCounts is the gauge-worthy summary of the committed state.
type StateCounts struct {
	Peers     int
	Enabled   int
	Pinned    int
	Gateways  int
	PSKHits   int64
	PSKMisses int64
	PSKSize   int
}

// Collector bundles the organize metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Transactions *prometheus.CounterVec
	Actions      *prometheus.CounterVec
	Triggers     *prometheus.CounterVec
	Rejects      prometheus.Counter

	Peers        prometheus.Gauge
	EnabledPeers prometheus.Gauge
	PinnedPeers  prometheus.Gauge
	Gateway      prometheus.Gauge
	PSKHits      prometheus.Gauge
	PSKMisses    prometheus.Gauge
	PSKCacheSize prometheus.Gauge
}

// NewCollector registers the organize metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Transactions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vula_organize_transactions_total",
		Help: "Organize transactions, labeled by event and outcome (changed, unchanged, failed).",
	}, []string{"event", "outcome"}), "vula_organize_transactions_total"); err != nil {
		return nil, err
	}
	if c.Actions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vula_organize_actions_total",
		Help: "Actions taken by successful organize transactions.",
	}, []string{"action"}), "vula_organize_actions_total"); err != nil {
		return nil, err
	}
	if c.Triggers, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vula_organize_triggers_total",
		Help: "Triggers queued by successful organize transactions.",
	}, []string{"trigger"}), "vula_organize_triggers_total"); err != nil {
		return nil, err
	}
	if c.Rejects, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vula_organize_rejected_descriptors_total",
		Help: "Incoming descriptors rejected.",
	}), "vula_organize_rejected_descriptors_total"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.Peers, "vula_organize_peers", "Known peers."},
		{&c.EnabledPeers, "vula_organize_peers_enabled", "Enabled peers."},
		{&c.PinnedPeers, "vula_organize_peers_pinned", "Pinned peers."},
		{&c.Gateway, "vula_organize_gateway_peers", "Peers used as the default gateway (0 or 1)."},
		{&c.PSKHits, "vula_organize_psk_cache_hits", "Preshared key cache hits since start."},
		{&c.PSKMisses, "vula_organize_psk_cache_misses", "Preshared key cache misses since start."},
		{&c.PSKCacheSize, "vula_organize_psk_cache_entries", "Preshared keys currently cached."},
	}
	for _, g := range gauges {
		if *g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveResult counts one transaction result.
func (c *Collector) ObserveResult(r *engine.Result) {
	if c == nil || r == nil {
		return
	}
	outcome := "unchanged"
	switch {
	case !r.OK():
		outcome = "failed"
	case r.Changed:
		outcome = "changed"
	}
	c.Transactions.WithLabelValues(r.Event.Name, outcome).Inc()
	if !r.OK() {
		return
	}
	for _, name := range r.ActionNames() {
		c.Actions.WithLabelValues(name).Inc()
	}
	for _, name := range r.TriggerNames() {
		c.Triggers.WithLabelValues(name).Inc()
	}
	if r.HasAction("Reject") {
		c.Rejects.Inc()
	}
}

// SetState updates the state gauges.
func (c *Collector) SetState(s StateCounts) {
	if c == nil {
		return
	}
	c.Peers.Set(float64(s.Peers))
	c.EnabledPeers.Set(float64(s.Enabled))
	c.PinnedPeers.Set(float64(s.Pinned))
	c.Gateway.Set(float64(s.Gateways))
	c.PSKHits.Set(float64(s.PSKHits))
	c.PSKMisses.Set(float64(s.PSKMisses))
	c.PSKCacheSize.Set(float64(s.PSKSize))
}

// Attach counts every result published on bus and refreshes the gauges
// from state after each one. state may be nil.
func (c *Collector) Attach(bus *events.Bus, state func() StateCounts) error {
	return bus.Subscribe(events.ResultRecorded, func(_ context.Context, r *engine.Result) error {
		c.ObserveResult(r)
		if state != nil {
			c.SetState(state())
		}
		return nil
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

// Counts summarizes a committed organize state and the PSK cache counters.
func Counts(st *organize.State, psk organize.PSKStats) StateCounts {
	c := StateCounts{
		Peers:     len(st.Peers),
		Gateways:  len(st.Peers.Gateways()),
		PSKHits:   psk.Hits,
		PSKMisses: psk.Misses,
		PSKSize:   psk.Size,
	}
	for _, p := range st.Peers {
		if p.Enabled {
			c.Enabled++
		}
		if p.Pinned {
			c.Pinned++
		}
	}
	return c
}
