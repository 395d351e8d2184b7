package server

import (
	"sync"
	"time"
)

// RouteMetrics aggregates completed requests for one path.
type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// Metrics counts relayed requests. The zero value is not usable; call
// NewMetrics.
type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	TunnelsOpen   uint64                   `json:"tunnels_open"`
	TunnelsTotal  uint64                   `json:"tunnels_total"`
	BridgeErrors  map[string]uint64        `json:"bridge_errors"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		BridgeErrors: make(map[string]uint64),
		ByRoute:      make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByRoute[route]; !ok {
		m.ByRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, err bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if err {
		m.TotalErrors++
	}

	rm := m.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

// BridgeFailure counts a 502 by its diagnostic message.
func (m *Metrics) BridgeFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BridgeErrors[reason]++
}

func (m *Metrics) TunnelOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TunnelsOpen++
	m.TunnelsTotal++
}

func (m *Metrics) TunnelClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TunnelsOpen > 0 {
		m.TunnelsOpen--
	}
}

func (m *Metrics) Snapshot() *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Metrics{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		InFlight:      m.InFlight,
		TunnelsOpen:   m.TunnelsOpen,
		TunnelsTotal:  m.TunnelsTotal,
		BridgeErrors:  make(map[string]uint64, len(m.BridgeErrors)),
		ByRoute:       make(map[string]*RouteMetrics, len(m.ByRoute)),
	}
	for reason, n := range m.BridgeErrors {
		snap.BridgeErrors[reason] = n
	}
	for route, rm := range m.ByRoute {
		rmCopy := *rm
		snap.ByRoute[route] = &rmCopy
	}
	return snap
}
