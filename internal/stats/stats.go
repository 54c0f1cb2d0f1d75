package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector tracks client-wide counters
type StatsCollector struct {
	StartTime           time.Time
	MessagesReceived    uint64
	MessagesPublished   uint64
	Subscriptions       uint64
	HandlerErrors       uint64
	OperationsAbandoned uint64
	Connects            uint64
	Disconnects         uint64
	lastUpdate          atomic.Int64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	s := &StatsCollector{
		StartTime: time.Now(),
	}
	s.touch()
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

func (s *StatsCollector) IncMessagesReceived() {
	atomic.AddUint64(&s.MessagesReceived, 1)
	s.touch()
}

func (s *StatsCollector) IncMessagesPublished() {
	atomic.AddUint64(&s.MessagesPublished, 1)
	s.touch()
}

func (s *StatsCollector) IncSubscriptions() {
	atomic.AddUint64(&s.Subscriptions, 1)
	s.touch()
}

func (s *StatsCollector) IncHandlerErrors() {
	atomic.AddUint64(&s.HandlerErrors, 1)
	s.touch()
}

// AddOperationsAbandoned counts operations failed by a disconnect
func (s *StatsCollector) AddOperationsAbandoned(n int) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&s.OperationsAbandoned, uint64(n))
	s.touch()
}

func (s *StatsCollector) IncConnects() {
	atomic.AddUint64(&s.Connects, 1)
	s.touch()
}

func (s *StatsCollector) IncDisconnects() {
	atomic.AddUint64(&s.Disconnects, 1)
	s.touch()
}

// LastUpdate returns when a counter last changed
func (s *StatsCollector) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":               uptime.String(),
		"messages_received":    atomic.LoadUint64(&s.MessagesReceived),
		"messages_published":   atomic.LoadUint64(&s.MessagesPublished),
		"subscriptions":        atomic.LoadUint64(&s.Subscriptions),
		"handler_errors":       atomic.LoadUint64(&s.HandlerErrors),
		"operations_abandoned": atomic.LoadUint64(&s.OperationsAbandoned),
		"connects":             atomic.LoadUint64(&s.Connects),
		"disconnects":          atomic.LoadUint64(&s.Disconnects),
		"last_update":          s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the inbound message rate per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesReceived)) / uptime
}
