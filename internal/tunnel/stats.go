package tunnel

import (
	"sync"
	"time"
)

// Stats tracks in-memory counters for the forwarder.
type Stats struct {
	mu           sync.Mutex
	total        int64
	successful   int64
	failed       int64
	totalLatency time.Duration
	connections  int64
	lastError    string
	lastErrorAt  time.Time
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AverageLatency     time.Duration
	Connections        int64
	LastError          string
	LastErrorAt        time.Time
}

func (s *Stats) noteRequest(latency time.Duration, ok bool) {
	s.mu.Lock()
	s.total++
	if ok {
		s.successful++
	} else {
		s.failed++
	}
	s.totalLatency += latency
	s.mu.Unlock()
}

func (s *Stats) noteDisconnect(err error) {
	s.mu.Lock()
	s.connections++
	if err != nil {
		s.lastError = err.Error()
		s.lastErrorAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Stats) noteError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		TotalRequests:      s.total,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.failed,
		Connections:        s.connections,
		LastError:          s.lastError,
		LastErrorAt:        s.lastErrorAt,
	}
	if s.total > 0 {
		snap.AverageLatency = s.totalLatency / time.Duration(s.total)
	}
	return snap
}
