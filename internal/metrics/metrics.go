// Package metrics keeps process-local counters for the SNRE service. The pack
// this project grew from carries no metrics client, so counters are plain
// atomics with a text exposition handler shaped like the Prometheus format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics holds every counter the coordinator and server touch. Construct
// with New; the zero value is not usable.
type Metrics struct {
	SessionsStarted   atomic.Int64
	SessionsCompleted atomic.Int64
	SessionsFailed    atomic.Int64
	SessionsCancelled atomic.Int64
	ConsensusRounds   atomic.Int64
	StepsApplied      atomic.Int64
	ActiveSessions    atomic.Int64

	mu         sync.Mutex
	agentSteps map[string]int64
}

// New returns an empty metrics set.
func New() *Metrics {
	return &Metrics{agentSteps: make(map[string]int64)}
}

// RecordStep counts one applied evolution step for the given agent.
func (m *Metrics) RecordStep(agentID string) {
	m.StepsApplied.Add(1)
	m.mu.Lock()
	m.agentSteps[agentID]++
	m.mu.Unlock()
}

// WriteTo renders the counters in a plain-text exposition format, one
// "name value" line per counter, agent-labelled step counts included.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(format string, args ...any) error {
		n, err := fmt.Fprintf(w, format, args...)
		total += int64(n)
		return err
	}

	lines := []struct {
		name  string
		value int64
	}{
		{"snre_refactor_sessions_total", m.SessionsStarted.Load()},
		{"snre_sessions_completed_total", m.SessionsCompleted.Load()},
		{"snre_sessions_failed_total", m.SessionsFailed.Load()},
		{"snre_sessions_cancelled_total", m.SessionsCancelled.Load()},
		{"snre_consensus_rounds_total", m.ConsensusRounds.Load()},
		{"snre_steps_applied_total", m.StepsApplied.Load()},
		{"snre_active_sessions", m.ActiveSessions.Load()},
	}
	for _, l := range lines {
		if err := write("%s %d\n", l.name, l.value); err != nil {
			return total, err
		}
	}

	m.mu.Lock()
	agents := make([]string, 0, len(m.agentSteps))
	for id := range m.agentSteps {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	counts := make(map[string]int64, len(agents))
	for _, id := range agents {
		counts[id] = m.agentSteps[id]
	}
	m.mu.Unlock()

	for _, id := range agents {
		if err := write("snre_agent_steps_total{agent_id=%q} %d\n", id, counts[id]); err != nil {
			return total, err
		}
	}
	return total, nil
}
