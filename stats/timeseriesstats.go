package stats

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	ProposalsStarted  = "Proposals Started"
	FastPathProposals = "Fast Path Proposals"
	ThreePhaseRetries = "Three Phase Retries"
	NoOpsProposed     = "No-ops Proposed"
	RequeuedValues    = "Requeued Client Values"
	InstancesLearned  = "Instances Learned"
	InstancesExecuted = "Instances Executed"
	CacheEvictions    = "Cache Evictions"
	ConnectionResets  = "Connection Resets"
)

func EngineMetrics() []string {
	return []string{
		ProposalsStarted,
		FastPathProposals,
		ThreePhaseRetries,
		NoOpsProposed,
		RequeuedValues,
		InstancesLearned,
		InstancesExecuted,
		CacheEvictions,
		ConnectionResets,
	}
}

// TimeseriesStats is a set of named counters printed as one line per period.
type TimeseriesStats struct {
	mu          sync.Mutex
	register    map[string]int64
	orderedKeys []string
	out         io.Writer
}

func TimeseriesStatsNew(initalRegisters []string, out io.Writer) *TimeseriesStats {
	register := make(map[string]int64)
	for i := 0; i < len(initalRegisters); i++ {
		register[initalRegisters[i]] = 0
	}
	return &TimeseriesStats{
		register:    register,
		orderedKeys: initalRegisters,
		out:         out,
	}
}

func (s *TimeseriesStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.register {
		s.register[k] = 0
	}
}

func (s *TimeseriesStats) Update(stat string, count int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.register[stat] = s.register[stat] + count
	s.mu.Unlock()
}

func (s *TimeseriesStats) Get(stat string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register[stat]
}

func (s *TimeseriesStats) line(now time.Time) string {
	str := strings.Builder{}
	str.WriteString(now.Format("2006/01/02 15:04:05 .000 "))
	for i := 0; i < len(s.orderedKeys); i++ {
		k := s.orderedKeys[i]
		str.WriteString(fmt.Sprintf("%s : %d ", k, s.register[k]))
	}
	str.WriteString("\n")
	return str.String()
}

func (s *TimeseriesStats) Print() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, s.line(time.Now()))
	return err
}

func (s *TimeseriesStats) PrintAndReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, s.line(time.Now()))
	for k := range s.register {
		s.register[k] = 0
	}
	return err
}
