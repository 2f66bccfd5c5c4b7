package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"xcom/xcomproto"
)

type TimeTuple struct {
	Open    time.Time
	Learn   time.Time
	Execute time.Time
}

// InstanceStats records when each locally proposed synode was opened,
// learned and executed, and writes one CSV line per synode once executed.
type InstanceStats struct {
	mu     sync.Mutex
	out    io.Writer
	times  map[xcomproto.Synode]TimeTuple
	header bool
}

func InstanceStatsNew(out io.Writer) *InstanceStats {
	return &InstanceStats{
		out:   out,
		times: make(map[xcomproto.Synode]TimeTuple),
	}
}

func (stats *InstanceStats) RecordOpened(s xcomproto.Synode, t time.Time) {
	if stats == nil {
		return
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if tt, exists := stats.times[s]; exists && !tt.Open.IsZero() {
		return
	}
	stats.times[s] = TimeTuple{Open: t}
}

func (stats *InstanceStats) RecordLearned(s xcomproto.Synode, t time.Time) {
	if stats == nil {
		return
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	tt, exists := stats.times[s]
	if !exists || !tt.Learn.IsZero() {
		return
	}
	tt.Learn = t
	stats.times[s] = tt
}

// RecordExecuted completes the record of s and writes it out. Synodes never
// opened here are ignored.
func (stats *InstanceStats) RecordExecuted(s xcomproto.Synode, t time.Time) error {
	if stats == nil {
		return nil
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	tt, exists := stats.times[s]
	if !exists {
		return nil
	}
	delete(stats.times, s)
	if tt.Learn.IsZero() {
		tt.Learn = t
	}
	tt.Execute = t
	if !stats.header {
		stats.header = true
		if _, err := io.WriteString(stats.out, "Msg No, Node, Open Time, Learn Time, Execute Time, Open-Learn Latency, Learn-Execute Latency\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(stats.out, "%d, %d, %d, %d, %d, %d, %d\n", s.MsgNo, s.Node,
		tt.Open.UnixNano(), tt.Learn.UnixNano(), tt.Execute.UnixNano(),
		tt.Learn.Sub(tt.Open).Microseconds(), tt.Execute.Sub(tt.Learn).Microseconds())
	return err
}

func (stats *InstanceStats) Pending() int {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return len(stats.times)
}
