package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"xcom/adminclient"
	"xcom/dlog"
	"xcom/network"
)

var nodeAddr *string = flag.String("addr", "localhost:33061", "Address of the node to send values to.")
var groupID *uint = flag.Uint("group", 1, "Group id. Defaults to 1.")
var outstanding *int = flag.Int("q", 100, "Number of values in flight at once.")
var psize *int = flag.Int("psize", 100, "Payload size of each value.")
var timeoutMs *int = flag.Int("timeoutms", 5000, "Time to wait for a value to be delivered (ms).")
var latencyOutput = flag.String("lato", "", "Where resultant latencies will be written")
var settleInTime = flag.Int("settletime", 10, "Number of seconds to allow before recording latency")
var numLatenciesRecording = flag.Int("numlatencies", -1, "Number of latencies to record")

var log = dlog.Logger("xcom/client")

type TimeseriesStats struct {
	minLatency        int64
	maxLatency        int64
	totalLatency      int64
	deliveredRequests int64
	deliveredBytes    int64
	failedRequests    int64
}

func NewTimeseriesStats() TimeseriesStats {
	return TimeseriesStats{minLatency: math.MaxInt64}
}

func (s TimeseriesStats) String() string {
	mbps := (float64(s.deliveredBytes) * 8.) / (1024. * 1024.)
	minLat := s.minLatency
	if minLat == math.MaxInt64 {
		minLat = 0
	}
	var avg int64
	if s.deliveredRequests > 0 {
		avg = s.totalLatency / s.deliveredRequests
	}
	return fmt.Sprintf("%d value/sec, %.2f Mbps, latency min %d us max %d us avg %d us, %d failed",
		s.deliveredRequests, mbps, minLat, s.maxLatency, avg, s.failedRequests)
}

func (s *TimeseriesStats) update(deliveredBytes int64, latency time.Duration) {
	us := latency.Microseconds()
	s.deliveredRequests++
	s.deliveredBytes += deliveredBytes
	s.totalLatency += us
	if us > s.maxLatency {
		s.maxLatency = us
	}
	if us < s.minLatency {
		s.minLatency = us
	}
}

func (s *TimeseriesStats) reset() {
	*s = NewTimeseriesStats()
}

// LatencyRecorder writes one latency per line once the settle time is over.
type LatencyRecorder struct {
	out       *os.File
	startAt   time.Time
	remaining int
}

func NewLatencyRecorder(path string, settle time.Duration, n int) (*LatencyRecorder, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "latency output %s", path)
	}
	return &LatencyRecorder{out: f, startAt: time.Now().Add(settle), remaining: n}, nil
}

func (r *LatencyRecorder) record(latency time.Duration) {
	if r == nil || time.Now().Before(r.startAt) || r.remaining == 0 {
		return
	}
	if _, err := fmt.Fprintf(r.out, "%d\n", latency.Microseconds()); err != nil {
		dlog.Println("Error writing latency")
		return
	}
	if r.remaining > 0 {
		r.remaining--
	}
}

type result struct {
	id      uuid.UUID
	size    int
	latency time.Duration
	err     error
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		cancel()
	}()

	client, err := adminclient.Dial(ctx, network.NewTCPProvider(), *nodeAddr, uint32(*groupID))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	recorder, err := NewLatencyRecorder(*latencyOutput, time.Duration(*settleInTime)*time.Second, *numLatenciesRecording)
	if err != nil {
		log.Fatal(err)
	}

	done := make(chan result, *outstanding)
	var wg sync.WaitGroup
	send := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := make([]byte, *psize)
			rand.Read(payload)
			sctx, scancel := context.WithTimeout(ctx, time.Duration(*timeoutMs)*time.Millisecond)
			defer scancel()
			start := time.Now()
			err := client.SendClientAppData(sctx, payload)
			select {
			case done <- result{id: uuid.New(), size: len(payload), latency: time.Since(start), err: err}:
			case <-ctx.Done():
			}
		}()
	}
	for i := 0; i < *outstanding; i++ {
		send()
	}

	stats := NewTimeseriesStats()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			log.Info(stats.String())
			stats.reset()
		case r := <-done:
			if r.err != nil {
				stats.failedRequests++
				dlog.Printf("value %s failed: %v", r.id, r.err)
				if errors.Is(r.err, adminclient.ErrRetry) {
					time.Sleep(100 * time.Millisecond)
				}
			} else {
				stats.update(int64(r.size), r.latency)
				recorder.record(r.latency)
			}
			send()
		}
	}
}
