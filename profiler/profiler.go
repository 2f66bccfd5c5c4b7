package profiler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"xcom/dlog"
)

var log = dlog.Logger("xcom/profiler")

const Header = "Human Time, Robot Time, CPU Usage, Memory Used, Packets Sent, Packets Received, Bytes Sent, Bytes Received, Dropped Packets In, Dropped Packets Out, Disk Read Count, Disk Write Count, Disk Read Bytes, Disk Write Bytes\n"

// Sample is the host load over one period: CPU and memory as percentages,
// network and disk as counter differences.
type Sample struct {
	Time    time.Time
	CPU     float64
	MemUsed float64
	Net     net.IOCountersStat
	Disk    disk.IOCountersStat
}

func (s Sample) CSV() string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("%s, %d,", s.Time.Format("2006/01/02 15:04:05 .000"), s.Time.UnixNano()))
	b.WriteString(fmt.Sprintf(" %.2f, %.2f,", s.CPU, s.MemUsed))
	b.WriteString(fmt.Sprintf(" %d, %d, %d, %d, %d, %d,", s.Net.PacketsSent, s.Net.PacketsRecv, s.Net.BytesSent, s.Net.BytesRecv, s.Net.Dropin, s.Net.Dropout))
	b.WriteString(fmt.Sprintf(" %d, %d, %d, %d", s.Disk.ReadCount, s.Disk.WriteCount, s.Disk.ReadBytes, s.Disk.WriteBytes))
	b.WriteString("\n")
	return b.String()
}

// Sampler remembers the previous counters so each Sample covers only the
// time since the last one. An empty nic name samples all interfaces
// together, an empty disk name skips disk counters.
type Sampler struct {
	nicName  string
	diskName string
	prevNet  net.IOCountersStat
	prevDisk disk.IOCountersStat
}

func NewSampler(ctx context.Context, nicName, diskName string) (*Sampler, error) {
	s := &Sampler{nicName: nicName, diskName: diskName}
	var err error
	if s.prevNet, err = s.readNet(ctx); err != nil {
		return nil, err
	}
	if s.prevDisk, err = s.readDisk(ctx); err != nil {
		return nil, err
	}
	// first call primes the cpu counters
	cpu.PercentWithContext(ctx, 0, false)
	return s, nil
}

func (s *Sampler) readNet(ctx context.Context) (net.IOCountersStat, error) {
	nics, err := net.IOCountersWithContext(ctx, s.nicName != "")
	if err != nil {
		return net.IOCountersStat{}, errors.Wrap(err, "network counters")
	}
	for _, n := range nics {
		if s.nicName == "" || n.Name == s.nicName {
			return n, nil
		}
	}
	return net.IOCountersStat{}, errors.Newf("no network interface named %q", s.nicName)
}

func (s *Sampler) readDisk(ctx context.Context) (disk.IOCountersStat, error) {
	if s.diskName == "" {
		return disk.IOCountersStat{}, nil
	}
	disks, err := disk.IOCountersWithContext(ctx, s.diskName)
	if err != nil {
		return disk.IOCountersStat{}, errors.Wrap(err, "disk counters")
	}
	d, ok := disks[s.diskName]
	if !ok {
		return disk.IOCountersStat{}, errors.Newf("no disk named %q", s.diskName)
	}
	return d, nil
}

func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	sample := Sample{Time: time.Now()}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.CPU = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemUsed = vm.UsedPercent
	}
	curNet, err := s.readNet(ctx)
	if err != nil {
		return sample, err
	}
	curDisk, err := s.readDisk(ctx)
	if err != nil {
		return sample, err
	}
	sample.Net = netDiff(curNet, s.prevNet)
	sample.Disk = diskDiff(curDisk, s.prevDisk)
	s.prevNet, s.prevDisk = curNet, curDisk
	return sample, nil
}

func netDiff(cur, prev net.IOCountersStat) net.IOCountersStat {
	diff := net.IOCountersStat{Name: cur.Name}
	diff.PacketsSent = cur.PacketsSent - prev.PacketsSent
	diff.PacketsRecv = cur.PacketsRecv - prev.PacketsRecv
	diff.BytesSent = cur.BytesSent - prev.BytesSent
	diff.BytesRecv = cur.BytesRecv - prev.BytesRecv
	diff.Dropout = cur.Dropout - prev.Dropout
	diff.Dropin = cur.Dropin - prev.Dropin
	return diff
}

func diskDiff(cur, prev disk.IOCountersStat) disk.IOCountersStat {
	diff := disk.IOCountersStat{Name: cur.Name}
	diff.ReadCount = cur.ReadCount - prev.ReadCount
	diff.WriteCount = cur.WriteCount - prev.WriteCount
	diff.ReadBytes = cur.ReadBytes - prev.ReadBytes
	diff.WriteBytes = cur.WriteBytes - prev.WriteBytes
	return diff
}

// Run writes Header and then one line per period until ctx is done.
func Run(ctx context.Context, s *Sampler, every time.Duration, out io.Writer) error {
	if _, err := io.WriteString(out, Header); err != nil {
		return err
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample, err := s.Sample(ctx)
			if err != nil {
				log.Warningf("sampling failed: %v", err)
				continue
			}
			if _, err := io.WriteString(out, sample.CSV()); err != nil {
				return err
			}
		}
	}
}
