package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"xcom"
	"xcom/dlog"
	"xcom/network"
	"xcom/nodelist"
	"xcom/profiler"
	"xcom/sitedef"
	"xcom/stablestore"
	"xcom/stats"
	"xcom/xcomproto"
)

var myAddr *string = flag.String("addr", "localhost:33061", "Address this node listens on (host:port).")
var groupID *uint = flag.Uint("group", 1, "Group id. Defaults to 1.")
var peers *string = flag.String("nodes", "", "Comma separated founding members. Boots a new group when set.")
var seeds *string = flag.String("seeds", "", "Comma separated members to ask for a snapshot when joining an existing group.")
var eventHorizon *uint = flag.Uint("eventhorizon", uint(sitedef.DefaultEventHorizon), "Event horizon of a booted group.")
var cacheSize *int = flag.Int("cachesize", 50000, "Instance cache capacity.")
var tickMs *int = flag.Int("tickms", 10, "Timer tick in milliseconds.")
var proposeTimeoutMs *int = flag.Int("timeoutms", 100, "Time before a proposal is retried with a higher ballot (ms).")
var stallTimeoutMs *int = flag.Int("stallms", 200, "Time delivery may be stuck before holes are filled with no-ops (ms).")
var detectorTimeoutMs *int = flag.Int("deadms", 1000, "Silence after which a member is considered unreachable (ms).")
var logLevel *string = flag.String("loglevel", "info", "Log level: debug, info, warn or error.")
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")

var durable = flag.Bool("durable", false, "Journal delivered values to a stable store (a file in storageparentdir).")
var syncEach = flag.Bool("synceach", false, "fsync the journal after every delivered value.")
var storageParentDir = flag.String("storageparentdir", "./", "The parent directory of the stable storage file. Defaults to ./")

var doStats *bool = flag.Bool("dostats", false, "record server stats")
var statsLoc *string = flag.String("statsloc", "./", "parent location where to store server stats")
var tsStatsFilename *string = flag.String("tsstatsfilename", "", "Name for timeseries stats file")
var instStatsFilename *string = flag.String("inststatsfilename", "", "Name for instance stats file")
var statsEvery *int = flag.Int("statsevery", 1000, "Timeseries stats period in milliseconds")

var doProfile *bool = flag.Bool("profile", false, "Sample cpu, memory, network and disk usage")
var nic *string = flag.String("nic", "", "Network interface to sample, all when empty")
var diskName *string = flag.String("disk", "", "Disk to sample, none when empty")
var profileFilename *string = flag.String("profilefilename", "profile.csv", "Name for the resource usage file")

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func create(name string) *os.File {
	f, err := os.Create(filepath.Join(*statsLoc, name))
	if err != nil {
		log.Fatalf("create %s: %v", name, err)
	}
	return f
}

// journalReceiver writes delivered values to the journal and logs them.
type journalReceiver struct {
	journal *stablestore.Journal
}

func (r *journalReceiver) Deliver(s xcomproto.Synode, lastRemoved xcomproto.Synode, a *xcomproto.AppData) {
	dlog.Printf("delivered %d bytes at %s", len(a.Payload), s)
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(s, a.Payload); err != nil {
		log.Errorf("journal: %v", err)
	}
}

type views struct{}

func (views) GlobalView(site *sitedef.SiteDef) {
	log.Infof("global view from %s: %s", site.Start, site.Nodes)
}

func (views) LocalView(site *sitedef.SiteDef, alive []bool) {
	log.Infof("local view of %s: %v", site.Nodes, alive)
}

type states struct {
	cancel context.CancelFunc
}

func (s states) Run()  { log.Infof("node is running") }
func (s states) Exit() { log.Infof("node left the group"); s.cancel() }
func (s states) Expel() {
	log.Warningf("node was removed from the group")
}

var log = dlog.Logger("xcomd")

func main() {
	flag.Parse()

	if err := dlog.SetLevel(*logLevel); err != nil {
		log.Fatalf("log level: %v", err)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := xcom.DefaultConfig()
	cfg.Self = nodelist.NodeAddress{Address: *myAddr, UUID: uuidBytes()}
	cfg.GroupID = uint32(*groupID)
	cfg.Provider = network.NewTCPProvider()
	cfg.Seeds = splitList(*seeds)
	cfg.EventHorizon = uint32(*eventHorizon)
	cfg.CacheSize = *cacheSize
	cfg.TickInterval = time.Duration(*tickMs) * time.Millisecond
	cfg.ProposeTimeout = time.Duration(*proposeTimeoutMs) * time.Millisecond
	cfg.StallTimeout = time.Duration(*stallTimeoutMs) * time.Millisecond
	cfg.DetectorTimeout = time.Duration(*detectorTimeoutMs) * time.Millisecond
	cfg.Views = views{}
	cfg.States = states{cancel: cancel}
	cfg.Logger = dlog.Logger("xcom")

	receiver := &journalReceiver{}
	if *durable {
		path := filepath.Join(*storageParentDir, fmt.Sprintf("stable-store-%s", strings.ReplaceAll(*myAddr, ":", "-")))
		f, err := stablestore.Open(path)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if receiver.journal, err = stablestore.NewJournal(f, *syncEach); err != nil {
			log.Fatal(err)
		}
	}
	cfg.Data = receiver

	if *doStats {
		if *tsStatsFilename != "" {
			cfg.Stats = stats.TimeseriesStatsNew(stats.EngineMetrics(), create(*tsStatsFilename))
			go printStats(ctx, cfg.Stats, time.Duration(*statsEvery)*time.Millisecond)
		}
		if *instStatsFilename != "" {
			cfg.InstanceStats = stats.InstanceStatsNew(create(*instStatsFilename))
		}
	}

	if *doProfile {
		sampler, err := profiler.NewSampler(ctx, *nic, *diskName)
		if err != nil {
			log.Fatalf("profiler: %v", err)
		}
		go func() {
			if err := profiler.Run(ctx, sampler, time.Second, create(*profileFilename)); err != nil {
				log.Errorf("profiler: %v", err)
			}
		}()
	}

	engine, err := xcom.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal(err)
	}
	log.Infof("node %s starting in group %d", *myAddr, *groupID)

	if err := join(ctx, engine); err != nil {
		log.Fatal(err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
		fmt.Println("Caught signal")
	case <-ctx.Done():
	}
	catchKill(engine, receiver)
}

// join boots a new group or asks the seeds for a snapshot. Without either
// the node waits for an administrative boot request.
func join(ctx context.Context, engine *xcom.Engine) error {
	if nodes := splitList(*peers); len(nodes) > 0 {
		return errors.Wrap(engine.Boot(ctx, nodelist.Init(nodes)), "boot")
	}
	if len(splitList(*seeds)) > 0 {
		return errors.Wrap(engine.Join(ctx, nil), "join")
	}
	log.Infof("waiting for a boot request")
	return nil
}

func printStats(ctx context.Context, ts *stats.TimeseriesStats, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ts.PrintAndReset(); err != nil {
				log.Warningf("stats: %v", err)
			}
		}
	}
}

func uuidBytes() []byte {
	id := uuid.New()
	return id[:]
}

func catchKill(engine *xcom.Engine, receiver *journalReceiver) {
	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	if err := engine.Stop(); err != nil {
		log.Warningf("stop: %v", err)
	}
	if receiver.journal != nil {
		if err := receiver.journal.Sync(); err != nil {
			log.Warningf("journal sync: %v", err)
		}
	}
}
