package xcom

import (
	"time"

	"github.com/cockroachdb/errors"

	"xcom/dlog"
	"xcom/network"
	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/stats"
	"xcom/xcomcache"
	"xcom/xcomproto"
)

// Logger is the logging hook of the host application.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DataReceiver gets every decided application value, in synode order.
// lastRemoved is the highest synode this node has garbage collected.
type DataReceiver interface {
	Deliver(s xcomproto.Synode, lastRemoved xcomproto.Synode, a *xcomproto.AppData)
}

type DataReceiverFunc func(s xcomproto.Synode, lastRemoved xcomproto.Synode, a *xcomproto.AppData)

func (f DataReceiverFunc) Deliver(s xcomproto.Synode, lastRemoved xcomproto.Synode, a *xcomproto.AppData) {
	f(s, lastRemoved, a)
}

// ViewReceiver is told about membership. GlobalView fires when a site is
// installed, LocalView when the set of members this node can hear changes.
type ViewReceiver interface {
	GlobalView(site *sitedef.SiteDef)
	LocalView(site *sitedef.SiteDef, alive []bool)
}

// SnapshotHandler exports and installs the application state covering the
// log range [start, end).
type SnapshotHandler interface {
	Export(start, end xcomproto.Synode) ([]byte, error)
	Install(snap []byte, start, end xcomproto.Synode) error
}

type StateCallbacks interface {
	Run()
	Exit()
	Expel()
}

type Config struct {
	Self     nodelist.NodeAddress
	GroupID  uint32
	Provider network.Provider
	// Seeds are asked for a snapshot when joining.
	Seeds []string

	TickInterval        time.Duration
	ProposeTimeout      time.Duration
	StallTimeout        time.Duration
	SnapshotWaitTimeout time.Duration
	RecoverWaitTimeout  time.Duration
	DetectorTimeout     time.Duration
	PingInterval        time.Duration
	TimeoutRetries      int

	CacheSize    int
	EventHorizon uint32
	// GCLag is how many message numbers behind the majority's delivery
	// point the instance cache is garbage collected.
	GCLag uint64

	Data      DataReceiver
	Views     ViewReceiver
	Snapshots SnapshotHandler
	States    StateCallbacks
	Logger    Logger

	Stats         *stats.TimeseriesStats
	InstanceStats *stats.InstanceStats
}

func DefaultConfig() Config {
	return Config{
		GroupID:             1,
		TickInterval:        10 * time.Millisecond,
		ProposeTimeout:      100 * time.Millisecond,
		StallTimeout:        200 * time.Millisecond,
		SnapshotWaitTimeout: 5 * time.Second,
		RecoverWaitTimeout:  30 * time.Second,
		DetectorTimeout:     time.Second,
		PingInterval:        100 * time.Millisecond,
		TimeoutRetries:      3,
		CacheSize:           xcomcache.DefaultCapacity,
		EventHorizon:        sitedef.DefaultEventHorizon,
		GCLag:               1000,
	}
}

func (c *Config) validate() error {
	if c.Provider == nil {
		return errors.New("config: no network provider")
	}
	if !nodelist.ValidAddress(c.Self.Address) {
		return errors.Newf("config: invalid node address %q", c.Self.Address)
	}
	if c.GroupID == 0 {
		return errors.New("config: group id 0 is reserved")
	}
	if err := sitedef.ValidateEventHorizon(c.EventHorizon); err != nil {
		return errors.Wrap(err, "config")
	}
	if err := xcomcache.ValidateCapacity(uint64(c.CacheSize)); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.TickInterval <= 0 || c.ProposeTimeout <= 0 || c.StallTimeout <= 0 {
		return errors.New("config: timers must be positive")
	}
	if c.Logger == nil {
		c.Logger = dlog.Logger("xcom")
	}
	return nil
}
