package xcomproto

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"xcom/fastrpc"
	"xcom/nodelist"
)

// MaxFieldLen bounds any length prefixed field read off the wire.
const MaxFieldLen = 64 << 20

var ErrFieldTooLong = errors.New("field exceeds maximum wire length")

type wireWriter struct {
	w  io.Writer
	bs [8]byte
}

func (e *wireWriter) u8(v uint8) {
	e.bs[0] = v
	e.w.Write(e.bs[:1])
}

func (e *wireWriter) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *wireWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.bs[:4], v)
	e.w.Write(e.bs[:4])
}

func (e *wireWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.bs[:8], v)
	e.w.Write(e.bs[:8])
}

func (e *wireWriter) bytes(b []byte) {
	if b == nil {
		e.u32(^uint32(0))
		return
	}
	e.u32(uint32(len(b)))
	e.w.Write(b)
}

func (e *wireWriter) synode(s Synode) {
	e.u32(s.GroupID)
	e.u64(s.MsgNo)
	e.u32(s.Node)
}

func (e *wireWriter) ballot(b Ballot) {
	e.u32(uint32(b.Cnt))
	e.u32(b.Node)
}

func (e *wireWriter) node(n nodelist.NodeAddress) {
	e.bytes([]byte(n.Address))
	e.bytes(n.UUID)
	e.u64(n.UID)
}

func (e *wireWriter) nodes(l nodelist.NodeList) {
	if l == nil {
		e.u32(^uint32(0))
		return
	}
	e.u32(uint32(len(l)))
	for _, n := range l {
		e.node(n)
	}
}

type wireReader struct {
	r   io.Reader
	bs  [8]byte
	err error
}

func (d *wireReader) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.bs[:n]); err != nil {
		d.err = err
		return nil
	}
	return d.bs[:n]
}

func (d *wireReader) u8() uint8 {
	if b := d.read(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *wireReader) bool() bool {
	return d.u8() == 1
}

func (d *wireReader) u32() uint32 {
	if b := d.read(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *wireReader) u64() uint64 {
	if b := d.read(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *wireReader) length() (int, bool) {
	n := d.u32()
	if d.err != nil || n == ^uint32(0) {
		return 0, false
	}
	if n > MaxFieldLen {
		d.err = errors.Wrapf(ErrFieldTooLong, "length %d", n)
		return 0, false
	}
	return int(n), true
}

func (d *wireReader) bytes() []byte {
	n, ok := d.length()
	if !ok {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return b
}

func (d *wireReader) synode() Synode {
	return Synode{GroupID: d.u32(), MsgNo: d.u64(), Node: d.u32()}
}

func (d *wireReader) ballot() Ballot {
	return Ballot{Cnt: int32(d.u32()), Node: d.u32()}
}

func (d *wireReader) node() nodelist.NodeAddress {
	return nodelist.NodeAddress{Address: string(d.bytes()), UUID: d.bytes(), UID: d.u64()}
}

func (d *wireReader) nodes() nodelist.NodeList {
	n, ok := d.length()
	if !ok {
		return nil
	}
	l := make(nodelist.NodeList, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		l = append(l, d.node())
	}
	return l
}

func (t *AppData) marshal(e *wireWriter) {
	e.w.Write(t.UniqueID[:])
	e.u32(t.GroupID)
	e.synode(t.AppKey)
	e.u8(uint8(t.CargoType))
	e.nodes(t.Nodes)
	e.bytes(t.Payload)
	e.u32(t.EventHorizon)
	e.u64(t.CacheLimit)
	e.u32(uint32(len(t.Synodes)))
	for _, s := range t.Synodes {
		e.synode(s)
	}
}

func (t *AppData) unmarshal(d *wireReader) {
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, t.UniqueID[:])
	}
	t.GroupID = d.u32()
	t.AppKey = d.synode()
	t.CargoType = CargoType(d.u8())
	t.Nodes = d.nodes()
	t.Payload = d.bytes()
	t.EventHorizon = d.u32()
	t.CacheLimit = d.u64()
	if n, ok := d.length(); ok && n > 0 {
		t.Synodes = make([]Synode, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			t.Synodes = append(t.Synodes, d.synode())
		}
	}
}

func (t *Snapshot) marshal(e *wireWriter) {
	e.u32(uint32(len(t.Configs)))
	for _, c := range t.Configs {
		e.synode(c.Start)
		e.synode(c.BootKey)
		e.nodes(c.Nodes)
		e.u32(c.EventHorizon)
	}
	e.synode(t.LogStart)
	e.synode(t.LogEnd)
	e.bytes(t.App)
}

func (t *Snapshot) unmarshal(d *wireReader) {
	if n, ok := d.length(); ok {
		t.Configs = make([]ConfigEntry, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			t.Configs = append(t.Configs, ConfigEntry{
				Start:        d.synode(),
				BootKey:      d.synode(),
				Nodes:        d.nodes(),
				EventHorizon: d.u32(),
			})
		}
	}
	t.LogStart = d.synode()
	t.LogEnd = d.synode()
	t.App = d.bytes()
}

func (t *PaxMsg) New() fastrpc.Serializable {
	return new(PaxMsg)
}

func (t *PaxMsg) Marshal(wire io.Writer) {
	e := &wireWriter{w: wire}
	e.u8(uint8(t.Op))
	e.u8(uint8(t.MsgType))
	e.synode(t.Synode)
	e.ballot(t.Proposal)
	e.ballot(t.ReplyTo)
	e.u32(t.From)
	e.synode(t.Delivered)
	e.synode(t.LastRemoved)
	e.synode(t.MaxSynode)
	e.u8(uint8(t.CliErr))
	e.u32(t.EventHorizon)
	e.bool(t.Force)

	e.bool(t.A != nil)
	if t.A != nil {
		t.A.marshal(e)
	}
	e.bool(t.Snapshot != nil)
	if t.Snapshot != nil {
		t.Snapshot.marshal(e)
	}
	e.bool(t.Identity != nil)
	if t.Identity != nil {
		e.node(*t.Identity)
	}
	e.u32(uint32(len(t.RequestedSynodeData)))
	for _, sd := range t.RequestedSynodeData {
		e.synode(sd.Synode)
		e.bytes(sd.Payload)
	}
}

func (t *PaxMsg) Unmarshal(wire io.Reader) error {
	d := &wireReader{r: wire}
	t.Op = PaxOp(d.u8())
	t.MsgType = PaxMsgType(d.u8())
	t.Synode = d.synode()
	t.Proposal = d.ballot()
	t.ReplyTo = d.ballot()
	t.From = d.u32()
	t.Delivered = d.synode()
	t.LastRemoved = d.synode()
	t.MaxSynode = d.synode()
	t.CliErr = ClientReplyCode(d.u8())
	t.EventHorizon = d.u32()
	t.Force = d.bool()

	if d.bool() {
		t.A = new(AppData)
		t.A.unmarshal(d)
	}
	if d.bool() {
		t.Snapshot = new(Snapshot)
		t.Snapshot.unmarshal(d)
	}
	if d.bool() {
		id := d.node()
		t.Identity = &id
	}
	if n, ok := d.length(); ok && n > 0 {
		t.RequestedSynodeData = make([]SynodeAppData, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			t.RequestedSynodeData = append(t.RequestedSynodeData, SynodeAppData{Synode: d.synode(), Payload: d.bytes()})
		}
	}
	if d.err == nil && t.Op >= numPaxOps {
		return errors.Newf("unknown pax op %d", uint8(t.Op))
	}
	return d.err
}
