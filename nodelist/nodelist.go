package nodelist

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
)

// NodeAddress identifies one group member. UUID marks the incarnation of the
// process listening on Address and UID is an optional numeric identity; both
// only take part in matching when a UID-aware comparison is requested.
type NodeAddress struct {
	Address string
	UUID    []byte
	UID     uint64
}

func (n NodeAddress) Clone() NodeAddress {
	c := NodeAddress{Address: n.Address, UID: n.UID}
	if n.UUID != nil {
		c.UUID = append([]byte(nil), n.UUID...)
	}
	return c
}

func (n NodeAddress) String() string {
	return n.Address
}

// Match compares two node identities by address, and by UUID and UID as well
// when withUID is set.
func Match(a, b NodeAddress, withUID bool) bool {
	if a.Address != b.Address {
		return false
	}
	if !withUID {
		return true
	}
	return a.UID == b.UID && bytes.Equal(a.UUID, b.UUID)
}

// ValidAddress reports whether name looks like host:port with a usable port.
func ValidAddress(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	host, port, err := net.SplitHostPort(name)
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p < 65536
}

// NodeList is an ordered membership list. A nil NodeList means "unknown"
// while Empty() is a known, zero length list.
type NodeList []NodeAddress

func Empty() NodeList {
	return NodeList{}
}

// Init builds a list from raw names, skipping malformed ones and duplicates.
func Init(names []string) NodeList {
	return InitWithUUIDs(names, nil)
}

// InitWithUUIDs is Init with one incarnation UUID per name. Missing UUIDs
// leave the entry without one.
func InitWithUUIDs(names []string, uuids [][]byte) NodeList {
	l := Empty()
	for i, name := range names {
		if !ValidAddress(name) {
			continue
		}
		n := NodeAddress{Address: strings.TrimSpace(name)}
		if i < len(uuids) && uuids[i] != nil {
			n.UUID = append([]byte(nil), uuids[i]...)
		}
		if l.Contains(n, false) {
			continue
		}
		l = append(l, n)
	}
	return l
}

func (l NodeList) Clone() NodeList {
	if l == nil {
		return nil
	}
	c := make(NodeList, len(l))
	for i, n := range l {
		c[i] = n.Clone()
	}
	return c
}

func (l NodeList) Len() int {
	return len(l)
}

// IndexOf returns the position of n in l or -1.
func (l NodeList) IndexOf(n NodeAddress, withUID bool) int {
	for i := range l {
		if Match(l[i], n, withUID) {
			return i
		}
	}
	return -1
}

func (l NodeList) Contains(n NodeAddress, withUID bool) bool {
	return l.IndexOf(n, withUID) >= 0
}

func (l NodeList) Exists(address string) bool {
	return l.Contains(NodeAddress{Address: address}, false)
}

func (l NodeList) ExistsWithUID(n NodeAddress) bool {
	return l.Contains(n, true)
}

// Add returns the union of l and nodes. Malformed addresses are skipped.
func (l NodeList) Add(nodes NodeList, withUID bool) NodeList {
	res := l.Clone()
	if res == nil {
		res = Empty()
	}
	for _, n := range nodes {
		if !ValidAddress(n.Address) || res.Contains(n, withUID) {
			continue
		}
		res = append(res, n.Clone())
	}
	return res
}

// Remove returns l without any entry matching one of nodes.
func (l NodeList) Remove(nodes NodeList, withUID bool) NodeList {
	res := Empty()
	for _, n := range l {
		if nodes.Contains(n, withUID) {
			continue
		}
		res = append(res, n.Clone())
	}
	return res
}

// Equal is an order sensitive comparison.
func (l NodeList) Equal(o NodeList, withUID bool) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !Match(l[i], o[i], withUID) {
			return false
		}
	}
	return true
}

// Checksum hashes every member independently and sums the results, so the
// value does not depend on the order of the list.
func (l NodeList) Checksum() uint32 {
	var sum uint32
	for _, n := range l {
		h := fnv.New32a()
		h.Write([]byte(n.Address))
		h.Write([]byte{0})
		h.Write(n.UUID)
		var uid [8]byte
		binary.LittleEndian.PutUint64(uid[:], n.UID)
		h.Write(uid[:])
		sum += h.Sum32()
	}
	return sum
}

func (l NodeList) Addresses() []string {
	addrs := make([]string, len(l))
	for i, n := range l {
		addrs[i] = n.Address
	}
	return addrs
}

func (l NodeList) String() string {
	return "[" + strings.Join(l.Addresses(), " ") + "]"
}
