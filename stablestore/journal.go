package stablestore

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"xcom/xcomproto"
)

const headerLen = 12

var ErrCorruptJournal = errors.New("corrupt journal")

type Record struct {
	Synode  xcomproto.Synode
	Payload []byte
}

// Journal appends delivered values to a StableStore. The first headerLen
// bytes hold the last appended synode and are rewritten in place.
type Journal struct {
	mu       sync.Mutex
	store    StableStore
	syncEach bool
	last     xcomproto.Synode
}

func NewJournal(store StableStore, syncEach bool) (*Journal, error) {
	var b [headerLen]byte
	if _, err := store.Write(b[:]); err != nil {
		return nil, errors.Wrap(err, "journal header")
	}
	return &Journal{store: store, syncEach: syncEach}, nil
}

func (j *Journal) Append(s xcomproto.Synode, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.last.IsNull() && !j.last.Less(s) {
		return errors.Newf("journal append of %s after %s", s, j.last)
	}
	b := make([]byte, headerLen+4+len(payload))
	binary.LittleEndian.PutUint64(b[0:], s.MsgNo)
	binary.LittleEndian.PutUint32(b[8:], s.Node)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(payload)))
	copy(b[16:], payload)
	if _, err := j.store.Write(b); err != nil {
		return errors.Wrapf(err, "journal append %s", s)
	}
	if _, err := j.store.WriteAt(b[:headerLen], 0); err != nil {
		return errors.Wrap(err, "journal header")
	}
	j.last = s
	if j.syncEach {
		return j.store.Sync()
	}
	return nil
}

func (j *Journal) Last() xcomproto.Synode {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Sync()
}

// ReadJournal parses a journal written by Journal. It returns the records
// and the last synode recorded in the header.
func ReadJournal(r io.Reader, group uint32) ([]Record, xcomproto.Synode, error) {
	br := bufio.NewReader(r)
	var hdr [headerLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, xcomproto.NullSynode, errors.Wrap(ErrCorruptJournal, "missing header")
	}
	last := xcomproto.Synode{GroupID: group, MsgNo: binary.LittleEndian.Uint64(hdr[0:]), Node: binary.LittleEndian.Uint32(hdr[8:])}
	var recs []Record
	for {
		var b [headerLen + 4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			if err == io.EOF {
				return recs, last, nil
			}
			return recs, last, errors.Wrap(ErrCorruptJournal, "truncated record")
		}
		rec := Record{Synode: xcomproto.Synode{GroupID: group, MsgNo: binary.LittleEndian.Uint64(b[0:]), Node: binary.LittleEndian.Uint32(b[8:])}}
		n := binary.LittleEndian.Uint32(b[12:])
		if n > xcomproto.MaxFieldLen {
			return recs, last, errors.Wrapf(ErrCorruptJournal, "record of %d bytes", n)
		}
		rec.Payload = make([]byte, n)
		if _, err := io.ReadFull(br, rec.Payload); err != nil {
			return recs, last, errors.Wrap(ErrCorruptJournal, "truncated payload")
		}
		recs = append(recs, rec)
	}
}
