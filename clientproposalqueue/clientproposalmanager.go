package clientproposalqueue

import (
	"github.com/google/uuid"

	"xcom/dlog"
	"xcom/xcomproto"
)

// ClientProposalQueue holds the values waiting for a slot. Values that lost
// their slot are reproposed before anything new, and a value is never queued
// twice or kept around once it has been delivered.
type ClientProposalQueue struct {
	proposals   []*xcomproto.AppData
	reproposals []*xcomproto.AppData

	queued      map[uuid.UUID]struct{}
	outstanding map[uuid.UUID]*xcomproto.AppData
}

func ClientProposalQueueInit() *ClientProposalQueue {
	return &ClientProposalQueue{
		queued:      make(map[uuid.UUID]struct{}),
		outstanding: make(map[uuid.UUID]*xcomproto.AppData),
	}
}

func (q *ClientProposalQueue) isOutstanding(id uuid.UUID) bool {
	_, outstanding := q.outstanding[id]
	return outstanding
}

func (q *ClientProposalQueue) tryAddQueuedUID(id uuid.UUID) bool {
	if _, exists := q.queued[id]; exists {
		return false
	}
	q.queued[id] = struct{}{}
	return true
}

// TryEnqueue adds a new value. It reports false for a value already queued
// or in flight.
func (q *ClientProposalQueue) TryEnqueue(a *xcomproto.AppData) bool {
	if q.isOutstanding(a.UniqueID) || !q.tryAddQueuedUID(a.UniqueID) {
		return false
	}
	q.proposals = append(q.proposals, a)
	return true
}

// TryRequeue puts an in-flight value back for another slot.
func (q *ClientProposalQueue) TryRequeue(a *xcomproto.AppData) bool {
	if !q.isOutstanding(a.UniqueID) {
		dlog.Printf("not requeueing %s, it is not outstanding", a.UniqueID)
		return false
	}
	delete(q.outstanding, a.UniqueID)
	if !q.tryAddQueuedUID(a.UniqueID) {
		return false
	}
	q.reproposals = append(q.reproposals, a)
	return true
}

func pop(l *[]*xcomproto.AppData) *xcomproto.AppData {
	a := (*l)[0]
	(*l)[0] = nil
	*l = (*l)[1:]
	return a
}

// TryDequeue returns the next value to propose and marks it outstanding, or
// nil when nothing is queued.
func (q *ClientProposalQueue) TryDequeue() *xcomproto.AppData {
	var a *xcomproto.AppData
	switch {
	case len(q.reproposals) > 0:
		a = pop(&q.reproposals)
	case len(q.proposals) > 0:
		a = pop(&q.proposals)
	default:
		return nil
	}
	delete(q.queued, a.UniqueID)
	q.outstanding[a.UniqueID] = a
	return a
}

// CloseValue forgets a delivered value, dropping it from the queue if it was
// waiting to be reproposed.
func (q *ClientProposalQueue) CloseValue(id uuid.UUID) bool {
	if _, queued := q.queued[id]; queued {
		delete(q.queued, id)
		q.reproposals = remove(q.reproposals, id)
		q.proposals = remove(q.proposals, id)
		return true
	}
	if q.isOutstanding(id) {
		delete(q.outstanding, id)
		return true
	}
	return false
}

func remove(l []*xcomproto.AppData, id uuid.UUID) []*xcomproto.AppData {
	out := l[:0]
	for _, a := range l {
		if a.UniqueID != id {
			out = append(out, a)
		}
	}
	for i := len(out); i < len(l); i++ {
		l[i] = nil
	}
	return out
}

// Len is the number of values waiting for a slot.
func (q *ClientProposalQueue) Len() int {
	return len(q.proposals) + len(q.reproposals)
}

func (q *ClientProposalQueue) Outstanding() int {
	return len(q.outstanding)
}
