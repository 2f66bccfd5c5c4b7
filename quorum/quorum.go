package quorum

type QuorumTally interface {
	Add(nodeNo uint32)
	Reached() bool
	Acknowledged(nodeNo uint32) bool
	CanFormQuorum(nodeNo uint32) bool
}

// CountingQuorumTally is reached once Threshold distinct members of Can
// have acknowledged. An empty Can accepts any node number.
type CountingQuorumTally struct {
	ResponseHolder
	Threshold int
	Can       []uint32
}

func NewCountingQuorumTally(threshold int, can []uint32) *CountingQuorumTally {
	qrm := &CountingQuorumTally{Threshold: threshold, Can: can}
	qrm.clear()
	return qrm
}

// Members returns 0..n-1, the usual Can set of an n node site.
func Members(n int) []uint32 {
	can := make([]uint32, n)
	for i := range can {
		can[i] = uint32(i)
	}
	return can
}

func (qrm *CountingQuorumTally) CanFormQuorum(nodeNo uint32) bool {
	if len(qrm.Can) == 0 {
		return true
	}
	for _, n := range qrm.Can {
		if n == nodeNo {
			return true
		}
	}
	return false
}

func (qrm *CountingQuorumTally) Add(nodeNo uint32) {
	if !qrm.CanFormQuorum(nodeNo) {
		return
	}
	qrm.ResponseHolder.addAck(nodeNo)
}

func (qrm *CountingQuorumTally) Nack(nodeNo uint32) {
	qrm.ResponseHolder.addNack(nodeNo)
}

func (qrm *CountingQuorumTally) Reached() bool {
	return len(qrm.getAcks()) >= qrm.Threshold
}

func (qrm *CountingQuorumTally) Acknowledged(nodeNo uint32) bool {
	_, exists := qrm.getAcks()[nodeNo]
	return exists
}

func (qrm *CountingQuorumTally) Count() int {
	return len(qrm.getAcks())
}

// Reset forgets every response and starts a new round with threshold.
func (qrm *CountingQuorumTally) Reset(threshold int, can []uint32) {
	qrm.Threshold = threshold
	qrm.Can = can
	qrm.clear()
}
