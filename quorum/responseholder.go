package quorum

type ResponseHolder struct {
	Nacks map[uint32]struct{}
	Acks  map[uint32]struct{}
}

func (qrm *ResponseHolder) clear() {
	qrm.Nacks = make(map[uint32]struct{})
	qrm.Acks = make(map[uint32]struct{})
}

func (qrm *ResponseHolder) addAck(id uint32) {
	if qrm.Acks == nil {
		qrm.clear()
	}
	qrm.Acks[id] = struct{}{}
}

func (qrm *ResponseHolder) addNack(id uint32) {
	if qrm.Nacks == nil {
		qrm.clear()
	}
	qrm.Nacks[id] = struct{}{}
}

func (qrm *ResponseHolder) getAcks() map[uint32]struct{} {
	return qrm.Acks
}
