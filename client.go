package xcom

import (
	"github.com/cockroachdb/errors"

	"xcom/network"
	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomcache"
	"xcom/xcomfsm"
	"xcom/xcomproto"
)

func (e *Engine) clientReply(req *xcomproto.PaxMsg, code xcomproto.ClientReplyCode) *xcomproto.PaxMsg {
	r := xcomproto.NewPaxMsg(xcomproto.XcomClientReply, xcomproto.Synode{GroupID: e.group})
	if req.A != nil {
		r.A = &xcomproto.AppData{UniqueID: req.A.UniqueID, GroupID: e.group, CargoType: req.A.CargoType}
	}
	r.CliErr = code
	return r
}

func (e *Engine) answer(conn network.ConnectionDescriptor, req *xcomproto.PaxMsg, code xcomproto.ClientReplyCode) {
	e.reply(conn, e.chain.Latest(), e.clientReply(req, code))
}

// handleClient serves requests from clients and administrative tools. Values
// that go through consensus are answered once they are delivered here.
func (e *Engine) handleClient(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	a := m.A
	if a == nil {
		e.answer(conn, m, xcomproto.RequestFail)
		return
	}
	e.log.Debugf("client request %s from %s", a.CargoType, conn.Addr())

	switch a.CargoType {
	case xcomproto.AppType:
		if !e.participating() {
			e.answer(conn, m, xcomproto.RequestRetry)
			return
		}
		e.queueForClient(conn, m)

	case xcomproto.AddNodeType, xcomproto.RemoveNodeType, xcomproto.SetEventHorizonType:
		if !e.participating() {
			e.answer(conn, m, xcomproto.RequestRetry)
			return
		}
		latest := e.chain.Latest()
		if _, err := sitedef.InstallAt(latest, a, latest.Start, e.self); err != nil {
			e.log.Warningf("rejecting %s: %v", a.CargoType, err)
			e.answer(conn, m, xcomproto.RequestFail)
			return
		}
		e.queueForClient(conn, m)

	case xcomproto.SetCacheSizeType:
		if !e.participating() {
			e.answer(conn, m, xcomproto.RequestRetry)
			return
		}
		if err := xcomcache.ValidateCapacity(a.CacheLimit); err != nil {
			e.log.Warningf("rejecting cache size: %v", err)
			e.answer(conn, m, xcomproto.RequestFail)
			return
		}
		e.queueForClient(conn, m)

	case xcomproto.GetEventHorizonType:
		latest := e.chain.Latest()
		if latest == nil {
			e.answer(conn, m, xcomproto.RequestFail)
			return
		}
		r := e.clientReply(m, xcomproto.RequestOK)
		r.EventHorizon = latest.EventHorizon
		e.reply(conn, latest, r)

	case xcomproto.ForceConfigType:
		e.answer(conn, m, e.forceFromClient(a.Clone()))

	case xcomproto.ConvertIntoLocalServerType:
		local := xcomproto.NewAppData(e.group, xcomproto.ForceConfigType)
		local.Nodes = nodelist.NodeList{e.self.Clone()}
		e.answer(conn, m, e.forceFromClient(local))

	case xcomproto.UnifiedBootType, xcomproto.XcomBootType:
		code := xcomproto.RequestFail
		if e.fsm.Fsm(xcomfsm.ActUBoot, &xcomfsm.Args{Nodes: a.Nodes}) == xcomfsm.StateRun.String() {
			code = xcomproto.RequestOK
		}
		e.answer(conn, m, code)

	case xcomproto.GetSynodeAppDataType:
		data, err := e.requestedSynodeData(a.Synodes)
		if err != nil {
			e.log.Warningf("get synode app data: %v", err)
			e.answer(conn, m, xcomproto.RequestFail)
			return
		}
		r := e.clientReply(m, xcomproto.RequestOK)
		r.RequestedSynodeData = data
		e.reply(conn, e.chain.Latest(), r)

	case xcomproto.ExitType:
		e.answer(conn, m, xcomproto.RequestOK)
		e.fsm.Fsm(xcomfsm.ActExit, nil)

	case xcomproto.ResetType:
		e.fsm.Fsm(xcomfsm.ActTerminate, nil)
		e.answer(conn, m, xcomproto.RequestOK)

	default:
		e.answer(conn, m, xcomproto.RequestFail)
	}
}

func (e *Engine) forceFromClient(a *xcomproto.AppData) xcomproto.ClientReplyCode {
	if e.fsm.State() != xcomfsm.StateRun {
		return xcomproto.RequestRetry
	}
	e.forceErr = nil
	e.fsm.Fsm(xcomfsm.ActForceConfig, &xcomfsm.Args{App: a})
	if e.forceErr != nil {
		return xcomproto.RequestFail
	}
	return xcomproto.RequestOK
}

// queueForClient proposes the client's value and answers when it is
// delivered, or fails.
func (e *Engine) queueForClient(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	a := m.A.Clone()
	a.GroupID = e.group
	e.enqueue(a, waiter{
		ok: func(xcomproto.Synode) {
			e.answer(conn, m, xcomproto.RequestOK)
		},
		fail: func(err error) {
			code := xcomproto.RequestFail
			if errors.Is(err, ErrNotRunning) {
				code = xcomproto.RequestRetry
			}
			e.answer(conn, m, code)
		},
	})
}
