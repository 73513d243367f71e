package main

import (
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/raftd/internal/raft"
	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftnet"
)

// installHandles registers every fd the event loop waits on: the two
// UDP sockets, the election/heartbeat timer, and the event pipe
// (spec.md §4.A/§4.B/§4.F wired together at the single epoll instance
// spec.md §5 calls for).
func (s *server) installHandles(log zerolog.Logger) error {
	peerFile, err := s.peerSock.File()
	if err != nil {
		return err
	}
	clientFile, err := s.clientSock.File()
	if err != nil {
		return err
	}
	pipeFile := s.pipe.ReadFile()
	timerFile := s.timer.Fd()

	peerBuf := make([]byte, 64*1024)
	h := s.mgr.HandleInit(int(peerFile.Fd()), unix.EPOLLIN, func(uint32) {
		s.onPeerReadable(log, peerBuf)
	}, nil, nil)
	if err := s.mgr.Add(h); err != nil {
		return err
	}

	clientBuf := make([]byte, 64*1024)
	h = s.mgr.HandleInit(int(clientFile.Fd()), unix.EPOLLIN, func(uint32) {
		s.onClientReadable(log, clientBuf)
	}, nil, nil)
	if err := s.mgr.Add(h); err != nil {
		return err
	}

	h = s.mgr.HandleInit(int(pipeFile.Fd()), unix.EPOLLIN, func(uint32) {
		_ = s.pipe.Drain()
	}, nil, nil)
	if err := s.mgr.Add(h); err != nil {
		return err
	}

	h = s.mgr.HandleInit(timerFile, unix.EPOLLIN, func(uint32) {
		s.onTimerFired(log)
	}, nil, nil)
	return s.mgr.Add(h)
}

// armElectionTimeout arms the shared timer as a one-shot at a random
// point in [election_timeout_min_ms, election_timeout_max_ms] (spec.md
// §6), the initial arm every follower starts up with.
func (s *server) armElectionTimeout() {
	min, max := s.cfg.ElectionTimeoutRange()
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	_ = s.timer.ArmOnce(d)
}

// rearm applies an Outbox's timer directives: RearmHeartbeat takes
// precedence (a node that just became leader abandons its election
// timer for the periodic heartbeat one), otherwise RearmElection
// re-arms a fresh random election timeout.
func (s *server) rearm(ob raft.Outbox) {
	switch {
	case ob.RearmHeartbeat:
		_ = s.timer.ArmPeriodic(s.cfg.HeartbeatInterval())
	case ob.RearmElection:
		s.armElectionTimeout()
	}
}

func (s *server) onTimerFired(log zerolog.Logger) {
	if _, err := s.timer.Drain(); err != nil {
		log.Warn().Err(err).Msg("drain timer")
		return
	}

	var ob raft.Outbox
	var err error
	if s.rft.Role() == raft.Leader {
		ob, err = s.rft.HeartbeatTimerFired()
	} else {
		ob, err = s.rft.ElectionTimerFired()
	}
	if err != nil {
		log.Error().Err(err).Msg("timer-driven raft transition failed")
		return
	}
	s.rearm(ob)
	s.sendOutbox(log, ob)
	s.flushPendingReplies()
}

func (s *server) onPeerReadable(log zerolog.Logger, buf []byte) {
	e, from, err := s.net.Recv(buf)
	if err != nil {
		log.Debug().Err(err).Msg("drop inbound peer datagram")
		return
	}

	switch e.Type {
	case raftnet.MsgVoteReq:
		req, err := raftnet.DecodeVoteReqPayload(e.Data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed VoteReq")
			return
		}
		wasFollowerOrCandidate := s.rft.Role() != raft.Leader
		rep, granted, err := s.rft.HandleVoteReq(e.SenderID, req)
		if err != nil {
			log.Error().Err(err).Msg("HandleVoteReq")
			return
		}
		if granted && wasFollowerOrCandidate {
			s.armElectionTimeout()
		}
		_ = s.net.Send(raftnet.Envelope{Type: raftnet.MsgVoteRep, DestID: e.SenderID, Data: rep.Encode()}, from)

	case raftnet.MsgVoteRep:
		rep, err := raftnet.DecodeVoteRepPayload(e.Data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed VoteRep")
			return
		}
		ob, err := s.rft.HandleVoteRep(e.SenderID, rep)
		if err != nil {
			log.Error().Err(err).Msg("HandleVoteRep")
			return
		}
		s.rearm(ob)
		s.sendOutbox(log, ob)
		s.flushPendingReplies()

	case raftnet.MsgAppendReq:
		req, err := raftnet.DecodeAppendReqPayload(e.Data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed AppendReq")
			return
		}
		rep, ok, err := s.rft.HandleAppendReq(e.SenderID, req)
		if err != nil {
			log.Error().Err(err).Msg("HandleAppendReq")
			return
		}
		if ok {
			s.armElectionTimeout()
		}
		_ = s.net.Send(raftnet.Envelope{Type: raftnet.MsgAppendRep, DestID: e.SenderID, Data: rep.Encode()}, from)
		s.flushPendingReplies()

	case raftnet.MsgAppendRep:
		rep, err := raftnet.DecodeAppendRepPayload(e.Data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed AppendRep")
			return
		}
		if err := s.rft.HandleAppendRep(e.SenderID, rep); err != nil {
			log.Error().Err(err).Msg("HandleAppendRep")
			return
		}
		s.flushPendingReplies()

	default:
		log.Debug().Uint16("type", uint16(e.Type)).Msg("unexpected peer message type")
	}
}

// onClientReadable handles the client-facing socket: ClientReq and
// Ping (spec.md §4.G). Unlike the peer socket, inbound senders here
// are application clients, not registered peers, so envelopes are
// decoded directly rather than through net.Recv's peer-directory
// validation (spec.md §4.F's sender check applies to server<->server
// traffic).
func (s *server) onClientReadable(log zerolog.Logger, buf []byte) {
	n, from, err := s.clientSock.RecvFrom(buf)
	if err != nil {
		log.Debug().Err(err).Msg("client socket recv")
		return
	}
	e, err := raftnet.Decode(buf[:n])
	if err != nil {
		log.Debug().Err(err).Msg("drop malformed client datagram")
		return
	}
	if e.GroupID != s.groupID {
		log.Debug().Msg("drop client datagram for a different group")
		return
	}

	switch e.Type {
	case raftnet.MsgPing:
		s.reply(log, from, e.SenderID, e.MsgID, raftnet.MsgPingRep, nil, 0, 0)

	case raftnet.MsgClientReq:
		s.handleClientReq(log, e, from)

	default:
		log.Debug().Uint16("type", uint16(e.Type)).Msg("unexpected client message type")
	}
}

func (s *server) handleClientReq(log zerolog.Logger, e raftnet.Envelope, from net.Addr) {
	if s.rft.Role() != raft.Leader {
		leader := s.rft.LeaderID()
		var data []byte
		if leader != raftid.NilPeer {
			u := leader // [16]byte
			data = append([]byte(nil), u[:]...)
		}
		s.reply(log, from, e.SenderID, e.MsgID, raftnet.MsgRedirect, data, 0, 0)
		return
	}

	index, ob, err := s.rft.SubmitCommand(e.Data)
	if err != nil {
		s.reply(log, from, e.SenderID, e.MsgID, raftnet.MsgClientRep, nil, 0, 1)
		return
	}
	s.pending = append(s.pending, pendingReply{index: index, addr: from, from: e.SenderID, msgID: e.MsgID})
	s.sendOutbox(log, ob)
	s.flushPendingReplies()
}

// flushPendingReplies answers every pending ClientReq whose entry has
// become applied, in the order their indexes were submitted (always
// increasing, since a leader appends sequentially).
func (s *server) flushPendingReplies() {
	applied := s.rft.LastApplied()
	i := 0
	for ; i < len(s.pending); i++ {
		p := s.pending[i]
		if p.index > applied {
			break
		}
		payload, _ := s.store.TakeResult(p.index)
		_ = s.net.Send(raftnet.Envelope{Type: raftnet.MsgClientRep, DestID: p.from, MsgID: p.msgID, Data: payload}, p.addr)
	}
	s.pending = s.pending[i:]
}

func (s *server) reply(log zerolog.Logger, to net.Addr, destID raftid.PeerId, msgID uint64, t raftnet.MsgType, data []byte, sysErr, appErr int32) {
	e := raftnet.Envelope{Type: t, DestID: destID, MsgID: msgID, Data: data, SysError: sysErr, AppError: appErr}
	if err := s.net.Send(e, to); err != nil {
		log.Debug().Err(err).Msg("send client reply")
	}
}

// sendOutbox dispatches every envelope a raft state transition
// produced: a zero Dest (raftid.NilPeer) means broadcast to every
// other peer (spec.md §4.E VoteReq/AppendReq fan-out), anything else
// is a direct reply to that peer's registered address.
func (s *server) sendOutbox(log zerolog.Logger, ob raft.Outbox) {
	for _, env := range ob.Envelopes {
		if env.Dest == raftid.NilPeer {
			for _, p := range s.peers {
				if p.ID == s.selfID {
					continue
				}
				s.sendToPeer(log, p.ID, env.Type, env.Data)
			}
			continue
		}
		s.sendToPeer(log, env.Dest, env.Type, env.Data)
	}
}

func (s *server) sendToPeer(log zerolog.Logger, dest raftid.PeerId, t raftnet.MsgType, data []byte) {
	p, err := s.dir.Lookup(s.groupID, dest)
	if err != nil {
		log.Debug().Str("peer", dest.String()).Msg("cannot send: unknown peer")
		return
	}
	addr, err := net.ResolveUDPAddr("udp", p.PeerAddr)
	if err != nil {
		log.Debug().Err(err).Msg("resolve peer address")
		return
	}
	if err := s.net.Send(raftnet.Envelope{Type: t, DestID: dest, Data: data}, addr); err != nil {
		log.Debug().Err(err).Msg("send to peer")
	}
}
