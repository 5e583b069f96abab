package engine

import (
	"github.com/chorny/kepaxos/internal/command"
	"github.com/chorny/kepaxos/internal/wire"
)

// handleAccept answers a leader's ACCEPT for key: it adopts the proposed
// (ballot, seq) as the command's new accepted state whenever the seq is
// at least as high as what this replica already holds, and replies with
// its agreement plus whether that seq is already committed locally.
func (r *Replica) handleAccept(msg *wire.Message) {
	localSeq, _, err := r.log.LastSeqForKey(msg.Key)
	if err != nil {
		logger.Warning("handleAccept: log lookup failed: %v", err)
		return
	}

	logger.Debug("accept received for key %x: ballot=%d seq=%d from=%s", msg.Key, uint64(msg.Ballot), msg.Seq, msg.Sender)

	cmd, created := r.table.GetOrCreate(msg.Key, func() *command.Command {
		return command.New(msg.Key, msg.CmdType, nil, 0, msg.Ballot, r.timeout)
	})

	cmd.Lock()
	defer cmd.Unlock()

	if !created && msg.Ballot < cmd.Ballot {
		if r.metrics != nil {
			r.metrics.DroppedStale()
		}
		return
	}

	if msg.Seq >= cmd.Seq {
		cmd.Seq = msg.Seq
		cmd.Ballot = msg.Ballot
		cmd.Status = command.Accepted
		cmd.Type = msg.CmdType
		cmd.Touch()
	}

	r.unicast(msg.Sender, &wire.Message{
		Sender:    r.myName(),
		Ballot:    cmd.Ballot,
		Seq:       cmd.Seq,
		Type:      wire.AcceptResponse,
		Key:       msg.Key,
		Committed: cmd.Seq == localSeq,
	})
}

// handleAcceptResponse tallies one ACCEPT_RESPONSE at the leader. Once a
// quorum agrees on the proposed (ballot, seq) the command commits;
// if a quorum has replied but disagrees, or a peer reports the seq
// already committed under different command, the round retries with a
// bumped ballot and/or seq.
func (r *Replica) handleAcceptResponse(msg *wire.Message) {
	cmd, ok := r.table.Get(msg.Key)
	if !ok {
		return
	}

	cmd.Lock()
	if msg.Ballot < cmd.Ballot || cmd.Status != command.Accepted {
		cmd.Unlock()
		return
	}

	if msg.Seq == cmd.Seq && msg.Committed {
		// Another replica already committed this seq under a different
		// command for the same key; bump and retry at a higher seq.
		cmd.Seq++
		cmd.Ballot = r.alloc.Bump()
		cmd.Votes = nil
		bal, seq := cmd.Ballot, cmd.Seq
		cmd.Unlock()

		r.broadcastToOthers(&wire.Message{
			Sender: r.myName(), Ballot: bal, Seq: seq, Type: wire.Accept, Key: msg.Key,
		})
		return
	}

	cmd.Votes = append(cmd.Votes, command.Vote{Peer: msg.Sender, Seq: msg.Seq, Ballot: msg.Ballot})

	countOk := 0
	for _, v := range cmd.Votes {
		if v.Seq == cmd.Seq && v.Ballot == cmd.Ballot {
			countOk++
		}
	}

	quorum := r.quorumSize()
	switch {
	case countOk >= quorum:
		cmd.Status = command.Committed
		seq, bal, typ, data := cmd.Seq, cmd.Ballot, cmd.Type, cmd.Data
		cmd.Unlock()

		r.table.Remove(msg.Key, cmd)
		if r.metrics != nil {
			r.metrics.SlowPathCommit()
		}
		logger.Debug("slow-path commit for key %x: ballot=%d seq=%d", msg.Key, uint64(bal), seq)
		r.commitLeader(cmd, msg.Key, typ, data, bal, seq)

	case len(cmd.Votes) >= quorum:
		// Disagreement: not enough of the quorum agree with our proposal,
		// but we've heard from enough replicas to know this round won't
		// converge. Escalate and retry at a higher ballot.
		if cmd.Seq <= cmd.MaxSeq {
			cmd.Seq++
		}
		cmd.Ballot = r.alloc.Bump()
		cmd.Votes = nil
		bal, seq := cmd.Ballot, cmd.Seq
		cmd.Unlock()

		r.broadcastToOthers(&wire.Message{
			Sender: r.myName(), Ballot: bal, Seq: seq, Type: wire.Accept, Key: msg.Key,
		})

	default:
		cmd.Unlock()
	}
}
