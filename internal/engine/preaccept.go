package engine

import (
	"time"

	"github.com/chorny/kepaxos/internal/ballot"
	"github.com/chorny/kepaxos/internal/command"
	"github.com/chorny/kepaxos/internal/wire"
)

// Submit proposes a mutation for key: it installs a command proposing
// the next sequence number after whatever is already committed,
// broadcasts PRE_ACCEPT to the rest of the group, and blocks the caller
// until the command completes or times out.
func (r *Replica) Submit(cmdType byte, key, data []byte) (bool, error) {
	if r.alloc.Exhausted() {
		return false, ErrBallotExhausted
	}

	prevSeq, _, err := r.log.LastSeqForKey(key)
	if err != nil {
		return false, err
	}

	bal := r.alloc.Current()
	cmd := command.New(key, cmdType, data, prevSeq+1, bal, r.timeout)
	cmd.MarkWaiting()

	if evicted := r.table.Put(cmd); evicted != nil {
		evicted.Lock()
		evictedSeq := evicted.Seq
		evicted.Unlock()
		if evictedSeq+1 > cmd.Seq {
			cmd.Lock()
			cmd.Seq = evictedSeq + 1
			cmd.Unlock()
		}
	}

	cmd.Lock()
	proposedSeq := cmd.Seq
	cmd.Unlock()

	r.broadcastToOthers(&wire.Message{
		Sender:  r.myName(),
		Ballot:  bal,
		Seq:     proposedSeq,
		Type:    wire.PreAccept,
		CmdType: cmdType,
		Key:     key,
	})

	deadline := time.Now().Add(r.timeout)
	cmd.Wait(deadline)
	r.table.Remove(key, cmd)

	committedSeq, _, err := r.log.LastSeqForKey(key)
	if err != nil {
		return false, err
	}

	ok := committedSeq >= proposedSeq
	if !ok && r.metrics != nil {
		r.metrics.SubmitTimeout()
	}
	return ok, nil
}

// handlePreAccept answers a leader's PRE_ACCEPT for key: it reconciles
// the proposed seq against whatever this replica already knows (its
// committed log entry and any in-flight command for the key) and replies
// with the seq it believes should win, flagging whether that seq is
// already committed locally.
func (r *Replica) handlePreAccept(msg *wire.Message) {
	localSeq, localBal, err := r.log.LastSeqForKey(msg.Key)
	if err != nil {
		logger.Warning("handlePreAccept: log lookup failed: %v", err)
		return
	}
	if msg.Seq == localSeq && msg.Ballot == localBal {
		// Already committed under this exact (ballot, seq); drop silently.
		return
	}

	logger.Debug("PreAccept received for key %x: ballot=%d seq=%d from=%s", msg.Key, uint64(msg.Ballot), msg.Seq, msg.Sender)

	cmd, created := r.table.GetOrCreate(msg.Key, func() *command.Command {
		return command.New(msg.Key, msg.CmdType, nil, msg.Seq, msg.Ballot, r.timeout)
	})

	cmd.Lock()
	defer cmd.Unlock()

	var interfering uint64
	var priorStatus command.Status
	var priorBallot ballot.Num

	if created {
		interfering = 0
		priorStatus = command.PreAccepted
		priorBallot = msg.Ballot
	} else {
		if msg.Ballot < cmd.Ballot {
			if r.metrics != nil {
				r.metrics.DroppedStale()
			}
			return
		}
		priorStatus = cmd.Status
		priorBallot = cmd.Ballot
		if msg.Ballot > cmd.Ballot {
			cmd.Ballot = msg.Ballot
		}
		interfering = cmd.Seq
	}

	interfering = max64(localSeq, interfering)
	maxSeq := max64(msg.Seq, interfering)

	if msg.Seq >= interfering {
		if priorStatus == command.Accepted && priorBallot.Replica() != r.myIndex {
			// Our uncommitted ACCEPT may be stale; ask that replica for
			// authoritative state.
			r.triggerRecovery(priorBallot.Replica(), msg.Key)
		}
		cmd.Status = command.PreAccepted
		cmd.Seq = interfering
		cmd.Type = msg.CmdType
	}

	r.unicast(msg.Sender, &wire.Message{
		Sender:    r.myName(),
		Ballot:    cmd.Ballot,
		Seq:       maxSeq,
		Type:      wire.PreAcceptResponse,
		Key:       msg.Key,
		Committed: maxSeq == localSeq,
	})
}

// handlePreAcceptResponse tallies one PRE_ACCEPT_RESPONSE at the leader.
// Once enough replicas have replied, it either commits directly (fast
// path, when every voter agreed on the proposed seq and none has it
// committed yet) or escalates to an ACCEPT round at a higher seq (slow
// path).
func (r *Replica) handlePreAcceptResponse(msg *wire.Message) {
	cmd, ok := r.table.Get(msg.Key)
	if !ok {
		return
	}

	cmd.Lock()
	if msg.Ballot < cmd.Ballot || cmd.Status != command.PreAccepted {
		cmd.Unlock()
		return
	}

	cmd.Votes = append(cmd.Votes, command.Vote{Peer: msg.Sender, Seq: msg.Seq, Ballot: msg.Ballot})
	if msg.Seq > cmd.MaxSeq {
		cmd.MaxSeq = msg.Seq
		cmd.MaxVoter = msg.Sender
		cmd.MaxSeqCommitted = msg.Committed
	} else if msg.Seq == cmd.MaxSeq {
		cmd.MaxSeqCommitted = cmd.MaxSeqCommitted || msg.Committed
	}

	if len(cmd.Votes) < r.quorumSize() {
		cmd.Unlock()
		return
	}

	fastPath := cmd.Seq > cmd.MaxSeq || (cmd.Seq == cmd.MaxSeq && !cmd.MaxSeqCommitted)
	if fastPath {
		cmd.Status = command.Committed
		seq := cmd.Seq
		bal := cmd.Ballot
		typ := cmd.Type
		data := cmd.Data
		cmd.Unlock()

		r.table.Remove(msg.Key, cmd)
		if r.metrics != nil {
			r.metrics.FastPathCommit()
		}
		logger.Debug("fast-path commit for key %x: ballot=%d seq=%d", msg.Key, uint64(bal), seq)
		r.commitLeader(cmd, msg.Key, typ, data, bal, seq)
		return
	}

	// Slow path: no fast-path quorum agreed, escalate to an ACCEPT round
	// at max_seq+1 under a freshly bumped ballot.
	cmd.Votes = nil
	cmd.Seq = cmd.MaxSeq + 1
	cmd.Ballot = r.alloc.Bump()
	cmd.Status = command.Accepted
	bal := cmd.Ballot
	seq := cmd.Seq
	cmd.Unlock()

	if r.metrics != nil {
		r.metrics.SlowPathEscalation()
	}
	logger.Debug("escalating key %x to accept: ballot=%d seq=%d", msg.Key, uint64(bal), seq)
	r.broadcastToOthers(&wire.Message{
		Sender: r.myName(),
		Ballot: bal,
		Seq:    seq,
		Type:   wire.Accept,
		Key:    msg.Key,
	})
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
