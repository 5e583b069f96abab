package engine

import (
	"github.com/chorny/kepaxos/internal/ballot"
	"github.com/chorny/kepaxos/internal/command"
	"github.com/chorny/kepaxos/internal/wire"
)

// commitLeader applies a command this replica led, persists it, and
// broadcasts COMMIT to the rest of the group. cmd has already been
// removed from the table by the caller. If the local apply fails, the
// policy here is to drop the round entirely rather than broadcast a
// commit this replica couldn't itself apply: no log update, no COMMIT
// broadcast, and the waiter is woken with failure.
func (r *Replica) commitLeader(cmd *command.Command, key []byte, typ byte, data []byte, bal ballot.Num, seq uint64) {
	if err := r.commitFn(typ, key, data, true); err != nil {
		logger.Error("local commit handler failed for key, leader commit aborted: %v", err)
		if r.metrics != nil {
			r.metrics.CommitHandlerFailure()
		}
		cmd.Finish(command.Failed)
		return
	}

	if err := r.log.SetLastSeqForKey(key, bal, seq); err != nil {
		logger.Error("failed to persist commit: %v", err)
		cmd.Finish(command.Failed)
		return
	}

	logger.Debug("committed key %x: ballot=%d seq=%d", key, uint64(bal), seq)

	r.broadcastToOthers(&wire.Message{
		Sender:  r.myName(),
		Ballot:  bal,
		Seq:     seq,
		Type:    wire.Commit,
		CmdType: typ,
		Key:     key,
		Data:    data,
	})

	cmd.Finish(command.Ok)
}

// handleCommit applies a COMMIT broadcast from the leader: it updates the
// local store and log, and retires any in-flight command for the key
// that the commit has superseded.
func (r *Replica) handleCommit(msg *wire.Message) {
	if cmd, ok := r.table.Get(msg.Key); ok {
		cmd.Lock()
		stale := cmd.Seq == msg.Seq && cmd.Ballot > msg.Ballot
		cmd.Unlock()
		if stale {
			if r.metrics != nil {
				r.metrics.DroppedStale()
			}
			return
		}
	}

	localSeq, _, err := r.log.LastSeqForKey(msg.Key)
	if err != nil {
		logger.Warning("handleCommit: log lookup failed: %v", err)
		return
	}
	if msg.Seq < localSeq {
		return
	}

	logger.Debug("applying commit for key %x: ballot=%d seq=%d", msg.Key, uint64(msg.Ballot), msg.Seq)

	if err := r.commitFn(msg.CmdType, msg.Key, msg.Data, false); err != nil {
		// The log is still updated below even on a failed local apply, so
		// this replica's view of "what's committed" stays consistent with
		// its peers; the failed apply needs a separate repair.
		logger.Warning("follower commit handler failed for key: %v", err)
		if r.metrics != nil {
			r.metrics.CommitHandlerFailure()
		}
	}

	if err := r.log.SetLastSeqForKey(msg.Key, msg.Ballot, msg.Seq); err != nil {
		logger.Error("failed to persist follower commit: %v", err)
		return
	}

	if cmd, ok := r.table.Get(msg.Key); ok {
		cmd.Lock()
		shouldRemove := cmd.Seq <= msg.Seq
		cmd.Unlock()
		if shouldRemove {
			r.table.Remove(msg.Key, cmd)
		}
	}
}
