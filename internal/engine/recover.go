package engine

import "github.com/chorny/kepaxos/internal/ballot"

// triggerRecovery resolves a stalled command's ballot-owning replica index
// to a peer address and invokes the embedder's recover callback. Called by
// the command table's sweeper, and by the PreAccept handler when it spots a
// stale ACCEPTED record under another replica's ballot. Runs without any
// replica lock held, since the recover callback may block on network I/O.
func (r *Replica) triggerRecovery(replicaIdx uint8, key []byte) {
	if r.recoverFn == nil {
		return
	}
	if int(replicaIdx) >= len(r.peers) {
		return
	}
	peer := r.peers[replicaIdx]
	seq, bal, err := r.log.LastSeqForKey(key)
	if err != nil {
		logger.Warning("recovery lookup for key failed: %v", err)
		return
	}
	if r.metrics != nil {
		r.metrics.RecoveryTriggered()
	}
	logger.Debug("triggering recovery for key %x from peer %s", key, peer)
	if err := r.recoverFn(peer, key, seq, bal); err != nil {
		logger.Warning("recover callback for %s failed: %v", peer, err)
	}
}

// Recovered feeds authoritative (ballot, seq) state for key, pulled from a
// peer by the embedder's recovery helper, back into the local log. State
// older than what's already on record is ignored.
func (r *Replica) Recovered(key []byte, bal ballot.Num, seq uint64) error {
	localSeq, localBal, err := r.log.LastSeqForKey(key)
	if err != nil {
		return err
	}
	if seq >= localSeq && bal >= localBal {
		return r.log.SetLastSeqForKey(key, bal, seq)
	}
	return nil
}
