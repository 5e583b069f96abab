// Package kepaxos is the public facade over the k-ePaxos replication
// engine: a per-key egalitarian-Paxos protocol that agrees on opaque
// mutations across a fixed set of peer replicas.
package kepaxos

import (
	"time"

	"github.com/chorny/kepaxos/internal/ballot"
	"github.com/chorny/kepaxos/internal/engine"
	"github.com/chorny/kepaxos/internal/ledger"
	"github.com/chorny/kepaxos/internal/metrics"
	"github.com/chorny/kepaxos/internal/wire"
)

// Message is an inbound or outbound protocol frame.
type Message = wire.Message

// DecodeMessage parses a wire-encoded frame received from a peer.
func DecodeMessage(raw []byte) (*Message, error) {
	return wire.Decode(raw)
}

// EncodeMessage serializes msg for transport to a peer.
func EncodeMessage(msg *Message) []byte {
	return wire.Encode(msg)
}

// Ballot is this replica's 64-bit ballot number: counter in the high 56
// bits, owning replica index in the low 8.
type Ballot = ballot.Num

// LogEntry is one committed (key, ballot, seq) record, as returned by
// Diff for catch-up helpers.
type LogEntry = ledger.Entry

// SendFunc unicasts payload to each named recipient, best-effort, and
// reports how many it believes it reached. internal/transport.TCP.Send
// satisfies this.
type SendFunc = engine.SendFunc

// CommitFunc applies a committed mutation to the embedder's store.
// internal/cache.Store.Apply satisfies this.
type CommitFunc = engine.CommitFunc

// RecoverFunc asynchronously pulls authoritative state for key from peer;
// the embedder calls Replica.Recovered once it completes.
type RecoverFunc = engine.RecoverFunc

// ErrBallotExhausted is returned by Submit once this replica's ballot
// counter has wrapped. Recovery requires a process restart.
var ErrBallotExhausted = engine.ErrBallotExhausted

// Config configures a Replica.
type Config struct {
	// Peers lists every replica's address, including this one, in a
	// fixed order shared by the whole group.
	Peers []string
	// MyIndex is this process's position within Peers.
	MyIndex uint8
	// Timeout bounds how long Submit blocks before giving up on a
	// command. Zero means 30s.
	Timeout time.Duration
	// LogPath is where the persistent per-key log is stored.
	LogPath string

	Send    SendFunc
	Commit  CommitFunc
	Recover RecoverFunc

	// Metrics, if set, receives per-event counters for protocol
	// transitions. Optional.
	Metrics *metrics.Sink
}

// Replica is a single participant in a k-ePaxos replica group. All
// exported methods are safe for concurrent use.
type Replica struct {
	eng *engine.Replica
}

// New constructs a Replica and opens its persistent log at cfg.LogPath.
func New(cfg Config) (*Replica, error) {
	eng, err := engine.New(engine.Config{
		Peers:   cfg.Peers,
		MyIndex: cfg.MyIndex,
		Timeout: cfg.Timeout,
		Send:    cfg.Send,
		Commit:  cfg.Commit,
		Recover: cfg.Recover,
		Metrics: cfg.Metrics,
	}, cfg.LogPath)
	if err != nil {
		return nil, err
	}
	return &Replica{eng: eng}, nil
}

// Close stops the background sweeper and releases the log handle.
func (r *Replica) Close() error {
	return r.eng.Close()
}

// Submit proposes a mutation for key and blocks until it commits or the
// configured timeout elapses. The returned bool reports whether, once the
// call is woken, the key's committed seq in the local log has reached the
// seq this call proposed; a different command committed at that seq also
// counts. False with a nil error means the command was superseded, timed
// out, or its local apply failed.
func (r *Replica) Submit(cmdType byte, key, data []byte) (bool, error) {
	return r.eng.Submit(cmdType, key, data)
}

// Dispatch routes an inbound protocol message to this replica. Decode
// raw frames with DecodeMessage first; internal/transport.TCP does this
// for you when used as the listener.
func (r *Replica) Dispatch(msg *Message) {
	r.eng.Dispatch(msg)
}

// Ballot returns this replica's current ballot.
func (r *Replica) Ballot() Ballot {
	return r.eng.Ballot()
}

// Seq returns the last committed sequence number for key.
func (r *Replica) Seq(key []byte) (uint64, error) {
	return r.eng.Seq(key)
}

// Diff returns every (key, ballot, seq) entry committed under a ballot
// counter greater than since's, for peer catch-up.
func (r *Replica) Diff(since Ballot) ([]LogEntry, error) {
	return r.eng.Diff(since)
}

// TableSize reports the number of commands currently active in the
// per-key command table, for metrics scraping.
func (r *Replica) TableSize() int {
	return r.eng.TableSize()
}

// LogEntryCount reports the number of keys with a committed entry in the
// persistent log, for metrics scraping.
func (r *Replica) LogEntryCount() (int, error) {
	return r.eng.LogEntryCount()
}

// Recovered feeds authoritative state pulled from a peer back into this
// replica's log once a RecoverFunc call completes.
func (r *Replica) Recovered(key []byte, bal Ballot, seq uint64) error {
	return r.eng.Recovered(key, bal, seq)
}
