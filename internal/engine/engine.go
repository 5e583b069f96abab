// Package engine implements the k-ePaxos protocol engine: the
// fast-path/slow-path state machine, quorum counting, and the
// leader-side Submit call blocking until commit or timeout.
package engine

import (
	"errors"
	"fmt"
	"time"

	logging "github.com/op/go-logging"

	"github.com/chorny/kepaxos/internal/ballot"
	"github.com/chorny/kepaxos/internal/command"
	"github.com/chorny/kepaxos/internal/ledger"
	"github.com/chorny/kepaxos/internal/metrics"
	"github.com/chorny/kepaxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("engine")
}

// ErrBallotExhausted is returned by Submit once this replica's ballot
// counter has wrapped. Recovering from exhaustion needs a peer-coordinated
// epoch bump, which is reconfiguration and out of scope here; an operator
// restart is required instead.
var ErrBallotExhausted = errors.New("engine: ballot counter exhausted, restart required")

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// CommitFailurePolicy controls what happens when the local commit handler
// returns an error for a command this replica is leading. DropOnFailure is
// the only implemented policy today; the type exists so a retry/abort
// policy can be added without an API break.
type CommitFailurePolicy int

const (
	DropOnFailure CommitFailurePolicy = iota
)

// SendFunc unicasts payload to each named recipient, best-effort. Returns
// the number of recipients it believes it reached.
type SendFunc func(recipients []string, payload []byte) (int, error)

// CommitFunc applies a mutation to the embedder's store.
type CommitFunc func(cmdType byte, key, data []byte, leader bool) error

// RecoverFunc asynchronously pulls authoritative state for key from peer;
// on completion the embedder calls Replica.Recovered.
type RecoverFunc func(peer string, key []byte, seq uint64, bal ballot.Num) error

// Config configures a Replica.
type Config struct {
	Peers                []string // all N replicas' addresses, including this one
	MyIndex              uint8
	Timeout              time.Duration
	CommitFailurePolicy  CommitFailurePolicy
	Send                 SendFunc
	Commit               CommitFunc
	Recover              RecoverFunc
	Metrics              *metrics.Sink
}

// Replica is the per-process k-ePaxos context: this replica's identity,
// its ballot allocator, its persistent log, and its table of in-flight
// commands. All exported methods are safe for concurrent use.
type Replica struct {
	peers   []string
	myIndex uint8
	timeout time.Duration

	alloc *ballot.Allocator
	log   *ledger.Log
	table *command.Table

	send     SendFunc
	commitFn CommitFunc
	recoverFn RecoverFunc
	failurePolicy CommitFailurePolicy

	metrics *metrics.Sink
}

// New constructs a Replica. dbfile is the persistent log location.
func New(cfg Config, dbfile string) (*Replica, error) {
	if int(cfg.MyIndex) >= len(cfg.Peers) {
		return nil, fmt.Errorf("engine: my_index %d out of range for %d peers", cfg.MyIndex, len(cfg.Peers))
	}
	if len(cfg.Peers) > 256 {
		return nil, fmt.Errorf("engine: peer count %d exceeds the 256 replica cap", len(cfg.Peers))
	}
	if cfg.Send == nil || cfg.Commit == nil {
		return nil, errors.New("engine: Send and Commit callbacks are required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	log, err := ledger.Open(dbfile)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		peers:         cfg.Peers,
		myIndex:       cfg.MyIndex,
		timeout:       timeout,
		alloc:         ballot.NewAllocator(cfg.MyIndex),
		log:           log,
		send:          cfg.Send,
		commitFn:      cfg.Commit,
		recoverFn:     cfg.Recover,
		failurePolicy: cfg.CommitFailurePolicy,
		metrics:       cfg.Metrics,
	}
	r.alloc.Observe(log.MaxBallot())

	r.table = command.NewTable(cfg.MyIndex, r.triggerRecovery)
	r.table.Start()

	return r, nil
}

// Close stops the sweeper and releases the log handle.
func (r *Replica) Close() error {
	r.table.Stop()
	return r.log.Close()
}

// Ballot returns this replica's current ballot.
func (r *Replica) Ballot() ballot.Num {
	return r.alloc.Current()
}

// Seq returns the committed sequence number for key.
func (r *Replica) Seq(key []byte) (uint64, error) {
	seq, _, err := r.log.LastSeqForKey(key)
	return seq, err
}

// Diff returns all (key, ballot, seq) entries committed under a ballot
// counter greater than sinceBallot's, for catch-up helpers.
func (r *Replica) Diff(sinceBallot ballot.Num) ([]ledger.Entry, error) {
	return r.log.DiffFromBallot(sinceBallot)
}

// TableSize exposes the active-command count for metrics scraping.
func (r *Replica) TableSize() int {
	return r.table.Len()
}

// LogEntryCount exposes the persistent log's committed-key count for
// metrics scraping.
func (r *Replica) LogEntryCount() (int, error) {
	return r.log.Count()
}

func (r *Replica) myName() string {
	return r.peers[r.myIndex]
}

// otherPeers returns every replica address except this one.
func (r *Replica) otherPeers() []string {
	out := make([]string, 0, len(r.peers)-1)
	for i, p := range r.peers {
		if uint8(i) != r.myIndex {
			out = append(out, p)
		}
	}
	return out
}

// quorumSize is floor(N/2) RESPONSES from other replicas, excluding the
// leader's own implicit vote. This is one short of the classical majority
// (floor(N/2)+1 including the leader); it is intentional, not a bug, and
// every handler that counts votes relies on this exact threshold.
func (r *Replica) quorumSize() int {
	return len(r.peers) / 2
}

func (r *Replica) broadcastToOthers(msg *wire.Message) {
	recipients := r.otherPeers()
	if len(recipients) == 0 {
		return
	}
	payload := wire.Encode(msg)
	if _, err := r.send(recipients, payload); err != nil {
		logger.Warning("broadcast %v failed: %v", msg.Type, err)
	}
}

func (r *Replica) unicast(recipient string, msg *wire.Message) {
	payload := wire.Encode(msg)
	if _, err := r.send([]string{recipient}, payload); err != nil {
		logger.Warning("send %v to %s failed: %v", msg.Type, recipient, err)
	}
}

// Dispatch routes an inbound wire message to the appropriate handler.
// Every inbound message's ballot is folded into this replica's own
// ballot counter before the message is handled, so a higher ballot seen
// from any peer immediately raises what this replica proposes next.
func (r *Replica) Dispatch(msg *wire.Message) {
	r.alloc.Observe(msg.Ballot)

	logger.Debug("dispatching %v for key %x from %s", msg.Type, msg.Key, msg.Sender)

	switch msg.Type {
	case wire.PreAccept:
		r.handlePreAccept(msg)
	case wire.PreAcceptResponse:
		r.handlePreAcceptResponse(msg)
	case wire.Accept:
		r.handleAccept(msg)
	case wire.AcceptResponse:
		r.handleAcceptResponse(msg)
	case wire.Commit:
		r.handleCommit(msg)
	default:
		logger.Warning("dropping frame with unknown type %d", msg.Type)
	}
}
