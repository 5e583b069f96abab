// Package wire implements the k-ePaxos protocol frame: a fixed,
// length-prefixed binary layout, all multi-byte fields big-endian.
package wire

import "github.com/chorny/kepaxos/internal/ballot"

// Type identifies a protocol message kind.
type Type uint8

const (
	PreAccept         Type = 1
	PreAcceptResponse Type = 2
	Accept            Type = 3
	AcceptResponse    Type = 4
	Commit            Type = 5
)

func (t Type) String() string {
	switch t {
	case PreAccept:
		return "PRE_ACCEPT"
	case PreAcceptResponse:
		return "PRE_ACCEPT_RESPONSE"
	case Accept:
		return "ACCEPT"
	case AcceptResponse:
		return "ACCEPT_RESPONSE"
	case Commit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// Message is the in-memory form of a k-ePaxos protocol frame.
type Message struct {
	Sender    string
	Ballot    ballot.Num
	Seq       uint64
	Type      Type
	CmdType   byte // application command type byte; 0 for control frames
	Committed bool
	Key       []byte
	Data      []byte
}
