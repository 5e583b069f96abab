package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorny/kepaxos/internal/ballot"
)

func TestRoundTrip(t *testing.T) {
	cases := []*Message{
		{
			Sender: "node1", Ballot: ballot.Make(4, 2), Seq: 9,
			Type: PreAccept, CmdType: 0x01, Committed: false,
			Key: []byte("test_key"), Data: []byte("test_value"),
		},
		{
			// No sender, no key, no data: the minimum-length frame.
			Sender: "", Ballot: 0, Seq: 0, Type: Commit, CmdType: 0, Committed: true,
		},
		{
			Sender: "node5", Ballot: ballot.Make(1<<40, 255), Seq: ^uint64(0),
			Type: AcceptResponse, CmdType: 0x02, Committed: true,
			Key: []byte{}, Data: nil,
		},
	}

	for _, want := range cases {
		frame := Encode(want)
		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, want.Sender, got.Sender)
		assert.Equal(t, want.Ballot, got.Ballot)
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.CmdType, got.CmdType)
		assert.Equal(t, want.Committed, got.Committed)
		assert.Equal(t, len(want.Key), len(got.Key))
		assert.Equal(t, len(want.Data), len(got.Data))
	}
}

func TestMinFrameLen(t *testing.T) {
	m := &Message{Sender: "", Type: Commit}
	frame := Encode(m)
	assert.Equal(t, MinFrameLen, len(frame))
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	m := &Message{Sender: "node1", Key: []byte("k"), Data: []byte("v"), Type: PreAccept}
	frame := Encode(m)

	for n := 0; n < len(frame); n++ {
		_, err := Decode(frame[:n])
		assert.Error(t, err, "expected truncation error at length %d", n)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}
