package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorny/kepaxos/internal/ballot"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "log")
	l, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAbsentKeyReturnsZero(t *testing.T) {
	l := openTestLog(t)
	seq, bal, err := l.LastSeqForKey([]byte("missing"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, seq)
	assert.EqualValues(t, 0, bal)
}

func TestSetThenGet(t *testing.T) {
	l := openTestLog(t)
	b := ballot.Make(3, 1)

	require.NoError(t, l.SetLastSeqForKey([]byte("test_key"), b, 7))

	seq, gotBal, err := l.LastSeqForKey([]byte("test_key"))
	require.NoError(t, err)
	assert.EqualValues(t, 7, seq)
	assert.Equal(t, b, gotBal)
}

func TestMaxBallotTracksHighestWrite(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.SetLastSeqForKey([]byte("a"), ballot.Make(2, 0), 1))
	require.NoError(t, l.SetLastSeqForKey([]byte("b"), ballot.Make(9, 0), 1))
	require.NoError(t, l.SetLastSeqForKey([]byte("c"), ballot.Make(4, 0), 1))

	assert.Equal(t, ballot.Make(9, 0), l.MaxBallot())
}

func TestDiffFromBallotFiltersByCounter(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.SetLastSeqForKey([]byte("low"), ballot.Make(2, 0), 1))
	require.NoError(t, l.SetLastSeqForKey([]byte("high"), ballot.Make(10, 0), 5))

	entries, err := l.DiffFromBallot(ballot.Make(5, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("high"), entries[0].Key)
	assert.EqualValues(t, 5, entries[0].Seq)
}

func TestCountReflectsDistinctKeys(t *testing.T) {
	l := openTestLog(t)
	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, l.SetLastSeqForKey([]byte("a"), ballot.Make(1, 0), 1))
	require.NoError(t, l.SetLastSeqForKey([]byte("b"), ballot.Make(1, 0), 1))
	require.NoError(t, l.SetLastSeqForKey([]byte("a"), ballot.Make(2, 0), 2))

	n, err = l.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMaxBallotSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.SetLastSeqForKey([]byte("k"), ballot.Make(6, 1), 2))
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, ballot.Make(6, 1), reopened.MaxBallot())
	seq, bal, err := reopened.LastSeqForKey([]byte("k"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
	assert.Equal(t, ballot.Make(6, 1), bal)
}
