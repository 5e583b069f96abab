package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chorny/kepaxos/internal/ballot"
)

func TestWaitReceivesFinishOutcome(t *testing.T) {
	c := New([]byte("k"), 0, nil, 1, ballot.Make(1, 0), time.Second)
	go c.Finish(Ok)
	assert.Equal(t, Ok, c.Wait(time.Now().Add(time.Second)))
}

func TestWaitTimesOutWithoutFinish(t *testing.T) {
	c := New([]byte("k"), 0, nil, 1, ballot.Make(1, 0), time.Second)
	assert.Equal(t, Failed, c.Wait(time.Now().Add(10*time.Millisecond)))
}

func TestFinishIsIdempotent(t *testing.T) {
	c := New([]byte("k"), 0, nil, 1, ballot.Make(1, 0), time.Second)
	c.Finish(Ok)
	assert.NotPanics(t, func() { c.Finish(Failed) })
}

func TestRecoveryEligibleOnlyForOtherReplicaAndNotCommitted(t *testing.T) {
	c := New([]byte("k"), 0, nil, 1, ballot.Make(1, 2), time.Second)

	_, eligible := c.RecoveryEligible(2)
	assert.False(t, eligible, "our own ballot should not trigger recovery")

	bal, eligible := c.RecoveryEligible(9)
	assert.True(t, eligible)
	assert.Equal(t, ballot.Make(1, 2), bal)

	c.Status = Committed
	_, eligible = c.RecoveryEligible(9)
	assert.False(t, eligible, "a committed command is never recovery-eligible")
}

func TestExpired(t *testing.T) {
	c := New([]byte("k"), 0, nil, 1, ballot.Make(1, 0), time.Millisecond)
	assert.False(t, c.Expired(c.Timestamp))
	assert.True(t, c.Expired(c.Timestamp.Add(time.Second)))
}
