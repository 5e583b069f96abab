package command

import (
	"sync"
	"time"
)

// Table is the replica-wide map from key to active command. At most one
// command per key exists at any instant; Put atomically evicts and fails
// the previous occupant, if any.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*Command
	myIndex  uint8
	recover  func(peerBallotReplica uint8, key []byte)
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewTable constructs an empty table. recover is called (outside the table
// lock) with the replica index embedded in the stalled command's ballot and
// the key, whenever the sweeper evicts an in-flight command under another
// replica's ballot.
func NewTable(myIndex uint8, recover func(peerBallotReplica uint8, key []byte)) *Table {
	return &Table{
		entries: make(map[string]*Command),
		myIndex: myIndex,
		recover: recover,
		quit:    make(chan struct{}),
	}
}

// Get returns the active command for key, if any.
func (t *Table) Get(key []byte) (*Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[string(key)]
	return c, ok
}

// Put installs cmd as the active command for its key, atomically evicting
// and failing whatever command previously occupied that slot. Returns the
// evicted command, if any, so the caller can raise its own proposed seq
// above whatever the evicted command had already proposed.
func (t *Table) Put(cmd *Command) (evicted *Command) {
	k := string(cmd.Key)
	t.mu.Lock()
	prev, had := t.entries[k]
	t.entries[k] = cmd
	t.mu.Unlock()

	if had {
		prev.Finish(Failed)
		return prev
	}
	return nil
}

// GetOrCreate atomically returns the active command for key, or installs
// and returns the command built by factory if none exists yet. The second
// return value reports whether factory's command was installed.
func (t *Table) GetOrCreate(key []byte, factory func() *Command) (*Command, bool) {
	k := string(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.entries[k]; ok {
		return c, false
	}
	c := factory()
	t.entries[k] = c
	return c, true
}

// Remove deletes the command for key if it is still ent (same pointer
// identity), returning whether a removal happened. Passing the instance
// guards against removing a newer command that has since replaced the one
// the caller is finishing.
func (t *Table) Remove(key []byte, ent *Command) bool {
	k := string(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[k]; ok && cur == ent {
		delete(t.entries, k)
		return true
	}
	return false
}

// Start launches the ~20Hz sweeper goroutine, which sleeps ~50ms between
// passes looking for expired commands.
func (t *Table) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit.
func (t *Table) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
	t.wg.Wait()
}

func (t *Table) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Table) sweepOnce() {
	now := time.Now()

	t.mu.Lock()
	var expired []*Command
	for k, c := range t.entries {
		if c.Expired(now) {
			expired = append(expired, c)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		bal, eligible := c.RecoveryEligible(t.myIndex)
		c.Finish(Failed)
		if eligible && t.recover != nil {
			t.recover(bal.Replica(), c.Key)
		}
	}
}

// Len reports the number of active commands, for metrics export.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
