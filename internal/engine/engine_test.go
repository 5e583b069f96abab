package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorny/kepaxos/internal/wire"
)

// harness wires N in-process replicas together through an in-memory
// network that can be selectively partitioned, exercising fast-path,
// slow-path, and partition-recovery scenarios end to end without real
// sockets.
type harness struct {
	t        *testing.T
	names    []string
	replicas []*Replica

	mu       sync.Mutex
	up       []bool
	commits  []int // per-replica commit count
}

func newHarness(t *testing.T, n int, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{t: t}
	for i := 0; i < n; i++ {
		h.names = append(h.names, fmt.Sprintf("node%d", i+1))
		h.up = append(h.up, true)
		h.commits = append(h.commits, 0)
	}

	for i := 0; i < n; i++ {
		i := i
		dbfile := filepath.Join(t.TempDir(), fmt.Sprintf("log-%d", i))
		cfg := Config{
			Peers:   h.names,
			MyIndex: uint8(i),
			Timeout: timeout,
			Send:    h.sendFrom(i),
			Commit:  h.commitFor(i),
		}
		r, err := New(cfg, dbfile)
		require.NoError(t, err)
		h.replicas = append(h.replicas, r)
	}

	t.Cleanup(func() {
		for _, r := range h.replicas {
			r.Close()
		}
	})

	return h
}

func (h *harness) indexOf(name string) int {
	for i, n := range h.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (h *harness) setUp(i int, up bool) {
	h.mu.Lock()
	h.up[i] = up
	h.mu.Unlock()
}

func (h *harness) isUp(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.up[i]
}

func (h *harness) sendFrom(from int) SendFunc {
	return func(recipients []string, payload []byte) (int, error) {
		if !h.isUp(from) {
			return 0, nil
		}
		n := 0
		for _, name := range recipients {
			idx := h.indexOf(name)
			if idx < 0 || !h.isUp(idx) {
				continue
			}
			n++
			msg, err := wire.Decode(payload)
			if err != nil {
				continue
			}
			target := h.replicas[idx]
			go target.Dispatch(msg)
		}
		return n, nil
	}
}

func (h *harness) commitFor(i int) CommitFunc {
	return func(cmdType byte, key, data []byte, leader bool) error {
		h.mu.Lock()
		h.commits[i]++
		h.mu.Unlock()
		return nil
	}
}

func (h *harness) commitCount(i int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commits[i]
}

func (h *harness) totalCommits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, c := range h.commits {
		total += c
	}
	return total
}

// Scenario 1: timeout with a single replica online.
func TestScenarioTimeoutSingleReplicaOnline(t *testing.T) {
	h := newHarness(t, 5, 200*time.Millisecond)
	for i := 1; i < 5; i++ {
		h.setUp(i, false)
	}

	ok, err := h.replicas[0].Submit(0x00, []byte("test_key"), []byte("test_value"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// Scenario 2: happy-path broadcast, all 5 up.
func TestScenarioHappyPathAllFive(t *testing.T) {
	h := newHarness(t, 5, time.Second)

	ok, err := h.replicas[0].Submit(0x00, []byte("test_key"), []byte("test_value"))
	require.NoError(t, err)
	assert.True(t, ok)

	deadline := time.Now().Add(2 * time.Second)
	for h.totalCommits() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 5, h.totalCommits())

	var seqs []uint64
	for _, r := range h.replicas {
		seq, err := r.Seq([]byte("test_key"))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	for _, s := range seqs {
		assert.EqualValues(t, 1, s)
	}
}

// Scenario 3: minority failure (node4, node5 down); submit still succeeds.
func TestScenarioMinorityFailure(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	h.setUp(3, false)
	h.setUp(4, false)

	ok, err := h.replicas[0].Submit(0x00, []byte("test_key"), []byte("test_value"))
	require.NoError(t, err)
	assert.True(t, ok)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allSeen := true
		for i := 0; i < 3; i++ {
			seq, _ := h.replicas[i].Seq([]byte("test_key"))
			if seq != 1 {
				allSeen = false
			}
		}
		if allSeen {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		seq, err := h.replicas[i].Seq([]byte("test_key"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, seq)
	}
}

// Scenario 4: majority lost (only nodes 1,2 up); submit fails.
func TestScenarioMajorityLost(t *testing.T) {
	h := newHarness(t, 5, 200*time.Millisecond)
	h.setUp(2, false)
	h.setUp(3, false)
	h.setUp(4, false)

	before := h.totalCommits()
	ok, err := h.replicas[0].Submit(0x00, []byte("another_key"), []byte("v"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, h.totalCommits())
}

func TestQuorumSizeIsFloorNOverTwoResponses(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	assert.Equal(t, 2, h.replicas[0].quorumSize())
}

// Scenario 5: catch-up via slow path. node4,5 were offline during the
// original commit (as in scenario 3); bring them back and submit the
// same key again from node4. All 5 replicas converge on one entry.
func TestScenarioCatchUpViaSlowPath(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	h.setUp(3, false)
	h.setUp(4, false)

	ok, err := h.replicas[0].Submit(0x00, []byte("test_key"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	h.setUp(3, true)
	h.setUp(4, true)

	ok, err = h.replicas[3].Submit(0x00, []byte("test_key"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allAgree := true
		first, _, _ := h.replicas[0].log.LastSeqForKey([]byte("test_key"))
		for _, r := range h.replicas {
			seq, _, err := r.log.LastSeqForKey([]byte("test_key"))
			require.NoError(t, err)
			if seq != first {
				allAgree = false
				break
			}
		}
		if allAgree {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var seqs []uint64
	for _, r := range h.replicas {
		seq, _, err := r.log.LastSeqForKey([]byte("test_key"))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	for _, s := range seqs[1:] {
		assert.Equal(t, seqs[0], s)
	}
}

// Scenario 6: concurrent contention. Two goroutines each submit 10
// mutations for the same key, cycling round-robin through the replicas
// from different starting offsets; all 5 replicas must
// converge on a single final (ballot, seq) for that key.
func TestScenarioConcurrentContentionConverges(t *testing.T) {
	h := newHarness(t, 5, 2*time.Second)
	key := []byte("contended_key")

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				target := (w + i) % 5
				_, _ = h.replicas[target].Submit(0x00, key, []byte(fmt.Sprintf("w%d-%d", w, i)))
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		allAgree := true
		first, _, _ := h.replicas[0].log.LastSeqForKey(key)
		for _, r := range h.replicas {
			seq, _, err := r.log.LastSeqForKey(key)
			require.NoError(t, err)
			if seq != first {
				allAgree = false
				break
			}
		}
		if allAgree {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var bals []uint64
	var seqs []uint64
	for _, r := range h.replicas {
		seq, bal, err := r.log.LastSeqForKey(key)
		require.NoError(t, err)
		seqs = append(seqs, seq)
		bals = append(bals, uint64(bal))
	}
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[0], seqs[i])
		assert.Equal(t, bals[0], bals[i])
	}
}
