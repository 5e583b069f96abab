// Package ledger implements the persistent per-key (ballot, seq) log on
// top of a pebble LSM store, keyed by a blake2b-256 digest of the
// caller's key. The digest, not the raw key, is the physical
// key pebble sees; the plaintext key is carried in the stored value so
// DiffFromBallot can recover it without a secondary index, and so that a
// digest collision (astronomically unlikely at 256 bits) surfaces as a
// key mismatch error from LastSeqForKey rather than silently aliasing two
// keys.
package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"golang.org/x/crypto/blake2b"

	"github.com/chorny/kepaxos/internal/ballot"
)

// Entry is one persisted (key, ballot, seq) record, as returned by Diff.
type Entry struct {
	Key    []byte
	Ballot ballot.Num
	Seq    uint64
}

// Log is the persistent per-key (ballot, seq) log. A single writer lock
// serializes SetLastSeqForKey calls, so writes are atomic per key; there
// is no cross-key atomicity. Concurrent readers and a single writer are
// otherwise safe, matching pebble's own concurrency contract.
type Log struct {
	db       *pebble.DB
	writeMu  sync.Mutex
	maxBal   ballot.Num
	maxBalMu sync.RWMutex
}

// Open opens (or creates) the log at dbfile.
func Open(dbfile string) (*Log, error) {
	db, err := pebble.Open(dbfile, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dbfile, err)
	}
	l := &Log{db: db}
	if err := l.loadMaxBallot(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying pebble handle.
func (l *Log) Close() error {
	return l.db.Close()
}

func digest(key []byte) []byte {
	sum := blake2b.Sum256(key)
	return sum[:]
}

// LastSeqForKey returns (0, 0) if key has never been committed.
func (l *Log) LastSeqForKey(key []byte) (seq uint64, bal ballot.Num, err error) {
	val, closer, err := l.db.Get(digest(key))
	if err == pebble.ErrNotFound {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: get: %w", err)
	}
	defer closer.Close()

	e, decodeErr := decodeEntry(val)
	if decodeErr != nil {
		return 0, 0, decodeErr
	}
	if !bytes.Equal(e.Key, key) {
		return 0, 0, fmt.Errorf("ledger: digest collision: stored key differs from requested key")
	}
	return e.Seq, e.Ballot, nil
}

// SetLastSeqForKey writes (ballot, seq) for key. The caller ensures seq is
// >= any existing seq for this key (last-write-wins by caller ordering);
// this method does not itself re-check monotonicity.
func (l *Log) SetLastSeqForKey(key []byte, bal ballot.Num, seq uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	val := encodeEntry(Entry{Key: key, Ballot: bal, Seq: seq})
	if err := l.db.Set(digest(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("ledger: set: %w", err)
	}

	l.maxBalMu.Lock()
	if bal > l.maxBal {
		l.maxBal = bal
	}
	l.maxBalMu.Unlock()
	return nil
}

// MaxBallot returns the highest ballot across all keys ever committed.
func (l *Log) MaxBallot() ballot.Num {
	l.maxBalMu.RLock()
	defer l.maxBalMu.RUnlock()
	return l.maxBal
}

// DiffFromBallot returns every entry whose ballot counter strictly exceeds
// b's counter value, for catch-up helpers.
func (l *Log) DiffFromBallot(b ballot.Num) ([]Entry, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("ledger: iter: %w", err)
	}
	defer iter.Close()

	threshold := b.Value()
	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, err
		}
		if e.Ballot.Value() > threshold {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("ledger: iter: %w", err)
	}
	return out, nil
}

// Count returns the number of distinct keys with a committed entry, for
// gauge reporting.
func (l *Log) Count() (int, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("ledger: iter: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (l *Log) loadMaxBallot() error {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("ledger: iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return err
		}
		if e.Ballot > l.maxBal {
			l.maxBal = e.Ballot
		}
	}
	return iter.Error()
}

// encodeEntry lays out: u64 ballot | u64 seq | u32 keylen | key bytes.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 8+8+4+len(e.Key))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Ballot))
	binary.BigEndian.PutUint64(buf[8:16], e.Seq)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(e.Key)))
	copy(buf[20:], e.Key)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < 20 {
		return Entry{}, fmt.Errorf("ledger: corrupt entry: too short")
	}
	bal := ballot.Num(binary.BigEndian.Uint64(b[0:8]))
	seq := binary.BigEndian.Uint64(b[8:16])
	klen := binary.BigEndian.Uint32(b[16:20])
	if len(b[20:]) != int(klen) {
		return Entry{}, fmt.Errorf("ledger: corrupt entry: key length mismatch")
	}
	key := make([]byte, klen)
	copy(key, b[20:])
	return Entry{Key: key, Ballot: bal, Seq: seq}, nil
}
