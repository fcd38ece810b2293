// Package history is the match history collaborator: an append-only log of
// concluded rounds plus per-player win counters, keyed by the pair of
// players. The game only ever writes to it.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	pairsBucket   = []byte("pairs")
	matchesBucket = []byte("matches")
	countsBucket  = []byte("counts")
)

var ErrEmptyWinner = errors.New("history: empty winner id")

// Match is one concluded round.
type Match struct {
	WinnerID string    `json:"winnerId"`
	Secret   string    `json:"secret"`
	Date     time.Time `json:"date"`
}

// History is what LoadHistory returns: running win counts and the most
// recent matches, newest first.
type History struct {
	Counts        map[string]int
	RecentMatches []Match
}

// Store persists the history of one pair of players.
type Store struct {
	db   *bbolt.DB
	pair []byte
	now  func() time.Time
}

// PairKey is the order-independent key for two player identities.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// Open opens (creating if needed) the bbolt file at path for the pair a, b.
func Open(path, a, b string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	s := &Store{
		db:   db,
		pair: []byte(PairKey(a, b)),
		now:  time.Now,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := s.pairBucket(tx)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) pairBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(pairsBucket)
	if err != nil {
		return nil, err
	}

	pb, err := root.CreateBucketIfNotExists(s.pair)
	if err != nil {
		return nil, err
	}

	if _, err := pb.CreateBucketIfNotExists(matchesBucket); err != nil {
		return nil, err
	}
	if _, err := pb.CreateBucketIfNotExists(countsBucket); err != nil {
		return nil, err
	}

	return pb, nil
}

// RecordVictory appends a match and bumps the winner's counter in one
// transaction.
func (s *Store) RecordVictory(winnerID, secret string) error {
	if winnerID == "" {
		return ErrEmptyWinner
	}

	m := Match{
		WinnerID: winnerID,
		Secret:   secret,
		Date:     s.now().UTC(),
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		pb, err := s.pairBucket(tx)
		if err != nil {
			return err
		}

		matches := pb.Bucket(matchesBucket)
		seq, err := matches.NextSequence()
		if err != nil {
			return err
		}
		if err := matches.Put(u64(seq), buf); err != nil {
			return err
		}

		counts := pb.Bucket(countsBucket)
		var n uint64
		if v := counts.Get([]byte(winnerID)); v != nil {
			n = binary.BigEndian.Uint64(v)
		}
		return counts.Put([]byte(winnerID), u64(n+1))
	})
}

// LoadHistory returns the counters and up to limit recent matches
// (all of them when limit <= 0).
func (s *Store) LoadHistory(limit int) (History, error) {
	h := History{Counts: make(map[string]int)}

	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(pairsBucket)
		if root == nil {
			return nil
		}
		pb := root.Bucket(s.pair)
		if pb == nil {
			return nil
		}

		err := pb.Bucket(countsBucket).ForEach(func(k, v []byte) error {
			h.Counts[string(k)] = int(binary.BigEndian.Uint64(v))
			return nil
		})
		if err != nil {
			return err
		}

		c := pb.Bucket(matchesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(h.RecentMatches) == limit {
				break
			}

			var m Match
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("history: decode match %d: %w", binary.BigEndian.Uint64(k), err)
			}
			h.RecentMatches = append(h.RecentMatches, m)
		}

		return nil
	})

	return h, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
