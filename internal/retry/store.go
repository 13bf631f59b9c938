// Package retry implements exponential-backoff redelivery scheduling with a
// durable dead-letter queue.
//
// Scheduled retries live in a bbolt bucket keyed by due timestamp, so "pull
// everything due by now" is a cheap prefix scan over byte-ordered keys. Dead
// letters live in their own bucket, retained until an operator inspects or
// reprocesses them.
package retry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/greyhelm/messagehub/internal/types"
)

var (
	bucketSchedule   = []byte("retry_schedule")
	bucketIndex      = []byte("retry_index")
	bucketDeadLetter = []byte("dead_letter")
)

// Store persists retry records and dead letters in a bbolt database.
// All methods are safe for concurrent use (bbolt serializes writes).
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the retry store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("retry store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSchedule, bucketIndex, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("retry store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// scheduleKey builds the sorted-set key: due timestamp (big-endian nanos) then
// message ID, so keys order by due time with the ID as tiebreaker.
func scheduleKey(due time.Time, messageID string) []byte {
	key := make([]byte, 8+len(messageID))
	binary.BigEndian.PutUint64(key[:8], uint64(due.UnixNano()))
	copy(key[8:], messageID)
	return key
}

// Put writes (or rewrites) a scheduled retry record. Any previous schedule
// entry for the same message is removed first.
func (s *Store) Put(rec *types.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("retry store: marshal %s: %w", rec.MessageID, err)
	}
	key := scheduleKey(rec.NextRetryAt, rec.MessageID)

	return s.db.Update(func(tx *bolt.Tx) error {
		schedule := tx.Bucket(bucketSchedule)
		index := tx.Bucket(bucketIndex)

		if old := index.Get([]byte(rec.MessageID)); old != nil {
			if err := schedule.Delete(old); err != nil {
				return err
			}
		}
		if err := schedule.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(rec.MessageID), key)
	})
}

// Due returns up to limit records whose due time is at or before now, in due
// order. Records remain in the store; callers reschedule or remove them.
func (s *Store) Due(now time.Time, limit int) ([]types.RetryRecord, error) {
	cutoff := scheduleKey(now, "\xff\xff")

	var out []types.RetryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSchedule).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) > string(cutoff) {
				break
			}
			var rec types.RetryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("retry store: unmarshal %q: %w", k, err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Get returns the scheduled record for a message, or nil if not scheduled.
func (s *Store) Get(messageID string) (*types.RetryRecord, error) {
	var rec *types.RetryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(messageID))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketSchedule).Get(key)
		if data == nil {
			return nil
		}
		rec = new(types.RetryRecord)
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// Remove deletes a message's schedule entry. It is a no-op for unknown IDs.
func (s *Store) Remove(messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(messageID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketSchedule).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(messageID))
	})
}

// MoveToDeadLetter removes the message from the active schedule and parks the
// record in the dead-letter bucket.
func (s *Store) MoveToDeadLetter(rec *types.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("retry store: marshal dead letter %s: %w", rec.MessageID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if key := index.Get([]byte(rec.MessageID)); key != nil {
			if err := tx.Bucket(bucketSchedule).Delete(key); err != nil {
				return err
			}
			if err := index.Delete([]byte(rec.MessageID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketDeadLetter).Put([]byte(rec.MessageID), data)
	})
}

// DeadLetter returns the dead-letter record for a message, or nil.
func (s *Store) DeadLetter(messageID string) (*types.RetryRecord, error) {
	var rec *types.RetryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeadLetter).Get([]byte(messageID))
		if data == nil {
			return nil
		}
		rec = new(types.RetryRecord)
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// DeadLetters lists every parked record.
func (s *Store) DeadLetters() ([]types.RetryRecord, error) {
	var out []types.RetryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var rec types.RetryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("retry store: unmarshal dead letter %q: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// RemoveDeadLetter deletes a parked record.
func (s *Store) RemoveDeadLetter(messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).Delete([]byte(messageID))
	})
}

// Counts returns the number of scheduled and dead-lettered records.
func (s *Store) Counts() (scheduled, deadLettered int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		scheduled = tx.Bucket(bucketSchedule).Stats().KeyN
		deadLettered = tx.Bucket(bucketDeadLetter).Stats().KeyN
		return nil
	})
	return scheduled, deadLettered, err
}
