package client

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// OfflineQueue is a durable FIFO of updates produced while disconnected.
// Updates survive process restarts; replaying one that the server already
// has is harmless, so the queue never needs exactly-once delivery.
type OfflineQueue struct {
	db *bolt.DB
}

// QueuedUpdate is one pending entry.
type QueuedUpdate struct {
	Key      uint64
	Update   []byte
	QueuedAt int64
}

// OpenOfflineQueue opens (or creates) the queue file.
func OpenOfflineQueue(path string) (*OfflineQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}
	return &OfflineQueue{db: db}, nil
}

// Close closes the queue file.
func (q *OfflineQueue) Close() error {
	return q.db.Close()
}

func bucketName(documentID string) []byte {
	return []byte("queue:" + documentID)
}

// Enqueue appends an update for a document.
func (q *OfflineQueue) Enqueue(documentID string, update []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(documentID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		entry := make([]byte, 8+len(update))
		binary.BigEndian.PutUint64(entry[:8], uint64(time.Now().UnixMilli()))
		copy(entry[8:], update)
		return b.Put(key, entry)
	})
}

// Pending returns every queued update for a document in enqueue order.
func (q *OfflineQueue) Pending(documentID string) ([]QueuedUpdate, error) {
	var out []QueuedUpdate
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(documentID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) < 8 {
				return nil
			}
			update := make([]byte, len(v)-8)
			copy(update, v[8:])
			out = append(out, QueuedUpdate{
				Key:      binary.BigEndian.Uint64(k),
				Update:   update,
				QueuedAt: int64(binary.BigEndian.Uint64(v[:8])),
			})
			return nil
		})
	})
	return out, err
}

// Remove deletes one delivered entry.
func (q *OfflineQueue) Remove(documentID string, key uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(documentID))
		if b == nil {
			return nil
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, key)
		return b.Delete(k)
	})
}

// Len returns the number of queued updates for a document.
func (q *OfflineQueue) Len(documentID string) int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketName(documentID)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Clear drops every queued update for a document.
func (q *OfflineQueue) Clear(documentID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName(documentID)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(documentID))
	})
}
