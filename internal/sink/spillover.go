package sink

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var spillBucket = []byte("shares")

// Buffer is a durable, disk-backed overflow queue for share records the
// remote replicator could not accept. It bounds itself at maxSize entries,
// dropping the oldest entry (and counting the drop) rather than growing
// without limit when the remote endpoint is down for a long time.
type Buffer struct {
	db      *bbolt.DB
	maxSize int
	dropped uint64
}

func NewBuffer(path string, maxSize int) (*Buffer, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spillover db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spillBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create spillover bucket: %w", err)
	}

	return &Buffer{db: db, maxSize: maxSize}, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// Push durably enqueues rec. If the buffer is at capacity the oldest entry
// is dropped to make room.
func (b *Buffer) Push(rec ShareRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spillover record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(spillBucket)

		if bucket.Stats().KeyN >= b.maxSize {
			cursor := bucket.Cursor()
			k, _ := cursor.First()
			if k != nil {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				atomic.AddUint64(&b.dropped, 1)
			}
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), data)
	})
}

// Drain returns up to limit oldest records without removing them; call
// Delete with the returned keys once they have been successfully
// replicated.
func (b *Buffer) Drain(limit int) ([]ShareRecord, [][]byte, error) {
	var records []ShareRecord
	var keys [][]byte

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(spillBucket)
		cursor := bucket.Cursor()

		for k, v := cursor.First(); k != nil && len(records) < limit; k, v = cursor.Next() {
			var rec ShareRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		return nil
	})
	return records, keys, err
}

func (b *Buffer) Delete(keys [][]byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(spillBucket)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Buffer) Len() int {
	var n int
	b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(spillBucket).Stats().KeyN
		return nil
	})
	return n
}

func (b *Buffer) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
