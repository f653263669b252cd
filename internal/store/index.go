package store

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Index is a BoltDB side-index mapping task_id -> day-file date
// ("YYYY-MM-DD"), used to find a task's current day file in O(1) without
// scanning every task_history_*.json. The day files remain the source of
// truth; the index is rebuilt from them on LoadAll and is safe to delete.
type Index struct {
	db *bbolt.DB
}

var bucketTaskDates = []byte("task_dates")

// OpenIndex opens (creating if absent) the bbolt side-index file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTaskDates)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Lookup returns the day-file date a task_id was last indexed under.
func (idx *Index) Lookup(taskID string) (string, bool, error) {
	var date string
	var found bool
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTaskDates).Get([]byte(taskID))
		if v != nil {
			date = string(v)
			found = true
		}
		return nil
	})
	return date, found, err
}

// Set records taskID as currently living in the date's day file.
func (idx *Index) Set(taskID, date string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskDates).Put([]byte(taskID), []byte(date))
	})
}

// Rebuild replaces the index contents wholesale from a fresh task_id ->
// date map, used after LoadAll scans every day file on startup.
func (idx *Index) Rebuild(entries map[string]string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTaskDates)
		if err := tx.DeleteBucket(bucketTaskDates); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(bucketTaskDates)
		if err != nil {
			return err
		}
		for taskID, date := range entries {
			if err := bucket.Put([]byte(taskID), []byte(date)); err != nil {
				return err
			}
		}
		return nil
	})
}
