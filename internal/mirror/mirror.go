// Package mirror copies the visible contents of a flash store into a bbolt
// snapshot file and back. Snapshots are the operational backup path: they
// survive a lost or corrupted flash image and can seed a replacement device.
package mirror

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"flashkv/internal/flash"
)

// snapshotFormat is bumped when the snapshot layout changes.
const snapshotFormat = 1

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
	keyFormat     = []byte("format")
)

// Backup writes every visible value of the store to a bbolt file at path.
// Records are keyed by store key and ordinal index so Restore can replay
// chains in order. An existing file at path is reused; stale records from a
// previous backup are dropped first.
func Backup(st *flash.Store, path string) error {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecords) != nil {
			if err := tx.DeleteBucket(bucketRecords); err != nil {
				return err
			}
		}
		records, err := tx.CreateBucket(bucketRecords)
		if err != nil {
			return fmt.Errorf("creating records bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		if err := meta.Put(keyFormat, []byte{snapshotFormat}); err != nil {
			return err
		}

		return st.Walk(func(key uint16, index int, value []byte) error {
			return records.Put(recordKey(key, index), value)
		})
	})
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Restore wipes the store and replays a snapshot written by Backup. Chains
// come back in ordinal order, so Get indexes match the backed-up store.
func Restore(st *flash.Store, path string) error {
	db, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("snapshot %s has no meta bucket", path)
		}
		format := meta.Get(keyFormat)
		if len(format) != 1 || format[0] != snapshotFormat {
			return fmt.Errorf("snapshot %s has unsupported format %v", path, format)
		}
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return fmt.Errorf("snapshot %s has no records bucket", path)
		}

		if err := st.Wipe(); err != nil {
			return err
		}

		// The bucket iterates in byte order, which is (key, index) order
		// by construction of recordKey.
		return records.ForEach(func(k, v []byte) error {
			key, index, err := parseRecordKey(k)
			if err != nil {
				return err
			}
			if index == 0 {
				return st.Set(key, v)
			}
			return st.Add(key, v)
		})
	})
}

// recordKey builds a big-endian (key, index) composite so bbolt's byte
// ordering matches replay order.
func recordKey(key uint16, index int) []byte {
	k := make([]byte, 6)
	binary.BigEndian.PutUint16(k[0:2], key)
	binary.BigEndian.PutUint32(k[2:6], uint32(index))
	return k
}

func parseRecordKey(k []byte) (uint16, int, error) {
	if len(k) != 6 {
		return 0, 0, fmt.Errorf("malformed snapshot record key % x", k)
	}
	return binary.BigEndian.Uint16(k[0:2]), int(binary.BigEndian.Uint32(k[2:6])), nil
}
