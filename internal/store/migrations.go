package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// migration is one forward-only schema step. Adding an entry at the tail of
// migrations is the only forward-compatible change; existing entries must
// never be edited once released.
type migration struct {
	version int
	name    string
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create base buckets",
		apply: func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketSubscriptions, bucketEvents, bucketQueuedEvents} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("create bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
}

var bucketMeta = []byte("meta")

var metaMigrationKey = []byte("migration_version")

// runMigrations applies any migration whose version is greater than the
// version recorded in the meta bucket, in order, updating the recorded
// version after each step. All steps run in one transaction, so a crash
// mid-migration leaves the file at its previous version and the next open
// starts over from there.
func runMigrations(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		current := 0
		if v := meta.Get(metaMigrationKey); v != nil {
			current = int(decodeUint32(v))
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			if err := meta.Put(metaMigrationKey, encodeUint32(uint32(m.version))); err != nil {
				return err
			}
			current = m.version
		}
		return nil
	})
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func decodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
