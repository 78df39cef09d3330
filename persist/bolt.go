package persist

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coedit/coedit/coedit"
)

var snapshotBucket = []byte("snapshots")
var sequenceBucket = []byte("sequences")
var createTimeBucket = []byte("create_times")

// BoltSnapshotStore persists snapshots in an embedded bbolt file.
// Single-node deployments and tests.
type BoltSnapshotStore struct {
	db *bolt.DB
}

func NewBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{snapshotBucket, sequenceBucket, createTimeBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSnapshotStore{
		db: db,
	}, nil
}

func (self *BoltSnapshotStore) Load(ctx context.Context, documentId coedit.DocumentId) (*coedit.Snapshot, error) {
	var snapshot *coedit.Snapshot
	err := self.db.View(func(tx *bolt.Tx) error {
		key := []byte(documentId)
		state := tx.Bucket(snapshotBucket).Get(key)
		if state == nil {
			return coedit.ErrSnapshotNotFound
		}
		stateCopy := make([]byte, len(state))
		copy(stateCopy, state)

		snapshot = &coedit.Snapshot{
			DocumentId: documentId,
			State:      stateCopy,
			Seq:        binary.BigEndian.Uint64(tx.Bucket(sequenceBucket).Get(key)),
		}
		if createTimeBytes := tx.Bucket(createTimeBucket).Get(key); createTimeBytes != nil {
			snapshot.CreateTime = time.Unix(0, int64(binary.BigEndian.Uint64(createTimeBytes)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *BoltSnapshotStore) Save(ctx context.Context, snapshot *coedit.Snapshot) error {
	err := self.db.Update(func(tx *bolt.Tx) error {
		key := []byte(snapshot.DocumentId)

		if currentSeqBytes := tx.Bucket(sequenceBucket).Get(key); currentSeqBytes != nil {
			if snapshot.Seq <= binary.BigEndian.Uint64(currentSeqBytes) {
				// stale write, the stored snapshot is newer
				return nil
			}
		}

		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, snapshot.Seq)
		createTimeBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(createTimeBytes, uint64(snapshot.CreateTime.UnixNano()))

		if err := tx.Bucket(snapshotBucket).Put(key, snapshot.State); err != nil {
			return err
		}
		if err := tx.Bucket(sequenceBucket).Put(key, seqBytes); err != nil {
			return err
		}
		return tx.Bucket(createTimeBucket).Put(key, createTimeBytes)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.DocumentId, err)
	}
	return nil
}

func (self *BoltSnapshotStore) Close() error {
	return self.db.Close()
}
