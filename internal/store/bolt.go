package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

var (
	bucketSnapshots   = []byte("snapshots")
	bucketCheckpoints = []byte("checkpoints")
)

// BoltStore is the embedded single-node store, for deployments without a
// PostgreSQL instance.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadSnapshot(_ context.Context, docID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(docID))
		if raw == nil {
			return ErrNotFound
		}
		snap = &Snapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) SaveSnapshot(_ context.Context, docID string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", docID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(docID), raw)
	})
}

func (s *BoltStore) AppendCheckpoint(_ context.Context, docID string, op *ot.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		docBucket, err := tx.Bucket(bucketCheckpoints).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		// Dedup by operation ID: an existing entry means a redelivery.
		idKey := []byte("id:" + op.ID.String())
		if docBucket.Get(idKey) != nil {
			return nil
		}
		seq, err := docBucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := docBucket.Put(key[:], raw); err != nil {
			return err
		}
		return docBucket.Put(idKey, key[:])
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
