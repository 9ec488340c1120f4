package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// CachedStore keeps recently written snapshots in an LRU so a participant
// rejoining a just-archived document skips the round trip to the backing
// store.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, *Snapshot]
}

// NewCachedStore wraps inner with a warm snapshot cache of the given size.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, *Snapshot](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (s *CachedStore) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(docID); ok {
		return &Snapshot{Text: snap.Text, Vector: snap.Vector.Clone()}, nil
	}
	snap, err := s.inner.LoadSnapshot(ctx, docID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(docID, snap)
	return snap, nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, docID string, snap *Snapshot) error {
	if err := s.inner.SaveSnapshot(ctx, docID, snap); err != nil {
		return err
	}
	s.cache.Add(docID, &Snapshot{Text: snap.Text, Vector: snap.Vector.Clone()})
	return nil
}

func (s *CachedStore) AppendCheckpoint(ctx context.Context, docID string, op *ot.Operation) error {
	return s.inner.AppendCheckpoint(ctx, docID, op)
}

func (s *CachedStore) Close() error {
	s.cache.Purge()
	return s.inner.Close()
}
