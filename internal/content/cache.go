package content

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the content store surface the cache wraps.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// CachedStore keeps recently read blobs in memory. Blobs are addressed by
// digest and immutable, so entries never need invalidation, only expiry.
type CachedStore struct {
	next  Store
	cache *gocache.Cache
}

func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (string, error) {
	ref, err := s.next.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.cache.SetDefault(ref, append([]byte(nil), data...))
	return ref, nil
}

func (s *CachedStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if obj, found := s.cache.Get(ref); found {
		return append([]byte(nil), obj.([]byte)...), nil
	}
	data, err := s.next.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(ref, append([]byte(nil), data...))
	return data, nil
}

// Len reports the number of cached blobs.
func (s *CachedStore) Len() int {
	return s.cache.ItemCount()
}
