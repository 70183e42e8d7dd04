package content

import (
	"context"
	"errors"
	"fmt"

	"escrow-service/internal/domain"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var blobPrefix = []byte{'B'}

// LevelDBStore is a content-addressed blob store. Keys are BLAKE3
// digests, so writes are idempotent and stored blobs never change.
type LevelDBStore struct {
	db          *leveldb.DB
	compression Compression
}

// OpenLevelDB opens (or creates) a store at path.
func OpenLevelDB(path string, compression Compression) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open content store %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"path":        path,
		"compression": compression.String(),
	}).Info("Content store opened")
	return &LevelDBStore{db: db, compression: compression}, nil
}

// OpenMemory returns a store backed by memory, used by tests and the
// in-memory deployment profile.
func OpenMemory(compression Compression) (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory content store: %w", err)
	}
	return &LevelDBStore{db: db, compression: compression}, nil
}

func blobKey(d Digest) []byte {
	key := make([]byte, 0, len(blobPrefix)+digestSize)
	key = append(key, blobPrefix...)
	return append(key, d[:]...)
}

func (s *LevelDBStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", domain.ErrEmptyContent
	}

	digest := Sum(data)
	key := blobKey(digest)

	exists, err := s.db.Has(key, nil)
	if err != nil {
		return "", fmt.Errorf("failed to check blob: %w", err)
	}
	if exists {
		return digest.Ref(), nil
	}

	stored, err := encodeBlob(data, s.compression)
	if err != nil {
		return "", err
	}
	if err := s.db.Put(key, stored, nil); err != nil {
		log.WithError(err).WithField("content_ref", digest.Ref()).Error("Failed to store blob")
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	log.WithFields(log.Fields{
		"content_ref": digest.Ref(),
		"size":        len(data),
		"stored_size": len(stored),
	}).Debug("Blob stored")
	return digest.Ref(), nil
}

func (s *LevelDBStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	stored, err := s.db.Get(blobKey(digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, domain.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	data, err := decodeBlob(stored)
	if err != nil {
		log.WithError(err).WithField("content_ref", ref).Error("Failed to decode blob")
		return nil, err
	}
	return data, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
