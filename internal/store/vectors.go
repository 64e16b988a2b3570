package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// CachedVector looks up the cached embedding for text under model.
// The second return is false on a cache miss.
func (s *Store) CachedVector(ctx context.Context, model, text string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM vectors WHERE content_hash = ?",
		HashText(model, text),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up cached vector: %w", err)
	}
	return bytesToFloat32(blob), true, nil
}

// PutVector caches the embedding for text under model. A concurrent
// writer racing on the same key simply wins with an identical vector, so
// the conflict is ignored.
func (s *Store) PutVector(ctx context.Context, model, text string, vector []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors (content_hash, model, dimensions, vector) VALUES (?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		HashText(model, text), model, len(vector), float32ToBytes(vector),
	)
	if err != nil {
		return fmt.Errorf("caching vector: %w", err)
	}
	return nil
}

// VectorCount returns the number of cached vectors.
func (s *Store) VectorCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to a float32 slice.
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
