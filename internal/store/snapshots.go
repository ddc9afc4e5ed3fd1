package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"guidance/internal/agenda"
)

// DirectorySnapshots stores student directories in Redis, keyed by a hash
// of the session token so tokens never appear in keys.
type DirectorySnapshots struct {
	client *redis.Client
	prefix string
}

// NewDirectorySnapshots builds a snapshot store under prefix.
func NewDirectorySnapshots(client *redis.Client, prefix string) *DirectorySnapshots {
	if prefix == "" {
		prefix = "guidance:directory:"
	}
	return &DirectorySnapshots{client: client, prefix: prefix}
}

// Get returns the stored directory for token, if any.
func (s *DirectorySnapshots) Get(ctx context.Context, token string) (agenda.Directory, bool, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var records []agenda.StudentRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, false, err
	}
	dir := make(agenda.Directory, len(records))
	for _, r := range records {
		dir[r.ID] = r
	}
	return dir, true, nil
}

// Put stores dir for token with ttl (no expiry when ttl <= 0).
func (s *DirectorySnapshots) Put(ctx context.Context, token string, dir agenda.Directory, ttl time.Duration) error {
	records := make([]agenda.StudentRecord, 0, len(dir))
	for _, r := range dir {
		records = append(records, r)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.key(token), raw, ttl).Err()
}

// Delete removes the snapshot for token.
func (s *DirectorySnapshots) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *DirectorySnapshots) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + hex.EncodeToString(sum[:])
}
