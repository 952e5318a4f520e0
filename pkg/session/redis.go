package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// sessionKey returns the Redis key for a session record.
func sessionKey(id string) string {
	return "mcp:session:" + id
}

// redisStore persists session records as JSON values with per-key TTL, so
// expiry needs no sweep process on this backend.
type redisStore struct {
	client rueidis.Client
	ttl    time.Duration
}

func (s *redisStore) create(ctx context.Context, sess *Session) error {
	return s.write(ctx, sess)
}

func (s *redisStore) get(ctx context.Context, id string) (*Session, error) {
	cmd := s.client.B().Get().Key(sessionKey(id)).Build()
	raw, err := s.client.Do(ctx, cmd).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *redisStore) touch(ctx context.Context, id string) error {
	sess, err := s.get(ctx, id)
	if err != nil || sess == nil {
		return err
	}

	now := time.Now().UTC()
	sess.LastActiveAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	return s.write(ctx, sess)
}

func (s *redisStore) updateMeta(ctx context.Context, id string, meta map[string]any) error {
	sess, err := s.get(ctx, id)
	if err != nil || sess == nil {
		return err
	}

	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	for k, v := range meta {
		sess.Metadata[k] = v
	}

	now := time.Now().UTC()
	sess.LastActiveAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	return s.write(ctx, sess)
}

func (s *redisStore) delete(ctx context.Context, id string) error {
	cmd := s.client.B().Del().Key(sessionKey(id)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *redisStore) write(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	cmd := s.client.B().Set().
		Key(sessionKey(sess.ID)).
		Value(string(raw)).
		Px(s.ttl).
		Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}
