// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key types used to build Redis keys.
const (
	KeyTypeCode               = "code"
	KeyTypeCodeUsed           = "code:used"
	KeyTypeCodes              = "codes"
	KeyTypeSession            = "session"
	KeyTypeSessions           = "sessions"
	KeyTypeUserSessions       = "user:sessions"
	KeyTypeAuthorization      = "authz:user"
	KeyTypeAuthorizations     = "authz:all"
	KeyTypeRefreshToken       = "authz:refresh"
	KeyTypeUserAuthorizations = "user:authz"
)

// expiryGrace keeps expired entries around long enough for DeleteExpired to
// count them before Redis evicts them.
const expiryGrace = time.Minute

// RedisStorage implements Storage on Redis so that several gateway instances
// share SSO state.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates a RedisStorage on an existing client. Keys are
// written under keyPrefix + "sso:".
func NewRedisStorage(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStorage) key(keyType string, parts ...string) string {
	k := s.keyPrefix + "sso:" + keyType
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + expiryGrace
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SaveCode implements Storage.
func (s *RedisStorage) SaveCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode authorization code: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(KeyTypeCode, code.Code), data, ttlUntil(code.ExpiresAt))
		pipe.SAdd(ctx, s.key(KeyTypeCodes), code.Code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// ConsumeCode implements Storage. The used marker is written with SETNX so
// that exactly one of several concurrent callers succeeds.
func (s *RedisStorage) ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var stored AuthorizationCode
	if err := s.getJSON(ctx, s.key(KeyTypeCode, code), &stored); err != nil {
		return nil, err
	}
	won, err := s.client.SetNX(ctx, s.key(KeyTypeCodeUsed, code), "1", ttlUntil(stored.ExpiresAt)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	if !won || stored.Used {
		return nil, ErrCodeUsed
	}
	stored.Used = true
	return &stored, nil
}

// SaveSession implements Storage.
func (s *RedisStorage) SaveSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(KeyTypeSession, session.ID), data, ttlUntil(session.ExpiresAt))
		pipe.SAdd(ctx, s.key(KeyTypeUserSessions, session.UserID), session.ID)
		pipe.SAdd(ctx, s.key(KeyTypeSessions), session.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// UpdateSession implements Storage. SET XX only replaces a key that still
// exists, so a concurrent delete is never undone and the indexes are left alone.
func (s *RedisStorage) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	updated, err := s.client.SetXX(ctx, s.key(KeyTypeSession, session.ID), data, ttlUntil(session.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

// GetSession implements Storage.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.getJSON(ctx, s.key(KeyTypeSession, id), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions implements Storage.
func (s *RedisStorage) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.key(KeyTypeUserSessions, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Evicted by TTL; the index entry is pruned by DeleteExpired.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// DeleteSession implements Storage.
func (s *RedisStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	session, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(KeyTypeSession, id))
		pipe.SRem(ctx, s.key(KeyTypeUserSessions, session.UserID), id)
		pipe.SRem(ctx, s.key(KeyTypeSessions), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return del.Val() > 0, nil
}

// DeleteUserSessions implements Storage.
func (s *RedisStorage) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	indexKey := s.key(KeyTypeUserSessions, userID)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(KeyTypeSession, id))
		members = append(members, id)
	}
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.Del(ctx, indexKey)
		pipe.SRem(ctx, s.key(KeyTypeSessions), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return int(del.Val()), nil
}

// SaveAuthorization implements Storage. Authorizations carry no TTL.
func (s *RedisStorage) SaveAuthorization(ctx context.Context, authz *ServiceAuthorization) error {
	if authz == nil || authz.UserID == "" || authz.ServiceID == "" {
		return errors.New("authorization user and service are required")
	}
	key := s.key(KeyTypeAuthorization, authz.UserID, authz.ServiceID)

	var previous ServiceAuthorization
	err := s.getJSON(ctx, key, &previous)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	staleRefresh := ""
	if err == nil && previous.RefreshToken != authz.RefreshToken {
		staleRefresh = previous.RefreshToken
	}

	data, err := json.Marshal(authz)
	if err != nil {
		return fmt.Errorf("failed to encode authorization: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, s.key(KeyTypeUserAuthorizations, authz.UserID), key)
		pipe.SAdd(ctx, s.key(KeyTypeAuthorizations), key)
		if staleRefresh != "" {
			pipe.Del(ctx, s.key(KeyTypeRefreshToken, staleRefresh))
		}
		if authz.RefreshToken != "" {
			pipe.Set(ctx, s.key(KeyTypeRefreshToken, authz.RefreshToken), key, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store authorization: %w", err)
	}
	return nil
}

// GetAuthorization implements Storage.
func (s *RedisStorage) GetAuthorization(ctx context.Context, userID, serviceID string) (*ServiceAuthorization, error) {
	var authz ServiceAuthorization
	if err := s.getJSON(ctx, s.key(KeyTypeAuthorization, userID, serviceID), &authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

// GetAuthorizationByRefreshToken implements Storage.
func (s *RedisStorage) GetAuthorizationByRefreshToken(ctx context.Context, refreshToken string) (*ServiceAuthorization, error) {
	key, err := s.client.Get(ctx, s.key(KeyTypeRefreshToken, refreshToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	var authz ServiceAuthorization
	if err := s.getJSON(ctx, key, &authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

// ListAuthorizations implements Storage.
func (s *RedisStorage) ListAuthorizations(ctx context.Context, userID string) ([]*ServiceAuthorization, error) {
	indexKey := s.key(KeyTypeAuthorizations)
	if userID != "" {
		indexKey = s.key(KeyTypeUserAuthorizations, userID)
	}
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read authorizations: %w", err)
	}
	out := make([]*ServiceAuthorization, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var authz ServiceAuthorization
		if err := json.Unmarshal([]byte(raw), &authz); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		out = append(out, &authz)
	}
	return out, nil
}

// DeleteExpired implements Storage. Entries Redis already evicted are pruned
// from the indexes and counted as expired.
func (s *RedisStorage) DeleteExpired(ctx context.Context, now time.Time) (int, int, error) {
	sessionIDs, err := s.client.SMembers(ctx, s.key(KeyTypeSessions)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := 0
	for _, id := range sessionIDs {
		session, err := s.GetSession(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.client.SRem(ctx, s.key(KeyTypeSessions), id).Err(); err != nil {
				return sessions, 0, fmt.Errorf("failed to prune session index: %w", err)
			}
			sessions++
		case err != nil:
			return sessions, 0, err
		case session.IsExpired(now):
			deleted, err := s.DeleteSession(ctx, id)
			if err != nil {
				return sessions, 0, err
			}
			if deleted {
				sessions++
			}
		}
	}

	codeIDs, err := s.client.SMembers(ctx, s.key(KeyTypeCodes)).Result()
	if err != nil {
		return sessions, 0, fmt.Errorf("failed to list authorization codes: %w", err)
	}
	codes := 0
	for _, code := range codeIDs {
		var stored AuthorizationCode
		err := s.getJSON(ctx, s.key(KeyTypeCode, code), &stored)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return sessions, codes, err
		}
		if err == nil && !stored.IsExpired(now) {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.key(KeyTypeCode, code))
			pipe.SRem(ctx, s.key(KeyTypeCodes), code)
			return nil
		})
		if err != nil {
			return sessions, codes, fmt.Errorf("failed to delete authorization code: %w", err)
		}
		codes++
	}
	return sessions, codes, nil
}

// Close implements Storage. The client is owned by the caller and stays open.
func (*RedisStorage) Close() error {
	return nil
}
