// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStorage implements Storage with in-memory maps. It is suitable for a
// single gateway instance.
type MemoryStorage struct {
	mu sync.RWMutex

	codes    map[string]*AuthorizationCode
	sessions map[string]*Session

	// userSessions indexes session ids by user id.
	userSessions map[string]map[string]struct{}

	// authorizations maps "userID|serviceID" to the authorization.
	authorizations map[string]*ServiceAuthorization

	// refreshTokens maps a refresh token to its authorization key.
	refreshTokens map[string]string
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		codes:          make(map[string]*AuthorizationCode),
		sessions:       make(map[string]*Session),
		userSessions:   make(map[string]map[string]struct{}),
		authorizations: make(map[string]*ServiceAuthorization),
		refreshTokens:  make(map[string]string),
	}
}

func authorizationKey(userID, serviceID string) string {
	return userID + "|" + serviceID
}

// SaveCode implements Storage.
func (s *MemoryStorage) SaveCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code.clone()
	return nil
}

// ConsumeCode implements Storage.
func (s *MemoryStorage) ConsumeCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Used {
		return nil, ErrCodeUsed
	}
	stored.Used = true
	return stored.clone(), nil
}

// SaveSession implements Storage.
func (s *MemoryStorage) SaveSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session.clone()
	ids, ok := s.userSessions[session.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.userSessions[session.UserID] = ids
	}
	ids[session.ID] = struct{}{}
	return nil
}

// UpdateSession implements Storage.
func (s *MemoryStorage) UpdateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[session.ID] = session.clone()
	return nil
}

// GetSession implements Storage.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.clone(), nil
}

// ListSessions implements Storage.
func (s *MemoryStorage) ListSessions(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.userSessions[userID]))
	for id := range s.userSessions[userID] {
		if session, ok := s.sessions[id]; ok {
			out = append(out, session.clone())
		}
	}
	return out, nil
}

// DeleteSession implements Storage.
func (s *MemoryStorage) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSessionLocked(id), nil
}

func (s *MemoryStorage) deleteSessionLocked(id string) bool {
	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	if ids, ok := s.userSessions[session.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.userSessions, session.UserID)
		}
	}
	return true
}

// DeleteUserSessions implements Storage.
func (s *MemoryStorage) DeleteUserSessions(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.userSessions[userID]
	count := 0
	for id := range ids {
		if _, ok := s.sessions[id]; ok {
			delete(s.sessions, id)
			count++
		}
	}
	delete(s.userSessions, userID)
	return count, nil
}

// SaveAuthorization implements Storage.
func (s *MemoryStorage) SaveAuthorization(_ context.Context, authz *ServiceAuthorization) error {
	if authz == nil || authz.UserID == "" || authz.ServiceID == "" {
		return fmt.Errorf("authorization user and service are required")
	}
	key := authorizationKey(authz.UserID, authz.ServiceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.authorizations[key]; ok && old.RefreshToken != authz.RefreshToken {
		delete(s.refreshTokens, old.RefreshToken)
	}
	s.authorizations[key] = authz.clone()
	if authz.RefreshToken != "" {
		s.refreshTokens[authz.RefreshToken] = key
	}
	return nil
}

// GetAuthorization implements Storage.
func (s *MemoryStorage) GetAuthorization(_ context.Context, userID, serviceID string) (*ServiceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authz, ok := s.authorizations[authorizationKey(userID, serviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return authz.clone(), nil
}

// GetAuthorizationByRefreshToken implements Storage.
func (s *MemoryStorage) GetAuthorizationByRefreshToken(_ context.Context, refreshToken string) (*ServiceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	authz, ok := s.authorizations[key]
	if !ok {
		return nil, ErrNotFound
	}
	return authz.clone(), nil
}

// ListAuthorizations implements Storage.
func (s *MemoryStorage) ListAuthorizations(_ context.Context, userID string) ([]*ServiceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ServiceAuthorization
	for _, authz := range s.authorizations {
		if userID == "" || authz.UserID == userID {
			out = append(out, authz.clone())
		}
	}
	return out, nil
}

// DeleteExpired implements Storage. Collects expired keys under the read
// lock and deletes them under the write lock.
func (s *MemoryStorage) DeleteExpired(_ context.Context, now time.Time) (int, int, error) {
	s.mu.RLock()
	var expiredSessions, expiredCodes []string
	for id, session := range s.sessions {
		if session.IsExpired(now) {
			expiredSessions = append(expiredSessions, id)
		}
	}
	for code, c := range s.codes {
		if c.IsExpired(now) {
			expiredCodes = append(expiredCodes, code)
		}
	}
	s.mu.RUnlock()

	if len(expiredSessions) == 0 && len(expiredCodes) == 0 {
		return 0, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := 0
	for _, id := range expiredSessions {
		// Re-check: the session may have been refreshed in between.
		if session, ok := s.sessions[id]; ok && session.IsExpired(now) && s.deleteSessionLocked(id) {
			sessions++
		}
	}
	codes := 0
	for _, code := range expiredCodes {
		if c, ok := s.codes[code]; ok && c.IsExpired(now) {
			delete(s.codes, code)
			codes++
		}
	}
	return sessions, codes, nil
}

// Close implements Storage.
func (*MemoryStorage) Close() error {
	return nil
}
