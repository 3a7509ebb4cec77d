// Package memstore provides an in-memory implementation of store.Store,
// used for tests and for single-process deployments that don't need
// durability across restarts: one mutex guarding a set of maps, with
// update-by-id helpers that report whether a row was actually
// affected.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oneidp/oneidp/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	nextID int64

	bindUsers      map[int64]store.BindUser
	pendingBinds   map[int64]store.PendingBind
	pendingAuths   map[int64]store.PendingAuth
	pendingUnbinds map[int64]store.PendingUnbind
	tokens         map[int64]store.OAuthToken

	authLogs   []store.AuthorizationLog
	unbindLogs []store.UnbindLog
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		bindUsers:      make(map[int64]store.BindUser),
		pendingBinds:   make(map[int64]store.PendingBind),
		pendingAuths:   make(map[int64]store.PendingAuth),
		pendingUnbinds: make(map[int64]store.PendingUnbind),
		tokens:         make(map[int64]store.OAuthToken),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) GetBindUserByUIN(_ context.Context, uin int64, activeOnly bool) (store.BindUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindUsers {
		if b.UIN == uin && (!activeOnly || b.IsActive) {
			return b, nil
		}
	}
	return store.BindUser{}, store.ErrNotFound
}

func (s *Store) GetBindUserBySub(_ context.Context, sub string, activeOnly bool) (store.BindUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindUsers {
		if b.Sub == sub && (!activeOnly || b.IsActive) {
			return b, nil
		}
	}
	return store.BindUser{}, store.ErrNotFound
}

func (s *Store) GetBindUserByID(_ context.Context, id int64) (store.BindUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindUsers[id]
	if !ok {
		return store.BindUser{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) CreateBindUser(_ context.Context, b store.BindUser) (store.BindUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bindUsers {
		if !existing.IsActive {
			continue
		}
		if existing.UIN == b.UIN || existing.Sub == b.Sub {
			return store.BindUser{}, store.ErrAlreadyExists
		}
	}
	b.ID = s.id()
	b.IsActive = true
	if b.BindTime.IsZero() {
		b.BindTime = time.Now().UTC()
	}
	s.bindUsers[b.ID] = b
	return b, nil
}

func (s *Store) DeactivateBindUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindUsers[id]
	if !ok {
		return store.ErrNotFound
	}
	b.IsActive = false
	s.bindUsers[id] = b
	return nil
}

func (s *Store) CreatePendingBind(_ context.Context, p store.PendingBind) (store.PendingBind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pendingBinds {
		if existing.State == p.State {
			return store.PendingBind{}, store.ErrAlreadyExists
		}
	}
	p.ID = s.id()
	s.pendingBinds[p.ID] = p
	return p, nil
}

func (s *Store) GetPendingBindByState(_ context.Context, state string, validOnly bool) (store.PendingBind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, p := range s.pendingBinds {
		if p.State != state {
			continue
		}
		if validOnly && !p.Valid(now) {
			continue
		}
		return p, nil
	}
	return store.PendingBind{}, store.ErrNotFound
}

func (s *Store) MarkPendingBindUsed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingBinds[id]
	if !ok {
		return false, nil
	}
	if p.IsUsed {
		return false, nil
	}
	p.IsUsed = true
	s.pendingBinds[id] = p
	return true, nil
}

func (s *Store) CreatePendingAuth(_ context.Context, p store.PendingAuth) (store.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pendingAuths {
		if existing.VerificationCode == p.VerificationCode || existing.AuthCode == p.AuthCode {
			return store.PendingAuth{}, store.ErrAlreadyExists
		}
	}
	p.ID = s.id()
	s.pendingAuths[p.ID] = p
	return p, nil
}

func (s *Store) GetPendingAuthByVerificationCode(_ context.Context, code string, validOnly bool) (store.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	code = strings.ToUpper(code)
	for _, p := range s.pendingAuths {
		if p.VerificationCode != code {
			continue
		}
		if validOnly && !p.ClaimableByCode(now) {
			continue
		}
		return p, nil
	}
	return store.PendingAuth{}, store.ErrNotFound
}

func (s *Store) GetPendingAuthByAuthCode(_ context.Context, code string, validOnly bool) (store.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, p := range s.pendingAuths {
		if p.AuthCode != code {
			continue
		}
		if validOnly && !p.RedeemableByAuthCode(now) {
			continue
		}
		return p, nil
	}
	return store.PendingAuth{}, store.ErrNotFound
}

func (s *Store) ClaimPendingAuth(_ context.Context, id int64, uin, bindUserID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingAuths[id]
	if !ok {
		return false, nil
	}
	if p.UIN != 0 {
		return false, nil
	}
	p.UIN = uin
	p.BindUserID = bindUserID
	s.pendingAuths[id] = p
	return true, nil
}

func (s *Store) ApprovePendingAuth(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingAuths[id]
	if !ok {
		return false, nil
	}
	if p.IsApproved {
		return false, nil
	}
	p.IsApproved = true
	s.pendingAuths[id] = p
	return true, nil
}

func (s *Store) MarkPendingAuthUsed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingAuths[id]
	if !ok {
		return false, nil
	}
	if p.IsUsed {
		return false, nil
	}
	p.IsUsed = true
	s.pendingAuths[id] = p
	return true, nil
}

func (s *Store) CreatePendingUnbind(_ context.Context, p store.PendingUnbind) (store.PendingUnbind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.id()
	s.pendingUnbinds[p.ID] = p
	return p, nil
}

func (s *Store) GetPendingUnbindByUIN(_ context.Context, uin int64, validOnly bool) (store.PendingUnbind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var best store.PendingUnbind
	found := false
	for _, p := range s.pendingUnbinds {
		if p.UIN != uin {
			continue
		}
		if validOnly && !p.Valid(now) {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best = p
			found = true
		}
	}
	if !found {
		return store.PendingUnbind{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) MarkPendingUnbindProcessed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingUnbinds[id]
	if !ok {
		return false, nil
	}
	if p.IsProcessed {
		return false, nil
	}
	p.IsProcessed = true
	s.pendingUnbinds[id] = p
	return true, nil
}

func (s *Store) CreateOAuthToken(_ context.Context, t store.OAuthToken) (store.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.AccessToken == t.AccessToken {
			return store.OAuthToken{}, store.ErrAlreadyExists
		}
		if t.RefreshToken != "" && existing.RefreshToken == t.RefreshToken {
			return store.OAuthToken{}, store.ErrAlreadyExists
		}
	}
	t.ID = s.id()
	s.tokens[t.ID] = t
	return t, nil
}

func (s *Store) GetTokenByAccessToken(_ context.Context, token string, validOnly bool) (store.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range s.tokens {
		if t.AccessToken != token {
			continue
		}
		if validOnly && !t.AccessValid(now) {
			continue
		}
		return t, nil
	}
	return store.OAuthToken{}, store.ErrNotFound
}

func (s *Store) GetTokenByRefreshToken(_ context.Context, token string, validOnly bool) (store.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range s.tokens {
		if t.RefreshToken != token {
			continue
		}
		if validOnly && !t.RefreshValid(now) {
			continue
		}
		return t, nil
	}
	return store.OAuthToken{}, store.ErrNotFound
}

func (s *Store) RevokeToken(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsRevoked = true
	s.tokens[id] = t
	return nil
}

func (s *Store) RevokeAllUserTokens(_ context.Context, uin int64, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.UIN != uin {
			continue
		}
		if clientID != "" && t.ClientID != clientID {
			continue
		}
		t.IsRevoked = true
		s.tokens[id] = t
	}
	return nil
}

func (s *Store) CreateAuthorizationLog(_ context.Context, l store.AuthorizationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	s.authLogs = append(s.authLogs, l)
	return nil
}

func (s *Store) CreateUnbindLog(_ context.Context, l store.UnbindLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	s.unbindLogs = append(s.unbindLogs, l)
	return nil
}

// AuthorizationLogs returns a snapshot of every recorded authorization
// log entry, for tests.
func (s *Store) AuthorizationLogs() []store.AuthorizationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuthorizationLog, len(s.authLogs))
	copy(out, s.authLogs)
	return out
}

// UnbindLogs returns a snapshot of every recorded unbind log entry,
// for tests.
func (s *Store) UnbindLogs() []store.UnbindLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.UnbindLog, len(s.unbindLogs))
	copy(out, s.unbindLogs)
	return out
}

func (s *Store) GarbageCollect(_ context.Context, now time.Time) (store.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result store.GCResult

	for id, p := range s.pendingBinds {
		if !p.IsUsed && now.After(p.ExpiresAt) {
			delete(s.pendingBinds, id)
			result.PendingBinds++
		}
	}
	for id, p := range s.pendingAuths {
		if !p.IsUsed && now.After(p.ExpiresAt) {
			delete(s.pendingAuths, id)
			result.PendingAuths++
		}
	}
	for id, p := range s.pendingUnbinds {
		if !p.IsProcessed && now.After(p.ExpiresAt) {
			delete(s.pendingUnbinds, id)
			result.PendingUnbinds++
		}
	}
	return result, nil
}
