// Package bindflow implements the Relying Party callback that
// completes a bind request: it resolves the pending state, trades
// the authorization code for userinfo, and projects the configured
// stored fields into BindUser.ExtraData.
package bindflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oneidp/oneidp/internal/ssoclient"
	"github.com/oneidp/oneidp/internal/store"
)

var (
	ErrMissingParams   = errors.New("bindflow: code and state are required")
	ErrInvalidState    = errors.New("bindflow: bind link has expired or was already used")
	ErrAlreadyBound    = errors.New("bindflow: this chat account is already bound")
	ErrSubAlreadyBound = errors.New("bindflow: this SSO account is already bound to another chat account")
)

// Result is what Complete reports back to the HTTP handler for
// rendering.
type Result struct {
	BindUser store.BindUser
}

// Service drives the callback step of the bind flow.
type Service struct {
	store        store.Store
	sso          *ssoclient.Client
	storedFields []string
	now          func() time.Time
}

func New(s store.Store, sso *ssoclient.Client, storedFields []string) *Service {
	return &Service{store: s, sso: sso, storedFields: storedFields, now: time.Now}
}

// Complete validates state, exchanges code for userinfo, and creates
// the BindUser. A failed upstream exchange leaves the pending row
// untouched so the user can retry the same link until it expires.
func (s *Service) Complete(ctx context.Context, code, state string) (Result, error) {
	if code == "" || state == "" {
		return Result{}, ErrMissingParams
	}

	pending, err := s.store.GetPendingBindByState(ctx, state, true)
	if err != nil {
		return Result{}, ErrInvalidState
	}

	if _, err := s.store.GetBindUserByUIN(ctx, pending.UIN, true); err == nil {
		s.store.MarkPendingBindUsed(ctx, pending.ID)
		return Result{}, ErrAlreadyBound
	}

	userinfo, err := s.sso.ExchangeAndGetUserInfo(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("bindflow: failed to retrieve userinfo: %w", err)
	}
	if userinfo.Sub == "" {
		return Result{}, fmt.Errorf("bindflow: userinfo response has no sub claim")
	}

	if _, err := s.store.GetBindUserBySub(ctx, userinfo.Sub, true); err == nil {
		s.store.MarkPendingBindUsed(ctx, pending.ID)
		return Result{}, ErrSubAlreadyBound
	}

	extra := make(map[string]string)
	for _, field := range s.storedFields {
		if field == "sub" || field == "email" || field == "preferred_username" {
			continue
		}
		if v, ok := userinfo.Raw[field]; ok {
			if str, ok := v.(string); ok {
				extra[field] = str
			}
		}
	}

	bindUser, err := s.store.CreateBindUser(ctx, store.BindUser{
		UIN:               pending.UIN,
		Sub:               userinfo.Sub,
		Email:             userinfo.Email,
		PreferredUsername: userinfo.PreferredUsername,
		ExtraData:         extra,
		BindTime:          s.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("bindflow: failed to create binding: %w", err)
	}

	s.store.MarkPendingBindUsed(ctx, pending.ID)
	return Result{BindUser: bindUser}, nil
}
