// Package store defines the durable state substrate shared by the bot
// command dispatcher and the OAuth provider: bindings, the three
// pending-request state machines, issued tokens, and the audit logs.
//
// Implementations must guard every unique-key insert (uin, sub, state,
// verification_code, auth_code, access_token, refresh_token) against
// the insert-insert race, and every claim/approve/use transition must
// be a single conditional update that reports whether it affected a
// row.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup does not match any row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by create operations that would violate
// a uniqueness invariant (e.g. a second active BindUser for a uin).
var ErrAlreadyExists = errors.New("store: already exists")

// BindUser is the durable association between a chat UIN and an
// upstream OIDC subject.
type BindUser struct {
	ID                int64
	UIN               int64
	Sub               string
	Email             string
	PreferredUsername string
	ExtraData         map[string]string
	BindTime          time.Time
	IsActive          bool
}

// PendingBind tracks a `/bind` request awaiting the upstream
// authorization callback.
type PendingBind struct {
	ID         int64
	State      string
	UIN        int64
	Username   string
	SourceType string
	SourceID   int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsUsed     bool
}

// Valid reports whether the row may still be consumed by `/callback`.
func (p PendingBind) Valid(now time.Time) bool {
	return !p.IsUsed && now.Before(p.ExpiresAt)
}

// PendingAuth tracks one OAuth 2.0 authorization-code flow from
// `/authorize` through to token exchange: created unclaimed (UIN=0),
// claimed by a chat user, approved, then consumed exactly once.
type PendingAuth struct {
	ID                  int64
	VerificationCode    string
	AuthCode            string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	UIN                 int64
	BindUserID          int64
	ClientIP            string
	UserAgent           string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	IsApproved          bool
	IsUsed              bool
}

// ClaimableByCode reports whether the row may still be claimed/approved
// through the verification code.
func (p PendingAuth) ClaimableByCode(now time.Time) bool {
	return !p.IsUsed && !p.IsApproved && now.Before(p.ExpiresAt)
}

// RedeemableByAuthCode reports whether the row may still be exchanged
// at /token.
func (p PendingAuth) RedeemableByAuthCode(now time.Time) bool {
	return p.IsApproved && !p.IsUsed && now.Before(p.ExpiresAt)
}

// PendingUnbind tracks a `/unbind <username>` request awaiting
// `/unbind confirm`.
type PendingUnbind struct {
	ID          int64
	UIN         int64
	Username    string
	BindUserID  int64
	SourceType  string
	SourceID    int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IsProcessed bool
}

func (p PendingUnbind) Valid(now time.Time) bool {
	return !p.IsProcessed && now.Before(p.ExpiresAt)
}

// OAuthToken is an issued access/refresh token pair.
type OAuthToken struct {
	ID                    int64
	AccessToken           string
	RefreshToken          string
	TokenType             string
	ClientID              string
	BindUserID            int64
	UIN                   int64
	Scope                 string
	CreatedAt             time.Time
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	HasRefreshTokenExpiry bool
	IsRevoked             bool
}

func (t OAuthToken) AccessValid(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.AccessTokenExpiresAt)
}

func (t OAuthToken) RefreshValid(now time.Time) bool {
	if t.RefreshToken == "" || t.IsRevoked {
		return false
	}
	if !t.HasRefreshTokenExpiry {
		return true
	}
	return now.Before(t.RefreshTokenExpiresAt)
}

// AuthorizationLog is an append-only record of a successful or failed
// `/auth` approval.
type AuthorizationLog struct {
	ID                int64
	UIN               int64
	ClientID          string
	Address           string
	Scope             string
	AuthorizationTime time.Time
	IsSuccess         bool
	ClientIP          string
	UserAgent         string
}

// UnbindLog is an append-only record of an unbind confirmation or
// cancellation.
type UnbindLog struct {
	ID                int64
	UIN               int64
	UnbindUser        string
	Sub               string
	BindTime          time.Time
	UnbindRequestTime time.Time
	UnbindTime        time.Time
	IsUnbind          bool
	Reason            string
}

// GCResult reports how many expired rows a garbage-collection pass
// removed.
type GCResult struct {
	PendingBinds   int64
	PendingAuths   int64
	PendingUnbinds int64
}

func (g GCResult) IsEmpty() bool {
	return g.PendingBinds == 0 && g.PendingAuths == 0 && g.PendingUnbinds == 0
}

// Store is the durable substrate used by the bot dispatcher and the
// OAuth provider. All methods are safe for concurrent use.
type Store interface {
	Close() error

	GetBindUserByUIN(ctx context.Context, uin int64, activeOnly bool) (BindUser, error)
	GetBindUserBySub(ctx context.Context, sub string, activeOnly bool) (BindUser, error)
	GetBindUserByID(ctx context.Context, id int64) (BindUser, error)
	CreateBindUser(ctx context.Context, b BindUser) (BindUser, error)
	DeactivateBindUser(ctx context.Context, id int64) error

	CreatePendingBind(ctx context.Context, p PendingBind) (PendingBind, error)
	GetPendingBindByState(ctx context.Context, state string, validOnly bool) (PendingBind, error)
	MarkPendingBindUsed(ctx context.Context, id int64) (bool, error)

	CreatePendingAuth(ctx context.Context, p PendingAuth) (PendingAuth, error)
	GetPendingAuthByVerificationCode(ctx context.Context, code string, validOnly bool) (PendingAuth, error)
	GetPendingAuthByAuthCode(ctx context.Context, code string, validOnly bool) (PendingAuth, error)
	// ClaimPendingAuth atomically assigns uin/bindUserID to an
	// unclaimed (uin=0) row. affected is false if the row was already
	// claimed or no longer matches the precondition.
	ClaimPendingAuth(ctx context.Context, id int64, uin, bindUserID int64) (affected bool, err error)
	ApprovePendingAuth(ctx context.Context, id int64) (affected bool, err error)
	MarkPendingAuthUsed(ctx context.Context, id int64) (affected bool, err error)

	CreatePendingUnbind(ctx context.Context, p PendingUnbind) (PendingUnbind, error)
	GetPendingUnbindByUIN(ctx context.Context, uin int64, validOnly bool) (PendingUnbind, error)
	MarkPendingUnbindProcessed(ctx context.Context, id int64) (bool, error)

	CreateOAuthToken(ctx context.Context, t OAuthToken) (OAuthToken, error)
	GetTokenByAccessToken(ctx context.Context, token string, validOnly bool) (OAuthToken, error)
	GetTokenByRefreshToken(ctx context.Context, token string, validOnly bool) (OAuthToken, error)
	RevokeToken(ctx context.Context, id int64) error
	RevokeAllUserTokens(ctx context.Context, uin int64, clientID string) error

	CreateAuthorizationLog(ctx context.Context, l AuthorizationLog) error
	CreateUnbindLog(ctx context.Context, l UnbindLog) error

	// GarbageCollect deletes expired, not-yet-terminal pending rows.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}
