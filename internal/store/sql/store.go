package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oneidp/oneidp/internal/store"
)

func encodeExtraData(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeExtraData(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func (c *conn) GetBindUserByUIN(_ context.Context, uin int64, activeOnly bool) (store.BindUser, error) {
	query := `select id, uin, sub, email, preferred_username, extra_data, bind_time, is_active
		from bind_user where uin = $1`
	if activeOnly {
		query += ` and is_active = true`
	}
	return scanBindUser(c.queryRow(query, uin))
}

func (c *conn) GetBindUserBySub(_ context.Context, sub string, activeOnly bool) (store.BindUser, error) {
	query := `select id, uin, sub, email, preferred_username, extra_data, bind_time, is_active
		from bind_user where sub = $1`
	if activeOnly {
		query += ` and is_active = true`
	}
	return scanBindUser(c.queryRow(query, sub))
}

func (c *conn) GetBindUserByID(_ context.Context, id int64) (store.BindUser, error) {
	return scanBindUser(c.queryRow(`select id, uin, sub, email, preferred_username, extra_data, bind_time, is_active
		from bind_user where id = $1`, id))
}

func scanBindUser(row *sql.Row) (store.BindUser, error) {
	var b store.BindUser
	var extra string
	if err := row.Scan(&b.ID, &b.UIN, &b.Sub, &b.Email, &b.PreferredUsername, &extra, &b.BindTime, &b.IsActive); err != nil {
		return store.BindUser{}, wrapNotFound(err)
	}
	b.ExtraData = decodeExtraData(extra)
	return b, nil
}

func (c *conn) CreateBindUser(_ context.Context, b store.BindUser) (store.BindUser, error) {
	extra, err := encodeExtraData(b.ExtraData)
	if err != nil {
		return store.BindUser{}, err
	}
	if b.BindTime.IsZero() {
		b.BindTime = time.Now().UTC()
	}

	row := c.queryRow(`insert into bind_user (uin, sub, email, preferred_username, extra_data, bind_time, is_active)
		values ($1, $2, $3, $4, $5, $6, true) returning id`,
		b.UIN, b.Sub, b.Email, b.PreferredUsername, extra, b.BindTime)

	if err := row.Scan(&b.ID); err != nil {
		if c.isAlreadyExists(err) {
			return store.BindUser{}, store.ErrAlreadyExists
		}
		return store.BindUser{}, err
	}
	b.IsActive = true
	return b, nil
}

func (c *conn) DeactivateBindUser(_ context.Context, id int64) error {
	_, err := c.exec(`update bind_user set is_active = false where id = $1`, id)
	return err
}

func (c *conn) CreatePendingBind(_ context.Context, p store.PendingBind) (store.PendingBind, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := c.queryRow(`insert into pending_bind (state, uin, username, source_type, source_id, created_at, expires_at, is_used)
		values ($1, $2, $3, $4, $5, $6, $7, false) returning id`,
		p.State, p.UIN, p.Username, p.SourceType, p.SourceID, p.CreatedAt, p.ExpiresAt)
	if err := row.Scan(&p.ID); err != nil {
		if c.isAlreadyExists(err) {
			return store.PendingBind{}, store.ErrAlreadyExists
		}
		return store.PendingBind{}, err
	}
	return p, nil
}

func (c *conn) GetPendingBindByState(_ context.Context, state string, validOnly bool) (store.PendingBind, error) {
	query := `select id, state, uin, username, source_type, source_id, created_at, expires_at, is_used
		from pending_bind where state = $1`
	args := []any{state}
	if validOnly {
		query += ` and is_used = false and expires_at > $2`
		args = append(args, time.Now().UTC())
	}
	var p store.PendingBind
	err := c.queryRow(query, args...).Scan(&p.ID, &p.State, &p.UIN, &p.Username, &p.SourceType, &p.SourceID,
		&p.CreatedAt, &p.ExpiresAt, &p.IsUsed)
	if err != nil {
		return store.PendingBind{}, wrapNotFound(err)
	}
	return p, nil
}

func (c *conn) MarkPendingBindUsed(_ context.Context, id int64) (bool, error) {
	res, err := c.exec(`update pending_bind set is_used = true where id = $1 and is_used = false`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (c *conn) CreatePendingAuth(_ context.Context, p store.PendingAuth) (store.PendingAuth, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := c.queryRow(`insert into pending_auth (verification_code, auth_code, client_id, redirect_uri, scope, state,
		code_challenge, code_challenge_method, nonce, uin, bind_user_id, client_ip, user_agent, created_at, expires_at,
		is_approved, is_used)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, false, false) returning id`,
		p.VerificationCode, p.AuthCode, p.ClientID, p.RedirectURI, p.Scope, p.State,
		p.CodeChallenge, p.CodeChallengeMethod, p.Nonce, p.UIN, p.BindUserID, p.ClientIP, p.UserAgent,
		p.CreatedAt, p.ExpiresAt)
	if err := row.Scan(&p.ID); err != nil {
		if c.isAlreadyExists(err) {
			return store.PendingAuth{}, store.ErrAlreadyExists
		}
		return store.PendingAuth{}, err
	}
	return p, nil
}

func scanPendingAuth(row *sql.Row) (store.PendingAuth, error) {
	var p store.PendingAuth
	err := row.Scan(&p.ID, &p.VerificationCode, &p.AuthCode, &p.ClientID, &p.RedirectURI, &p.Scope, &p.State,
		&p.CodeChallenge, &p.CodeChallengeMethod, &p.Nonce, &p.UIN, &p.BindUserID, &p.ClientIP, &p.UserAgent,
		&p.CreatedAt, &p.ExpiresAt, &p.IsApproved, &p.IsUsed)
	if err != nil {
		return store.PendingAuth{}, wrapNotFound(err)
	}
	return p, nil
}

const pendingAuthColumns = `id, verification_code, auth_code, client_id, redirect_uri, scope, state,
	code_challenge, code_challenge_method, nonce, uin, bind_user_id, client_ip, user_agent,
	created_at, expires_at, is_approved, is_used`

func (c *conn) GetPendingAuthByVerificationCode(_ context.Context, code string, validOnly bool) (store.PendingAuth, error) {
	query := `select ` + pendingAuthColumns + ` from pending_auth where upper(verification_code) = upper($1)`
	args := []any{code}
	if validOnly {
		query += ` and is_used = false and is_approved = false and expires_at > $2`
		args = append(args, time.Now().UTC())
	}
	return scanPendingAuth(c.queryRow(query, args...))
}

func (c *conn) GetPendingAuthByAuthCode(_ context.Context, code string, validOnly bool) (store.PendingAuth, error) {
	query := `select ` + pendingAuthColumns + ` from pending_auth where auth_code = $1`
	args := []any{code}
	if validOnly {
		query += ` and is_approved = true and is_used = false and expires_at > $2`
		args = append(args, time.Now().UTC())
	}
	return scanPendingAuth(c.queryRow(query, args...))
}

func (c *conn) ClaimPendingAuth(_ context.Context, id int64, uin, bindUserID int64) (bool, error) {
	res, err := c.exec(`update pending_auth set uin = $1, bind_user_id = $2 where id = $3 and uin = 0`,
		uin, bindUserID, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (c *conn) ApprovePendingAuth(_ context.Context, id int64) (bool, error) {
	res, err := c.exec(`update pending_auth set is_approved = true
		where id = $1 and is_approved = false and is_used = false`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (c *conn) MarkPendingAuthUsed(_ context.Context, id int64) (bool, error) {
	res, err := c.exec(`update pending_auth set is_used = true
		where id = $1 and is_approved = true and is_used = false`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (c *conn) CreatePendingUnbind(_ context.Context, p store.PendingUnbind) (store.PendingUnbind, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := c.queryRow(`insert into pending_unbind (uin, username, bind_user_id, source_type, source_id, created_at, expires_at, is_processed)
		values ($1,$2,$3,$4,$5,$6,$7, false) returning id`,
		p.UIN, p.Username, p.BindUserID, p.SourceType, p.SourceID, p.CreatedAt, p.ExpiresAt)
	if err := row.Scan(&p.ID); err != nil {
		return store.PendingUnbind{}, err
	}
	return p, nil
}

func (c *conn) GetPendingUnbindByUIN(_ context.Context, uin int64, validOnly bool) (store.PendingUnbind, error) {
	query := `select id, uin, username, bind_user_id, source_type, source_id, created_at, expires_at, is_processed
		from pending_unbind where uin = $1`
	args := []any{uin}
	if validOnly {
		query += ` and is_processed = false and expires_at > $2`
		args = append(args, time.Now().UTC())
	}
	query += ` order by id desc limit 1`
	var p store.PendingUnbind
	err := c.queryRow(query, args...).Scan(&p.ID, &p.UIN, &p.Username, &p.BindUserID, &p.SourceType, &p.SourceID,
		&p.CreatedAt, &p.ExpiresAt, &p.IsProcessed)
	if err != nil {
		return store.PendingUnbind{}, wrapNotFound(err)
	}
	return p, nil
}

func (c *conn) MarkPendingUnbindProcessed(_ context.Context, id int64) (bool, error) {
	res, err := c.exec(`update pending_unbind set is_processed = true where id = $1 and is_processed = false`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (c *conn) CreateOAuthToken(_ context.Context, t store.OAuthToken) (store.OAuthToken, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	var refreshExpiry any
	if t.HasRefreshTokenExpiry {
		refreshExpiry = t.RefreshTokenExpiresAt
	}

	row := c.queryRow(`insert into oauth_token (access_token, refresh_token, token_type, client_id, bind_user_id, uin,
		scope, created_at, access_token_expires_at, refresh_token_expires_at, has_refresh_token_expiry, is_revoked)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, false) returning id`,
		t.AccessToken, t.RefreshToken, t.TokenType, t.ClientID, t.BindUserID, t.UIN, t.Scope,
		t.CreatedAt, t.AccessTokenExpiresAt, refreshExpiry, t.HasRefreshTokenExpiry)
	if err := row.Scan(&t.ID); err != nil {
		if c.isAlreadyExists(err) {
			return store.OAuthToken{}, store.ErrAlreadyExists
		}
		return store.OAuthToken{}, err
	}
	return t, nil
}

const oauthTokenColumns = `id, access_token, refresh_token, token_type, client_id, bind_user_id, uin, scope,
	created_at, access_token_expires_at, refresh_token_expires_at, has_refresh_token_expiry, is_revoked`

func scanOAuthToken(row *sql.Row) (store.OAuthToken, error) {
	var t store.OAuthToken
	var refreshExpiry sql.NullTime
	err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ClientID, &t.BindUserID, &t.UIN, &t.Scope,
		&t.CreatedAt, &t.AccessTokenExpiresAt, &refreshExpiry, &t.HasRefreshTokenExpiry, &t.IsRevoked)
	if err != nil {
		return store.OAuthToken{}, wrapNotFound(err)
	}
	if refreshExpiry.Valid {
		t.RefreshTokenExpiresAt = refreshExpiry.Time
	}
	return t, nil
}

func (c *conn) GetTokenByAccessToken(_ context.Context, token string, validOnly bool) (store.OAuthToken, error) {
	query := `select ` + oauthTokenColumns + ` from oauth_token where access_token = $1`
	args := []any{token}
	if validOnly {
		query += ` and is_revoked = false and access_token_expires_at > $2`
		args = append(args, time.Now().UTC())
	}
	return scanOAuthToken(c.queryRow(query, args...))
}

func (c *conn) GetTokenByRefreshToken(_ context.Context, token string, validOnly bool) (store.OAuthToken, error) {
	query := `select ` + oauthTokenColumns + ` from oauth_token where refresh_token = $1`
	args := []any{token}
	if validOnly {
		query += ` and is_revoked = false and (has_refresh_token_expiry = false or refresh_token_expires_at > $2)`
		args = append(args, time.Now().UTC())
	}
	return scanOAuthToken(c.queryRow(query, args...))
}

func (c *conn) RevokeToken(_ context.Context, id int64) error {
	_, err := c.exec(`update oauth_token set is_revoked = true where id = $1`, id)
	return err
}

func (c *conn) RevokeAllUserTokens(_ context.Context, uin int64, clientID string) error {
	if clientID == "" {
		_, err := c.exec(`update oauth_token set is_revoked = true where uin = $1`, uin)
		return err
	}
	_, err := c.exec(`update oauth_token set is_revoked = true where uin = $1 and client_id = $2`, uin, clientID)
	return err
}

func (c *conn) CreateAuthorizationLog(_ context.Context, l store.AuthorizationLog) error {
	if l.AuthorizationTime.IsZero() {
		l.AuthorizationTime = time.Now().UTC()
	}
	_, err := c.exec(`insert into authorization_log (uin, client_id, address, scope, authorization_time, is_success, client_ip, user_agent)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.UIN, l.ClientID, l.Address, l.Scope, l.AuthorizationTime, l.IsSuccess, l.ClientIP, l.UserAgent)
	return err
}

func (c *conn) CreateUnbindLog(_ context.Context, l store.UnbindLog) error {
	if l.UnbindTime.IsZero() {
		l.UnbindTime = time.Now().UTC()
	}
	_, err := c.exec(`insert into unbind_log (uin, unbind_user, sub, bind_time, unbind_request_time, unbind_time, is_unbind, reason)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.UIN, l.UnbindUser, l.Sub, l.BindTime, l.UnbindRequestTime, l.UnbindTime, l.IsUnbind, l.Reason)
	return err
}

func (c *conn) GarbageCollect(_ context.Context, now time.Time) (store.GCResult, error) {
	var result store.GCResult

	err := c.execTx(func(tx *trans) error {
		res, err := tx.exec(`delete from pending_bind where is_used = false and expires_at < $1`, now)
		if err != nil {
			return err
		}
		result.PendingBinds, _ = res.RowsAffected()

		res, err = tx.exec(`delete from pending_auth where is_used = false and expires_at < $1`, now)
		if err != nil {
			return err
		}
		result.PendingAuths, _ = res.RowsAffected()

		res, err = tx.exec(`delete from pending_unbind where is_processed = false and expires_at < $1`, now)
		if err != nil {
			return err
		}
		result.PendingUnbinds, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return store.GCResult{}, err
	}
	return result, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
