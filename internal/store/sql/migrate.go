package sql

var schema = []string{
	`create table if not exists bind_user (
		id bigserial primary key,
		uin bigint not null,
		sub varchar(255) not null,
		email varchar(255) not null default '',
		preferred_username varchar(255) not null default '',
		extra_data text not null default '{}',
		bind_time timestamptz not null,
		is_active boolean not null default true
	)`,
	`create unique index if not exists bind_user_uin_active on bind_user (uin) where is_active`,
	`create unique index if not exists bind_user_sub_active on bind_user (sub) where is_active`,

	`create table if not exists pending_bind (
		id bigserial primary key,
		state varchar(255) not null unique,
		uin bigint not null,
		username varchar(255) not null default '',
		source_type varchar(32) not null default '',
		source_id bigint not null default 0,
		created_at timestamptz not null,
		expires_at timestamptz not null,
		is_used boolean not null default false
	)`,

	`create table if not exists pending_auth (
		id bigserial primary key,
		verification_code varchar(255) not null unique,
		auth_code varchar(255) not null unique,
		client_id varchar(255) not null,
		redirect_uri varchar(2048) not null default '',
		scope varchar(1024) not null default '',
		state varchar(255) not null default '',
		code_challenge varchar(255) not null default '',
		code_challenge_method varchar(16) not null default '',
		nonce varchar(255) not null default '',
		uin bigint not null default 0,
		bind_user_id bigint not null default 0,
		client_ip varchar(64) not null default '',
		user_agent varchar(512) not null default '',
		created_at timestamptz not null,
		expires_at timestamptz not null,
		is_approved boolean not null default false,
		is_used boolean not null default false
	)`,

	`create table if not exists pending_unbind (
		id bigserial primary key,
		uin bigint not null,
		username varchar(255) not null default '',
		bind_user_id bigint not null default 0,
		source_type varchar(32) not null default '',
		source_id bigint not null default 0,
		created_at timestamptz not null,
		expires_at timestamptz not null,
		is_processed boolean not null default false
	)`,

	`create table if not exists oauth_token (
		id bigserial primary key,
		access_token varchar(255) not null unique,
		refresh_token varchar(255) not null default '',
		token_type varchar(32) not null default 'Bearer',
		client_id varchar(255) not null,
		bind_user_id bigint not null default 0,
		uin bigint not null default 0,
		scope varchar(1024) not null default '',
		created_at timestamptz not null,
		access_token_expires_at timestamptz not null,
		refresh_token_expires_at timestamptz,
		has_refresh_token_expiry boolean not null default false,
		is_revoked boolean not null default false
	)`,
	`create unique index if not exists oauth_token_refresh_token on oauth_token (refresh_token) where refresh_token <> ''`,

	`create table if not exists authorization_log (
		id bigserial primary key,
		uin bigint not null,
		client_id varchar(255) not null,
		address varchar(2048) not null default '',
		scope varchar(1024) not null default '',
		authorization_time timestamptz not null,
		is_success boolean not null default true,
		client_ip varchar(64) not null default '',
		user_agent varchar(512) not null default ''
	)`,

	`create table if not exists unbind_log (
		id bigserial primary key,
		uin bigint not null,
		unbind_user varchar(255) not null default '',
		sub varchar(255) not null default '',
		bind_time timestamptz,
		unbind_request_time timestamptz,
		unbind_time timestamptz not null,
		is_unbind boolean not null default true,
		reason varchar(64) not null default ''
	)`,
}

func (c *conn) migrate() error {
	for _, stmt := range schema {
		if _, err := c.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
