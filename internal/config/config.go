// Package config is the single YAML-loaded configuration tree for
// oneidp: one Config struct with json tags (unmarshaled via
// github.com/ghodss/yaml, which round-trips YAML through JSON so the
// same tags serve both), and a Validate() per sub-struct that fails
// fast on an inconsistent config.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level config file format for oneidp.
type Config struct {
	Issuer string `json:"issuer"`

	// SigningSecret signs every HS256 ID token this provider issues.
	// There is no JWKS endpoint; Relying Parties verify against the
	// shared secret.
	SigningSecret string `json:"signingSecret"`

	Logger    Logger    `json:"logger"`
	Server    Server    `json:"server"`
	Database  Database  `json:"database"`
	Bot       Bot       `json:"bot"`
	SSOClient SSOClient `json:"ssoClient"`
	Binding   Binding   `json:"binding"`
	Expiry    Expiry    `json:"expiry"`

	// Clients is the static client registry; there is no dynamic
	// client registration, so this list is the entirety of the
	// client store.
	Clients []OAuthClient `json:"clients"`
}

// Validate checks the top-level fields, collecting all complaints
// before returning, then descends into each sub-struct.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.SigningSecret == "", "no signingSecret specified in config file"},
		{len(c.Clients) == 0, "no clients specified in config file"},
	}

	var errMsgs []string
	for _, check := range checks {
		if check.bad {
			errMsgs = append(errMsgs, check.errMsg)
		}
	}
	if len(errMsgs) > 0 {
		return fmt.Errorf("invalid config:\n\t-%s", joinLines(errMsgs))
	}

	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Bot.Validate(); err != nil {
		return err
	}
	for _, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n\t-" + l
	}
	return out
}

// Logger configures the logrus-backed pkg/log.Logger: level and format
// only, output is always stderr.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Server is the HTTP listen configuration for internal/oauthprovider.
type Server struct {
	HTTP string `json:"http"`

	// AllowedOrigins is passed straight through to
	// gorilla/handlers.CORS.
	AllowedOrigins []string `json:"allowedOrigins"`
}

func (s Server) Validate() error {
	if s.HTTP == "" {
		return fmt.Errorf("invalid config: server.http address is required")
	}
	return nil
}

// Database selects and configures the storage backend: "sqlite3",
// "postgres", or "memory".
type Database struct {
	Driver string `json:"driver"`

	// SQLite
	File string `json:"file"`

	// Postgres
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslMode"`
}

func (d Database) Validate() error {
	switch d.Driver {
	case "sqlite3":
		if d.File == "" {
			return fmt.Errorf("invalid config: database.file is required for the sqlite3 driver")
		}
	case "postgres":
		if d.Host == "" || d.Database == "" {
			return fmt.Errorf("invalid config: database.host and database.database are required for the postgres driver")
		}
	case "memory":
		// zero-config development backend, no further fields.
	default:
		return fmt.Errorf("invalid config: database.driver must be one of (sqlite3, postgres, memory), got %q", d.Driver)
	}
	return nil
}

// Bot configures the OneBot-V11 transport and the command dispatcher.
type Bot struct {
	ClientEnabled bool   `json:"clientEnabled"`
	ClientURL     string `json:"clientUrl"`
	ClientToken   string `json:"clientToken"`

	ServerEnabled bool   `json:"serverEnabled"`
	ServerAddr    string `json:"serverAddr"`
	ServerToken   string `json:"serverToken"`

	CommandPrefix string  `json:"commandPrefix"`
	AllowedGroups []int64 `json:"allowedGroups"`
}

func (b Bot) Validate() error {
	if !b.ClientEnabled && !b.ServerEnabled {
		return fmt.Errorf("invalid config: bot.clientEnabled or bot.serverEnabled must be set")
	}
	if b.ClientEnabled && b.ClientURL == "" {
		return fmt.Errorf("invalid config: bot.clientUrl is required when bot.clientEnabled is set")
	}
	if b.ServerEnabled && b.ServerAddr == "" {
		return fmt.Errorf("invalid config: bot.serverAddr is required when bot.serverEnabled is set")
	}
	if b.CommandPrefix == "" {
		return fmt.Errorf("invalid config: bot.commandPrefix is required")
	}
	return nil
}

// AllowedGroupSet returns AllowedGroups as the map shape
// bot.DispatcherConfig expects.
func (b Bot) AllowedGroupSet() map[int64]bool {
	if len(b.AllowedGroups) == 0 {
		return nil
	}
	set := make(map[int64]bool, len(b.AllowedGroups))
	for _, id := range b.AllowedGroups {
		set[id] = true
	}
	return set
}

// SSOClient configures the upstream OIDC Relying Party client used by
// the bind flow.
type SSOClient struct {
	Enabled      bool   `json:"enabled"`
	UseWellKnown bool   `json:"useWellKnown"`
	WellKnownURL string `json:"wellKnownUrl"`

	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	UserinfoURL      string `json:"userinfoUrl"`

	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
	Scope        string `json:"scope"`
}

// Binding configures the bind/unbind TTLs and the projection of
// upstream userinfo into BindUser.ExtraData.
type Binding struct {
	BindLinkExpire string   `json:"bindLinkExpire"`
	UnbindExpire   string   `json:"unbindExpire"`
	StoredFields   []string `json:"storedFields"`
}

// Expiry configures the TTLs used by the OAuth provider.
type Expiry struct {
	VerificationCode string `json:"verificationCode"`
	AuthCode         string `json:"authCode"`
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
}

// OAuthClient is one statically registered Relying Party. The whole
// client table lives in config, not the Store.
type OAuthClient struct {
	ID            string   `json:"id"`
	Secret        string   `json:"secret"`
	Name          string   `json:"name"`
	RedirectURIs  []string `json:"redirectUris"`
	AllowedScopes []string `json:"allowedScopes"`
	Public        bool     `json:"public"`
}

func (c OAuthClient) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("invalid config: client id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("invalid config: Name field is required for client %q", c.ID)
	}
	if c.Secret == "" && !c.Public {
		return fmt.Errorf("invalid config: Secret field is required for confidential client %q", c.ID)
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("invalid config: at least one redirect URI is required for client %q", c.ID)
	}
	return nil
}

// AllowedScopeSet returns the client's allowed scopes with "uin"
// always included; every registered client may request the chat
// identity.
func (c OAuthClient) AllowedScopeSet() []string {
	for _, s := range c.AllowedScopes {
		if s == "uin" {
			return c.AllowedScopes
		}
	}
	return append(append([]string{}, c.AllowedScopes...), "uin")
}

// ParseDuration parses a Go duration string, falling back to def when
// s is empty or malformed.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
