package cryptoutil

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oneidp/oneidp/internal/store"
)

// UserData is the subset of a BindUser (plus any userinfo the upstream
// SSO exposed at bind time) that claims are projected from.
type UserData struct {
	Sub               string
	Email             string
	EmailVerified     bool
	PreferredUsername string
	Nickname          string
	Name              string
	ExtraData         map[string]string
}

func FromBindUser(b store.BindUser) UserData {
	return UserData{
		Sub:               b.Sub,
		Email:             b.Email,
		PreferredUsername: b.PreferredUsername,
		ExtraData:         b.ExtraData,
	}
}

// idTokenClaims is the JWT claim set for an ID Token, signed HS256.
// There is no JWKS endpoint: the signature is made with the secret
// passed to GenerateIDToken (the provider's configured signing secret,
// not a client secret), and verifying it requires that same key.
type idTokenClaims struct {
	jwt.RegisteredClaims
	UIN               int64  `json:"uin"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
	Name              string `json:"name,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
}

// GenerateIDToken mints an HS256 ID Token for the given uin/client,
// gating optional claims on the requested scope.
func GenerateIDToken(secret []byte, issuer string, uin int64, clientID, scope string, user UserData, nonce string, now time.Time, ttl time.Duration) (string, error) {
	scopes := splitScope(scope)

	sub := user.Sub
	if sub == "" {
		sub = strconv.FormatInt(uin, 10)
	}

	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UIN: uin,
	}

	if scopes["email"] && user.Email != "" {
		claims.Email = user.Email
		claims.EmailVerified = user.EmailVerified
	}
	if scopes["profile"] {
		claims.PreferredUsername = user.PreferredUsername
		claims.Nickname = user.Nickname
		claims.Name = user.Name
	}
	if scopes["preferred_username"] && user.PreferredUsername != "" {
		claims.PreferredUsername = user.PreferredUsername
	}
	if nonce != "" {
		claims.Nonce = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// UserInfoClaims projects scope-gated claims for the /userinfo
// endpoint, including the extra-data passthrough: any stored extra
// field whose name matches a granted scope token is surfaced as a
// claim.
func UserInfoClaims(uin int64, scope string, user UserData) map[string]any {
	scopes := splitScope(scope)
	claims := map[string]any{}

	if scopes["uin"] {
		claims["uin"] = uin
	}
	if scopes["openid"] {
		sub := user.Sub
		if sub == "" {
			sub = strconv.FormatInt(uin, 10)
		}
		claims["sub"] = sub
	}
	if scopes["email"] && user.Email != "" {
		claims["email"] = user.Email
	}
	if scopes["profile"] || scopes["preferred_username"] {
		if user.PreferredUsername != "" {
			claims["preferred_username"] = user.PreferredUsername
		}
	}
	for s := range scopes {
		if v, ok := user.ExtraData[s]; ok {
			if _, already := claims[s]; !already {
				claims[s] = v
			}
		}
	}
	return claims
}

func splitScope(scope string) map[string]bool {
	out := map[string]bool{}
	for _, s := range strings.Fields(scope) {
		out[s] = true
	}
	return out
}
