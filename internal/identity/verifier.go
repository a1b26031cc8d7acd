package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Claims carried by a chatrelay bearer token. The subject is the user
// id; name is the display username.
type Claims struct {
	Username string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier resolves HMAC-signed bearer tokens to user identities.
// Successful verifications are cached by token string so reconnect
// storms do not re-parse.
type Verifier struct {
	secret   []byte
	cache    *gocache.Cache
	cacheTTL time.Duration
}

// NewVerifier creates a verifier. cacheTTL bounds how long a verified
// token is remembered; a token's own expiry always wins when shorter.
func NewVerifier(secret string, cacheTTL time.Duration) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		cacheTTL: cacheTTL,
	}
}

// Verify exchanges a bearer credential for a stable user identity.
func (v *Verifier) Verify(credential string) (types.Identity, error) {
	if credential == "" {
		return types.Identity{}, interfaces.ErrInvalidCredential
	}

	if cached, found := v.cache.Get(credential); found {
		return cached.(types.Identity), nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, interfaces.ErrInvalidCredential
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return types.Identity{}, interfaces.ErrInvalidCredential
	}

	if claims.Subject == "" || !types.IsValidID(claims.Subject) {
		return types.Identity{}, interfaces.ErrInvalidCredential
	}

	id := types.Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
	}
	if id.Username == "" {
		id.Username = id.UserID
	}

	// The token's own expiry wins only when it is shorter than the
	// configured cache bound.
	ttl := gocache.DefaultExpiration
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 && remaining < v.cacheTTL {
			ttl = remaining
		}
	}
	v.cache.Set(credential, id, ttl)

	return id, nil
}

// Issue mints a signed token for the identity, used by tests and
// development tooling. Credential issuance proper is external to this
// core.
func (v *Verifier) Issue(id types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
