package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Rocket-co-1992/daw/domain"
)

// Verifier resolves an opaque credential into a stable identity. The sync
// server only consumes tokens; issuing them is the account backend's job.
type Verifier interface {
	Verify(token string) (domain.Identity, error)
}

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims carries the username alongside the registered claims; the user id
// travels in the standard subject claim.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens issued by the account backend.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return domain.Identity{UserID: claims.Subject, Username: username}, nil
}

// Sign mints a token for the given identity. Used by tests and tooling; the
// production issuer lives in the account backend and shares the secret.
func (v *JWTVerifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
