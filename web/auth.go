package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/session"
)

// ErrUnauthenticated is returned when a request carries no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// An Authenticator resolves the identity behind a websocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (session.Identity, error)
}

// Claims are the claims of a bridge access token. The subject is the user.
type Claims struct {
	jwt.RegisteredClaims
	Kind session.ClientKind `json:"kind,omitempty"`
}

// NewAuthenticator returns a TokenAuthenticator when a secret is configured and an
// AnonymousAuthenticator otherwise.
func NewAuthenticator(cfg config.Auth) Authenticator {
	if cfg.Secret == "" {
		return AnonymousAuthenticator{}
	}
	return &TokenAuthenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// TokenAuthenticator accepts HMAC signed JWTs, from an Authorization bearer header or the
// token query parameter since browsers cannot set headers on websockets.
type TokenAuthenticator struct {
	secret []byte
	issuer string
}

// Authenticate validates the request token.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (session.Identity, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return session.Identity{}, ErrUnauthenticated
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", token.Header["alg"])
		}
		return a.secret, nil
	}); err != nil {
		return session.Identity{}, errors.Wrap(ErrUnauthenticated, err.Error())
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return session.Identity{}, errors.Wrapf(ErrUnauthenticated, "unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return session.Identity{}, errors.Wrap(ErrUnauthenticated, "token has no subject")
	}
	return session.Identity{User: claims.Subject, Kind: claims.Kind}, nil
}

// Sign issues a token for identity that expires after ttl. A zero ttl never expires.
func (a *TokenAuthenticator) Sign(identity session.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity.User,
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Kind: identity.Kind,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AnonymousAuthenticator trusts the user and kind query parameters.
type AnonymousAuthenticator struct{}

// Authenticate never fails.
func (AnonymousAuthenticator) Authenticate(r *http.Request) (session.Identity, error) {
	query := r.URL.Query()
	user := query.Get("user")
	if user == "" {
		user = "anonymous"
	}
	return session.Identity{User: user, Kind: session.ClientKind(query.Get("kind"))}, nil
}
