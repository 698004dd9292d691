package web

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/session"
)

func TestTokenAuthenticator(t *testing.T) {
	auth, ok := NewAuthenticator(config.Auth{Secret: "swordfish", Issuer: "urbridge"}).(*TokenAuthenticator)
	test.That(t, ok, test.ShouldBeTrue)
	token, err := auth.Sign(session.Identity{User: "alice", Kind: session.KindVR}, time.Minute)
	test.That(t, err, test.ShouldBeNil)

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/robots/ur5e/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		identity, err := auth.Authenticate(r)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, identity, test.ShouldResemble, session.Identity{User: "alice", Kind: session.KindVR})
	})

	t.Run("query parameter", func(t *testing.T) {
		identity, err := auth.Authenticate(httptest.NewRequest("GET", "/robots/ur5e/ws?token="+token, nil))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, identity.User, test.ShouldEqual, "alice")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := auth.Authenticate(httptest.NewRequest("GET", "/robots/ur5e/ws?user=alice", nil))
		test.That(t, err, test.ShouldBeError, ErrUnauthenticated)

		r := httptest.NewRequest("GET", "/robots/ur5e/ws?token="+token, nil)
		r.Header.Set("Authorization", "Basic YWxpY2U6")
		_, err = auth.Authenticate(r)
		test.That(t, err, test.ShouldBeError, ErrUnauthenticated)
	})

	for _, tc := range []struct {
		name   string
		signer *TokenAuthenticator
		ttl    time.Duration
	}{
		{"wrong secret", &TokenAuthenticator{secret: []byte("hunter2"), issuer: "urbridge"}, time.Minute},
		{"wrong issuer", &TokenAuthenticator{secret: []byte("swordfish"), issuer: "someone"}, time.Minute},
		{"expired", auth, -time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			forged, err := tc.signer.Sign(session.Identity{User: "mallory"}, tc.ttl)
			test.That(t, err, test.ShouldBeNil)
			if tc.ttl < 0 {
				claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
					Subject:   "mallory",
					Issuer:    "urbridge",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(tc.ttl)),
				}}
				forged, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("swordfish"))
				test.That(t, err, test.ShouldBeNil)
			}
			_, err = auth.Authenticate(httptest.NewRequest("GET", "/robots/ur5e/ws?token="+forged, nil))
			test.That(t, errors.Is(err, ErrUnauthenticated), test.ShouldBeTrue)
		})
	}

	t.Run("no subject", func(t *testing.T) {
		anonymous, err := auth.Sign(session.Identity{}, 0)
		test.That(t, err, test.ShouldBeNil)
		_, err = auth.Authenticate(httptest.NewRequest("GET", "/?token="+anonymous, nil))
		test.That(t, errors.Is(err, ErrUnauthenticated), test.ShouldBeTrue)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "mallory",
			Issuer:  "urbridge",
		}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		test.That(t, err, test.ShouldBeNil)
		_, err = auth.Authenticate(httptest.NewRequest("GET", "/?token="+unsigned, nil))
		test.That(t, errors.Is(err, ErrUnauthenticated), test.ShouldBeTrue)
	})
}

func TestAnonymousAuthenticator(t *testing.T) {
	auth := NewAuthenticator(config.Auth{})
	identity, err := auth.Authenticate(httptest.NewRequest("GET", "/robots/ur5e/ws?user=bob&kind=plugin", nil))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, identity, test.ShouldResemble, session.Identity{User: "bob", Kind: session.KindPlugin})

	identity, err = auth.Authenticate(httptest.NewRequest("GET", "/robots/ur5e/ws", nil))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, identity.User, test.ShouldEqual, "anonymous")
}
