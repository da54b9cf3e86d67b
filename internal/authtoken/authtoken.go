// Package authtoken mints and verifies the bearer tokens clients
// present when addressing an actor through the gateway (spec §4.7's
// "{actor_id}@{token}" and "rivet_token.<token>" forms). Tokens are
// stateless HMAC-signed JWTs carrying the actor id, so any gateway
// process can verify one without a KV round trip.
package authtoken

import (
	"fmt"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

// Claims identifies the actor a token authorizes a connection to.
type Claims struct {
	ActorID     string `json:"actor_id"`
	NamespaceID string `json:"namespace_id"`
	jwt.StandardClaims
}

// Issuer mints and verifies actor tokens against a single HMAC key.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// NewIssuer returns an Issuer signing with key. A zero ttl means
// tokens never expire, the right default for long-lived durable actors.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl}
}

// Issue mints a token scoping its bearer to actorID.
func (i *Issuer) Issue(actorID, namespaceID string) (string, error) {
	claims := Claims{
		ActorID:     actorID,
		NamespaceID: namespaceID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt: time.Now().Unix(),
		},
	}
	if i.ttl != 0 {
		claims.ExpiresAt = time.Now().Add(i.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// Verify checks tokenString's signature and expiry, failing if the
// token is invalid or does not authorize wantActorID.
func (i *Issuer) Verify(tokenString, wantActorID string) error {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return fmt.Errorf("authtoken: invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("authtoken: invalid token")
	}
	if claims.ActorID != wantActorID {
		return fmt.Errorf("authtoken: token does not authorize actor %s", wantActorID)
	}
	return nil
}
