package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wfunc/vttserver/protocol"
)

var ErrInvalidToken = errors.New("invalid token")

// CapabilityClaims is the room ticket a client presents on connect. The
// token is the sole authority for role and controlled entity; clients never
// declare either over the socket.
type CapabilityClaims struct {
	Room   string `json:"room"`
	Role   string `json:"role"`
	Entity string `json:"entity,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a capability token. Used by the campaign backend and by
// the test client.
func IssueToken(secret, roomID string, role protocol.Role, entityID string, ttl time.Duration) (string, error) {
	claims := &CapabilityClaims{
		Room:   roomID,
		Role:   string(role),
		Entity: entityID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyToken checks signature, expiry and claim sanity.
func VerifyToken(secret, tokenString string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Room == "" || !protocol.Role(claims.Role).Valid() {
		return nil, fmt.Errorf("%w: missing room or role", ErrInvalidToken)
	}
	if protocol.Role(claims.Role) == protocol.RoleArbiter && claims.Entity != "" {
		return nil, fmt.Errorf("%w: arbiter token carries an entity", ErrInvalidToken)
	}
	return claims, nil
}
