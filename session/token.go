package session

import (
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry extracts the unix-seconds expiry claim from a bearer token
// without verifying its signature; signature checks belong to the identity
// backend, not the SDK.
//
// A malformed token (wrong segment count, undecodable claims segment, or a
// missing exp claim) yields 0 (an always-expired sentinel) plus a logged
// warning, never an error.
func TokenExpiry(token string, log *slog.Logger) int64 {
	if strings.Count(token, ".") != 2 {
		log.Warn("session.token.malformed", "reason", "segment count")
		return 0
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Warn("session.token.malformed", "reason", "claims decode", "err", err)
		return 0
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		log.Warn("session.token.malformed", "reason", "missing exp claim")
		return 0
	}
	return exp.Unix()
}
