package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the client reads from a bearer token. The signature is
// not verified; the server does that.
type TokenInfo struct {
	Subject   string
	UserID    int64
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry before now.
func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

var userIDClaims = []string{"userId", "user_id", "uid", "id"}

// ParseToken reads the claims of a JWT without verifying it. The user id is
// taken from a user id claim, or from a numeric subject.
func ParseToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	info := &TokenInfo{}
	info.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	for _, key := range userIDClaims {
		if id, ok := claimInt(claims[key]); ok {
			info.UserID = id
			break
		}
	}
	if info.UserID == 0 {
		if id, err := strconv.ParseInt(info.Subject, 10, 64); err == nil {
			info.UserID = id
		}
	}
	return info, nil
}

func claimInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n != 0
	case json.Number:
		id, err := n.Int64()
		return id, err == nil && id != 0
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil && id != 0
	}
	return 0, false
}
