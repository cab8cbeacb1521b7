package security

import "time"

// TokenClaims is the validated identity attached to a push connection
// at handshake. TenantID scopes every downstream lookup.
type TokenClaims struct {
	TenantID string
	UserID   string
	Role     string
	Exp      time.Time
	Issuer   string
	Subject  string
}

// Expired reports whether the credential has passed its expiry.
// Connections re-check this at heartbeat boundaries.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.Exp.IsZero() && now.After(c.Exp)
}
