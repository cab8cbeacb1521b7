package security

// Verifier validates a push handshake credential and derives the
// tenant and user identity cached on the connection record.
type Verifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}
