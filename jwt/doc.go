// Package jwt mints and validates the engine's access tokens.
//
// Access tokens are deliberately thin: user, organization, role, and session
// identifiers plus the registered claims. Validation is a pure check —
// signature, expiry, issuer — requiring no store round-trip, which is what
// makes token validation the engine's hot path.
package jwt
