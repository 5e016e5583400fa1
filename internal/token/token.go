// Package token holds the opaque credential primitives shared by the engine:
// session identifiers, refresh tokens, and backup recovery codes.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	sessionIDBytes     = 16
	refreshSecretBytes = 32
	refreshRawBytes    = sessionIDBytes + refreshSecretBytes
)

// ErrMalformedRefresh reports a refresh token that cannot be split into a
// session identifier and secret. Callers surface it as a generic invalid
// credential.
var ErrMalformedRefresh = errors.New("malformed refresh token")

// NewSessionID returns a random URL-safe session identifier.
func NewSessionID() (string, error) {
	var raw [sessionIDBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewRefreshSecret returns the random secret half of a refresh token.
func NewRefreshSecret() ([]byte, error) {
	secret := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// EncodeRefresh packs a session ID and secret into the single opaque string
// handed to clients. The session ID rides along so validation can address the
// session record without a scan.
func EncodeRefresh(sessionID string, secret []byte) (string, error) {
	sid, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil || len(sid) != sessionIDBytes {
		return "", ErrMalformedRefresh
	}
	if len(secret) != refreshSecretBytes {
		return "", ErrMalformedRefresh
	}
	raw := make([]byte, 0, refreshRawBytes)
	raw = append(raw, sid...)
	raw = append(raw, secret...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeRefresh splits an opaque refresh token back into its session ID and
// secret.
func DecodeRefresh(token string) (sessionID string, secret []byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshRawBytes {
		return "", nil, ErrMalformedRefresh
	}
	return base64.RawURLEncoding.EncodeToString(raw[:sessionIDBytes]), raw[sessionIDBytes:], nil
}

// HashSecret is the stored form of a refresh secret. Only the digest is
// persisted; a leaked session row cannot be replayed.
func HashSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewBackupCodes returns count random recovery codes of length chars each,
// drawn from an alphabet without lookalike characters.
func NewBackupCodes(count, length int) ([]string, error) {
	codes := make([]string, count)
	buf := make([]byte, length)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		out := make([]byte, length)
		for j, b := range buf {
			out[j] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
		}
		codes[i] = string(out)
	}
	return codes, nil
}

// HashBackupCode digests a recovery code salted with the owning user ID so
// identical codes held by different users never share a stored hash.
func HashBackupCode(userID, code string) [32]byte {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(code))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
