// Package totp is the engine's time-based one-time-password primitive
// (RFC 6238 over RFC 4226 HOTP). The verifier accepts a bounded window of
// adjacent time steps and reports the matched counter so callers can persist
// it for replay protection.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

// Options tune code generation and verification.
type Options struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int // accepted steps either side of now
	Algorithm string
}

// Generator issues secrets and verifies codes. Safe for concurrent use.
type Generator struct {
	opts Options
}

// New returns a generator; zero-value fields in opts take RFC defaults.
func New(opts Options) *Generator {
	if opts.Digits == 0 {
		opts.Digits = 6
	}
	if opts.Period == 0 {
		opts.Period = 30
	}
	if opts.Algorithm == "" {
		opts.Algorithm = "SHA1"
	}
	return &Generator{opts: opts}
}

// GenerateSecret returns a fresh random secret and its base32 encoding.
func (g *Generator) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI encoded into enrollment QR codes.
func (g *Generator) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(g.opts.Issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", g.opts.Issuer)
	v.Set("period", strconv.Itoa(g.opts.Period))
	v.Set("digits", strconv.Itoa(g.opts.Digits))
	v.Set("algorithm", strings.ToUpper(g.opts.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// CurrentCode derives the code for the step containing now. Test helper and
// enrollment preview; verification goes through Verify.
func (g *Generator) CurrentCode(secret []byte, now time.Time) (string, error) {
	return hotpCode(secret, now.Unix()/int64(g.opts.Period), g.opts.Digits, g.opts.Algorithm)
}

// Verify checks code against the window of steps around now. On a match it
// returns true and the matched counter; persisting the counter and rejecting
// non-advancing values defeats same-window replay.
func (g *Generator) Verify(secret []byte, code string, now time.Time) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != g.opts.Digits || !isNumeric(trimmed) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	baseCounter := now.Unix() / int64(g.opts.Period)
	for step := -g.opts.Skew; step <= g.opts.Skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(secret, counter, g.opts.Digits, g.opts.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}

	return false, 0, nil
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
