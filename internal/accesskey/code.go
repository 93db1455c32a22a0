// Package accesskey issues and checks the short codes that admit
// unauthenticated clients to a session.
package accesskey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"telehealth/pkg/types"
)

const (
	// Alphabet is the set codes are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// Length is the number of characters in a code.
	Length = 8
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a new code using the system CSPRNG. rand.Int samples
// uniformly, so no character is favoured.
func Generate() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate access key: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Normalize strips surrounding whitespace and upper-cases a human-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Hash returns the hex SHA-256 digest stored in place of the code.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(Normalize(code)))
	return hex.EncodeToString(sum[:])
}

// Verify checks candidate against the stored digest. Sessions created before
// hashing carry only a plaintext key; for those, and only when no digest is
// set, the candidate is compared to the plaintext directly.
func Verify(candidate, storedDigest, legacyPlaintext string) bool {
	if candidate == "" {
		return false
	}
	if storedDigest != "" {
		return subtle.ConstantTimeCompare([]byte(Hash(candidate)), []byte(storedDigest)) == 1
	}
	if legacyPlaintext != "" {
		return subtle.ConstantTimeCompare([]byte(Normalize(candidate)), []byte(Normalize(legacyPlaintext))) == 1
	}
	return false
}

// Policy bounds failed validations.
type Policy struct {
	MaxAttempts int
	Lockout     time.Duration
}

// DefaultPolicy locks a key for 30 minutes after 5 failures.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Lockout: 30 * time.Minute}
}

// Locked returns a LockedError while s is inside its lockout window.
func (p Policy) Locked(s *types.Session, now time.Time) error {
	if s.AccessKeyLockedUntil == nil || !now.Before(*s.AccessKeyLockedUntil) {
		return nil
	}
	return &types.LockedError{
		Until:     *s.AccessKeyLockedUntil,
		Remaining: s.AccessKeyLockedUntil.Sub(now),
	}
}

// RecordAttempt updates the attempt counter and lock on s. A failure that
// reaches MaxAttempts starts the lockout window; a success clears both.
func (p Policy) RecordAttempt(s *types.Session, success bool, now time.Time) {
	if success {
		s.AccessKeyValidationAttempts = 0
		s.AccessKeyLockedUntil = nil
		return
	}
	s.AccessKeyValidationAttempts++
	if s.AccessKeyValidationAttempts >= p.MaxAttempts {
		until := now.Add(p.Lockout)
		s.AccessKeyLockedUntil = &until
	}
}

// Rotate stores the digest of a new code on s, clears any legacy plaintext,
// and resets the attempt state. The plaintext is returned for one delivery.
func Rotate(s *types.Session) (string, error) {
	code, err := Generate()
	if err != nil {
		return "", err
	}
	s.AccessKeyHash = Hash(code)
	s.AccessKey = ""
	s.AccessKeyValidated = false
	s.AccessKeyValidatedAt = nil
	s.AccessKeyValidationAttempts = 0
	s.AccessKeyLockedUntil = nil
	return code, nil
}
