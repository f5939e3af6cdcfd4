package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// HMACSigner signs payloads with a shared secret. Signatures are deterministic:
// verification recomputes the MAC and compares in constant time.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner returns a signer over the shared secret. An empty secret is a
// configuration error.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is empty")
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

func (s *HMACSigner) Method() string { return MethodHMACSHA256 }

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the MAC and compares with hmac.Equal. A malformed or
// wrong-length signature is a mismatch, not an error distinct from one.
func (s *HMACSigner) Verify(payload []byte, signature string) error {
	expected, err := s.Sign(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
