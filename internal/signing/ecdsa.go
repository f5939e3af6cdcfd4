package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ECDSASigner signs payload digests with a managed P-256 key. It is the
// asymmetric drop-in for HMACSigner: same contract, different math, so callers
// never change when an enterprise migrates off the shared secret.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

func NewECDSASigner(key *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if key == nil {
		return nil, errors.New("signing key is nil")
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must be P-256")
	}
	return &ECDSASigner{key: key}, nil
}

// LoadECDSAKey reads a PEM-encoded P-256 private key (EC or PKCS#8) from disk.
func LoadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: not an ECDSA key", path)
	}
	return key, nil
}

func (s *ECDSASigner) Method() string { return MethodECDSAP256 }

func (s *ECDSASigner) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("ecdsa sign: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *ECDSASigner) Verify(payload []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(&s.key.PublicKey, digest[:], sig) {
		return ErrSignatureMismatch
	}
	return nil
}
