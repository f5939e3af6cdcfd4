package signing

import (
	"errors"
	"fmt"
)

// Signing method identifiers stored on every artifact. Verification always
// selects the signer matching the stored method, so artifacts signed before a
// key or algorithm rotation remain independently verifiable.
const (
	MethodHMACSHA256 = "hmac-sha256"
	MethodECDSAP256  = "ecdsa-p256"
)

// ErrSignatureMismatch is returned by Verify when the signature does not match
// the payload. Callers treat it as a security event, not an ordinary failure.
var ErrSignatureMismatch = errors.New("signature verification failed")

// Signer computes and verifies a signature over an already-canonicalized
// payload. Implementations must be safe for concurrent use.
type Signer interface {
	Method() string
	Sign(payload []byte) (string, error)
	Verify(payload []byte, signature string) error
}

// Registry holds one signer per method and a default used for new artifacts.
type Registry struct {
	defaultMethod string
	signers       map[string]Signer
}

// NewRegistry builds a registry with the given default method. At least the
// default signer must be present; missing signing material is fatal here, at
// construction, never at call time.
func NewRegistry(defaultMethod string, signers ...Signer) (*Registry, error) {
	r := &Registry{
		defaultMethod: defaultMethod,
		signers:       make(map[string]Signer, len(signers)),
	}
	for _, s := range signers {
		r.signers[s.Method()] = s
	}
	if _, ok := r.signers[defaultMethod]; !ok {
		return nil, fmt.Errorf("no signer configured for default method %q", defaultMethod)
	}
	return r, nil
}

// Default returns the signer used for newly issued artifacts.
func (r *Registry) Default() Signer {
	return r.signers[r.defaultMethod]
}

// For returns the signer for a stored signing method.
func (r *Registry) For(method string) (Signer, error) {
	s, ok := r.signers[method]
	if !ok {
		return nil, fmt.Errorf("unknown signing method %q", method)
	}
	return s, nil
}
