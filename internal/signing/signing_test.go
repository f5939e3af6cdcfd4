package signing_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"grantline/internal/signing"
)

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	b := map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ca, err := signing.Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := signing.Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}

	ha, _ := signing.CanonicalSHA256(a)
	hb, _ := signing.CanonicalSHA256(b)
	if ha != hb {
		t.Fatalf("hashes differ: %s vs %s", ha, hb)
	}
}

func TestHMACSignerRoundTrip(t *testing.T) {
	signer, err := signing.NewHMACSigner("secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	payload := []byte(`{"a":1}`)
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signer.Verify(payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// any change to the payload must break the signature
	if err := signer.Verify([]byte(`{"a":2}`), sig); !errors.Is(err, signing.ErrSignatureMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := signer.Verify(payload, sig[:10]); !errors.Is(err, signing.ErrSignatureMismatch) {
		t.Fatalf("expected mismatch on truncated signature, got %v", err)
	}
}

func TestHMACSignerRejectsEmptySecret(t *testing.T) {
	if _, err := signing.NewHMACSigner(""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestECDSASignerRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := signing.NewECDSASigner(key)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	payload := []byte(`{"a":1}`)
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signer.Verify(payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := signer.Verify([]byte(`{"a":2}`), sig); !errors.Is(err, signing.ErrSignatureMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := signer.Verify(payload, "not-base64!"); !errors.Is(err, signing.ErrSignatureMismatch) {
		t.Fatalf("expected mismatch on garbage signature, got %v", err)
	}
}

func TestRegistryResolvesByMethod(t *testing.T) {
	hmacSigner, _ := signing.NewHMACSigner("secret")
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	ecSigner, _ := signing.NewECDSASigner(key)

	reg, err := signing.NewRegistry(signing.MethodHMACSHA256, hmacSigner, ecSigner)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if reg.Default().Method() != signing.MethodHMACSHA256 {
		t.Fatalf("default method = %s", reg.Default().Method())
	}
	if _, err := reg.For(signing.MethodECDSAP256); err != nil {
		t.Fatalf("resolve ecdsa: %v", err)
	}
	if _, err := reg.For("rsa-pss"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestRegistryRequiresDefaultSigner(t *testing.T) {
	hmacSigner, _ := signing.NewHMACSigner("secret")
	if _, err := signing.NewRegistry(signing.MethodECDSAP256, hmacSigner); err == nil {
		t.Fatalf("expected error when default method has no signer")
	}
}
