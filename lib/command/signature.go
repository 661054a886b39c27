// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrSignatureInvalid is returned when a remote command's signature
// does not verify. It is never retried.
var ErrSignatureInvalid = errors.New("signature_invalid")

// Verifier checks backend signatures over CanonicalPayload.
type Verifier struct {
	publicKey *ecdsa.PublicKey
}

// ParseVerifier accepts a P-256 public key as PEM ("PUBLIC KEY") or as
// DER-encoded SubjectPublicKeyInfo.
func ParseVerifier(data []byte) (*Verifier, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unexpected PEM block %q, want PUBLIC KEY", block.Type)
		}
		der = block.Bytes
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing command public key: %w", err)
	}
	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok || publicKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("command public key must be ECDSA P-256")
	}
	return &Verifier{publicKey: publicKey}, nil
}

// LoadVerifier reads a public key file.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading command public key: %w", err)
	}
	return ParseVerifier(data)
}

// Verify checks c.Signature, an ASN.1 DER ECDSA signature over the
// SHA-256 of CanonicalPayload(c). Failures wrap ErrSignatureInvalid.
func (v *Verifier) Verify(c *Command) error {
	if len(c.Signature) == 0 {
		return fmt.Errorf("%w: %s: no signature", ErrSignatureInvalid, c.ID)
	}
	payload, err := CanonicalPayload(c)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSignatureInvalid, c.ID, err)
	}
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(v.publicKey, digest[:], c.Signature) {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, c.ID)
	}
	return nil
}

// Signer produces backend-style signatures. The agent never signs; the
// signer exists for fleet tooling and tests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
}

// GenerateSigner creates a signer with a fresh P-256 key.
func GenerateSigner() (*Signer, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &Signer{privateKey: privateKey}, nil
}

// Sign sets c.Signature.
func (s *Signer) Sign(c *Command) error {
	payload, err := CanonicalPayload(c)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	signature, err := ecdsa.SignASN1(rand.Reader, s.privateKey, digest[:])
	if err != nil {
		return fmt.Errorf("signing %s: %w", c.ID, err)
	}
	c.Signature = signature
	return nil
}

// PublicKeyPEM returns the verifying key as a PEM "PUBLIC KEY" block.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Verifier returns a verifier for this signer's key.
func (s *Signer) Verifier() *Verifier {
	return &Verifier{publicKey: &s.privateKey.PublicKey}
}
