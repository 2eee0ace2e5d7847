package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"go.uber.org/atomic"
)

// Algorithm is the key algorithm used for every key of a deployment.
type Algorithm string

const (
	ECDSAP256 Algorithm = "ecdsa-p256"
	RSA2048   Algorithm = "rsa-2048"
)

// Validate checks that the algorithm is supported.
func (a Algorithm) Validate() error {
	switch a {
	case ECDSAP256, RSA2048:
		return nil
	default:
		return fmt.Errorf("unsupported key algorithm %q", a)
	}
}

// Provider performs the raw cryptographic operations. Swapping it lets
// tests inject key-generation or signing failures.
type Provider interface {
	GenerateKey(alg Algorithm) (crypto.Signer, error)
	CreateCertificateRequest(template *x509.CertificateRequest, key crypto.Signer) ([]byte, error)
	CreateCertificate(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error)
}

// SystemProvider implements Provider with crypto/rand.
type SystemProvider struct{}

// GenerateKey implements Provider.
func (SystemProvider) GenerateKey(alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case ECDSAP256, "":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, alg.Validate()
	}
}

// CreateCertificateRequest implements Provider.
func (SystemProvider) CreateCertificateRequest(template *x509.CertificateRequest, key crypto.Signer) ([]byte, error) {
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}

// CreateCertificate implements Provider.
func (SystemProvider) CreateCertificate(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
}

// SerialSource hands out certificate serial numbers per CA. Serial 1 is
// the root's own; leaves start at 2.
type SerialSource interface {
	NextSerial(ctx context.Context, ca string) (*big.Int, error)
}

// Counter is an in-process SerialSource. It does not distinguish CAs and
// forgets its position on exit; the SQLite store persists serials instead.
type Counter struct {
	last atomic.Int64
}

// NewCounter returns a counter whose first serial is 2.
func NewCounter() *Counter {
	c := &Counter{}
	c.last.Store(1)
	return c
}

// NextSerial implements SerialSource.
func (c *Counter) NextSerial(context.Context, string) (*big.Int, error) {
	return big.NewInt(c.last.Inc()), nil
}
