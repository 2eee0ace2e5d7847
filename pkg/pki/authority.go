// Package pki issues the deployment's certificate hierarchy: one
// self-signed root and a leaf certificate per component.
package pki

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// RootSerial is the serial number of every root certificate.
const RootSerial = 1

// Backdate absorbs clock skew between the host issuing and the hosts
// validating.
const Backdate = 5 * time.Minute

// Options configures certificate issuance.
type Options struct {
	Algorithm Algorithm
	Provider  Provider
	Serials   SerialSource

	// Organization is set on every subject.
	Organization string

	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Algorithm == "" {
		o.Algorithm = ECDSAP256
	}
	if o.Provider == nil {
		o.Provider = SystemProvider{}
	}
	if o.Serials == nil {
		o.Serials = NewCounter()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Authority is a root CA able to issue leaves.
type Authority struct {
	Name    string
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte

	opts Options
}

// Leaf is an issued certificate with its key and the issuing CA cert.
type Leaf struct {
	Subject   string
	Issuer    string
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
	KeyPEM    []byte
	CertPEM   []byte
	CAPEM     []byte
}

// CreateRoot creates a self-signed root valid for validityDays.
func CreateRoot(name string, validityDays int, opts Options) (*Authority, error) {
	opts = opts.withDefaults()
	if err := checkRequest(name, validityDays, opts); err != nil {
		return nil, err
	}

	key, err := opts.Provider.GenerateKey(opts.Algorithm)
	if err != nil {
		return nil, engine.NewGenerationError("generate root key", err)
	}

	notBefore := opts.now().Add(-Backdate).UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(RootSerial),
		Subject:               subject(name, opts),
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := opts.Provider.CreateCertificate(template, template, key.Public(), key)
	if err != nil {
		return nil, engine.NewGenerationError("self-sign root certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, engine.NewGenerationError("parse root certificate", err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	return &Authority{
		Name:    name,
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
		opts:    opts,
	}, nil
}

// LoadAuthority reconstructs an Authority from its PEM files.
func LoadAuthority(keyPEM, certPEM []byte, opts Options) (*Authority, error) {
	opts = opts.withDefaults()

	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, engine.NewGenerationError("load CA certificate", err)
	}
	if !cert.IsCA {
		return nil, engine.NewGenerationError(fmt.Sprintf("certificate %q is not a CA", cert.Subject.CommonName), nil)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, engine.NewGenerationError("load CA key: no PRIVATE KEY block", nil)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, engine.NewGenerationError("load CA key", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, engine.NewGenerationError(fmt.Sprintf("CA key of type %T cannot sign", parsed), nil)
	}

	return &Authority{
		Name:    cert.Subject.CommonName,
		Cert:    cert,
		Key:     key,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		opts:    opts,
	}, nil
}

// Issue creates a fresh keypair for subject and signs it. The request goes
// through a CSR whose signature is checked before signing; dnsNames
// default to the subject.
func (a *Authority) Issue(ctx context.Context, name string, validityDays int, dnsNames ...string) (*Leaf, error) {
	opts := a.opts
	if err := checkRequest(name, validityDays, opts); err != nil {
		return nil, err
	}
	if len(dnsNames) == 0 {
		dnsNames = []string{name}
	}

	key, err := opts.Provider.GenerateKey(opts.Algorithm)
	if err != nil {
		return nil, engine.NewGenerationError("generate key for "+name, err)
	}

	csrDER, err := opts.Provider.CreateCertificateRequest(&x509.CertificateRequest{
		Subject:  subject(name, opts),
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		return nil, engine.NewGenerationError("create certificate request for "+name, err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, engine.NewGenerationError("parse certificate request for "+name, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, engine.NewGenerationError("certificate request signature for "+name, err)
	}

	serial, err := opts.Serials.NextSerial(ctx, a.Name)
	if err != nil {
		return nil, engine.NewIOError("allocate serial", err)
	}

	usage := x509.KeyUsageDigitalSignature
	if _, isRSA := key.(*rsa.PrivateKey); isRSA {
		usage |= x509.KeyUsageKeyEncipherment
	}

	notBefore := opts.now().Add(-Backdate).UTC()
	notAfter := notBefore.AddDate(0, 0, validityDays)
	if notAfter.After(a.Cert.NotAfter) {
		notAfter = a.Cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     usage,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := opts.Provider.CreateCertificate(template, a.Cert, csr.PublicKey, a.Key)
	if err != nil {
		return nil, engine.NewGenerationError("sign certificate for "+name, err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	return &Leaf{
		Subject:   name,
		Issuer:    a.Name,
		Serial:    serial,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		KeyPEM:    keyPEM,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		CAPEM:     a.CertPEM,
	}, nil
}

// VerifyChain checks that leafPEM was issued by the CA in caPEM.
func VerifyChain(leafPEM, caPEM []byte) error {
	leaf, err := parseCertificate(leafPEM)
	if err != nil {
		return fmt.Errorf("leaf: %w", err)
	}
	ca, err := parseCertificate(caPEM)
	if err != nil {
		return fmt.Errorf("ca: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("verify %q against %q: %w", leaf.Subject.CommonName, ca.Subject.CommonName, err)
	}
	return nil
}

func checkRequest(name string, validityDays int, opts Options) error {
	if name == "" {
		return engine.NewGenerationError("certificate subject is empty", nil)
	}
	if validityDays < 1 {
		return engine.NewGenerationError(fmt.Sprintf("validity must be at least one day, got %d", validityDays), nil)
	}
	if err := opts.Algorithm.Validate(); err != nil {
		return engine.NewGenerationError("key algorithm", err)
	}
	return nil
}

func subject(name string, opts Options) pkix.Name {
	n := pkix.Name{CommonName: name}
	if opts.Organization != "" {
		n.Organization = []string{opts.Organization}
	}
	return n
}

func encodeKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, engine.NewGenerationError("encode private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block")
	}
	return x509.ParseCertificate(block.Bytes)
}
