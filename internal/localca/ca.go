// Package localca is a certificate authority issuing from an owned
// issuer certificate and key. It serves deployments without an upstream
// authority connector, and the test suites.
package localca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/globalsign/pemfile"
	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/common"
	"github.com/trustpoint-io/enrolld/internal/db"
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

const (
	pkcs8PrivateKeyPEMType = "PRIVATE KEY"
	pkcs1PrivateKeyPEMType = "RSA PRIVATE KEY"
	ecPrivateKeyPEMType    = "EC PRIVATE KEY"
)

// CA issues certificates from a single issuing certificate and key. If
// more than one CA certificate is provided, they should be in order with
// the issuing (intermediate) CA certificate first, and the root CA
// certificate last. All collaborators are constructor-injected; the
// package holds no state of its own.
type CA struct {
	certs    []*x509.Certificate
	key      crypto.Signer
	store    *db.Store
	logger   common.Logger
	validity int
}

var _ enroll.CaClient = (*CA)(nil)

// New creates a certificate authority. validity is the default
// certificate lifetime in days, used when the enrollment profile does not
// override it.
func New(cacerts []*x509.Certificate, key crypto.Signer, store *db.Store, logger common.Logger, validity int) (*CA, error) {
	if len(cacerts) < 1 {
		return nil, errors.New("no CA certificates provided")
	} else if key == nil {
		return nil, errors.New("no private key provided")
	}

	for i := range cacerts {
		if !cacerts[i].IsCA {
			return nil, fmt.Errorf("certificate at index %d is not a CA certificate", i)
		}
	}

	return &CA{
		certs:    cacerts,
		key:      key,
		store:    store,
		logger:   logger,
		validity: validity,
	}, nil
}

// Load creates a certificate authority from PEM files.
func Load(certFile, keyFile string, store *db.Store, logger common.Logger, validity int) (*CA, error) {
	certs, err := pemfile.ReadCerts(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	blocks, err := pemfile.ReadBlocks(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var key crypto.Signer
	for _, block := range blocks {
		if err := pemfile.IsType(block, pkcs8PrivateKeyPEMType, pkcs1PrivateKeyPEMType, ecPrivateKeyPEMType); err != nil {
			return nil, err
		}

		var parsed interface{}
		switch block.Type {
		case pkcs8PrivateKeyPEMType:
			parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case pkcs1PrivateKeyPEMType:
			parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case ecPrivateKeyPEMType:
			parsed, err = x509.ParseECPrivateKey(block.Bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key in %s does not implement crypto.Signer", keyFile)
		}
		key = signer
	}

	logger.Infow("loaded CA certificates and key", "certFile", certFile, "keyFile", keyFile)

	return New(certs, key, store, logger, validity)
}

// Chain returns the CA certificate chain, issuing certificate first.
func (ca *CA) Chain() []*x509.Certificate {
	return ca.certs
}

// Issue signs a new certificate with:
//   - a randomly generated 128-bit serial number
//   - a subject and subject alternative name copied from the CSR
//   - a default set of key usages and extended key usages
//   - a basic constraints extension with cA flag set to FALSE
//
// The validity comes from the profile attributes, capped at the issuing
// certificate's own expiry.
func (ca *CA) Issue(ctx context.Context, csr *x509.CertificateRequest, attrs enroll.ProfileAttributes) (*x509.Certificate, error) {
	sn, err := rand.Int(rand.Reader, big.NewInt(1).Exp(big.NewInt(2), big.NewInt(128), nil))
	if err != nil {
		return nil, fmt.Errorf("failed to make serial number: %w", err)
	}

	ski, err := makePublicKeyIdentifier(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to make public key identifier: %w", err)
	}

	days := attrs.ValidityDays
	if days <= 0 {
		days = ca.validity
	}

	now := time.Now()
	notAfter := now.AddDate(0, 0, days)
	if ca.certs[0].NotAfter.Before(notAfter) {
		// Don't issue any certificates which expire after the CA certificate.
		notAfter = ca.certs[0].NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber:          sn,
		NotBefore:             now,
		NotAfter:              notAfter,
		RawSubject:            csr.RawSubject,
		SubjectKeyId:          ski,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, ext := range csr.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
			break
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.certs[0], csr.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	ca.logger.Infow("issued certificate",
		"subject", cert.Subject.String(), "serialNumber", cert.SerialNumber.Text(16), "profile", attrs.ProfileName)

	return cert, nil
}

// Renew reissues for the CSR, superseding the previous certificate. The
// previous certificate's record keeps its status; superseding is the
// ledger's concern, not the CA's.
func (ca *CA) Renew(ctx context.Context, csr *x509.CertificateRequest, previous *x509.Certificate, attrs enroll.ProfileAttributes) (*x509.Certificate, error) {
	return ca.Issue(ctx, csr, attrs)
}

// Revoke marks the certificate with the given serial revoked in the store.
func (ca *CA) Revoke(ctx context.Context, serialNumber, reason string) error {
	if ca.store == nil {
		return errors.New("no certificate store configured")
	}
	if err := ca.store.MarkRevoked(ctx, serialNumber, reason); err != nil {
		return err
	}
	ca.logger.Infow("revoked certificate", "serialNumber", serialNumber, "reason", reason)
	return nil
}

// ChainPEM renders the CA chain as concatenated PEM blocks.
func (ca *CA) ChainPEM() []byte {
	var out []byte
	for _, cert := range ca.certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

func makePublicKeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}

	id := sha1.Sum(keyBytes)

	return id[:], nil
}
