package enroll

import (
	"context"
	"crypto/x509"
)

// CaClient is the certificate authority backing the enrollment engine. The
// engine can be connected to any issuing backend by providing an
// implementation of this interface.
//
// Implementations own their timeout and retry policy; the engine never
// imposes one and never holds a lock across these calls. A duplicate
// concurrent request for the same transaction id may reach the backend
// twice; the transaction ledger reconciles the outcome afterwards, so
// backends must tolerate logically equivalent repeated calls.
type CaClient interface {
	// Issue requests a new certificate for the given PKCS#10 request.
	Issue(ctx context.Context, csr *x509.CertificateRequest, attrs ProfileAttributes) (*x509.Certificate, error)

	// Renew requests renewal of an existing certificate. The previous
	// certificate is the one located by the renewal proof-of-possession
	// check.
	Renew(ctx context.Context, csr *x509.CertificateRequest, previous *x509.Certificate, attrs ProfileAttributes) (*x509.Certificate, error)

	// Revoke marks the certificate with the given serial number as revoked.
	Revoke(ctx context.Context, serialNumber string, reason string) error
}

// ProfileAttributes is the issuance metadata passed through to the CA
// backend alongside a signing request.
type ProfileAttributes struct {
	ProfileName  string
	ValidityDays int
}
