package db

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"gorm.io/gorm"
)

// List of models migrated on startup.
var modelTypes = []interface{}{
	&Transaction{},
	&Certificate{},
}

// Transaction is the durable idempotency record for one logical
// enrollment. The (transaction id, profile) pair is unique; a retried
// request resolves to the same certificate outcome through this row. The
// row is never mutated once created: follow-up state lives on the
// referenced certificate.
type Transaction struct {
	gorm.Model
	TransactionID string `gorm:"not null;uniqueIndex:idx_txn_profile"`
	ProfileName   string `gorm:"not null;uniqueIndex:idx_txn_profile"`
	CertificateID uint   `gorm:"not null"`
	Certificate   Certificate
}

// Certificate is the engine's view of a certificate record. A row starts
// in status new when a manual-approval request registers only the CSR, and
// carries the issued DER once the certificate exists. Pending rows have no
// fingerprint yet, so uniqueness is only enforced on non-empty values.
type Certificate struct {
	gorm.Model
	Fingerprint   string            `gorm:"index:idx_certificates_fingerprint,unique,where:fingerprint <> ''"`
	SerialNumber  string            `gorm:"index"`
	SubjectDN     string            `gorm:"not null"`
	ProfileName   string            `gorm:"not null"`
	Status        enroll.CertStatus `gorm:"not null"`
	NotBefore     time.Time
	NotAfter      time.Time
	Raw           []byte `gorm:"type:blob"`
	CsrRaw        []byte `gorm:"type:blob"`
	RevokedAt     time.Time
	RevokedReason string
}

// Parse returns the record's certificate, or nil for pending records
// which hold only a CSR.
func (c *Certificate) Parse() (*x509.Certificate, error) {
	if len(c.Raw) == 0 {
		return nil, nil
	}
	return x509.ParseCertificate(c.Raw)
}

// Fingerprint returns the lowercase hex SHA-256 digest of DER bytes, the
// key used to correlate a renewal request's signer certificate with its
// stored record.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
