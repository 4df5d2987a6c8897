package db

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"gorm.io/gorm"
)

// SaveIssued stores an issued certificate and returns its record.
func (s *Store) SaveIssued(ctx context.Context, profileName string, cert *x509.Certificate) (*Certificate, error) {
	record := Certificate{
		Fingerprint:  Fingerprint(cert.Raw),
		SerialNumber: strings.ToUpper(cert.SerialNumber.Text(16)),
		SubjectDN:    cert.Subject.String(),
		ProfileName:  profileName,
		Status:       enroll.CertStatusIssued,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Raw:          cert.Raw,
	}

	if err := s.conn.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to save certificate: %w", err)
	}
	return &record, nil
}

// RegisterPending stores a CSR awaiting manual approval as a certificate
// record in status new. No CA contact happens for such records until an
// operator approves them.
func (s *Store) RegisterPending(ctx context.Context, profileName string, csr *x509.CertificateRequest) (*Certificate, error) {
	record := Certificate{
		SubjectDN:   csr.Subject.String(),
		ProfileName: profileName,
		Status:      enroll.CertStatusNew,
		CsrRaw:      csr.Raw,
	}

	if err := s.conn.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to register pending request: %w", err)
	}
	return &record, nil
}

// ApprovePending flips a pending record to issued once the approval step
// produced a certificate. Subsequent polls for the transaction referencing
// this record answer Success.
func (s *Store) ApprovePending(ctx context.Context, id uint, cert *x509.Certificate) error {
	updates := map[string]interface{}{
		"fingerprint":   Fingerprint(cert.Raw),
		"serial_number": strings.ToUpper(cert.SerialNumber.Text(16)),
		"status":        enroll.CertStatusIssued,
		"not_before":    cert.NotBefore,
		"not_after":     cert.NotAfter,
		"raw":           cert.Raw,
	}

	result := s.conn.WithContext(ctx).
		Model(&Certificate{}).
		Where("id = ? AND status = ?", id, enroll.CertStatusNew).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to approve pending record %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no pending record with id %d", id)
	}
	return nil
}

// FindByFingerprint returns the certificate record matching the SHA-256
// fingerprint, or (nil, nil) when none exists.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*Certificate, error) {
	var record Certificate
	err := s.conn.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up certificate by fingerprint: %w", err)
	}
	return &record, nil
}

// MarkRevoked flags a certificate as revoked. Renewal eligibility reads
// this state and refuses revoked certificates under a configured
// threshold.
func (s *Store) MarkRevoked(ctx context.Context, serialNumber, reason string) error {
	result := s.conn.WithContext(ctx).
		Model(&Certificate{}).
		Where("serial_number = ?", strings.ToUpper(serialNumber)).
		Updates(map[string]interface{}{
			"status":         enroll.CertStatusRevoked,
			"revoked_at":     time.Now(),
			"revoked_reason": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark certificate revoked: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no certificate with serial number %s", serialNumber)
	}
	return nil
}

// StatusOf derives the effective status of a record, degrading issued
// certificates past their validity period to expired.
func StatusOf(record *Certificate) enroll.CertStatus {
	if record.Status == enroll.CertStatusIssued && !record.NotAfter.IsZero() && time.Now().After(record.NotAfter) {
		return enroll.CertStatusExpired
	}
	return record.Status
}
