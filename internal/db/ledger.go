package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindTransaction looks up the ledger row for the given transaction id
// under the given profile. Returns (nil, nil) when no row exists. Callers
// finding a row must short-circuit to the stored outcome instead of
// re-contacting the CA.
func (s *Store) FindTransaction(ctx context.Context, transactionID, profileName string) (*Transaction, error) {
	var txn Transaction
	err := s.conn.WithContext(ctx).
		Preload("Certificate").
		Where("transaction_id = ? AND profile_name = ?", transactionID, profileName).
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction %s: %w", transactionID, err)
	}
	return &txn, nil
}

// RecordTransaction writes the outcome row for a transaction. Concurrent
// duplicate writers on the same (transaction id, profile) key are
// serialized by the unique index: the insert is attempted with
// do-nothing conflict handling and the surviving row is read back, so the
// second writer observes the first writer's outcome. The race is benign
// because the dedup check runs before CA dispatch and both writers carry
// an equivalent outcome.
func (s *Store) RecordTransaction(ctx context.Context, transactionID, profileName string, certificateID uint) (*Transaction, error) {
	txn := Transaction{
		TransactionID: transactionID,
		ProfileName:   profileName,
		CertificateID: certificateID,
	}

	err := s.conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}, {Name: "profile_name"}},
			DoNothing: true,
		}).
		Create(&txn).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction %s: %w", transactionID, err)
	}

	// Read back the surviving row; on a lost race it is the other
	// writer's, carrying the same outcome.
	stored, err := s.FindTransaction(ctx, transactionID, profileName)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("transaction %s vanished after insert", transactionID)
	}
	if stored.CertificateID != certificateID {
		s.logger.Infow("duplicate transaction insert reconciled to existing outcome",
			"transactionID", transactionID, "profile", profileName)
	}
	return stored, nil
}

// FetchForPoll returns the ledger row for a poll request, regardless of
// profile scoping, or (nil, nil) when the transaction is unknown.
func (s *Store) FetchForPoll(ctx context.Context, transactionID string) (*Transaction, error) {
	var txn Transaction
	err := s.conn.WithContext(ctx).
		Preload("Certificate").
		Where("transaction_id = ?", transactionID).
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s for poll: %w", transactionID, err)
	}
	return &txn, nil
}
