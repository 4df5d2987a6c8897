package cmp

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/common"
	"github.com/trustpoint-io/enrolld/internal/db"
)

// Service handles the CMP endpoint: p10cr enrollment over the shared
// transaction ledger and CA backend, certConf acknowledgement, in-band
// error responses for everything else.
type Service struct {
	store    *db.Store
	ca       enroll.CaClient
	notifier enroll.Notifier
	logger   common.Logger
}

func NewService(store *db.Store, ca enroll.CaClient, notifier enroll.Notifier, logger common.Logger) *Service {
	return &Service{store: store, ca: ca, notifier: notifier, logger: logger}
}

// Handle processes one raw PKIMessage and returns the signed response
// bytes. Expected failures are answered with an error body; an error
// return means even that could not be produced.
func (s *Service) Handle(ctx context.Context, profile *enroll.Profile, ks enroll.KeySigner, raw []byte) ([]byte, error) {
	logger := enroll.LoggerFromContext(ctx).With("profile", profile.Name)

	if err := profile.Validate(); err != nil {
		return s.errorResponse(ks, nil, logger, err)
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return s.errorResponse(ks, nil, logger, err)
	}
	header := &msg.Header
	logger = logger.With("transactionID", hex.EncodeToString(header.TransactionID))

	if err := VerifyProtection(msg, profile.ChallengeSecret); err != nil {
		return s.errorResponse(ks, header, logger, err)
	}

	switch msg.BodyType() {
	case BodyTypeP10CertReq:
		return s.enroll(ctx, logger, profile, ks, msg)
	case BodyTypeCertConfirm, BodyTypeConfirm:
		return s.confirm(ks, header)
	case BodyTypeError:
		logger.Infow("client reported an error", "bodyType", msg.BodyType())
		return s.confirm(ks, header)
	default:
		return s.errorResponse(ks, header, logger,
			enroll.Errorf(enroll.UnsupportedOperation, "unsupported body type %d", msg.BodyType()))
	}
}

// enroll runs a p10cr request through the shared issuance path: POP
// check, ledger dedup, CA dispatch, ledger record, notification, cp
// response.
func (s *Service) enroll(ctx context.Context, logger common.Logger, profile *enroll.Profile, ks enroll.KeySigner, msg *PKIMessage) ([]byte, error) {
	header := &msg.Header

	if len(header.TransactionID) == 0 {
		return s.errorResponse(ks, header, logger,
			enroll.Errorf(enroll.MalformedMessage, "request carries no transaction id"))
	}
	txID := hex.EncodeToString(header.TransactionID)

	csr, err := x509.ParseCertificateRequest(msg.BodyBytes())
	if err != nil {
		return s.errorResponse(ks, header, logger,
			enroll.WrapError(enroll.MalformedMessage, err, "failed to parse PKCS#10 request"))
	}
	if err := csr.CheckSignature(); err != nil {
		return s.errorResponse(ks, header, logger,
			enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to verify PKCS#10 request POP"))
	}

	txn, err := s.store.FindTransaction(ctx, txID, profile.Name)
	if err != nil {
		return s.errorResponse(ks, header, logger, err)
	}
	if txn != nil {
		logger.Debugw("transaction replayed, returning stored outcome")
		return s.outcomeResponse(ks, header, logger, &txn.Certificate)
	}

	if profile.RequireManualApproval {
		record, err := s.store.RegisterPending(ctx, profile.Name, csr)
		if err != nil {
			return s.errorResponse(ks, header, logger, err)
		}
		if _, err := s.store.RecordTransaction(ctx, txID, profile.Name, record.ID); err != nil {
			return s.errorResponse(ks, header, logger, err)
		}
		logger.Infow("request registered for manual approval", "recordID", record.ID)
		return s.waitingResponse(ks, header)
	}

	cert, err := s.ca.Issue(ctx, csr, enroll.ProfileAttributes{
		ProfileName:  profile.Name,
		ValidityDays: profile.ValidityDays,
	})
	if err != nil {
		s.notifier.NotifyFailure(ctx, txID, csr.Raw, enroll.IssuanceFailed, err.Error())
		return s.errorResponse(ks, header, logger,
			enroll.WrapError(enroll.IssuanceFailed, err, "certificate authority rejected the request"))
	}

	record, err := s.store.SaveIssued(ctx, profile.Name, cert)
	if err != nil {
		return s.errorResponse(ks, header, logger, err)
	}
	txn, err = s.store.RecordTransaction(ctx, txID, profile.Name, record.ID)
	if err != nil {
		return s.errorResponse(ks, header, logger, err)
	}
	if txn.CertificateID != record.ID {
		return s.outcomeResponse(ks, header, logger, &txn.Certificate)
	}

	s.notifier.NotifySuccess(ctx, txID, csr.Raw, certMeta(cert))
	logger.Infow("certificate issued", "serialNumber", record.SerialNumber)

	content, err := acceptedCertRep(cert.Raw)
	if err != nil {
		return nil, err
	}
	return buildResponse(ks, header, BodyTypeCertRep, content)
}

// outcomeResponse maps a stored certificate record onto a cp response.
func (s *Service) outcomeResponse(ks enroll.KeySigner, header *Header, logger common.Logger, record *db.Certificate) ([]byte, error) {
	if record.Status == enroll.CertStatusNew {
		return s.waitingResponse(ks, header)
	}
	cert, err := record.Parse()
	if err != nil || cert == nil {
		return s.errorResponse(ks, header, logger,
			enroll.WrapError(enroll.InternalError, err, "stored certificate is unreadable"))
	}
	content, err := acceptedCertRep(cert.Raw)
	if err != nil {
		return nil, err
	}
	return buildResponse(ks, header, BodyTypeCertRep, content)
}

func (s *Service) waitingResponse(ks enroll.KeySigner, header *Header) ([]byte, error) {
	content, err := waitingCertRep()
	if err != nil {
		return nil, err
	}
	return buildResponse(ks, header, BodyTypeCertRep, content)
}

func (s *Service) confirm(ks enroll.KeySigner, header *Header) ([]byte, error) {
	content, err := pkiConfContent()
	if err != nil {
		return nil, err
	}
	return buildResponse(ks, header, BodyTypeConfirm, content)
}

// errorResponse converts any failure into a signed error body. Internal
// errors are logged with full context and degrade to a generic failure.
func (s *Service) errorResponse(ks enroll.KeySigner, header *Header, logger common.Logger, cause error) ([]byte, error) {
	code := enroll.CodeOf(cause)
	if code == enroll.InternalError {
		logger.Errorw("internal error during enrollment", "error", cause)
	} else {
		logger.Infow("enrollment rejected", "reason", code.String(), "error", cause)
	}

	content, err := errorContent(failureBitFor(code))
	if err != nil {
		return nil, err
	}
	return buildResponse(ks, header, BodyTypeError, content)
}

// failureBitFor maps the failure taxonomy onto PKIFailureInfo bits.
func failureBitFor(code enroll.FailureCode) int {
	switch code {
	case enroll.MalformedMessage:
		return FailureBitBadDataFormat
	case enroll.ProtectionVerificationFailed:
		return FailureBitNotAuthorized
	case enroll.UnsupportedOperation, enroll.UnknownTransaction, enroll.RenewalNotEligible, enroll.ProfileDisabledOrMisconfigured:
		return FailureBitBadRequest
	default:
		return FailureBitSystemFailure
	}
}

// certMeta extracts the notification metadata of an issued certificate.
func certMeta(cert *x509.Certificate) enroll.CertMeta {
	sum := sha1.Sum(cert.Raw)
	return enroll.CertMeta{
		SerialNumber: strings.ToUpper(cert.SerialNumber.Text(16)),
		Thumbprint:   hex.EncodeToString(sum[:]),
		NotAfter:     cert.NotAfter.Format(time.RFC3339),
		IssuerCN:     cert.Issuer.CommonName,
	}
}
