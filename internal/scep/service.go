package scep

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

// Service is the enrollment orchestrator: it validates policy
// preconditions, decides immediate issuance versus deferred registration,
// drives the CA backend, keeps the transaction ledger consistent and
// triggers best-effort external notification.
//
// A Service is safe for concurrent use: all request-scoped state lives in
// values threaded through each call, never on the Service itself.
type Service struct {
	store    *db.Store
	ca       enroll.CaClient
	notifier enroll.Notifier
	verifier *Verifier
	logger   common.Logger
}

// NewService constructs the orchestrator.
func NewService(store *db.Store, ca enroll.CaClient, notifier enroll.Notifier, logger common.Logger) *Service {
	return &Service{
		store:    store,
		ca:       ca,
		notifier: notifier,
		verifier: NewVerifier(store),
		logger:   logger,
	}
}

// CACaps returns the capability announcement: newline-joined tokens,
// profile independent.
func (s *Service) CACaps() []byte {
	return []byte(strings.Join(caCapabilities, "\n"))
}

// CACert returns the CA certificate response and its MIME type: a bare
// DER certificate for a single-certificate chain, a degenerate certs-only
// bundle otherwise.
func (s *Service) CACert(profile *enroll.Profile) ([]byte, string, error) {
	if err := profile.Validate(); err != nil {
		return nil, "", err
	}
	if len(profile.CAChain) == 1 {
		return profile.Recipient().Raw, MimeTypeCACert, nil
	}
	bundle, err := CertsOnly(profile.CAChain)
	if err != nil {
		return nil, "", err
	}
	return bundle, MimeTypeCARACert, nil
}

// PKIOperation runs the enrollment state machine over a raw PKIOperation
// message and returns the signed CertRep bytes. Every expected failure is
// answered in band; an error return means even the failure response could
// not be produced.
func (s *Service) PKIOperation(ctx context.Context, profile *enroll.Profile, ks enroll.KeySigner, message []byte) ([]byte, error) {
	logger := enroll.LoggerFromContext(ctx).With("profile", profile.Name)

	if err := profile.Validate(); err != nil {
		return s.respond(ks, profile, nil, s.failed(logger, err))
	}

	req, err := ParseRequest(message, ks)
	if err != nil {
		return s.respond(ks, profile, nil, s.failed(logger, err))
	}
	logger = logger.With("transactionID", req.TransactionID)

	resp := s.dispatch(ctx, logger, profile, req)
	return s.respond(ks, profile, req, resp)
}

// dispatch is the state machine proper: Received → Verified →
// Deduplicated|Fresh → {Issuing|Registering} → Recorded, with
// Rejected(reason) reachable from every step.
func (s *Service) dispatch(ctx context.Context, logger common.Logger, profile *enroll.Profile, req *Request) *Response {
	// Poll requests carry no challenge secret and no fresh POP.
	if req.MessageType == MsgGetCertInitial {
		return s.poll(ctx, logger, profile, req)
	}

	if err := s.verifier.VerifyChallenge(req, profile); err != nil {
		return s.failed(logger, err)
	}

	previous, err := s.verifier.VerifyRequest(ctx, req, profile)
	if err != nil {
		return s.failed(logger, err)
	}

	// Idempotency: a transaction already recorded under this profile
	// resolves to its stored outcome without touching the CA again.
	txn, err := s.store.FindTransaction(ctx, req.TransactionID, profile.Name)
	if err != nil {
		return s.failed(logger, err)
	}
	if txn != nil {
		logger.Debugw("transaction replayed, returning stored outcome")
		return s.outcome(ctx, logger, req.TransactionID, &txn.Certificate, false)
	}

	if profile.RequireManualApproval {
		return s.register(ctx, logger, profile, req)
	}
	return s.issue(ctx, logger, profile, req, previous)
}

// issue builds the CA sign request, records the transaction on success
// and notifies the external target. On CA failure nothing is recorded, so
// a retry can re-attempt issuance.
func (s *Service) issue(ctx context.Context, logger common.Logger, profile *enroll.Profile, req *Request, previous *db.Certificate) *Response {
	attrs := enroll.ProfileAttributes{
		ProfileName:  profile.Name,
		ValidityDays: profile.ValidityDays,
	}

	var cert *x509.Certificate
	var err error
	if previous != nil {
		var prevCert *x509.Certificate
		if prevCert, err = previous.Parse(); err == nil {
			cert, err = s.ca.Renew(ctx, req.CSR, prevCert, attrs)
		}
	} else {
		cert, err = s.ca.Issue(ctx, req.CSR, attrs)
	}
	if err != nil {
		failure := s.failed(logger, enroll.WrapError(enroll.IssuanceFailed, err, "certificate authority rejected the request"))
		s.notifier.NotifyFailure(ctx, req.TransactionID, req.CSR.Raw, enroll.IssuanceFailed, err.Error())
		return failure
	}

	record, err := s.store.SaveIssued(ctx, profile.Name, cert)
	if err != nil {
		return s.failed(logger, err)
	}

	txn, err := s.store.RecordTransaction(ctx, req.TransactionID, profile.Name, record.ID)
	if err != nil {
		return s.failed(logger, err)
	}
	// A lost duplicate race resolves to the first writer's certificate.
	if txn.CertificateID != record.ID {
		return s.outcome(ctx, logger, req.TransactionID, &txn.Certificate, false)
	}

	s.notifier.NotifySuccess(ctx, req.TransactionID, req.CSR.Raw, certMeta(cert))
	logger.Infow("certificate issued", "serialNumber", record.SerialNumber)

	return &Response{Status: StatusSuccess, Certificate: cert}
}

// register stores the CSR as a pending record without contacting the CA
// and records the transaction against it; the client polls until an
// operator approves.
func (s *Service) register(ctx context.Context, logger common.Logger, profile *enroll.Profile, req *Request) *Response {
	record, err := s.store.RegisterPending(ctx, profile.Name, req.CSR)
	if err != nil {
		return s.failed(logger, err)
	}

	txn, err := s.store.RecordTransaction(ctx, req.TransactionID, profile.Name, record.ID)
	if err != nil {
		return s.failed(logger, err)
	}
	if txn.CertificateID != record.ID {
		return s.outcome(ctx, logger, req.TransactionID, &txn.Certificate, false)
	}

	logger.Infow("request registered for manual approval", "recordID", record.ID)
	return &Response{Status: StatusPending}
}

// poll answers a GetCertInitial request from the ledger alone, never
// re-invoking issuance. The success notification fires on the Pending to
// Success transition observed here.
func (s *Service) poll(ctx context.Context, logger common.Logger, profile *enroll.Profile, req *Request) *Response {
	txn, err := s.store.FetchForPoll(ctx, req.TransactionID)
	if err != nil {
		return s.failed(logger, err)
	}
	if txn == nil {
		return s.failed(logger, enroll.Errorf(enroll.UnknownTransaction, "unknown transaction %s", req.TransactionID))
	}
	return s.outcome(ctx, logger, req.TransactionID, &txn.Certificate, true)
}

// outcome maps a stored certificate record onto the wire response:
// Pending while the record is still unissued, Success once a certificate
// exists.
func (s *Service) outcome(ctx context.Context, logger common.Logger, transactionID string, record *db.Certificate, notify bool) *Response {
	if record.Status == enroll.CertStatusNew {
		return &Response{Status: StatusPending}
	}

	cert, err := record.Parse()
	if err != nil || cert == nil {
		return s.failed(logger, enroll.WrapError(enroll.InternalError, err, "stored certificate is unreadable"))
	}

	if notify {
		s.notifier.NotifySuccess(ctx, transactionID, record.CsrRaw, certMeta(cert))
	}
	return &Response{Status: StatusSuccess, Certificate: cert}
}

// failed converts any error into a Failure response with its in-band
// failure-info code. Unclassified errors are logged with full context and
// degrade to a generic failure; the protocol never surfaces them raw.
func (s *Service) failed(logger common.Logger, err error) *Response {
	code := enroll.CodeOf(err)
	if code == enroll.InternalError {
		logger.Errorw("internal error during enrollment", "error", err)
	} else {
		logger.Infow("enrollment rejected", "reason", code.String(), "error", err)
	}
	return &Response{
		Status:       StatusFailure,
		FailInfo:     failInfoFor(code),
		FailInfoText: err.Error(),
	}
}

// failInfoFor maps the failure taxonomy onto wire failInfo codes.
func failInfoFor(code enroll.FailureCode) FailInfo {
	switch code {
	case enroll.ProtectionVerificationFailed:
		return FailInfoBadMessageCheck
	case enroll.UnknownTransaction:
		return FailInfoBadCertID
	default:
		return FailInfoBadRequest
	}
}

// respond finalizes the response envelope: recipient nonce mirrors the
// request's sender nonce, a fresh sender nonce is generated, and the
// algorithms follow the request. Request-derived fields are skipped when
// the request itself could not be decoded.
func (s *Service) respond(ks enroll.KeySigner, profile *enroll.Profile, req *Request, resp *Response) ([]byte, error) {
	nonce, err := FreshNonce()
	if err != nil {
		return nil, err
	}
	resp.SenderNonce = nonce

	if req != nil {
		resp.TransactionID = req.TransactionID
		resp.RecipientNonce = req.SenderNonce
		resp.RecipientCert = req.SignerCertificate
		resp.DigestAlgorithm = req.DigestAlgorithm
		resp.ContentEncryptionAlgorithm = req.ContentEncryptionAlgorithm
	}

	return resp.Build(ks)
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
