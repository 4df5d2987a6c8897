package scep

import (
	"context"
	"crypto/subtle"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/db"
)

// CertificateLocator finds previously issued certificate records, used to
// correlate a renewal request's signer certificate.
type CertificateLocator interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*db.Certificate, error)
}

// Verifier validates message-level authenticity: the shared-secret check
// and the signature/proof-of-possession path for renewals.
type Verifier struct {
	certs CertificateLocator
}

// NewVerifier returns a Verifier resolving signer certificates through
// the given locator.
func NewVerifier(certs CertificateLocator) *Verifier {
	return &Verifier{certs: certs}
}

// VerifyChallenge compares the request's challenge secret against the
// profile's configured secret in constant time. An unset profile secret
// passes trivially; this mirrors the configured-secret-optional policy of
// the source system and is deliberate, not an oversight.
func (v *Verifier) VerifyChallenge(req *Request, profile *enroll.Profile) error {
	if profile.ChallengeSecret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(req.ChallengeSecret), []byte(profile.ChallengeSecret)) != 1 {
		return enroll.Errorf(enroll.ProtectionVerificationFailed, "challenge password validation failed")
	}
	return nil
}

// VerifyRequest validates the request's proof of possession and, when the
// signer certificate matches a previously issued one, the renewal
// constraints. Returns the previous certificate record for a renewal and
// nil for an initial enrollment.
//
// Renewal detection runs for PKCSReq too: draft-nourse era clients (JSCEP,
// SSCEP) have no RenewalReq message type and renew with PKCSReq.
func (v *Verifier) VerifyRequest(ctx context.Context, req *Request, profile *enroll.Profile) (*db.Certificate, error) {
	switch req.MessageType {
	case MsgPKCSReq, MsgRenewalReq:
	default:
		return nil, enroll.Errorf(enroll.UnsupportedOperation, "unsupported message type %s", req.MessageType)
	}

	previous, err := v.renewalValidation(ctx, req, profile)
	if err != nil {
		return nil, err
	}

	if req.MessageType == MsgPKCSReq {
		if err := req.CSR.CheckSignature(); err != nil {
			return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to verify PKCS#10 request POP")
		}
	}

	return previous, nil
}

// renewalValidation locates the certificate previously issued with the
// signer certificate's fingerprint. When none exists the request is an
// initial enrollment and no renewal checks apply. When one exists, the
// request subject must equal the certificate subject exactly, the CMS
// signature must verify against the signer certificate, and the renewal
// eligibility policy must hold. The first two failures share a single
// generic classification so a caller cannot probe which check tripped.
func (v *Verifier) renewalValidation(ctx context.Context, req *Request, profile *enroll.Profile) (*db.Certificate, error) {
	record, err := v.certs.FindByFingerprint(ctx, db.Fingerprint(req.SignerCertificate.Raw))
	if err != nil {
		return nil, enroll.WrapError(enroll.InternalError, err, "failed to locate signer certificate")
	}
	if record == nil {
		return nil, nil
	}

	if req.CSR == nil || req.CSR.Subject.String() != record.SubjectDN {
		return nil, enroll.Errorf(enroll.ProtectionVerificationFailed, "request verification failed")
	}

	if err := req.VerifySignature(); err != nil {
		return nil, enroll.Errorf(enroll.ProtectionVerificationFailed, "request verification failed")
	}

	if err := renewalEligible(record, profile); err != nil {
		return nil, err
	}

	return record, nil
}
