package enroll

import "crypto/x509"

// CertStatus is the lifecycle state of a certificate record as read by the
// enrollment engine. The lifecycle itself is owned by the issuing
// subsystem; the engine only inspects it to decide Pending vs Success.
type CertStatus string

const (
	CertStatusNew     CertStatus = "new"
	CertStatusIssued  CertStatus = "issued"
	CertStatusRevoked CertStatus = "revoked"
	CertStatusExpired CertStatus = "expired"
)

// Profile is the enrollment profile configuration consumed by the engine.
// It is supplied by administration code and read-only here.
type Profile struct {
	// Name identifies the profile; it scopes transaction identifiers.
	Name string

	// Enabled gates all operations under the profile.
	Enabled bool

	// RequireManualApproval defers issuance: the request is registered as
	// a pending record and answered Pending until approved out of band.
	RequireManualApproval bool

	// RenewalThresholdDays bounds renewal eligibility. Zero means the
	// half-life rule applies instead.
	RenewalThresholdDays int

	// ChallengeSecret is the shared secret checked against the request's
	// challenge password. When empty, the check passes trivially.
	ChallengeSecret string

	// ExternalValidationTarget, when set, is the endpoint notified of
	// enrollment outcomes (best effort).
	ExternalValidationTarget string

	// CAChain is the profile's CA certificate chain, leaf issuer first.
	CAChain []*x509.Certificate

	// ValidityDays is passed through to the CA backend.
	ValidityDays int
}

// Validate reports whether the profile is usable for protocol operations.
func (p *Profile) Validate() error {
	if p == nil {
		return Errorf(ProfileDisabledOrMisconfigured, "requested profile not found")
	}
	if !p.Enabled {
		return Errorf(ProfileDisabledOrMisconfigured, "profile %s is not enabled", p.Name)
	}
	if len(p.CAChain) == 0 {
		return Errorf(ProfileDisabledOrMisconfigured, "profile %s has no associated CA certificate", p.Name)
	}
	return nil
}

// Recipient returns the CA certificate the engine answers with, the leaf
// issuer of the configured chain.
func (p *Profile) Recipient() *x509.Certificate {
	if len(p.CAChain) == 0 {
		return nil
	}
	return p.CAChain[0]
}
