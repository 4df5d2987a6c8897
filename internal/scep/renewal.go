package scep

import (
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/db"
)

// renewalEligible applies the renewal-eligibility policy to the
// certificate being renewed.
//
// Without a configured threshold the half-life rule applies: renewal is
// allowed only once less than half of the validity period remains. With a
// threshold, expired and revoked certificates are never eligible and
// otherwise the remaining validity must not exceed the threshold.
func renewalEligible(record *db.Certificate, profile *enroll.Profile) error {
	total := daysBetween(record.NotBefore, record.NotAfter)
	remaining := daysBetween(time.Now(), record.NotAfter)

	if profile.RenewalThresholdDays == 0 {
		if remaining >= total/2 {
			return enroll.Errorf(enroll.RenewalNotEligible,
				"cannot renew certificate: validity exceeds its half-life")
		}
		return nil
	}

	switch db.StatusOf(record) {
	case enroll.CertStatusExpired, enroll.CertStatusRevoked:
		return enroll.Errorf(enroll.RenewalNotEligible,
			"cannot renew certificate: certificate is expired or revoked")
	}

	if remaining > profile.RenewalThresholdDays {
		return enroll.Errorf(enroll.RenewalNotEligible,
			"cannot renew certificate: validity exceeds the profile renewal threshold")
	}
	return nil
}

// daysBetween counts whole days from a to b.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
