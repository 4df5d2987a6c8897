package scep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/db"
)

// memLocator serves certificate records from a fingerprint-keyed map.
type memLocator struct {
	records map[string]*db.Certificate
}

func (m *memLocator) FindByFingerprint(ctx context.Context, fingerprint string) (*db.Certificate, error) {
	return m.records[fingerprint], nil
}

func testProfile(name string) *enroll.Profile {
	return &enroll.Profile{
		Name:         name,
		Enabled:      true,
		ValidityDays: 365,
	}
}

func TestVerifyChallenge(t *testing.T) {
	v := NewVerifier(&memLocator{})

	tests := []struct {
		name          string
		profileSecret string
		requestSecret string
		wantErr       bool
	}{
		{"no secret configured passes any value", "", "anything", false},
		{"matching secret passes", "letmein", "letmein", false},
		{"mismatching secret fails", "letmein", "wrong", true},
		{"missing secret fails when configured", "letmein", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := testProfile("p")
			profile.ChallengeSecret = tt.profileSecret

			err := v.VerifyChallenge(&Request{ChallengeSecret: tt.requestSecret}, profile)
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, enroll.ProtectionVerificationFailed, enroll.CodeOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyRequestInitialEnrollment(t *testing.T) {
	ca := newSelfSigned(t, "Test Issuing CA", true)
	client := newSelfSigned(t, "device-1001", false)

	csr := newCSR(t, client.key, "device-1001", "", nil)
	raw := buildPKIMessage(t, MsgPKCSReq, csr, ca.cert, client, "txn-initial")
	req, err := ParseRequest(raw, ca)
	require.NoError(t, err)

	v := NewVerifier(&memLocator{})
	previous, err := v.VerifyRequest(context.Background(), req, testProfile("p"))
	require.NoError(t, err)
	require.Nil(t, previous)
}

func TestVerifyRequestBadProofOfPossession(t *testing.T) {
	ca := newSelfSigned(t, "Test Issuing CA", true)
	client := newSelfSigned(t, "device-1002", false)
	stranger := newSelfSigned(t, "stranger", false)

	// The CSR claims the client key but is signed with another one.
	csr := newCSR(t, client.key, "device-1002", "", stranger.key)
	raw := buildPKIMessage(t, MsgPKCSReq, csr, ca.cert, client, "txn-bad-pop")
	req, err := ParseRequest(raw, ca)
	require.NoError(t, err)

	v := NewVerifier(&memLocator{})
	_, err = v.VerifyRequest(context.Background(), req, testProfile("p"))
	require.Error(t, err)
	require.Equal(t, enroll.ProtectionVerificationFailed, enroll.CodeOf(err))
}

func TestVerifyRequestRenewal(t *testing.T) {
	ca := newSelfSigned(t, "Test Issuing CA", true)
	client := newSelfSigned(t, "device-1003", false)

	// The record mimics a certificate issued long enough ago that the
	// half-life rule allows renewal.
	record := &db.Certificate{
		Fingerprint: db.Fingerprint(client.cert.Raw),
		SubjectDN:   client.cert.Subject.String(),
		ProfileName: "p",
		Status:      enroll.CertStatusIssued,
		NotBefore:   time.Now().AddDate(0, 0, -300),
		NotAfter:    time.Now().AddDate(0, 0, 65),
		Raw:         client.cert.Raw,
	}
	locator := &memLocator{records: map[string]*db.Certificate{record.Fingerprint: record}}

	csr := newCSR(t, client.key, "device-1003", "", nil)
	raw := buildPKIMessage(t, MsgRenewalReq, csr, ca.cert, client, "txn-renew")
	req, err := ParseRequest(raw, ca)
	require.NoError(t, err)

	v := NewVerifier(locator)
	previous, err := v.VerifyRequest(context.Background(), req, testProfile("p"))
	require.NoError(t, err)
	require.NotNil(t, previous)
	require.Equal(t, record.Fingerprint, previous.Fingerprint)
}

func TestVerifyRequestRenewalSubjectMismatch(t *testing.T) {
	ca := newSelfSigned(t, "Test Issuing CA", true)
	client := newSelfSigned(t, "device-1004", false)

	record := &db.Certificate{
		Fingerprint: db.Fingerprint(client.cert.Raw),
		SubjectDN:   "CN=someone-else",
		ProfileName: "p",
		Status:      enroll.CertStatusIssued,
		NotBefore:   time.Now().AddDate(0, 0, -300),
		NotAfter:    time.Now().AddDate(0, 0, 65),
	}
	locator := &memLocator{records: map[string]*db.Certificate{record.Fingerprint: record}}

	csr := newCSR(t, client.key, "device-1004", "", nil)
	raw := buildPKIMessage(t, MsgRenewalReq, csr, ca.cert, client, "txn-renew-mismatch")
	req, err := ParseRequest(raw, ca)
	require.NoError(t, err)

	v := NewVerifier(locator)
	_, err = v.VerifyRequest(context.Background(), req, testProfile("p"))
	require.Error(t, err)
	require.Equal(t, enroll.ProtectionVerificationFailed, enroll.CodeOf(err))
}

func TestVerifyRequestRejectsPollType(t *testing.T) {
	v := NewVerifier(&memLocator{})
	_, err := v.VerifyRequest(context.Background(), &Request{MessageType: MsgCertRep}, testProfile("p"))
	require.Error(t, err)
	require.Equal(t, enroll.UnsupportedOperation, enroll.CodeOf(err))
}
