package cmp

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/db"
)

type testKeySigner struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func (s *testKeySigner) Certificate() *x509.Certificate { return s.cert }
func (s *testKeySigner) Chain() []*x509.Certificate     { return []*x509.Certificate{s.cert} }
func (s *testKeySigner) Signer() crypto.Signer          { return s.key }
func (s *testKeySigner) Decrypter() crypto.Decrypter    { return s.key }

func newSelfSigned(t *testing.T, cn string, isCA bool) *testKeySigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	if isCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testKeySigner{cert: cert, key: key}
}

// protector applies protection to a message under construction; nil
// leaves the message unprotected.
type protector func(t *testing.T, part []byte) (pkix.AlgorithmIdentifier, []byte, [][]byte)

func pbmProtector(secret string) protector {
	return func(t *testing.T, part []byte) (pkix.AlgorithmIdentifier, []byte, [][]byte) {
		t.Helper()
		params, err := asn1.Marshal(pbmParameter{
			Salt:           []byte("0123456789abcdef"),
			OWF:            pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
			IterationCount: 100,
			MAC:            pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256},
		})
		require.NoError(t, err)
		alg := pkix.AlgorithmIdentifier{
			Algorithm:  oidPasswordBasedMac,
			Parameters: asn1.RawValue{FullBytes: params},
		}
		mac, err := computePBM(alg, part, secret)
		require.NoError(t, err)
		return alg, mac, nil
	}
}

func pbmac1Protector(secret string) protector {
	return func(t *testing.T, part []byte) (pkix.AlgorithmIdentifier, []byte, [][]byte) {
		t.Helper()
		kdfParams, err := asn1.Marshal(pbkdf2Parameter{
			Salt:           []byte("fedcba9876543210"),
			IterationCount: 1000,
			KeyLength:      32,
			PRF:            pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256},
		})
		require.NoError(t, err)
		params, err := asn1.Marshal(pbmac1Parameter{
			KeyDerivationFunc: pkix.AlgorithmIdentifier{
				Algorithm:  oidPBKDF2,
				Parameters: asn1.RawValue{FullBytes: kdfParams},
			},
			MessageAuthScheme: pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256},
		})
		require.NoError(t, err)
		alg := pkix.AlgorithmIdentifier{
			Algorithm:  oidPBMAC1,
			Parameters: asn1.RawValue{FullBytes: params},
		}
		mac, err := computePBMAC1(alg, part, secret)
		require.NoError(t, err)
		return alg, mac, nil
	}
}

func signatureProtector(signer *testKeySigner) protector {
	return func(t *testing.T, part []byte) (pkix.AlgorithmIdentifier, []byte, [][]byte) {
		t.Helper()
		digest := sha256.Sum256(part)
		sig, err := rsa.SignPKCS1v15(rand.Reader, signer.key, crypto.SHA256, digest[:])
		require.NoError(t, err)
		alg := pkix.AlgorithmIdentifier{
			Algorithm:  oidSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}
		return alg, sig, [][]byte{signer.cert.Raw}
	}
}

// buildClientMessage assembles a PKIMessage the way a CMP client would.
func buildClientMessage(t *testing.T, bodyType int, bodyContent []byte, transactionID []byte, protect protector) []byte {
	t.Helper()

	header := Header{
		PVNO:          2,
		TransactionID: transactionID,
		SenderNonce:   []byte("0123456789abcdef"),
	}

	var err error
	header.Sender, err = directoryName(nil)
	require.NoError(t, err)
	header.Recipient, err = directoryName(nil)
	require.NoError(t, err)

	body := asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        bodyType,
		IsCompound: true,
		Bytes:      bodyContent,
	}

	assemble := func(h Header) (headerDER, bodyDER, part []byte) {
		headerDER, err := asn1.Marshal(h)
		require.NoError(t, err)
		bodyDER, err = asn1.Marshal(body)
		require.NoError(t, err)
		part, err = asn1.Marshal(struct {
			Header asn1.RawValue
			Body   asn1.RawValue
		}{
			asn1.RawValue{FullBytes: headerDER},
			asn1.RawValue{FullBytes: bodyDER},
		})
		require.NoError(t, err)
		return headerDER, bodyDER, part
	}

	if protect == nil {
		headerDER, bodyDER, _ := assemble(header)
		raw, err := asn1.Marshal(struct {
			Header asn1.RawValue
			Body   asn1.RawValue
		}{
			asn1.RawValue{FullBytes: headerDER},
			asn1.RawValue{FullBytes: bodyDER},
		})
		require.NoError(t, err)
		return raw
	}

	// First pass discovers the algorithm identifier, second pass MACs the
	// header actually sent.
	alg, _, _ := protect(t, []byte{0x30, 0x00})
	header.ProtectionAlg = alg
	headerDER, bodyDER, part := assemble(header)
	_, protection, extraCerts := protect(t, part)

	rawCerts := make([]asn1.RawValue, 0, len(extraCerts))
	for _, c := range extraCerts {
		rawCerts = append(rawCerts, asn1.RawValue{FullBytes: c})
	}

	if len(rawCerts) == 0 {
		raw, err := asn1.Marshal(struct {
			Header     asn1.RawValue
			Body       asn1.RawValue
			Protection asn1.BitString `asn1:"explicit,tag:0"`
		}{
			asn1.RawValue{FullBytes: headerDER},
			asn1.RawValue{FullBytes: bodyDER},
			asn1.BitString{Bytes: protection, BitLength: len(protection) * 8},
		})
		require.NoError(t, err)
		return raw
	}

	raw, err := asn1.Marshal(struct {
		Header     asn1.RawValue
		Body       asn1.RawValue
		Protection asn1.BitString  `asn1:"explicit,tag:0"`
		ExtraCerts []asn1.RawValue `asn1:"explicit,tag:1"`
	}{
		asn1.RawValue{FullBytes: headerDER},
		asn1.RawValue{FullBytes: bodyDER},
		asn1.BitString{Bytes: protection, BitLength: len(protection) * 8},
		rawCerts,
	})
	require.NoError(t, err)
	return raw
}

func newCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return der
}

func TestProtectionExemption(t *testing.T) {
	tests := []struct {
		name     string
		bodyType int
		wantOK   bool
	}{
		{"error accepted unprotected", BodyTypeError, true},
		{"confirm accepted unprotected", BodyTypeConfirm, true},
		{"revocation response accepted unprotected", BodyTypeRevocRep, true},
		{"p10cr rejected unprotected", BodyTypeP10CertReq, false},
		{"certConf rejected unprotected", BodyTypeCertConfirm, false},
		{"ir rejected unprotected", BodyTypeInitReq, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := asn1.Marshal(asn1.NullRawValue)
			require.NoError(t, err)
			raw := buildClientMessage(t, tt.bodyType, content, []byte("tx"), nil)

			msg, err := ParseMessage(raw)
			require.NoError(t, err)

			err = VerifyProtection(msg, "secret")
			if tt.wantOK {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Equal(t, enroll.ProtectionVerificationFailed, enroll.CodeOf(err))
			}
		})
	}
}

func TestVerifyPasswordBasedMac(t *testing.T) {
	csr := newCSR(t, "device-3001")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-pbm"), pbmProtector("secret"))

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	require.NoError(t, VerifyProtection(msg, "secret"))

	err = VerifyProtection(msg, "wrong")
	require.Error(t, err)
	require.Equal(t, enroll.ProtectionVerificationFailed, enroll.CodeOf(err))
}

func TestVerifyPBMAC1(t *testing.T) {
	csr := newCSR(t, "device-3002")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-pbmac1"), pbmac1Protector("secret"))

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	require.NoError(t, VerifyProtection(msg, "secret"))
	require.Error(t, VerifyProtection(msg, "wrong"))
}

func TestVerifySignatureProtection(t *testing.T) {
	client := newSelfSigned(t, "device-3003", false)
	csr := newCSR(t, "device-3003")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-sig"), signatureProtector(client))

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NoError(t, VerifyProtection(msg, ""))

	// Flipping a protected byte must break verification.
	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	tampered[len(tampered)/2] ^= 0x01
	if msg, err := ParseMessage(tampered); err == nil {
		require.Error(t, VerifyProtection(msg, ""))
	}
}

type fakeCA struct {
	ca         *testKeySigner
	issueCalls int
	err        error
}

func (f *fakeCA) Issue(ctx context.Context, csr *x509.CertificateRequest, attrs enroll.ProfileAttributes) (*x509.Certificate, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.issueCalls++
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, attrs.ValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, f.ca.cert, csr.PublicKey, f.ca.key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func (f *fakeCA) Renew(ctx context.Context, csr *x509.CertificateRequest, previous *x509.Certificate, attrs enroll.ProfileAttributes) (*x509.Certificate, error) {
	return f.Issue(ctx, csr, attrs)
}

func (f *fakeCA) Revoke(ctx context.Context, serialNumber, reason string) error { return nil }

func newTestService(t *testing.T) (*Service, *fakeCA, *testKeySigner, *enroll.Profile) {
	t.Helper()

	logger := enroll.LoggerFromContext(context.Background())
	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "enroll.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks := newSelfSigned(t, "Test Issuing CA", true)
	ca := &fakeCA{ca: ks}
	profile := &enroll.Profile{
		Name:            "devices",
		Enabled:         true,
		ChallengeSecret: "secret",
		CAChain:         []*x509.Certificate{ks.cert},
		ValidityDays:    365,
	}
	return NewService(store, ca, enroll.NopNotifier{}, logger), ca, ks, profile
}

// decodeCertRep parses a response message and extracts status and, when
// present, the issued certificate.
func decodeCertRep(t *testing.T, raw []byte, ks *testKeySigner) (int, int, *x509.Certificate) {
	t.Helper()

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NoError(t, VerifyProtection(msg, ""))

	switch msg.BodyType() {
	case BodyTypeCertRep:
		var rep certRepMessage
		_, err = asn1.Unmarshal(msg.BodyBytes(), &rep)
		require.NoError(t, err)
		require.Len(t, rep.Response, 1)

		status := rep.Response[0].Status.Status
		if status != StatusAccepted {
			return BodyTypeCertRep, status, nil
		}
		var inner asn1.RawValue
		outer := rep.Response[0].CertifiedKeyPair.CertOrEncCert
		_, err = asn1.Unmarshal(outer.Bytes, &inner)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(inner.Bytes)
		require.NoError(t, err)
		return BodyTypeCertRep, status, cert
	case BodyTypeError:
		var ec errorMsgContent
		_, err = asn1.Unmarshal(msg.BodyBytes(), &ec)
		require.NoError(t, err)
		return BodyTypeError, ec.Status.Status, nil
	default:
		return msg.BodyType(), 0, nil
	}
}

func TestHandleP10crIssuesCertificate(t *testing.T) {
	svc, ca, ks, profile := newTestService(t)

	csr := newCSR(t, "device-3004")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-issue"), pbmProtector("secret"))

	out, err := svc.Handle(context.Background(), profile, ks, raw)
	require.NoError(t, err)

	bodyType, status, cert := decodeCertRep(t, out, ks)
	require.Equal(t, BodyTypeCertRep, bodyType)
	require.Equal(t, StatusAccepted, status)
	require.Equal(t, "device-3004", cert.Subject.CommonName)
	require.Equal(t, 1, ca.issueCalls)

	// Replay resolves from the ledger without a second CA call.
	out, err = svc.Handle(context.Background(), profile, ks, raw)
	require.NoError(t, err)
	_, status, cert2 := decodeCertRep(t, out, ks)
	require.Equal(t, StatusAccepted, status)
	require.Equal(t, cert.SerialNumber, cert2.SerialNumber)
	require.Equal(t, 1, ca.issueCalls)
}

func TestHandleUnprotectedP10crRejected(t *testing.T) {
	svc, ca, ks, profile := newTestService(t)

	csr := newCSR(t, "device-3005")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-naked"), nil)

	out, err := svc.Handle(context.Background(), profile, ks, raw)
	require.NoError(t, err)

	bodyType, status, _ := decodeCertRep(t, out, ks)
	require.Equal(t, BodyTypeError, bodyType)
	require.Equal(t, StatusRejection, status)
	require.Zero(t, ca.issueCalls)
}

func TestHandleManualApprovalWaits(t *testing.T) {
	svc, ca, ks, profile := newTestService(t)
	profile.RequireManualApproval = true

	csr := newCSR(t, "device-3006")
	raw := buildClientMessage(t, BodyTypeP10CertReq, csr, []byte("tx-wait"), pbmProtector("secret"))

	out, err := svc.Handle(context.Background(), profile, ks, raw)
	require.NoError(t, err)

	bodyType, status, _ := decodeCertRep(t, out, ks)
	require.Equal(t, BodyTypeCertRep, bodyType)
	require.Equal(t, StatusWaiting, status)
	require.Zero(t, ca.issueCalls)
}

func TestHandleConfirmAcknowledged(t *testing.T) {
	svc, _, ks, profile := newTestService(t)

	content, err := asn1.Marshal(asn1.NullRawValue)
	require.NoError(t, err)
	raw := buildClientMessage(t, BodyTypeConfirm, content, []byte("tx-conf"), nil)

	out, err := svc.Handle(context.Background(), profile, ks, raw)
	require.NoError(t, err)

	msg, err := ParseMessage(out)
	require.NoError(t, err)
	require.Equal(t, BodyTypeConfirm, msg.BodyType())
}
