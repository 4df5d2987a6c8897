package scep

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"sync"

	enroll "github.com/trustpoint-io/enrolld"
	"go.mozilla.org/pkcs7"
)

// Response is a CertRep under construction. Built by the enrollment
// service, serialized by Build.
type Response struct {
	Status       PKIStatus
	FailInfo     FailInfo
	FailInfoText string

	// Certificate is the issued certificate, present on Success.
	Certificate *x509.Certificate

	// RecipientCert is the requester's certificate the success payload is
	// encrypted to.
	RecipientCert *x509.Certificate

	TransactionID  string
	SenderNonce    []byte
	RecipientNonce []byte

	DigestAlgorithm            asn1.ObjectIdentifier
	ContentEncryptionAlgorithm asn1.ObjectIdentifier
}

// Build serializes the response: for Success the issued certificate is
// wrapped in a degenerate certs-only SignedData, encrypted to the
// recipient, and the result is signed with the profile credential
// carrying the SCEP signed attributes. Deterministic except for the
// fresh nonce and content-encryption key.
func (resp *Response) Build(ks enroll.KeySigner) ([]byte, error) {
	var content []byte

	if resp.Status == StatusSuccess {
		if resp.Certificate == nil {
			return nil, fmt.Errorf("success response carries no certificate")
		}
		if resp.RecipientCert == nil {
			return nil, fmt.Errorf("success response has no recipient certificate")
		}

		degenerate, err := pkcs7.DegenerateCertificate(resp.Certificate.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to build degenerate certificate bundle: %w", err)
		}

		content, err = encryptTo(degenerate, []*x509.Certificate{resp.RecipientCert}, contentEncryptionFor(resp.ContentEncryptionAlgorithm))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt response payload: %w", err)
		}
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	if resp.DigestAlgorithm != nil {
		sd.SetDigestAlgorithm(resp.DigestAlgorithm)
	}

	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: resp.TransactionID},
		{Type: oidMessageType, Value: string(MsgCertRep)},
		{Type: oidPKIStatus, Value: string(resp.Status)},
		{Type: oidSenderNonce, Value: resp.SenderNonce},
		{Type: oidRecipientNonce, Value: resp.RecipientNonce},
	}
	if resp.Status == StatusFailure {
		attrs = append(attrs, pkcs7.Attribute{Type: oidFailInfo, Value: string(resp.FailInfo)})
	}

	err = sd.AddSigner(ks.Certificate(), ks.Signer(), pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	return sd.Finish()
}

// The pkcs7 package selects its content cipher through a package global,
// so algorithm selection and encryption must not interleave across
// goroutines.
var encryptMu sync.Mutex

// encryptTo produces EnvelopedData for the recipients under the given
// pkcs7 algorithm constant.
func encryptTo(payload []byte, recipients []*x509.Certificate, algorithm int) ([]byte, error) {
	encryptMu.Lock()
	defer encryptMu.Unlock()
	pkcs7.ContentEncryptionAlgorithm = algorithm
	return pkcs7.Encrypt(payload, recipients)
}

// contentEncryptionFor maps the request's declared content cipher onto
// one the pkcs7 package can produce, keeping the cipher family the
// requester asked for.
func contentEncryptionFor(oid asn1.ObjectIdentifier) int {
	switch {
	case oid.Equal(oidAES128CBC), oid.Equal(oidAES192CBC), oid.Equal(oidAES256CBC):
		return pkcs7.EncryptionAlgorithmAES256CBC
	default:
		return pkcs7.EncryptionAlgorithmDESCBC
	}
}

// CertsOnly builds a degenerate certs-only SignedData bundle carrying the
// given certificates, used for the CA certificate chain response.
func CertsOnly(certs []*x509.Certificate) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create certs-only bundle: %w", err)
	}
	for _, cert := range certs {
		sd.AddCertificate(cert)
	}
	return sd.Finish()
}

// FreshNonce returns a new 16 byte sender nonce.
func FreshNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
