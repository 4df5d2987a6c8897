package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"go.mozilla.org/pkcs7"
)

var oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

// NewSelfSignedRequester creates the short-lived self-signed certificate
// a requester signs its messages with before it holds an issued one.
func NewSelfSignedRequester(cn string, key *rsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-10 * time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// EmbedChallengePassword appends the challengePassword attribute to a
// DER PKCS#10 request and re-signs it with key. crypto/x509 cannot emit
// the attribute itself, so the request is rebuilt at the ASN.1 level.
func EmbedChallengePassword(csrDER []byte, key *rsa.PrivateKey, password string) ([]byte, error) {
	var cr certificationRequest
	if _, err := asn1.Unmarshal(csrDER, &cr); err != nil {
		return nil, fmt.Errorf("failed to parse certification request: %w", err)
	}

	set, err := asn1.MarshalWithParams([]string{password}, "set")
	if err != nil {
		return nil, err
	}
	cr.Info.Attributes = append(cr.Info.Attributes, csrAttribute{
		Type:   oidChallengePassword,
		Values: asn1.RawValue{FullBytes: set},
	})

	tbs, err := asn1.Marshal(cr.Info)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(tbs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(certificationRequest{
		Info: cr.Info,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		},
		Signature: asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
}

// IssuerAndSubject is the plaintext payload of a GetCertInitial poll.
func IssuerAndSubject(issuer, subject []byte) ([]byte, error) {
	return asn1.Marshal(struct {
		Issuer  asn1.RawValue
		Subject asn1.RawValue
	}{
		Issuer:  asn1.RawValue{FullBytes: issuer},
		Subject: asn1.RawValue{FullBytes: subject},
	})
}

// NewClientMessage assembles a requester-side PKIOperation message: the
// payload enveloped to the recipient CA certificate, wrapped in
// SignedData carrying the transaction attributes.
func NewClientMessage(msgType MessageType, payload []byte, recipient, signerCert *x509.Certificate, signerKey crypto.PrivateKey, transactionID string) ([]byte, error) {
	enveloped, err := encryptTo(payload, []*x509.Certificate{recipient}, pkcs7.EncryptionAlgorithmDESCBC)
	if err != nil {
		return nil, fmt.Errorf("failed to envelope payload: %w", err)
	}

	sd, err := pkcs7.NewSignedData(enveloped)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(oidSHA256)

	nonce, err := FreshNonce()
	if err != nil {
		return nil, err
	}

	err = sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{
			{Type: oidTransactionID, Value: transactionID},
			{Type: oidMessageType, Value: string(msgType)},
			{Type: oidSenderNonce, Value: nonce},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return sd.Finish()
}

// CertRep is a decoded server response as seen by a requester.
type CertRep struct {
	Status      PKIStatus
	FailInfo    FailInfo
	Certificate *x509.Certificate
}

// DecodeCertRep parses a CertRep addressed to the requester certificate
// and, on success, opens the enveloped degenerate bundle with key.
func DecodeCertRep(raw []byte, requester *x509.Certificate, key crypto.Decrypter) (*CertRep, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	rep := &CertRep{}
	var status string
	if err := p7.UnmarshalSignedAttribute(oidPKIStatus, &status); err != nil {
		return nil, fmt.Errorf("response has no pkiStatus: %w", err)
	}
	rep.Status = PKIStatus(status)

	switch rep.Status {
	case StatusPending:
		return rep, nil

	case StatusFailure:
		var failInfo string
		if err := p7.UnmarshalSignedAttribute(oidFailInfo, &failInfo); err != nil {
			return nil, fmt.Errorf("failure response has no failInfo: %w", err)
		}
		rep.FailInfo = FailInfo(failInfo)
		return rep, nil
	}

	plaintext, _, err := openEnvelope(p7.Content, requester, key)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt the response payload: %w", err)
	}

	bundle, err := pkcs7.Parse(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate bundle: %w", err)
	}
	if len(bundle.Certificates) == 0 {
		return nil, fmt.Errorf("success response carries no certificate")
	}
	rep.Certificate = bundle.Certificates[0]
	return rep, nil
}
