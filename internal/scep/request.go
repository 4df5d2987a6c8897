package scep

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	enroll "github.com/trustpoint-io/enrolld"
	"go.mozilla.org/pkcs7"
)

// Request is a decoded PKIOperation message. It is transient: created by
// the codec, consumed by the verifier and the enrollment service, never
// persisted.
type Request struct {
	TransactionID string
	MessageType   MessageType
	SenderNonce   []byte

	// ChallengeSecret is the challenge password extracted from the
	// decrypted PKCS#10 request, when present.
	ChallengeSecret string

	// SignerCertificate signed the outer envelope: self-signed for an
	// initial request, a previously issued certificate for a renewal.
	SignerCertificate *x509.Certificate

	// CSR is the decrypted signing request. Nil for poll messages.
	CSR *x509.CertificateRequest

	DigestAlgorithm            asn1.ObjectIdentifier
	ContentEncryptionAlgorithm asn1.ObjectIdentifier

	p7 *pkcs7.PKCS7
}

// ParseRequest decodes a raw PKIOperation message: the outer SignedData,
// its SCEP signed attributes, and the enveloped payload, which is opened
// with the profile credential's decrypter. Structural failures are
// classified as MalformedMessage.
func ParseRequest(raw []byte, ks enroll.KeySigner) (*Request, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "failed to parse signed data")
	}

	signerCert := p7.GetOnlySigner()
	if signerCert == nil {
		return nil, enroll.Errorf(enroll.MalformedMessage, "message has no signer certificate")
	}

	req := &Request{
		SignerCertificate: signerCert,
		p7:                p7,
	}

	if err := p7.UnmarshalSignedAttribute(oidTransactionID, &req.TransactionID); err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "message has no transaction id")
	}

	var msgType string
	if err := p7.UnmarshalSignedAttribute(oidMessageType, &msgType); err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "message has no message type")
	}
	req.MessageType = MessageType(msgType)

	if err := p7.UnmarshalSignedAttribute(oidSenderNonce, &req.SenderNonce); err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "message has no sender nonce")
	}

	req.DigestAlgorithm = digestAlgorithmOf(raw)

	switch req.MessageType {
	case MsgPKCSReq, MsgRenewalReq, MsgGetCertInitial:
	default:
		return nil, enroll.Errorf(enroll.UnsupportedOperation, "unsupported message type %s", msgType)
	}

	plaintext, contentAlg, err := openEnvelope(p7.Content, ks.Certificate(), ks.Decrypter())
	if err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "unable to decrypt the enveloped payload")
	}
	req.ContentEncryptionAlgorithm = contentAlg

	if req.MessageType == MsgGetCertInitial {
		// Poll payload carries only issuer-and-subject; the transaction
		// id attribute is what correlates the poll.
		return req, nil
	}

	csr, err := x509.ParseCertificateRequest(plaintext)
	if err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "failed to parse PKCS#10 request")
	}
	req.CSR = csr

	secret, err := challengePasswordOf(csr.Raw)
	if err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "failed to parse PKCS#10 attributes")
	}
	req.ChallengeSecret = secret

	return req, nil
}

// VerifySignature cryptographically verifies the outer CMS signature
// against the embedded signer certificate.
func (r *Request) VerifySignature() error {
	return r.p7.Verify()
}

// signedDataPeek mirrors the CMS SignedData layout far enough to read the
// declared digest algorithms, which the pkcs7 package does not expose.
type signedDataPeek struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      asn1.RawValue `asn1:"set"`
}

// digestAlgorithmOf extracts the first declared digest algorithm of a
// SignedData message, defaulting to SHA-256.
func digestAlgorithmOf(raw []byte) asn1.ObjectIdentifier {
	var info contentInfo
	if _, err := asn1.Unmarshal(raw, &info); err != nil || !info.ContentType.Equal(oidSignedData) {
		return oidSHA256
	}
	var sd signedDataPeek
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd); err != nil || len(sd.DigestAlgorithms) == 0 {
		return oidSHA256
	}
	return sd.DigestAlgorithms[0].Algorithm
}

// csrAttribute is one PKCS#10 attribute, values kept raw.
type csrAttribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

type certificationRequestInfo struct {
	Version    int
	Subject    asn1.RawValue
	PublicKey  asn1.RawValue
	Attributes []csrAttribute `asn1:"tag:0"`
}

type certificationRequest struct {
	Info               certificationRequestInfo
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
}

// challengePasswordOf extracts the challengePassword attribute from a DER
// PKCS#10 request. The crypto/x509 parser does not surface it. Returns
// the empty string when the attribute is absent.
func challengePasswordOf(csrRaw []byte) (string, error) {
	var cr certificationRequest
	if _, err := asn1.Unmarshal(csrRaw, &cr); err != nil {
		return "", fmt.Errorf("failed to parse certification request: %w", err)
	}

	for _, attr := range cr.Info.Attributes {
		if !attr.Type.Equal(oidChallengePassword) {
			continue
		}
		var value asn1.RawValue
		if _, err := asn1.Unmarshal(attr.Values.Bytes, &value); err != nil {
			return "", fmt.Errorf("failed to parse challenge password value: %w", err)
		}
		switch value.Tag {
		case asn1.TagPrintableString, asn1.TagUTF8String, asn1.TagIA5String:
			return string(value.Bytes), nil
		default:
			return "", fmt.Errorf("challenge password has unexpected tag %d", value.Tag)
		}
	}
	return "", nil
}
