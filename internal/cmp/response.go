package cmp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	enroll "github.com/trustpoint-io/enrolld"
)

type pkiStatusInfo struct {
	Status   int
	FailInfo asn1.BitString `asn1:"optional"`
}

type certifiedKeyPair struct {
	CertOrEncCert asn1.RawValue
}

type certResponse struct {
	CertReqID        int
	Status           pkiStatusInfo
	CertifiedKeyPair certifiedKeyPair `asn1:"optional"`
}

type certRepMessage struct {
	Response []certResponse
}

type errorMsgContent struct {
	Status pkiStatusInfo
}

// acceptedCertRep encodes a cp body content carrying the issued
// certificate. The certReqId is -1: a p10cr carries no request id.
func acceptedCertRep(certDER []byte) ([]byte, error) {
	inner, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      certDER,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap certificate choice: %w", err)
	}
	return asn1.Marshal(certRepMessage{
		Response: []certResponse{{
			CertReqID: -1,
			Status:    pkiStatusInfo{Status: StatusAccepted},
			CertifiedKeyPair: certifiedKeyPair{
				CertOrEncCert: asn1.RawValue{
					Class:      asn1.ClassContextSpecific,
					Tag:        0,
					IsCompound: true,
					Bytes:      inner,
				},
			},
		}},
	})
}

// waitingCertRep encodes a cp body content answering a deferred request.
func waitingCertRep() ([]byte, error) {
	return asn1.Marshal(certRepMessage{
		Response: []certResponse{{
			CertReqID: -1,
			Status:    pkiStatusInfo{Status: StatusWaiting},
		}},
	})
}

// errorContent encodes an error body content with the given failure bit.
func errorContent(bit int) ([]byte, error) {
	return asn1.Marshal(errorMsgContent{
		Status: pkiStatusInfo{Status: StatusRejection, FailInfo: failureBits(bit)},
	})
}

// pkiConfContent encodes a pkiconf body content (NULL).
func pkiConfContent() ([]byte, error) {
	return asn1.Marshal(asn1.NullRawValue)
}

// buildResponse assembles and signature-protects a response message. The
// request header, when present, supplies the transaction id, the
// recipient identity and the nonce to mirror.
func buildResponse(ks enroll.KeySigner, reqHeader *Header, bodyType int, bodyContent []byte) ([]byte, error) {
	sigAlgOID, err := protectionAlgorithmFor(ks.Signer().Public())
	if err != nil {
		return nil, err
	}

	senderNonce := make([]byte, 16)
	if _, err := rand.Read(senderNonce); err != nil {
		return nil, fmt.Errorf("failed to generate sender nonce: %w", err)
	}

	sender, err := directoryName(ks.Certificate().RawSubject)
	if err != nil {
		return nil, err
	}

	protAlg := pkix.AlgorithmIdentifier{Algorithm: sigAlgOID}
	if sigAlgOID.Equal(oidSHA256WithRSA) {
		// RSA algorithm identifiers carry explicit NULL parameters;
		// ECDSA ones must omit them.
		protAlg.Parameters = asn1.NullRawValue
	}

	header := Header{
		PVNO:          2,
		Sender:        sender,
		ProtectionAlg: protAlg,
		SenderNonce:   senderNonce,
	}
	if reqHeader != nil {
		header.Recipient = reqHeader.Sender
		header.TransactionID = reqHeader.TransactionID
		header.RecipNonce = reqHeader.SenderNonce
	} else {
		if header.Recipient, err = directoryName(nil); err != nil {
			return nil, err
		}
	}

	headerDER, err := asn1.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKI header: %w", err)
	}

	body := asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        bodyType,
		IsCompound: true,
		Bytes:      bodyContent,
	}
	bodyDER, err := asn1.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKI body: %w", err)
	}

	part, err := asn1.Marshal(struct {
		Header asn1.RawValue
		Body   asn1.RawValue
	}{
		asn1.RawValue{FullBytes: headerDER},
		asn1.RawValue{FullBytes: bodyDER},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode protected part: %w", err)
	}

	digest := sha256.Sum256(part)
	signature, err := ks.Signer().Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	return asn1.Marshal(struct {
		Header     asn1.RawValue
		Body       asn1.RawValue
		Protection asn1.BitString  `asn1:"explicit,tag:0"`
		ExtraCerts []asn1.RawValue `asn1:"explicit,tag:1"`
	}{
		Header:     asn1.RawValue{FullBytes: headerDER},
		Body:       asn1.RawValue{FullBytes: bodyDER},
		Protection: asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
		ExtraCerts: []asn1.RawValue{{FullBytes: ks.Certificate().Raw}},
	})
}

// directoryName wraps a raw RDNSequence as the GeneralName directoryName
// choice ([4] explicit).
func directoryName(rawSubject []byte) (asn1.RawValue, error) {
	if rawSubject == nil {
		// Empty RDNSequence, used when the requester identity is unknown.
		empty, err := asn1.Marshal(pkix.RDNSequence{})
		if err != nil {
			return asn1.RawValue{}, err
		}
		rawSubject = empty
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      rawSubject,
	}, nil
}

// protectionAlgorithmFor selects the signature protection algorithm for
// the credential's key type.
func protectionAlgorithmFor(pub crypto.PublicKey) (asn1.ObjectIdentifier, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return oidSHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return oidECDSAWithSHA256, nil
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", pub)
	}
}
