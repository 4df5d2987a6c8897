// Package cmp implements the CMP flavoured enrollment endpoint: a
// PKIMessage codec, message protection verification and the p10cr
// enrollment flow sharing the transaction ledger and CA backend with the
// SCEP engine.
package cmp

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
)

// PKIBody type tags (RFC 4210 section 5.1.2).
const (
	BodyTypeInitReq     = 0
	BodyTypeInitRep     = 1
	BodyTypeCertReq     = 2
	BodyTypeCertRep     = 3
	BodyTypeP10CertReq  = 4
	BodyTypeKeyUpdate   = 7
	BodyTypeRevocReq    = 11
	BodyTypeRevocRep    = 12
	BodyTypeConfirm     = 19
	BodyTypeError       = 23
	BodyTypeCertConfirm = 24
	BodyTypePollReq     = 25
	BodyTypePollRep     = 26
)

// PKIFailureInfo bit positions (RFC 4210 section 5.2.3).
const (
	FailureBitBadAlg          = 0
	FailureBitBadMessageCheck = 1
	FailureBitBadRequest      = 2
	FailureBitBadDataFormat   = 5
	FailureBitBadPOP          = 9
	FailureBitNotAuthorized   = 23
	FailureBitSystemFailure   = 25
)

// PKIStatus values (RFC 4210 section 5.2.3).
const (
	StatusAccepted  = 0
	StatusRejection = 2
	StatusWaiting   = 3
)

// Header is the decoded PKIHeader. The PKIX CMP module uses explicit
// context tags throughout; sender and recipient stay raw because
// GeneralName is a CHOICE the verifier never needs to resolve.
type Header struct {
	PVNO          int
	Sender        asn1.RawValue
	Recipient     asn1.RawValue
	MessageTime   time.Time                `asn1:"generalized,optional,explicit,tag:0"`
	ProtectionAlg pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SenderKID     []byte                   `asn1:"optional,explicit,tag:2"`
	RecipKID      []byte                   `asn1:"optional,explicit,tag:3"`
	TransactionID []byte                   `asn1:"optional,explicit,tag:4"`
	SenderNonce   []byte                   `asn1:"optional,explicit,tag:5"`
	RecipNonce    []byte                   `asn1:"optional,explicit,tag:6"`
	FreeText      asn1.RawValue            `asn1:"optional,explicit,tag:7"`
	GeneralInfo   asn1.RawValue            `asn1:"optional,explicit,tag:8"`
}

// envelope mirrors the outer PKIMessage SEQUENCE with the header kept
// raw, so the protected part can be rebuilt byte-exactly.
type envelope struct {
	Header     asn1.RawValue
	Body       asn1.RawValue
	Protection asn1.BitString  `asn1:"optional,explicit,tag:0"`
	ExtraCerts []asn1.RawValue `asn1:"optional,explicit,tag:1"`
}

// PKIMessage is a decoded CMP message.
type PKIMessage struct {
	Header     Header
	Protection asn1.BitString
	ExtraCerts [][]byte

	rawHeader asn1.RawValue
	rawBody   asn1.RawValue
}

// ParseMessage decodes a raw PKIMessage. Structural failures classify as
// MalformedMessage.
func ParseMessage(raw []byte) (*PKIMessage, error) {
	var env envelope
	rest, err := asn1.Unmarshal(raw, &env)
	if err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "failed to parse PKI message")
	}
	if len(rest) > 0 {
		return nil, enroll.Errorf(enroll.MalformedMessage, "trailing data after PKI message")
	}

	msg := &PKIMessage{
		Protection: env.Protection,
		rawHeader:  env.Header,
		rawBody:    env.Body,
	}
	if _, err := asn1.Unmarshal(env.Header.FullBytes, &msg.Header); err != nil {
		return nil, enroll.WrapError(enroll.MalformedMessage, err, "failed to parse PKI header")
	}
	if env.Body.Class != asn1.ClassContextSpecific {
		return nil, enroll.Errorf(enroll.MalformedMessage, "PKI body is not a tagged choice")
	}
	for _, rv := range env.ExtraCerts {
		msg.ExtraCerts = append(msg.ExtraCerts, rv.FullBytes)
	}
	return msg, nil
}

// BodyType returns the context tag selecting the PKIBody choice.
func (m *PKIMessage) BodyType() int {
	return m.rawBody.Tag
}

// BodyBytes returns the DER content of the body choice. For p10cr this is
// the PKCS#10 CertificationRequest.
func (m *PKIMessage) BodyBytes() []byte {
	return m.rawBody.Bytes
}

// protectedPart reassembles the DER ProtectedPart SEQUENCE of header and
// body, byte-identical to what the sender MACed or signed.
func (m *PKIMessage) protectedPart() ([]byte, error) {
	part, err := asn1.Marshal(struct {
		Header asn1.RawValue
		Body   asn1.RawValue
	}{m.rawHeader, m.rawBody})
	if err != nil {
		return nil, fmt.Errorf("failed to encode protected part: %w", err)
	}
	return part, nil
}

// failureBits builds a PKIFailureInfo BIT STRING with the given bit set.
func failureBits(bit int) asn1.BitString {
	bytes := make([]byte, bit/8+1)
	bytes[bit/8] |= 0x80 >> uint(bit%8)
	return asn1.BitString{Bytes: bytes, BitLength: bit + 1}
}
