// Package scep implements the server side of the SCEP certificate
// enrollment protocol: the binary message codec over CMS
// signed-and-enveloped structures, message protection verification, and
// the enrollment state machine driving the CA backend and the
// transaction ledger.
package scep

import "encoding/asn1"

// Operation is a protocol operation requested by the client.
type Operation int

const (
	OpGetCACert Operation = iota
	OpGetCACaps
	OpPKIOperation
)

// ParseOperation maps the operation name from the request URL onto the
// closed Operation type.
func ParseOperation(name string) (Operation, bool) {
	switch name {
	case "GetCACert":
		return OpGetCACert, true
	case "GetCACaps":
		return OpGetCACaps, true
	case "PKIOperation":
		return OpPKIOperation, true
	default:
		return 0, false
	}
}

// MessageType is the SCEP messageType signed attribute. The wire values
// are the decimal strings assigned by the protocol.
type MessageType string

const (
	MsgCertRep        MessageType = "3"
	MsgRenewalReq     MessageType = "17"
	MsgPKCSReq        MessageType = "19"
	MsgGetCertInitial MessageType = "20"
	MsgGetCert        MessageType = "21"
	MsgGetCRL         MessageType = "22"
)

// PKIStatus is the pkiStatus signed attribute of a CertRep.
type PKIStatus string

const (
	StatusSuccess PKIStatus = "0"
	StatusFailure PKIStatus = "2"
	StatusPending PKIStatus = "3"
)

// FailInfo is the failInfo signed attribute carried on a failure CertRep.
type FailInfo string

const (
	FailInfoBadAlg          FailInfo = "0"
	FailInfoBadMessageCheck FailInfo = "1"
	FailInfoBadRequest      FailInfo = "2"
	FailInfoBadTime         FailInfo = "3"
	FailInfoBadCertID       FailInfo = "4"
)

// Signed attribute OIDs from the SCEP arc.
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

// Algorithm OIDs recognized by the codec.
var (
	oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}
	oidData              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidEnvelopedData     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	oidDESCBC    = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidDESEDE3   = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidAES128CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}

	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// caCapabilities is the static, profile-independent capability
// announcement. Pure data, no state.
var caCapabilities = []string{
	"POSTPKIOperation",
	"SHA-1",
	"SHA-256",
	"SHA-512",
	"DES3",
	"AES",
	"Renewal",
	"SCEPStandard",
}

// MIME types of the protocol surface.
const (
	MimeTypePKIMessage = "application/x-pki-message"
	MimeTypeCACert     = "application/x-x509-ca-cert"
	MimeTypeCARACert   = "application/x-x509-ca-ra-cert"
	MimeTypeTextPlain  = "text/plain"
)
