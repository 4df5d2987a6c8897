package cmp

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"

	enroll "github.com/trustpoint-io/enrolld"
	"golang.org/x/crypto/pbkdf2"
)

var (
	oidPasswordBasedMac = asn1.ObjectIdentifier{1, 2, 840, 113533, 7, 66, 13}
	oidPBMAC1           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 14}
	oidPBKDF2           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}

	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	oidHMACSHA1   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 8, 1, 2}
	oidHMACSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidHMACSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}

	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// protectionExempt lists the body types accepted without any protection
// field. Every other type arriving unprotected is rejected.
var protectionExempt = map[int]bool{
	BodyTypeError:    true,
	BodyTypeConfirm:  true,
	BodyTypeRevocRep: true,
}

// VerifyProtection validates the message protection, dispatching on the
// declared protection algorithm: password-based MAC, PBMAC1 or a
// signature verified against the first extra certificate.
func VerifyProtection(msg *PKIMessage, secret string) error {
	if len(msg.Protection.Bytes) == 0 {
		if protectionExempt[msg.BodyType()] {
			return nil
		}
		return enroll.Errorf(enroll.ProtectionVerificationFailed,
			"message of type %d arrived without protection", msg.BodyType())
	}

	alg := msg.Header.ProtectionAlg
	if len(alg.Algorithm) == 0 {
		return enroll.Errorf(enroll.ProtectionVerificationFailed,
			"protection present but no protection algorithm declared")
	}

	part, err := msg.protectedPart()
	if err != nil {
		return enroll.WrapError(enroll.InternalError, err, "failed to rebuild protected part")
	}

	switch {
	case alg.Algorithm.Equal(oidPasswordBasedMac):
		return verifyPBM(alg, part, msg.Protection.Bytes, secret)
	case alg.Algorithm.Equal(oidPBMAC1):
		return verifyPBMAC1(alg, part, msg.Protection.Bytes, secret)
	default:
		return verifySignatureProtection(alg, part, msg)
	}
}

// pbmParameter is the PBMParameter of RFC 4210 section 5.1.3.1.
type pbmParameter struct {
	Salt           []byte
	OWF            pkix.AlgorithmIdentifier
	IterationCount int
	MAC            pkix.AlgorithmIdentifier
}

// verifyPBM checks a password-based MAC: the shared secret concatenated
// with the salt, iterated through the one-way function, keys the declared
// MAC over the protected part.
func verifyPBM(alg pkix.AlgorithmIdentifier, part, protection []byte, secret string) error {
	mac, err := computePBM(alg, part, secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac, protection) != 1 {
		return enroll.Errorf(enroll.ProtectionVerificationFailed, "password-based MAC verification failed")
	}
	return nil
}

func computePBM(alg pkix.AlgorithmIdentifier, part []byte, secret string) ([]byte, error) {
	var params pbmParameter
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to parse PBM parameters")
	}
	if params.IterationCount < 1 || params.IterationCount > 100000 {
		return nil, enroll.Errorf(enroll.ProtectionVerificationFailed,
			"PBM iteration count %d out of range", params.IterationCount)
	}

	owf, err := hashByOID(params.OWF.Algorithm)
	if err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "unsupported PBM one-way function")
	}

	key := append([]byte(secret), params.Salt...)
	for i := 0; i < params.IterationCount; i++ {
		h := owf.New()
		h.Write(key)
		key = h.Sum(nil)
	}

	macNew, err := hmacByOID(params.MAC.Algorithm)
	if err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "unsupported PBM MAC")
	}
	m := hmac.New(macNew, key)
	m.Write(part)
	return m.Sum(nil), nil
}

// pbmac1Parameter is the PBMAC1-params of RFC 8018 section A.5, with the
// key derivation restricted to PBKDF2.
type pbmac1Parameter struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	MessageAuthScheme pkix.AlgorithmIdentifier
}

type pbkdf2Parameter struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                      `asn1:"optional"`
	PRF            pkix.AlgorithmIdentifier `asn1:"optional"`
}

// verifyPBMAC1 checks a PBMAC1 protection: PBKDF2 derives the MAC key
// from the shared secret, the declared HMAC runs over the protected part.
func verifyPBMAC1(alg pkix.AlgorithmIdentifier, part, protection []byte, secret string) error {
	mac, err := computePBMAC1(alg, part, secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac, protection) != 1 {
		return enroll.Errorf(enroll.ProtectionVerificationFailed, "PBMAC1 verification failed")
	}
	return nil
}

func computePBMAC1(alg pkix.AlgorithmIdentifier, part []byte, secret string) ([]byte, error) {
	var params pbmac1Parameter
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to parse PBMAC1 parameters")
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(oidPBKDF2) {
		return nil, enroll.Errorf(enroll.ProtectionVerificationFailed,
			"unsupported PBMAC1 key derivation %v", params.KeyDerivationFunc.Algorithm)
	}

	var kdf pbkdf2Parameter
	if _, err := asn1.Unmarshal(params.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to parse PBKDF2 parameters")
	}
	if kdf.IterationCount < 1 || kdf.IterationCount > 1000000 {
		return nil, enroll.Errorf(enroll.ProtectionVerificationFailed,
			"PBKDF2 iteration count %d out of range", kdf.IterationCount)
	}

	prf := crypto.SHA1
	if len(kdf.PRF.Algorithm) > 0 {
		var err error
		if prf, err = hashByHMACOID(kdf.PRF.Algorithm); err != nil {
			return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "unsupported PBKDF2 PRF")
		}
	}

	macNew, err := hmacByOID(params.MessageAuthScheme.Algorithm)
	if err != nil {
		return nil, enroll.WrapError(enroll.ProtectionVerificationFailed, err, "unsupported PBMAC1 MAC")
	}

	keyLen := kdf.KeyLength
	if keyLen == 0 {
		keyLen = macNew().Size()
	}
	key := pbkdf2.Key([]byte(secret), kdf.Salt, kdf.IterationCount, keyLen, prf.New)

	m := hmac.New(macNew, key)
	m.Write(part)
	return m.Sum(nil), nil
}

// verifySignatureProtection checks a signature protection against the
// first extra certificate of the message.
func verifySignatureProtection(alg pkix.AlgorithmIdentifier, part []byte, msg *PKIMessage) error {
	if len(msg.ExtraCerts) == 0 {
		return enroll.Errorf(enroll.ProtectionVerificationFailed,
			"signature protection without a signer certificate")
	}
	cert, err := x509.ParseCertificate(msg.ExtraCerts[0])
	if err != nil {
		return enroll.WrapError(enroll.ProtectionVerificationFailed, err, "failed to parse signer certificate")
	}

	sigAlg, err := signatureAlgorithmByOID(alg.Algorithm)
	if err != nil {
		return enroll.WrapError(enroll.ProtectionVerificationFailed, err, "unsupported protection signature algorithm")
	}
	if err := cert.CheckSignature(sigAlg, part, msg.Protection.Bytes); err != nil {
		return enroll.WrapError(enroll.ProtectionVerificationFailed, err, "signature protection verification failed")
	}
	return nil
}

func hashByOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(oidSHA1):
		return crypto.SHA1, nil
	case oid.Equal(oidSHA256):
		return crypto.SHA256, nil
	case oid.Equal(oidSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash %v", oid)
	}
}

func hmacByOID(oid asn1.ObjectIdentifier) (func() hash.Hash, error) {
	switch {
	case oid.Equal(oidHMACSHA1):
		return sha1.New, nil
	case oid.Equal(oidHMACSHA256):
		return sha256.New, nil
	case oid.Equal(oidHMACSHA512):
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported HMAC %v", oid)
	}
}

func hashByHMACOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(oidHMACSHA1):
		return crypto.SHA1, nil
	case oid.Equal(oidHMACSHA256):
		return crypto.SHA256, nil
	case oid.Equal(oidHMACSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported PRF %v", oid)
	}
}

func signatureAlgorithmByOID(oid asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case oid.Equal(oidSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case oid.Equal(oidSHA512WithRSA):
		return x509.SHA512WithRSA, nil
	case oid.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	case oid.Equal(oidECDSAWithSHA512):
		return x509.ECDSAWithSHA512, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported signature algorithm %v", oid)
	}
}
