package scep

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// CMS EnvelopedData structures, the subset needed for RSA key transport
// with CBC content ciphers.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []recipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type recipientInfo struct {
	Version                int
	IssuerAndSerialNumber  issuerAndSerial
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"tag:0,optional"`
}

// openEnvelope decrypts a CMS EnvelopedData structure addressed to the
// recipient certificate. The content-encryption key is unwrapped through
// the decrypter (RSA key transport, PKCS#1 v1.5) so that the private key
// never leaves the key service. Returns the plaintext and the declared
// content-encryption algorithm.
func openEnvelope(raw []byte, recipient *x509.Certificate, decrypter crypto.Decrypter) ([]byte, asn1.ObjectIdentifier, error) {
	if decrypter == nil {
		return nil, nil, fmt.Errorf("profile credential cannot decrypt")
	}

	var info contentInfo
	if rest, err := asn1.Unmarshal(raw, &info); err != nil {
		return nil, nil, fmt.Errorf("failed to parse content info: %w", err)
	} else if len(rest) > 0 {
		return nil, nil, fmt.Errorf("trailing data after content info")
	}
	if !info.ContentType.Equal(oidEnvelopedData) {
		return nil, nil, fmt.Errorf("unexpected content type %v, want enveloped-data", info.ContentType)
	}

	var env envelopedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to parse enveloped data: %w", err)
	}
	if len(env.RecipientInfos) == 0 {
		return nil, nil, fmt.Errorf("enveloped data has no recipients")
	}

	ri := selectRecipient(env.RecipientInfos, recipient)
	if ri == nil {
		return nil, nil, fmt.Errorf("no recipient info matches the profile credential")
	}

	cek, err := decrypter.Decrypt(rand.Reader, ri.EncryptedKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unwrap content encryption key: %w", err)
	}

	eci := env.EncryptedContentInfo
	ciphertext, err := encryptedContentOf(eci.EncryptedContent)
	if err != nil {
		return nil, nil, err
	}
	if len(ciphertext) == 0 {
		return nil, nil, fmt.Errorf("enveloped data has no encrypted content")
	}

	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, nil, fmt.Errorf("failed to parse content cipher IV: %w", err)
	}

	algOID := eci.ContentEncryptionAlgorithm.Algorithm
	block, err := newContentCipher(algOID, cek)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, nil, fmt.Errorf("content cipher IV has wrong length %d", len(iv))
	}

	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, nil, fmt.Errorf("encrypted content is not block aligned")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = stripPadding(plaintext, block.BlockSize())
	if err != nil {
		return nil, nil, err
	}
	return plaintext, algOID, nil
}

// encryptedContentOf normalizes the encryptedContent field to the raw
// ciphertext. Most clients emit it as a primitive [0] IMPLICIT OCTET
// STRING, but CMS also allows the constructed form carrying whole OCTET
// STRING TLVs, which pkcs7-based senders produce.
func encryptedContentOf(v asn1.RawValue) ([]byte, error) {
	if !v.IsCompound {
		return v.Bytes, nil
	}

	var out []byte
	rest := v.Bytes
	for len(rest) > 0 {
		var part []byte
		var err error
		rest, err = asn1.Unmarshal(rest, &part)
		if err != nil {
			return nil, fmt.Errorf("failed to parse constructed encrypted content: %w", err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// selectRecipient picks the recipient info addressed to the given
// certificate by issuer and serial, falling back to the sole recipient
// when the message carries exactly one.
func selectRecipient(infos []recipientInfo, cert *x509.Certificate) *recipientInfo {
	for i := range infos {
		ias := infos[i].IssuerAndSerialNumber
		if ias.SerialNumber != nil && ias.SerialNumber.Cmp(cert.SerialNumber) == 0 &&
			bytes.Equal(ias.IssuerName.FullBytes, cert.RawIssuer) {
			return &infos[i]
		}
	}
	if len(infos) == 1 {
		return &infos[0]
	}
	return nil
}

// newContentCipher instantiates the block cipher declared by the
// content-encryption algorithm identifier.
func newContentCipher(oid asn1.ObjectIdentifier, key []byte) (cipher.Block, error) {
	switch {
	case oid.Equal(oidDESEDE3):
		return des.NewTripleDESCipher(key)
	case oid.Equal(oidDESCBC):
		return des.NewCipher(key)
	case oid.Equal(oidAES128CBC), oid.Equal(oidAES192CBC), oid.Equal(oidAES256CBC):
		return aes.NewCipher(key)
	default:
		return nil, fmt.Errorf("unsupported content encryption algorithm %v", oid)
	}
}

// stripPadding removes and validates PKCS#5 block padding.
func stripPadding(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decrypted content is empty")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid content padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid content padding")
		}
	}
	return data[:len(data)-n], nil
}
