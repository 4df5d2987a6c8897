package enroll

import (
	"crypto"
	"crypto/x509"
)

// KeySigner holds the signing credential configured for an enrollment
// profile and performs sign and decrypt operations on its behalf. Raw key
// material never crosses this interface; PKCS#11 backed implementations
// keep the key on the token and software implementations keep it inside
// the keystore package.
type KeySigner interface {
	// Certificate returns the credential's certificate.
	Certificate() *x509.Certificate

	// Chain returns the full certificate chain, leaf first.
	Chain() []*x509.Certificate

	// Signer returns a crypto.Signer bound to the credential's private key.
	Signer() crypto.Signer

	// Decrypter returns a crypto.Decrypter bound to the credential's
	// private key, used to open enveloped request payloads.
	Decrypter() crypto.Decrypter
}
