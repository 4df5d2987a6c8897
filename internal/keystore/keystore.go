// Package keystore provides the profile credential implementations: the
// certificate, chain, signer and decrypter a profile uses to open
// enveloped requests and sign responses. Key material never leaves the
// implementations; callers only see crypto.Signer and crypto.Decrypter.
package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/globalsign/pemfile"
	enroll "github.com/trustpoint-io/enrolld"
)

// Software is a file-backed credential: a PEM certificate chain and a PEM
// private key.
type Software struct {
	cert  *x509.Certificate
	chain []*x509.Certificate
	key   crypto.Signer
}

var _ enroll.KeySigner = (*Software)(nil)

// LoadSoftware reads the credential from PEM files. The first certificate
// in certFile is the credential certificate; the remainder its chain. The
// key must support decryption (RSA) for protocols using enveloped
// payloads.
func LoadSoftware(certFile, keyFile string) (*Software, error) {
	certs, err := pemfile.ReadCerts(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("certificate file contains no certificates")
	}

	key, err := pemfile.ReadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %s does not implement crypto.Signer", keyFile)
	}

	return &Software{
		cert:  certs[0],
		chain: certs,
		key:   signer,
	}, nil
}

// NewSoftware wraps an in-memory certificate and key, used by tests and
// embedded setups.
func NewSoftware(chain []*x509.Certificate, key crypto.Signer) (*Software, error) {
	if len(chain) == 0 {
		return nil, errors.New("no certificates provided")
	}
	if key == nil {
		return nil, errors.New("no private key provided")
	}
	return &Software{cert: chain[0], chain: chain, key: key}, nil
}

func (s *Software) Certificate() *x509.Certificate { return s.cert }
func (s *Software) Chain() []*x509.Certificate     { return s.chain }
func (s *Software) Signer() crypto.Signer          { return s.key }

// Decrypter returns the key as a decrypter, or nil when the key type
// cannot decrypt. Request parsing fails cleanly on a nil decrypter.
func (s *Software) Decrypter() crypto.Decrypter {
	if d, ok := s.key.(crypto.Decrypter); ok {
		return d
	}
	return nil
}
