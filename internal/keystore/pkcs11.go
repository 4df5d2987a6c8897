package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/ThalesIgnite/crypto11"
	"github.com/globalsign/pemfile"
	enroll "github.com/trustpoint-io/enrolld"
)

// PKCS11Config locates a credential key on a PKCS#11 token. The
// certificate chain still comes from a PEM file; only the private key
// lives on the token.
type PKCS11Config struct {
	LibraryPath string
	TokenLabel  string
	PIN         string
	KeyID       []byte
	KeyLabel    string
	CertFile    string
}

// PKCS11 is a token-backed credential. Signing and decryption happen on
// the token; the private key is never extracted.
type PKCS11 struct {
	ctx   *crypto11.Context
	cert  *x509.Certificate
	chain []*x509.Certificate
	key   crypto11.Signer
}

var _ enroll.KeySigner = (*PKCS11)(nil)

// LoadPKCS11 opens the token and locates the key pair by ID and/or label.
func LoadPKCS11(cfg PKCS11Config) (*PKCS11, error) {
	certs, err := pemfile.ReadCerts(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("certificate file contains no certificates")
	}

	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.LibraryPath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure PKCS11: %w", err)
	}

	var label []byte
	if cfg.KeyLabel != "" {
		label = []byte(cfg.KeyLabel)
	}
	key, err := ctx.FindKeyPair(cfg.KeyID, label)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to find key pair: %w", err)
	}
	if key == nil {
		ctx.Close()
		return nil, errors.New("no key pair matches the configured ID and label")
	}

	return &PKCS11{
		ctx:   ctx,
		cert:  certs[0],
		chain: certs,
		key:   key,
	}, nil
}

func (p *PKCS11) Certificate() *x509.Certificate { return p.cert }
func (p *PKCS11) Chain() []*x509.Certificate     { return p.chain }
func (p *PKCS11) Signer() crypto.Signer          { return p.key }

// Decrypter returns the token key as a decrypter. RSA token keys support
// decryption; EC keys do not and yield nil.
func (p *PKCS11) Decrypter() crypto.Decrypter {
	if d, ok := p.key.(crypto.Decrypter); ok {
		return d
	}
	return nil
}

// Close releases the token session.
func (p *PKCS11) Close() error {
	return p.ctx.Close()
}
