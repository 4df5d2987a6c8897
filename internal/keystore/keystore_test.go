package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestCredential(t *testing.T) (certFile, keyFile string, cert *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test RA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	dir := t.TempDir()

	certFile = filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))

	return certFile, keyFile, cert
}

func TestLoadSoftware(t *testing.T) {
	certFile, keyFile, cert := writeTestCredential(t)

	ks, err := LoadSoftware(certFile, keyFile)
	require.NoError(t, err)

	require.Equal(t, cert.Raw, ks.Certificate().Raw)
	require.Len(t, ks.Chain(), 1)
	require.NotNil(t, ks.Signer())

	// Key and certificate must belong together.
	require.Equal(t, cert.PublicKey, ks.Signer().Public())

	// An RSA credential can open enveloped payloads.
	require.NotNil(t, ks.Decrypter())
}

func TestLoadSoftwareMissingFiles(t *testing.T) {
	certFile, keyFile, _ := writeTestCredential(t)

	_, err := LoadSoftware(filepath.Join(t.TempDir(), "nope.pem"), keyFile)
	require.Error(t, err)

	_, err = LoadSoftware(certFile, filepath.Join(t.TempDir(), "nope.pem"))
	require.Error(t, err)
}
