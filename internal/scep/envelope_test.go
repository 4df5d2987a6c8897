package scep

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
)

// The pkcs7 package emits encryptedContent in the constructed form,
// wrapping whole OCTET STRING TLVs; the codec must open that as well as
// the primitive form standard clients send.
func TestOpenEnvelopeConstructedContent(t *testing.T) {
	ks := newSelfSigned(t, "Test Issuing CA", true)

	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmDESCBC
	raw, err := pkcs7.Encrypt([]byte("hello world"), []*x509.Certificate{ks.cert})
	require.NoError(t, err)

	plaintext, alg, err := openEnvelope(raw, ks.cert, ks.key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), plaintext)
	require.True(t, alg.Equal(oidDESCBC))
}

func TestOpenEnvelopePrimitiveContent(t *testing.T) {
	ks := newSelfSigned(t, "Test Issuing CA", true)

	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES128CBC
	raw, err := pkcs7.Encrypt([]byte("hello world"), []*x509.Certificate{ks.cert})
	require.NoError(t, err)

	// Rewrite the constructed encryptedContent into the primitive form.
	var info contentInfo
	_, err = asn1.Unmarshal(raw, &info)
	require.NoError(t, err)
	var env envelopedData
	_, err = asn1.Unmarshal(info.Content.Bytes, &env)
	require.NoError(t, err)

	flat, err := encryptedContentOf(env.EncryptedContentInfo.EncryptedContent)
	require.NoError(t, err)
	env.EncryptedContentInfo.EncryptedContent = asn1.RawValue{
		Class: asn1.ClassContextSpecific,
		Tag:   0,
		Bytes: flat,
	}

	envDER, err := asn1.Marshal(env)
	require.NoError(t, err)
	primitive, err := asn1.Marshal(contentInfo{
		ContentType: oidEnvelopedData,
		Content:     asn1.RawValue{FullBytes: envDER},
	})
	require.NoError(t, err)

	plaintext, alg, err := openEnvelope(primitive, ks.cert, ks.key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), plaintext)
	require.True(t, alg.Equal(oidAES128CBC))
}

// Concurrent builds negotiating different content ciphers must each come
// out under the cipher they asked for.
func TestEncryptToConcurrentMixedCiphers(t *testing.T) {
	ks := newSelfSigned(t, "Test Issuing CA", true)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		algorithm, wantOID := pkcs7.EncryptionAlgorithmDESCBC, oidDESCBC
		if i%2 == 0 {
			algorithm, wantOID = pkcs7.EncryptionAlgorithmAES256CBC, oidAES256CBC
		}
		payload := []byte(fmt.Sprintf("payload-%04d", i))

		wg.Add(1)
		go func() {
			defer wg.Done()

			raw, err := encryptTo(payload, []*x509.Certificate{ks.cert}, algorithm)
			if err != nil {
				errs <- err
				return
			}
			plaintext, alg, err := openEnvelope(raw, ks.cert, ks.key)
			if err != nil {
				errs <- err
				return
			}
			if !alg.Equal(wantOID) {
				errs <- fmt.Errorf("got cipher %v, want %v", alg, wantOID)
				return
			}
			if !bytes.Equal(plaintext, payload) {
				errs <- fmt.Errorf("plaintext mismatch for %q", payload)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestOpenEnvelopeNilDecrypter(t *testing.T) {
	ks := newSelfSigned(t, "Test Issuing CA", true)

	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmDESCBC
	raw, err := pkcs7.Encrypt([]byte("hello world"), []*x509.Certificate{ks.cert})
	require.NoError(t, err)

	_, _, err = openEnvelope(raw, ks.cert, nil)
	require.Error(t, err)
}
