package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/cmp"
	"github.com/trustpoint-io/enrolld/internal/db"
	"github.com/trustpoint-io/enrolld/internal/keystore"
	"github.com/trustpoint-io/enrolld/internal/localca"
	"github.com/trustpoint-io/enrolld/internal/scep"
)

func newTestRouter(t *testing.T, rateLimit int) http.Handler {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Issuing CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cacert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	logger := enroll.LoggerFromContext(context.Background())

	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "enroll.db"), logger)
	require.NoError(t, err)

	ca, err := localca.New([]*x509.Certificate{cacert}, key, store, logger, 30)
	require.NoError(t, err)

	ks, err := keystore.NewSoftware([]*x509.Certificate{cacert}, key)
	require.NoError(t, err)

	profile := &enroll.Profile{
		Name:         "devices",
		Enabled:      true,
		CAChain:      []*x509.Certificate{cacert},
		ValidityDays: 30,
	}

	return NewRouter(&Config{
		Profiles: Registry{"devices": {Profile: profile, Keys: ks}},
		SCEP:     scep.NewService(store, ca, enroll.NopNotifier{}, logger),
		CMP:      cmp.NewService(store, ca, enroll.NopNotifier{}, logger),
		Logger:   logger,
		RateLimit: rateLimit,
	})
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestGetCACaps(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/protocol/scep/devices/pkiclient.exe?operation=GetCACaps", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scep.MimeTypeTextPlain, rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "POSTPKIOperation")
	require.Contains(t, rec.Body.String(), "SHA-256")
}

func TestGetCACert(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/protocol/scep/devices/pkiclient.exe?operation=GetCACert", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scep.MimeTypeCACert, rec.Header().Get("Content-Type"))

	cert, err := x509.ParseCertificate(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, "Test Issuing CA", cert.Subject.CommonName)
}

func TestUnknownProfile(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/protocol/scep/nosuch/pkiclient.exe?operation=GetCACert", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownOperation(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/protocol/scep/devices/pkiclient.exe?operation=GetNextCACert", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPKIOperationBadBase64(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/protocol/scep/devices/pkiclient.exe?operation=PKIOperation&message=!!!!", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// Query parsing drops pairs with mangled percent escapes, which must not
// let an effectively empty message through as a valid GET.
func TestPKIOperationMissingMessage(t *testing.T) {
	r := newTestRouter(t, 0)

	for _, target := range []string{
		"/v1/protocol/scep/devices/pkiclient.exe?operation=PKIOperation",
		"/v1/protocol/scep/devices/pkiclient.exe?operation=PKIOperation&message=%2x%2x",
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

// A garbage SCEP PKIOperation body cannot be answered in band because no
// requester entity exists to respond to, but the endpoint must still
// degrade cleanly.
func TestPKIOperationGarbageBody(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/protocol/scep/devices/pkiclient.exe?operation=PKIOperation",
		strings.NewReader("not a pki message")))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scep.MimeTypePKIMessage, rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Body.Bytes())
}

// Malformed CMP input is answered with a DER error message, not an HTTP
// failure.
func TestCMPGarbageAnsweredInBand(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/protocol/cmp/devices", strings.NewReader("junk")))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, mimeTypePKIXCMP, rec.Header().Get("Content-Type"))

	msg, err := cmp.ParseMessage(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, cmp.BodyTypeError, msg.BodyType())
}

func TestCMPUnknownProfile(t *testing.T) {
	r := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/protocol/cmp/nosuch", strings.NewReader("junk")))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	r := newTestRouter(t, 1)

	codes := make(map[int]int)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
		codes[rec.Code]++
	}

	require.NotZero(t, codes[http.StatusOK])
	require.NotZero(t, codes[http.StatusTooManyRequests])
}
