// enrollctl is a SCEP requester for enrolling against an enrolld server:
// it generates a key, submits a PKCSReq with the profile's challenge
// password, polls while the request is pending and writes out the issued
// certificate.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mozilla.org/pkcs7"
	"golang.org/x/term"

	"github.com/trustpoint-io/enrolld/internal/scep"
)

const appName = "enrollctl"

var (
	fServer       = flag.String("server", "", "")
	fProfile      = flag.String("profile", "", "")
	fCommonName   = flag.String("cn", "", "")
	fDNSNames     = flag.String("dns", "", "")
	fChallenge    = flag.String("challenge", "", "")
	fOut          = flag.String("out", "client.pem", "")
	fKeyOut       = flag.String("keyout", "client-key.pem", "")
	fPollInterval = flag.Duration("poll-interval", 5*time.Second, "")
	fPollLimit    = flag.Int("poll-limit", 12, "")
	fHelp         = flag.Bool("help", false, "")
)

func usage() {
	fmt.Printf("usage: %s -server <url> -profile <name> -cn <common name> [options]\n", appName)
	fmt.Println()
	fmt.Printf("%s enrolls for a certificate over SCEP.\n", appName)
	fmt.Println()
	const fw = 24
	fmt.Println("Options:")
	fmt.Printf("    -%-*s base server URL, e.g. https://ca.example.com:8443\n", fw, "server <url>")
	fmt.Printf("    -%-*s enrollment profile name\n", fw, "profile <name>")
	fmt.Printf("    -%-*s subject common name\n", fw, "cn <name>")
	fmt.Printf("    -%-*s comma-separated DNS subject alternative names\n", fw, "dns <names>")
	fmt.Printf("    -%-*s challenge password; prompted for when omitted\n", fw, "challenge <password>")
	fmt.Printf("    -%-*s output certificate path\n", fw, "out <path>")
	fmt.Printf("    -%-*s output private key path\n", fw, "keyout <path>")
	fmt.Printf("    -%-*s delay between pending polls\n", fw, "poll-interval <duration>")
	fmt.Printf("    -%-*s maximum number of pending polls\n", fw, "poll-limit <n>")
	fmt.Printf("    -%-*s show this usage information\n", fw, "help")
	fmt.Println()
}

func main() {
	log.SetPrefix(fmt.Sprintf("%s: ", appName))
	log.SetFlags(0)

	flag.Usage = usage
	flag.Parse()

	if *fHelp {
		usage()
		return
	}
	if *fServer == "" || *fProfile == "" || *fCommonName == "" {
		usage()
		os.Exit(1)
	}

	if err := enroll(); err != nil {
		log.Fatal(err)
	}
}

func enroll() error {
	endpoint := fmt.Sprintf("%s/v1/protocol/scep/%s/pkiclient.exe",
		strings.TrimRight(*fServer, "/"), *fProfile)

	recipient, err := fetchCACert(endpoint)
	if err != nil {
		return fmt.Errorf("failed to fetch CA certificate: %w", err)
	}
	log.Printf("enrolling against CA %q", recipient.Subject.CommonName)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	csr, err := buildCSR(key)
	if err != nil {
		return err
	}

	requester, err := scep.NewSelfSignedRequester(*fCommonName, key)
	if err != nil {
		return fmt.Errorf("failed to create requester certificate: %w", err)
	}

	transactionID := uuid.NewString()
	message, err := scep.NewClientMessage(scep.MsgPKCSReq, csr, recipient, requester, key, transactionID)
	if err != nil {
		return fmt.Errorf("failed to build enrollment message: %w", err)
	}

	rep, err := submit(endpoint, message, requester, key)
	if err != nil {
		return err
	}

	for polls := 0; rep.Status == scep.StatusPending; polls++ {
		if polls >= *fPollLimit {
			return fmt.Errorf("request still pending after %d polls; giving up (transaction %s)", polls, transactionID)
		}
		log.Printf("request pending, next poll in %s", *fPollInterval)
		time.Sleep(*fPollInterval)

		payload, err := scep.IssuerAndSubject(recipient.RawSubject, requester.RawSubject)
		if err != nil {
			return err
		}
		poll, err := scep.NewClientMessage(scep.MsgGetCertInitial, payload, recipient, requester, key, transactionID)
		if err != nil {
			return fmt.Errorf("failed to build poll message: %w", err)
		}
		rep, err = submit(endpoint, poll, requester, key)
		if err != nil {
			return err
		}
	}

	if rep.Status == scep.StatusFailure {
		return fmt.Errorf("enrollment rejected with failInfo %s", rep.FailInfo)
	}

	if err := writeKey(*fKeyOut, key); err != nil {
		return err
	}
	if err := writeCert(*fOut, rep.Certificate); err != nil {
		return err
	}
	log.Printf("certificate %X written to %s", rep.Certificate.SerialNumber, *fOut)
	return nil
}

// fetchCACert retrieves the recipient CA certificate. A bundle response
// yields its first certificate, which is the issuing CA.
func fetchCACert(endpoint string) (*x509.Certificate, error) {
	resp, err := http.Get(endpoint + "?operation=GetCACert")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if resp.Header.Get("Content-Type") == scep.MimeTypeCARACert {
		bundle, err := pkcs7.Parse(body)
		if err != nil {
			return nil, err
		}
		if len(bundle.Certificates) == 0 {
			return nil, fmt.Errorf("certificate bundle is empty")
		}
		return bundle.Certificates[0], nil
	}
	return x509.ParseCertificate(body)
}

func buildCSR(key *rsa.PrivateKey) ([]byte, error) {
	var dnsNames []string
	if *fDNSNames != "" {
		dnsNames = strings.Split(*fDNSNames, ",")
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		SignatureAlgorithm: x509.SHA256WithRSA,
		Subject:            pkix.Name{CommonName: *fCommonName},
		DNSNames:           dnsNames,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	challenge := *fChallenge
	if challenge == "" {
		pass, err := passwordFromTerminal("challenge password", *fProfile)
		if err != nil {
			return nil, err
		}
		challenge = string(pass)
	}
	if challenge == "" {
		return der, nil
	}

	return scep.EmbedChallengePassword(der, key, challenge)
}

// submit posts a PKIOperation message and decodes the CertRep.
func submit(endpoint string, message []byte, requester *x509.Certificate, key *rsa.PrivateKey) (*scep.CertRep, error) {
	resp, err := http.Post(endpoint+"?operation=PKIOperation", scep.MimeTypePKIMessage,
		bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return scep.DecodeCertRep(body, requester, key)
}

// passwordFromTerminal prompts for a password at the terminal.
func passwordFromTerminal(cred, target string) ([]byte, error) {
	// Open the (POSIX standard) /dev/tty to ensure we're reading from and
	// writing to an actual terminal. If /dev/tty doesn't exist, we're
	// probably on Windows, so just check if os.Stdin is a terminal, and
	// use it if it is.
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if !os.IsNotExist(err) || !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("failed to open terminal: %w", err)
		}
		tty = os.Stdin
	} else {
		defer tty.Close()
	}

	tty.Write([]byte(fmt.Sprintf("Enter %s for %s: ", cred, target)))
	pass, err := term.ReadPassword(int(tty.Fd()))
	tty.Write([]byte("\n"))

	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	return pass, nil
}

func writeKey(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return writePEM(path, "PRIVATE KEY", der, 0600)
}

func writeCert(path string, cert *x509.Certificate) error {
	return writePEM(path, "CERTIFICATE", cert.Raw, 0644)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
