package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// config contains the enrollment server configuration.
type config struct {
	CA         *caConfig       `json:"ca,omitempty"`
	Database   *databaseConfig `json:"database,omitempty"`
	TLS        *tlsConfig      `json:"tls,omitempty"`
	Webhook    *webhookConfig  `json:"webhook,omitempty"`
	Profiles   []profileConfig `json:"profiles"`
	ListenAddr string          `json:"listen_address"`
	RateLimit  int             `json:"rate_limit"`
	Timeout    int             `json:"timeout"`
	Logfile    string          `json:"log_file"`
	LogLevel   string          `json:"log_level"`
}

// caConfig locates the issuing CA credential.
type caConfig struct {
	Certs        string `json:"certificates"`
	Key          string `json:"private_key"`
	ValidityDays int    `json:"validity_days"`
}

// databaseConfig selects the backing store.
type databaseConfig struct {
	Type string `json:"type"`
	DSN  string `json:"dsn"`
}

// tlsConfig contains the server's TLS configuration. When absent the
// server speaks plain HTTP, for use behind a terminating proxy.
type tlsConfig struct {
	Certs string `json:"certificates"`
	Key   string `json:"private_key"`
}

// webhookConfig configures the outbound enrollment event webhook.
type webhookConfig struct {
	URL        string `json:"url"`
	AuthHeader string `json:"auth_header,omitempty"`
}

// profileConfig describes one enrollment profile.
type profileConfig struct {
	Name                  string          `json:"name"`
	Enabled               bool            `json:"enabled"`
	RequireManualApproval bool            `json:"require_manual_approval"`
	RenewalThresholdDays  int             `json:"renewal_threshold_days"`
	ChallengeSecret       string          `json:"challenge_secret,omitempty"`
	ValidityDays          int             `json:"validity_days"`
	Keystore              *keystoreConfig `json:"keystore,omitempty"`
}

// keystoreConfig locates the protocol credential for a profile. When
// absent the profile signs with the CA credential itself. A PKCS#11
// block takes precedence over the PEM file pair.
type keystoreConfig struct {
	Certs  string        `json:"certificates"`
	Key    string        `json:"private_key"`
	PKCS11 *pkcs11Config `json:"pkcs11,omitempty"`
}

// pkcs11Config locates a credential key on a PKCS#11 token.
type pkcs11Config struct {
	Module     string `json:"module"`
	TokenLabel string `json:"token_label"`
	Pin        string `json:"pin"`
	KeyID      string `json:"key_id,omitempty"`
	KeyLabel   string `json:"key_label,omitempty"`
}

// configFromFile returns a new enrollment server configuration from a
// JSON-encoded configuration file.
func configFromFile(filename string) (*config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

const sample = `{
    "ca": {
        "certificates": "/path/to/CA/certificates.pem",
        "private_key": "/path/to/CA/private/key.pem",
        "validity_days": 365
    },
    "database": {
        "type": "sqlite",
        "dsn": "/var/lib/enrolld/enroll.db"
    },
    "tls": {
        "certificates": "/path/to/server/certificates.pem",
        "private_key": "/path/to/server/private/key.pem"
    },
    "webhook": {
        "url": "https://validation.example.com/enrollment-events",
        "auth_header": "Authorization: Bearer xyzzy"
    },
    "profiles": [
        {
            "name": "devices",
            "enabled": true,
            "require_manual_approval": false,
            "renewal_threshold_days": 30,
            "challenge_secret": "xyzzy",
            "validity_days": 90
        },
        {
            "name": "operators",
            "enabled": true,
            "require_manual_approval": true,
            "validity_days": 365,
            "keystore": {
                "certificates": "/path/to/ra/certificates.pem",
                "pkcs11": {
                    "module": "/usr/lib/softhsm/libsofthsm2.so",
                    "token_label": "enrolld",
                    "pin": "1234",
                    "key_label": "ra-key"
                }
            }
        }
    ],
    "listen_address": ":8443",
    "rate_limit": 150,
    "timeout": 30,
    "log_file": "/path/to/log.file",
    "log_level": "info"
}`

// sampleConfig outputs a sample configuration file.
func sampleConfig() {
	fmt.Println(sample)
}
