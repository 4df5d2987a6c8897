package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/alogger"
	"github.com/trustpoint-io/enrolld/internal/cmp"
	"github.com/trustpoint-io/enrolld/internal/db"
	"github.com/trustpoint-io/enrolld/internal/eventfeed"
	"github.com/trustpoint-io/enrolld/internal/keystore"
	"github.com/trustpoint-io/enrolld/internal/localca"
	"github.com/trustpoint-io/enrolld/internal/notifier"
	"github.com/trustpoint-io/enrolld/internal/scep"
	"github.com/trustpoint-io/enrolld/internal/server"
)

const (
	defaultListenAddr = ":8443"
	defaultDBType     = "sqlite"
	defaultDBDSN      = "enroll.db"

	shutdownTimeout = 10 * time.Second
)

func main() {
	log.SetPrefix(fmt.Sprintf("%s: ", appName))
	log.SetFlags(0)

	flag.Usage = usage
	flag.Parse()

	// Process special-purpose flags.
	switch {
	case *fHelp:
		usage()
		return

	case *fSampleConfig:
		sampleConfig()
		return

	case *fVersion:
		version()
		return
	}

	// Load and process configuration.
	var cfg *config
	var err error
	if *fConfig != "" {
		cfg, err = configFromFile(*fConfig)
		if err != nil {
			log.Fatalf("failed to read configuration file: %v", err)
		}
	} else {
		log.Fatalf("no configuration file specified")
	}

	// Create logger. If no log file was specified, log to standard error.
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		level, err = zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
		}
	}
	var logger = alogger.New(os.Stderr, level)
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		logger = alogger.New(f, level)
		defer f.Close()
	}

	// Open the backing store.
	dbType, dbDSN := defaultDBType, defaultDBDSN
	if cfg.Database != nil {
		dbType, dbDSN = cfg.Database.Type, cfg.Database.DSN
	}
	store, err := db.Open(dbType, dbDSN, logger)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	// Create the issuing CA.
	if cfg.CA == nil {
		log.Fatalf("no CA defined in configuration file")
	}
	ca, err := localca.Load(cfg.CA.Certs, cfg.CA.Key, store, logger, cfg.CA.ValidityDays)
	if err != nil {
		log.Fatalf("failed to create CA: %v", err)
	}

	// The CA credential doubles as the protocol credential for profiles
	// without a keystore of their own.
	caCredential, err := keystore.LoadSoftware(cfg.CA.Certs, cfg.CA.Key)
	if err != nil {
		log.Fatalf("failed to load CA credential: %v", err)
	}

	// Event fan-out: webhook for the external validation service, the
	// websocket feed for operators.
	feed := eventfeed.New(logger)
	var webhookURL, webhookAuth string
	if cfg.Webhook != nil {
		webhookURL, webhookAuth = cfg.Webhook.URL, cfg.Webhook.AuthHeader
	}
	events := notifier.New(webhookURL, webhookAuth, logger, feed)
	defer events.Close()

	profiles, err := buildRegistry(cfg, ca, caCredential, webhookURL)
	if err != nil {
		log.Fatalf("failed to build profile registry: %v", err)
	}

	r := server.NewRouter(&server.Config{
		Profiles:  profiles,
		SCEP:      scep.NewService(store, ca, events, logger),
		CMP:       cmp.NewService(store, ca, events, logger),
		Feed:      feed,
		Logger:    logger,
		RateLimit: cfg.RateLimit,
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
	})

	listenAddr := defaultListenAddr
	if cfg.ListenAddr != "" {
		listenAddr = cfg.ListenAddr
	}

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	logger.Infof("Starting enrollment server on %s", listenAddr)

	go func() {
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.Certs, cfg.TLS.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for signal.
	got := <-stop

	// Shutdown server.
	logger.Infof("Closing enrollment server with signal %v", got)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("failed to shut down cleanly: %v", err)
	}
}

// buildRegistry loads each configured profile and its protocol
// credential.
func buildRegistry(cfg *config, ca *localca.CA, caCredential enroll.KeySigner, webhookURL string) (server.Registry, error) {
	profiles := make(server.Registry, len(cfg.Profiles))
	for _, pc := range cfg.Profiles {
		if pc.Name == "" {
			return nil, fmt.Errorf("profile with empty name")
		}
		if _, ok := profiles[pc.Name]; ok {
			return nil, fmt.Errorf("duplicate profile %q", pc.Name)
		}

		ks, err := loadCredential(pc.Keystore, caCredential)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", pc.Name, err)
		}

		profiles[pc.Name] = server.Endpoint{
			Profile: &enroll.Profile{
				Name:                     pc.Name,
				Enabled:                  pc.Enabled,
				RequireManualApproval:    pc.RequireManualApproval,
				RenewalThresholdDays:     pc.RenewalThresholdDays,
				ChallengeSecret:          pc.ChallengeSecret,
				ExternalValidationTarget: webhookURL,
				CAChain:                  ca.Chain(),
				ValidityDays:             pc.ValidityDays,
			},
			Keys: ks,
		}
	}
	return profiles, nil
}

func loadCredential(kc *keystoreConfig, fallback enroll.KeySigner) (enroll.KeySigner, error) {
	if kc == nil {
		return fallback, nil
	}
	if kc.PKCS11 != nil {
		var keyID []byte
		if kc.PKCS11.KeyID != "" {
			var err error
			keyID, err = hex.DecodeString(kc.PKCS11.KeyID)
			if err != nil {
				return nil, fmt.Errorf("invalid PKCS#11 key id: %w", err)
			}
		}
		return keystore.LoadPKCS11(keystore.PKCS11Config{
			LibraryPath: kc.PKCS11.Module,
			TokenLabel:  kc.PKCS11.TokenLabel,
			PIN:         kc.PKCS11.Pin,
			KeyID:       keyID,
			KeyLabel:    kc.PKCS11.KeyLabel,
			CertFile:    kc.Certs,
		})
	}
	return keystore.LoadSoftware(kc.Certs, kc.Key)
}
