// Package server exposes the enrollment protocol engines over HTTP: the
// SCEP operation endpoint, the CMP endpoint, a health check and the
// operator event feed, behind rate-limiting and request-logging
// middleware.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/cmp"
	"github.com/trustpoint-io/enrolld/internal/common"
	"github.com/trustpoint-io/enrolld/internal/scep"
)

const (
	scepPath        = "/v1/protocol/scep/{profile}/pkiclient.exe"
	cmpPath         = "/v1/protocol/cmp/{profile}"
	healthCheckPath = "/healthcheck"
	eventFeedPath   = "/ws"

	profileParamName = "profile"

	contentTypeHeader        = "Content-Type"
	contentTypeOptionsHeader = "X-Content-Type-Options"

	mimeTypePKIXCMP = "application/pkixcmp"

	// maxMessageSize bounds the request body read for protocol
	// operations. Enrollment messages are small; anything larger is
	// not a legitimate client.
	maxMessageSize = 1 << 20
)

// Endpoint binds a certificate profile to the protocol credential that
// serves it.
type Endpoint struct {
	Profile *enroll.Profile
	Keys    enroll.KeySigner
}

// Registry resolves profile names from the request URL to their
// endpoints.
type Registry map[string]Endpoint

// Config holds everything the router needs.
type Config struct {
	Profiles Registry
	SCEP     *scep.Service
	CMP      *cmp.Service

	// Feed, when set, is mounted on the event feed path.
	Feed http.Handler

	Logger common.Logger

	// RateLimit is the maximum number of requests per second across
	// all endpoints. Zero disables rate limiting.
	RateLimit int

	// Timeout applies per request. Zero disables the timeout.
	Timeout time.Duration
}

type handler struct {
	profiles Registry
	scep     *scep.Service
	cmp      *cmp.Service
	logger   common.Logger
}

// NewRouter builds the protocol router with its middleware chain.
func NewRouter(cfg *Config) chi.Router {
	h := &handler{
		profiles: cfg.Profiles,
		scep:     cfg.SCEP,
		cmp:      cfg.CMP,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestLogger(cfg.Logger))
	if cfg.RateLimit > 0 {
		r.Use(rateLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)))
	}
	// The event feed hijacks its connection, so it stays outside the
	// timeout group.
	if cfg.Feed != nil {
		r.Get(eventFeedPath, cfg.Feed.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if cfg.Timeout > 0 {
			r.Use(func(next http.Handler) http.Handler {
				return http.TimeoutHandler(next, cfg.Timeout, "request timed out")
			})
		}

		r.Get(healthCheckPath, healthCheck)
		r.Get(scepPath, h.scepOperation)
		r.Post(scepPath, h.scepOperation)
		r.Post(cmpPath, h.cmpOperation)
	})

	return r
}

// endpoint resolves the profile path parameter. An unknown name is the
// one failure that cannot be answered in band, since no credential
// exists to sign the response.
func (h *handler) endpoint(w http.ResponseWriter, r *http.Request) (Endpoint, bool) {
	name := chi.URLParam(r, profileParamName)
	ep, ok := h.profiles[name]
	if !ok {
		enroll.LoggerFromContext(r.Context()).Infow("unknown profile requested", "profile", name)
		http.Error(w, "unknown profile", http.StatusNotFound)
		return Endpoint{}, false
	}
	return ep, true
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentTypeHeader, "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// requestLogger tags every request with an id and injects the request
// logger into the context for the protocol engines to pick up.
func requestLogger(logger common.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With(
				"requestID", uuid.NewString(),
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr,
			)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := enroll.NewLoggerContext(r.Context(), reqLogger)
			next.ServeHTTP(rec, r.WithContext(ctx))

			reqLogger.Debugw("request served",
				"status", rec.status,
				"duration", time.Since(start).String(),
			)
		})
	}
}

func rateLimiter(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
