package server

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/scep"
)

// scepOperation serves the single SCEP endpoint. The operation query
// parameter selects between GetCACaps, GetCACert and PKIOperation;
// PKIOperation messages arrive base64-encoded in the query for GET and
// raw in the body for POST.
func (h *handler) scepOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := enroll.LoggerFromContext(ctx)

	ep, ok := h.endpoint(w, r)
	if !ok {
		return
	}

	op, ok := scep.ParseOperation(r.URL.Query().Get("operation"))
	if !ok {
		logger.Infow("unsupported operation requested", "operation", r.URL.Query().Get("operation"))
		http.Error(w, "unsupported operation", http.StatusBadRequest)
		return
	}

	switch op {
	case scep.OpGetCACaps:
		writeResponse(w, scep.MimeTypeTextPlain, h.scep.CACaps())

	case scep.OpGetCACert:
		body, mimeType, err := h.scep.CACert(ep.Profile)
		if err != nil {
			logger.Errorw("failed to produce CA certificate response", "error", err.Error())
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeResponse(w, mimeType, body)

	case scep.OpPKIOperation:
		message, err := readMessage(r)
		if err != nil {
			logger.Infow("failed to read PKIOperation message", "error", err.Error())
			http.Error(w, "malformed message", http.StatusBadRequest)
			return
		}

		body, err := h.scep.PKIOperation(ctx, ep.Profile, ep.Keys, message)
		if err != nil {
			logger.Errorw("failed to produce PKIOperation response", "error", err.Error())
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeResponse(w, scep.MimeTypePKIMessage, body)
	}
}

// cmpOperation serves the CMP endpoint. Every outcome the engine can
// express is answered in band as a DER PKIMessage.
func (h *handler) cmpOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := enroll.LoggerFromContext(ctx)

	ep, ok := h.endpoint(w, r)
	if !ok {
		return
	}

	message, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		logger.Infow("failed to read CMP message", "error", err.Error())
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	defer consumeAndClose(r.Body)

	body, err := h.cmp.Handle(ctx, ep.Profile, ep.Keys, message)
	if err != nil {
		logger.Errorw("failed to produce CMP response", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeResponse(w, mimeTypePKIXCMP, body)
}

// readMessage extracts the PKIOperation message from the request. GET
// clients place it base64-encoded in the message query parameter, where
// unescaped pluses may have been folded into spaces on the way in. An
// absent or empty parameter is rejected up front; Query drops pairs it
// cannot unescape, so an empty result also covers mangled escapes.
func readMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		encoded := strings.ReplaceAll(r.URL.Query().Get("message"), " ", "+")
		if encoded == "" {
			return nil, fmt.Errorf("missing message parameter")
		}
		return base64.StdEncoding.DecodeString(encoded)
	}

	defer consumeAndClose(r.Body)
	return io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
}

func writeResponse(w http.ResponseWriter, mimeType string, body []byte) {
	w.Header().Set(contentTypeHeader, mimeType)
	w.Header().Set(contentTypeOptionsHeader, "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// consumeAndClose drains the remainder of a request body so the
// connection can be reused.
func consumeAndClose(rc io.ReadCloser) {
	io.Copy(io.Discard, rc)
	rc.Close()
}
