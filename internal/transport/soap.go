package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roiko/ev-server/internal/ocpp"
)

// maxSoapBody bounds a 1.5 request body.
const maxSoapBody = 1 << 20

// ActionDispatcher is the typed dispatch surface the SOAP endpoint drives;
// the JSON one goes through HandleJSON instead.
type ActionDispatcher interface {
	Handle(ctx context.Context, reqCtx ocpp.RequestContext, action ocpp.Action, req interface{}) (interface{}, error)
}

// SOAPServer is the OCPP 1.5-S endpoint. Stations POST envelopes to
// /ocpp/soap/{tenantID}; the station identity rides in the SOAP header.
type SOAPServer struct {
	dispatcher ActionDispatcher
	logger     *slog.Logger
}

// NewSOAPServer creates the SOAP endpoint
func NewSOAPServer(dispatcher ActionDispatcher, logger *slog.Logger) *SOAPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SOAPServer{dispatcher: dispatcher, logger: logger}
}

// Register mounts the endpoint on the mux
func (s *SOAPServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ocpp/soap/", s.handleRequest)
}

func (s *SOAPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := tenantFromPath(r.URL.Path)
	if tenantID == "" {
		http.Error(w, "expected /ocpp/soap/{tenant}", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSoapBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	env, err := ocpp.DecodeSoapEnvelope(body)
	if err != nil {
		s.logger.Warn("Invalid SOAP envelope", "tenant", tenantID, "error", err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	action, req, err := ocpp.DecodeSoapAction(env)
	if err != nil {
		s.logger.Warn("Invalid SOAP action",
			"tenant", tenantID,
			"station", env.Header.ChargeBoxIdentity,
			"action", env.Header.Action,
			"error", err.Error(),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reqCtx := ocpp.RequestContext{
		TenantID:    tenantID,
		ChargeBoxID: env.Header.ChargeBoxIdentity,
		ClientIP:    remoteIP(r),
		Version:     ocpp.Version15,
		Transport:   ocpp.TransportSOAP,
		Token:       r.Header.Get("X-Registration-Token"),
		Endpoint:    env.Header.From.Address,
		ReceivedAt:  time.Now().UTC(),
	}
	if reqCtx.Token == "" {
		reqCtx.Token = r.URL.Query().Get("token")
	}

	response, err := s.dispatcher.Handle(r.Context(), reqCtx, action, req)
	if err != nil {
		// No status field carries this rejection: answer a plain-text 500
		// so the station retries.
		s.logger.Error("SOAP handler failed",
			"tenant", tenantID,
			"station", reqCtx.ChargeBoxID,
			"action", string(action),
			"error", err.Error(),
		)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload, err := ocpp.EncodeSoapResponse(action, response)
	if err != nil {
		s.logger.Error("Failed to encode SOAP response",
			"tenant", tenantID,
			"station", reqCtx.ChargeBoxID,
			"action", string(action),
			"error", err.Error(),
		)
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	if _, err := w.Write(payload); err != nil {
		s.logger.Warn("Failed to write SOAP response",
			"tenant", tenantID,
			"station", reqCtx.ChargeBoxID,
		)
	}
}

func tenantFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/ocpp/soap/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
