// Package transport carries OCPP frames between stations and the dispatcher:
// a persistent websocket endpoint for 1.6/JSON and an HTTP POST endpoint for
// 1.5/SOAP. Both hand the dispatcher the same request context shape.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roiko/ev-server/internal/ocpp"
)

// Dispatcher is the handler surface the transports drive
type Dispatcher interface {
	HandleJSON(ctx context.Context, reqCtx ocpp.RequestContext, action string, payload json.RawMessage) (interface{}, *ocpp.CallError)
}

// callTimeout bounds a server-originated call waiting for the station's answer.
const callTimeout = 30 * time.Second

// JSONServer is the OCPP 1.6-J websocket endpoint. Stations connect to
// /ocpp/j/{tenantID}/{chargeBoxID} and stay connected; frames are handled one
// at a time per connection, which is the per-station FIFO the core relies on.
type JSONServer struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*stationConn // key: tenantID + "/" + chargeBoxID
}

// stationConn is one live station connection
type stationConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *ocpp.CallResult
}

// NewJSONServer creates the websocket endpoint
func NewJSONServer(dispatcher Dispatcher, logger *slog.Logger) *JSONServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONServer{
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"ocpp1.6"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*stationConn),
	}
}

// Register mounts the endpoint on the mux
func (s *JSONServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ocpp/j/", s.handleConnection)
}

// handleConnection upgrades and runs the per-station read loop
func (s *JSONServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, chargeBoxID, ok := parseStationPath(r.URL.Path, "/ocpp/j/")
	if !ok {
		http.Error(w, "expected /ocpp/j/{tenant}/{chargeBoxIdentity}", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	clientIP := remoteIP(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			"tenant", tenantID,
			"station", chargeBoxID,
			"error", err.Error(),
		)
		return
	}

	sc := &stationConn{
		conn:    conn,
		pending: make(map[string]chan *ocpp.CallResult),
	}

	key := tenantID + "/" + chargeBoxID
	s.mu.Lock()
	s.connections[key] = sc
	s.mu.Unlock()

	s.logger.Info("Station connected",
		"tenant", tenantID,
		"station", chargeBoxID,
		"ip", clientIP,
	)

	defer func() {
		s.mu.Lock()
		if s.connections[key] == sc {
			delete(s.connections, key)
		}
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("Station disconnected", "tenant", tenantID, "station", chargeBoxID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Connection error",
					"tenant", tenantID,
					"station", chargeBoxID,
					"error", err.Error(),
				)
			}
			return
		}

		s.handleFrame(r.Context(), sc, tenantID, chargeBoxID, clientIP, token, message)
	}
}

// handleFrame routes one inbound frame: a station Call is dispatched, an
// answer frame completes a pending server call.
func (s *JSONServer) handleFrame(ctx context.Context, sc *stationConn, tenantID, chargeBoxID, clientIP, token string, message []byte) {
	var probe []json.RawMessage
	if err := json.Unmarshal(message, &probe); err != nil || len(probe) < 3 {
		s.logger.Warn("Dropping malformed frame",
			"tenant", tenantID,
			"station", chargeBoxID,
		)
		return
	}

	var msgType ocpp.MessageType
	if err := json.Unmarshal(probe[0], &msgType); err != nil {
		return
	}

	switch msgType {
	case ocpp.MessageTypeCall:
		call, err := ocpp.ParseCall(message)
		if err != nil {
			s.logger.Warn("Invalid Call frame",
				"tenant", tenantID,
				"station", chargeBoxID,
				"error", err.Error(),
			)
			return
		}
		s.serveCall(ctx, sc, tenantID, chargeBoxID, clientIP, token, call)

	case ocpp.MessageTypeCallResult:
		var result ocpp.CallResult
		if err := json.Unmarshal(message, &result); err != nil {
			return
		}
		sc.completePending(result.UniqueID, &result)

	case ocpp.MessageTypeCallError:
		var callError ocpp.CallError
		if err := json.Unmarshal(message, &callError); err != nil {
			return
		}
		sc.completePending(callError.UniqueID, nil)
	}
}

func (s *JSONServer) serveCall(ctx context.Context, sc *stationConn, tenantID, chargeBoxID, clientIP, token string, call *ocpp.Call) {
	reqCtx := ocpp.RequestContext{
		TenantID:    tenantID,
		ChargeBoxID: chargeBoxID,
		ClientIP:    clientIP,
		Version:     ocpp.Version16,
		Transport:   ocpp.TransportJSON,
		Token:       token,
		ReceivedAt:  time.Now().UTC(),
	}

	response, callError := s.dispatcher.HandleJSON(ctx, reqCtx, call.Action, call.Payload)
	if callError != nil {
		callError.UniqueID = call.UniqueID
		s.writeFrame(sc, tenantID, chargeBoxID, callError)
		return
	}

	result, err := ocpp.NewCallResult(call.UniqueID, response)
	if err != nil {
		s.logger.Error("Failed to build CallResult",
			"tenant", tenantID,
			"station", chargeBoxID,
			"action", call.Action,
			"error", err.Error(),
		)
		fallback, _ := ocpp.NewCallError(call.UniqueID, ocpp.ErrorCodeInternalError, "response encoding failed", nil)
		s.writeFrame(sc, tenantID, chargeBoxID, fallback)
		return
	}

	s.writeFrame(sc, tenantID, chargeBoxID, result)
}

type byteser interface {
	ToBytes() ([]byte, error)
}

func (s *JSONServer) writeFrame(sc *stationConn, tenantID, chargeBoxID string, frame byteser) {
	data, err := frame.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal frame",
			"tenant", tenantID,
			"station", chargeBoxID,
			"error", err.Error(),
		)
		return
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("Failed to write frame",
			"tenant", tenantID,
			"station", chargeBoxID,
			"error", err.Error(),
		)
	}
}

// ChangeConfiguration sends a ChangeConfiguration call to a connected station
// and waits for its answer. Satisfies the registry's Commander contract.
func (s *JSONServer) ChangeConfiguration(ctx context.Context, tenantID, stationID, key, value string) (string, error) {
	s.mu.RLock()
	sc := s.connections[tenantID+"/"+stationID]
	s.mu.RUnlock()

	if sc == nil {
		return "", fmt.Errorf("station %s not connected", stationID)
	}

	payload := struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{Key: key, Value: value}

	call, err := ocpp.NewCall("ChangeConfiguration", payload)
	if err != nil {
		return "", err
	}

	answer := sc.registerPending(call.UniqueID)
	defer sc.dropPending(call.UniqueID)

	s.writeFrame(sc, tenantID, stationID, call)

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for %s answer", call.Action)
	case result := <-answer:
		if result == nil {
			return "", fmt.Errorf("station answered %s with an error", call.Action)
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(result.Payload, &resp); err != nil {
			return "", fmt.Errorf("failed to parse %s answer: %w", call.Action, err)
		}
		return resp.Status, nil
	}
}

func (sc *stationConn) registerPending(uniqueID string) chan *ocpp.CallResult {
	ch := make(chan *ocpp.CallResult, 1)
	sc.pendingMu.Lock()
	sc.pending[uniqueID] = ch
	sc.pendingMu.Unlock()
	return ch
}

func (sc *stationConn) dropPending(uniqueID string) {
	sc.pendingMu.Lock()
	delete(sc.pending, uniqueID)
	sc.pendingMu.Unlock()
}

func (sc *stationConn) completePending(uniqueID string, result *ocpp.CallResult) {
	sc.pendingMu.Lock()
	ch := sc.pending[uniqueID]
	delete(sc.pending, uniqueID)
	sc.pendingMu.Unlock()

	if ch != nil {
		ch <- result
	}
}

// Shutdown closes all station connections
func (s *JSONServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sc := range s.connections {
		sc.conn.Close()
		delete(s.connections, key)
	}
}

// parseStationPath splits /{prefix}{tenant}/{chargeBoxIdentity}
func parseStationPath(path, prefix string) (tenantID, chargeBoxID string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// remoteIP strips the port from the peer address, honoring a forwarding proxy.
func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
