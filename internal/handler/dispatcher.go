// Package handler routes normalized OCPP requests to the station registry and
// the transaction engine. Both transports funnel through the same dispatch
// table, and no error or panic ever reaches the wire unshaped.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/session"
	"github.com/roiko/ev-server/internal/station"
	"github.com/roiko/ev-server/internal/storage"
)

// TenantResolver resolves tenant ids, the first step of every handler.
type TenantResolver interface {
	GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error)
}

// DataTransferHandler serves vendor-specific DataTransfer payloads. Vendors
// register by id; unknown vendors answer UnknownVendorId.
type DataTransferHandler func(ctx context.Context, reqCtx ocpp.RequestContext, req *ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error)

// Dispatcher routes inbound OCPP requests
type Dispatcher struct {
	tenants  TenantResolver
	registry *station.Registry
	engine   *session.Engine
	logger   *slog.Logger

	dataTransferHandlers map[string]DataTransferHandler
}

// NewDispatcher creates a dispatcher
func NewDispatcher(tenants TenantResolver, registry *station.Registry, engine *session.Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tenants:              tenants,
		registry:             registry,
		engine:               engine,
		logger:               logger,
		dataTransferHandlers: make(map[string]DataTransferHandler),
	}
}

// SetRegistry binds the station registry after construction. The registry
// needs the transport as its command channel and the transport needs the
// dispatcher, so the cycle closes here during wiring.
func (d *Dispatcher) SetRegistry(registry *station.Registry) {
	d.registry = registry
}

// RegisterDataTransferHandler binds a vendor id to a DataTransfer handler
func (d *Dispatcher) RegisterDataTransferHandler(vendorID string, handler DataTransferHandler) {
	d.dataTransferHandlers[vendorID] = handler
}

// HandleJSON decodes a 1.6 payload and dispatches it. The returned CallError
// is non-nil when the frame cannot be answered with a CallResult.
func (d *Dispatcher) HandleJSON(ctx context.Context, reqCtx ocpp.RequestContext, action string, payload json.RawMessage) (interface{}, *ocpp.CallError) {
	req, err := decodeJSONPayload(ocpp.Action(action), payload)
	if err != nil {
		d.logger.Warn("Malformed payload",
			"tenant", reqCtx.TenantID,
			"station", reqCtx.ChargeBoxID,
			"action", action,
			"error", err.Error(),
		)
		callError, _ := ocpp.NewCallError("", ocpp.ErrorCodeFormationViolation, err.Error(), nil)
		return nil, callError
	}

	response, err := d.Handle(ctx, reqCtx, ocpp.Action(action), req)
	if err != nil {
		callError, _ := ocpp.NewCallError("", ocpp.ErrorCodeInternalError, err.Error(), nil)
		return nil, callError
	}

	return response, nil
}

func decodeJSONPayload(action ocpp.Action, payload json.RawMessage) (interface{}, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	var req interface{}
	switch action {
	case ocpp.ActionBootNotification:
		req = &ocpp.BootNotificationRequest{}
	case ocpp.ActionHeartbeat:
		req = &ocpp.HeartbeatRequest{}
	case ocpp.ActionStatusNotification:
		req = &ocpp.StatusNotificationRequest{}
	case ocpp.ActionMeterValues:
		req = &ocpp.MeterValuesRequest{}
	case ocpp.ActionAuthorize:
		req = &ocpp.AuthorizeRequest{}
	case ocpp.ActionStartTransaction:
		req = &ocpp.StartTransactionRequest{}
	case ocpp.ActionStopTransaction:
		req = &ocpp.StopTransactionRequest{}
	case ocpp.ActionDataTransfer:
		req = &ocpp.DataTransferRequest{}
	case ocpp.ActionFirmwareStatusNotification:
		req = &ocpp.FirmwareStatusNotificationRequest{}
	case ocpp.ActionDiagnosticsStatusNotification:
		req = &ocpp.DiagnosticsStatusNotificationRequest{}
	default:
		return nil, fmt.Errorf("action not implemented: %s", action)
	}

	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", action, err)
	}

	return req, nil
}

// Handle dispatches a typed request. The response is always a spec-shaped
// payload; rejected paths signal through their status field wherever the
// protocol defines one.
func (d *Dispatcher) Handle(ctx context.Context, reqCtx ocpp.RequestContext, action ocpp.Action, req interface{}) (response interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				"tenant", reqCtx.TenantID,
				"station", reqCtx.ChargeBoxID,
				"action", string(action),
				"panic", r,
			)
			response, err = d.rejectionFor(reqCtx, action, fmt.Errorf("internal error"))
		}
	}()

	tenant, err := d.tenants.GetTenant(ctx, reqCtx.TenantID)
	if err != nil {
		d.logger.Warn("Unknown tenant",
			"tenant", reqCtx.TenantID,
			"station", reqCtx.ChargeBoxID,
			"action", string(action),
		)
		return d.rejectionFor(reqCtx, action, err)
	}

	response, err = d.dispatch(ctx, reqCtx, tenant, action, req)
	if err != nil {
		d.logger.Error("Handler failed",
			"tenant", reqCtx.TenantID,
			"station", reqCtx.ChargeBoxID,
			"action", string(action),
			"error", err.Error(),
		)
		return d.rejectionFor(reqCtx, action, err)
	}

	return response, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, action ocpp.Action, req interface{}) (interface{}, error) {
	switch typed := req.(type) {
	case *ocpp.BootNotificationRequest:
		return d.registry.HandleBootNotification(ctx, reqCtx, tenant, typed)
	case *ocpp.HeartbeatRequest:
		return d.registry.HandleHeartbeat(ctx, reqCtx, tenant, typed)
	case *ocpp.StatusNotificationRequest:
		return d.registry.HandleStatusNotification(ctx, reqCtx, tenant, typed)
	case *ocpp.MeterValuesRequest:
		return d.engine.HandleMeterValues(ctx, reqCtx, tenant, typed)
	case *ocpp.AuthorizeRequest:
		return d.engine.HandleAuthorize(ctx, reqCtx, tenant, typed)
	case *ocpp.StartTransactionRequest:
		return d.engine.HandleStartTransaction(ctx, reqCtx, tenant, typed)
	case *ocpp.StopTransactionRequest:
		return d.engine.HandleStopTransaction(ctx, reqCtx, tenant, typed)
	case *ocpp.DataTransferRequest:
		return d.handleDataTransfer(ctx, reqCtx, typed)
	case *ocpp.FirmwareStatusNotificationRequest:
		return d.registry.HandleFirmwareStatusNotification(ctx, reqCtx, tenant, typed)
	case *ocpp.DiagnosticsStatusNotificationRequest:
		return d.registry.HandleDiagnosticsStatusNotification(ctx, reqCtx, tenant, typed)
	default:
		return nil, fmt.Errorf("action not implemented: %s", action)
	}
}

func (d *Dispatcher) handleDataTransfer(ctx context.Context, reqCtx ocpp.RequestContext, req *ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error) {
	handler, ok := d.dataTransferHandlers[req.VendorId]
	if !ok {
		d.logger.Info("DataTransfer from unknown vendor",
			"tenant", reqCtx.TenantID,
			"station", reqCtx.ChargeBoxID,
			"vendor_id", req.VendorId,
			"message_id", req.MessageId,
		)
		return &ocpp.DataTransferResponse{Status: "UnknownVendorId"}, nil
	}

	return handler(ctx, reqCtx, req)
}

// rejectionFor shapes a failure into the response the protocol requires for
// the action: a status field where one exists, an error otherwise.
func (d *Dispatcher) rejectionFor(reqCtx ocpp.RequestContext, action ocpp.Action, cause error) (interface{}, error) {
	now := reqCtx.ReceivedAt

	switch action {
	case ocpp.ActionBootNotification:
		return &ocpp.BootNotificationResponse{
			Status:      ocpp.RegistrationStatusRejected,
			CurrentTime: ocpp.NewDateTime(now),
			Interval:    600,
		}, nil
	case ocpp.ActionAuthorize:
		return &ocpp.AuthorizeResponse{
			IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusInvalid},
		}, nil
	case ocpp.ActionStartTransaction:
		return &ocpp.StartTransactionResponse{
			TransactionId: 0,
			IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusInvalid},
		}, nil
	default:
		// No status field to carry the rejection: surface the error so the
		// transport renders its error envelope.
		return nil, cause
	}
}
