package station

import (
	"context"
	"time"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// HandleStatusNotification carries the per-connector status. Every firmware
// transition is accepted as reality; policies hang off specific observed
// transitions.
func (r *Registry) HandleStatusNotification(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.StatusNotificationRequest) (*ocpp.StatusNotificationResponse, error) {
	// Connector 0 is the station itself: informational only.
	if req.ConnectorId == 0 {
		r.logger.Info("Station-level status notification",
			"tenant", tenant.ID,
			"station", reqCtx.ChargeBoxID,
			"status", string(req.Status),
			"error_code", string(req.ErrorCode),
		)
		return &ocpp.StatusNotificationResponse{}, nil
	}

	station, err := r.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	timestamp := reqCtx.ReceivedAt
	if req.Timestamp != nil {
		timestamp = req.Timestamp.Time
	}

	connector := station.ConnectorByID(req.ConnectorId)
	if connector == nil {
		station.Connectors = append(station.Connectors, storage.Connector{
			ConnectorID: req.ConnectorId,
			Status:      string(ocpp.ChargePointStatusUnavailable),
			Type:        "U", // unknown until the template says otherwise
		})
		connector = station.ConnectorByID(req.ConnectorId)
		r.templates.ApplyToConnector(station, req.ConnectorId)
	}

	// Chatter guard: identical (status, errorCode, info) is logged, not
	// persisted.
	if connector.Status == string(req.Status) &&
		connector.ErrorCode == string(req.ErrorCode) &&
		connector.Info == req.Info {
		r.logger.Debug("Status notification without change",
			"tenant", tenant.ID,
			"station", station.StationID,
			"connector", req.ConnectorId,
			"status", string(req.Status),
		)
		return &ocpp.StatusNotificationResponse{}, nil
	}

	previousStatus := connector.Status

	connector.Status = string(req.Status)
	connector.ErrorCode = string(req.ErrorCode)
	connector.Info = req.Info
	connector.VendorErrorCode = req.VendorErrorCode
	connector.StatusLastChangedOn = timestamp

	r.logger.Info("Connector status changed",
		"tenant", tenant.ID,
		"station", station.StationID,
		"connector", req.ConnectorId,
		"from", previousStatus,
		"to", connector.Status,
		"error_code", connector.ErrorCode,
	)

	r.applyTransitionPolicies(ctx, tenant, station, connector, req, timestamp)

	station.LastSeen = reqCtx.ReceivedAt
	if err := r.store.SaveStation(ctx, station); err != nil {
		return nil, err
	}

	r.pushStatusToRoaming(tenant, station, connector)

	return &ocpp.StatusNotificationResponse{}, nil
}

// applyTransitionPolicies runs the policies bound to interesting transitions.
func (r *Registry) applyTransitionPolicies(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, connector *storage.Connector, req *ocpp.StatusNotificationRequest, timestamp time.Time) {
	switch req.Status {
	case ocpp.ChargePointStatusAvailable:
		if connector.CurrentTransactionID > 0 {
			// ABB-class bug: the stop frame never came. Recover.
			if r.sessions != nil {
				if err := r.sessions.StopOrDeleteActiveTransactions(ctx, tenant, station, connector.ConnectorID); err != nil {
					r.logger.Error("Failed to recover ongoing transaction on Available",
						"tenant", tenant.ID,
						"station", station.StationID,
						"connector", connector.ConnectorID,
						"transaction", connector.CurrentTransactionID,
						"error", err.Error(),
					)
				}
			}
			connector.ClearSession()
		} else if r.sessions != nil {
			// The cable left after a finished session: account the gap
			// between stop and now as extra inactivity, then finalize
			// roaming.
			if err := r.sessions.ApplyExtraInactivity(ctx, tenant, station, connector.ConnectorID, timestamp); err != nil {
				r.logger.Error("Failed to apply extra inactivity",
					"tenant", tenant.ID,
					"station", station.StationID,
					"connector", connector.ConnectorID,
					"error", err.Error(),
				)
			}
		}

	case ocpp.ChargePointStatusCharging, ocpp.ChargePointStatusSuspendedEV:
		if tenant.ComponentActive(storage.ComponentSmartCharging) && r.scheduler != nil {
			tenantID := tenant.ID
			siteAreaID := station.SiteAreaID
			r.scheduler.Submit("smart-charging-status-change", func(ctx context.Context) {
				if err := r.smart.ComputeAndApply(ctx, tenantID, siteAreaID); err != nil {
					r.logger.Warn("Smart charging recomputation failed",
						"tenant", tenantID,
						"site_area", siteAreaID,
						"error", err.Error(),
					)
				}
			})
		}

	case ocpp.ChargePointStatusFaulted:
		if r.scheduler != nil {
			st := *station
			conn := *connector
			r.scheduler.Submit("status-error-notification", func(ctx context.Context) {
				r.notifier.StatusError(ctx, &st, &conn)
			})
		}
	}
}

// pushStatusToRoaming mirrors the connector status to the roaming network for
// public stations. Best effort only.
func (r *Registry) pushStatusToRoaming(tenant *storage.Tenant, station *storage.ChargingStation, connector *storage.Connector) {
	if !station.Public || r.scheduler == nil {
		return
	}

	protocol := integration.Protocol("")
	if tenant.ComponentActive(storage.ComponentOCPI) {
		protocol = integration.ProtocolOCPI
	} else if tenant.ComponentActive(storage.ComponentOICP) {
		protocol = integration.ProtocolOICP
	}
	if protocol == "" {
		return
	}

	st := *station
	conn := *connector
	r.scheduler.Submit("roaming-status-push", func(ctx context.Context) {
		if err := r.roaming.PushConnectorStatus(ctx, protocol, &st, &conn); err != nil {
			r.logger.Warn("Roaming status push failed",
				"tenant", st.TenantID,
				"station", st.StationID,
				"connector", conn.ConnectorID,
				"protocol", string(protocol),
				"error", err.Error(),
			)
		}
	})
}

// HandleFirmwareStatusNotification records a firmware update status report.
func (r *Registry) HandleFirmwareStatusNotification(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.FirmwareStatusNotificationRequest) (*ocpp.FirmwareStatusNotificationResponse, error) {
	station, err := r.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	station.FirmwareStatus = string(req.Status)
	station.LastSeen = reqCtx.ReceivedAt
	if err := r.store.SaveStation(ctx, station); err != nil {
		return nil, err
	}

	return &ocpp.FirmwareStatusNotificationResponse{}, nil
}

// HandleDiagnosticsStatusNotification records a diagnostics upload status.
func (r *Registry) HandleDiagnosticsStatusNotification(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.DiagnosticsStatusNotificationRequest) (*ocpp.DiagnosticsStatusNotificationResponse, error) {
	station, err := r.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	station.DiagnosticsStatus = string(req.Status)
	station.LastSeen = reqCtx.ReceivedAt
	if err := r.store.SaveStation(ctx, station); err != nil {
		return nil, err
	}

	return &ocpp.DiagnosticsStatusNotificationResponse{}, nil
}
