package session

import (
	"context"
	"errors"

	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/ocpp"
	"github.com/roiko/ev-server/internal/storage"
)

// Authorization is the outcome of resolving an idTag: the local user when the
// tag is known here, or the roaming grant when an external network vouches
// for it.
type Authorization struct {
	Status                 ocpp.AuthorizationStatus
	Tag                    *storage.Tag
	User                   *storage.User
	RoamingAuthorizationID string
	RoamingProtocol        integration.Protocol
}

// Accepted reports whether the tag may proceed.
func (a *Authorization) Accepted() bool {
	return a.Status == ocpp.AuthorizationStatusAccepted
}

// HandleAuthorize processes an Authorize request.
func (e *Engine) HandleAuthorize(ctx context.Context, reqCtx ocpp.RequestContext, tenant *storage.Tenant, req *ocpp.AuthorizeRequest) (*ocpp.AuthorizeResponse, error) {
	station, err := e.store.GetStation(ctx, tenant.ID, reqCtx.ChargeBoxID)
	if err != nil {
		return nil, err
	}

	auth := e.resolveAuthorization(ctx, tenant, station, req.IdTag.String())

	return &ocpp.AuthorizeResponse{
		IdTagInfo: ocpp.IdTagInfo{Status: auth.Status},
	}, nil
}

// resolveAuthorization resolves an idTag: local tag store first, then the
// roaming bridge when the tenant has one. Site-area start permissions are the
// authorization component's business and are consumed upstream as a
// predicate.
func (e *Engine) resolveAuthorization(ctx context.Context, tenant *storage.Tenant, station *storage.ChargingStation, tagID string) *Authorization {
	invalid := &Authorization{Status: ocpp.AuthorizationStatusInvalid}

	if tagID == "" {
		return invalid
	}
	if len(tagID) > ocpp.MaxIdTagLength {
		e.logger.Warn("Tag exceeds OCPP length limit",
			"tenant", tenant.ID,
			"station", station.StationID,
			"tag_length", len(tagID),
		)
		return invalid
	}

	tag, err := e.store.GetTag(ctx, tenant.ID, tagID)
	if err != nil && !errors.Is(err, storage.ErrTagNotFound) {
		e.logger.Error("Tag lookup failed", "tenant", tenant.ID, "tag", tagID, "error", err.Error())
		return invalid
	}

	if tag != nil {
		return e.resolveLocalTag(ctx, tenant, tag)
	}

	// Unknown locally. Ask the roaming network, if one is active.
	protocol := roamingProtocol(tenant)
	if protocol == "" {
		return invalid
	}

	// Roaming sessions only run on public stations.
	if !station.Public {
		return invalid
	}

	remoteCtx, cancel := e.outboundCtx(ctx)
	defer cancel()

	remote, err := e.roaming.Authorize(remoteCtx, tenant.ID, tagID)
	if err != nil {
		e.logger.Error("Remote authorization failed",
			"tenant", tenant.ID,
			"tag", tagID,
			"protocol", string(protocol),
			"error", err.Error(),
		)
		return invalid
	}
	if remote == nil || remote.AuthorizationID == "" {
		return invalid
	}

	return &Authorization{
		Status:                 ocpp.AuthorizationStatusAccepted,
		RoamingAuthorizationID: remote.AuthorizationID,
		RoamingProtocol:        remote.Protocol,
	}
}

func (e *Engine) resolveLocalTag(ctx context.Context, tenant *storage.Tenant, tag *storage.Tag) *Authorization {
	now := e.Now()

	if tag.Blocked {
		return &Authorization{Status: ocpp.AuthorizationStatusBlocked, Tag: tag}
	}
	if !tag.Active {
		return &Authorization{Status: ocpp.AuthorizationStatusInvalid, Tag: tag}
	}
	if tag.ExpiryDate != nil && !tag.ExpiryDate.After(now) {
		return &Authorization{Status: ocpp.AuthorizationStatusExpired, Tag: tag}
	}

	if tag.UserID == "" {
		return &Authorization{Status: ocpp.AuthorizationStatusInvalid, Tag: tag}
	}

	user, err := e.store.GetUser(ctx, tenant.ID, tag.UserID)
	if err != nil {
		e.logger.Error("User lookup failed", "tenant", tenant.ID, "user", tag.UserID, "error", err.Error())
		return &Authorization{Status: ocpp.AuthorizationStatusInvalid, Tag: tag}
	}
	if user.Status == storage.UserStatusBlocked {
		return &Authorization{Status: ocpp.AuthorizationStatusBlocked, Tag: tag, User: user}
	}
	if user.Status != storage.UserStatusActive {
		return &Authorization{Status: ocpp.AuthorizationStatusInvalid, Tag: tag, User: user}
	}

	return &Authorization{Status: ocpp.AuthorizationStatusAccepted, Tag: tag, User: user}
}
