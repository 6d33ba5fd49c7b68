// Package integration holds the narrow contracts the OCPP core consumes:
// pricing, billing, roaming, smart charging, notifications and the deferred
// work scheduler. Implementations outside the core plug in here; the built-in
// ones are intentionally small.
package integration

import (
	"context"

	"github.com/roiko/ev-server/internal/storage"
)

// Action qualifies a pricing or billing call with the transaction phase
type Action string

const (
	ActionStart  Action = "Start"
	ActionUpdate Action = "Update"
	ActionStop   Action = "Stop"
	ActionEnd    Action = "End"
)

// Protocol names a roaming network flavor
type Protocol string

const (
	ProtocolOCPI Protocol = "ocpi"
	ProtocolOICP Protocol = "oicp"
)

// Pricer prices a consumption interval. It may mutate the consumption's
// pricing snapshot and the transaction's price totals.
type Pricer interface {
	Price(ctx context.Context, action Action, transaction *storage.Transaction, consumption *storage.Consumption) error
}

// Biller mirrors the transaction into the billing system. Failures are soft:
// the caller logs and carries on.
type Biller interface {
	Bill(ctx context.Context, action Action, transaction *storage.Transaction) error
}

// RemoteAuthorization is the answer of a roaming platform to a tag lookup
type RemoteAuthorization struct {
	AuthorizationID string
	Protocol        Protocol
}

// Roaming bridges sessions and connector statuses to external EV networks
type Roaming interface {
	// Authorize resolves an unknown tag remotely. A nil result means the
	// tag is unknown to the network too.
	Authorize(ctx context.Context, tenantID, tagID string) (*RemoteAuthorization, error)

	ProcessSession(ctx context.Context, protocol Protocol, action Action, transaction *storage.Transaction, station *storage.ChargingStation) error

	PushCdr(ctx context.Context, protocol Protocol, transaction *storage.Transaction, station *storage.ChargingStation) error

	PushConnectorStatus(ctx context.Context, protocol Protocol, station *storage.ChargingStation, connector *storage.Connector) error
}

// SmartCharging recomputes charging profiles for a site area
type SmartCharging interface {
	ComputeAndApply(ctx context.Context, tenantID, siteAreaID string) error
	ClearTxProfile(ctx context.Context, transaction *storage.Transaction) error
}

// Notifier fans out user and admin notifications. Every method is best
// effort: failures never surface to the station.
type Notifier interface {
	StationRegistered(ctx context.Context, station *storage.ChargingStation)
	SessionStarted(ctx context.Context, transaction *storage.Transaction, station *storage.ChargingStation)
	EndOfCharge(ctx context.Context, transaction *storage.Transaction, station *storage.ChargingStation)
	OptimalChargeReached(ctx context.Context, transaction *storage.Transaction, station *storage.ChargingStation)
	EndOfSession(ctx context.Context, transaction *storage.Transaction, station *storage.ChargingStation)
	SignedSession(ctx context.Context, transaction *storage.Transaction, station *storage.ChargingStation)
	StatusError(ctx context.Context, station *storage.ChargingStation, connector *storage.Connector)
}

// InactivityClassifier grades accumulated inactivity for a connector
type InactivityClassifier interface {
	Classify(station *storage.ChargingStation, connectorID int, totalInactivitySecs int) string
}
