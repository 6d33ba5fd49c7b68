package integration

import (
	"context"
	"math"

	"github.com/roiko/ev-server/internal/storage"
)

// PricingSourceSimple marks prices computed by the built-in flat tariff.
const PricingSourceSimple = "simple"

// SimplePricer prices consumption at a flat rate per kWh. It is the built-in
// tariff used when no external pricing integration is configured.
type SimplePricer struct {
	PriceKWH float64
	Currency string
}

// NewSimplePricer creates a flat-rate pricer
func NewSimplePricer(priceKWH float64, currency string) *SimplePricer {
	return &SimplePricer{PriceKWH: priceKWH, Currency: currency}
}

// Price attaches the interval price and accumulates the transaction totals.
// On Stop the accumulated amount is frozen into the stop block by the caller.
func (p *SimplePricer) Price(_ context.Context, _ Action, transaction *storage.Transaction, consumption *storage.Consumption) error {
	amount := consumption.ConsumptionWh * p.PriceKWH / 1000

	consumption.Pricing = &storage.ConsumptionPricing{
		Amount:        amount,
		RoundedAmount: roundCents(amount),
		CurrencyCode:  p.Currency,
		Source:        PricingSourceSimple,
	}

	transaction.CurrentCumulatedPrice += amount
	transaction.Price = transaction.CurrentCumulatedPrice
	transaction.RoundedPrice = roundCents(transaction.CurrentCumulatedPrice)
	transaction.PriceUnit = p.Currency
	transaction.PricingSource = PricingSourceSimple

	return nil
}

func roundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// NoopPricer is used when the tenant's pricing component is off
type NoopPricer struct{}

// Price does nothing
func (NoopPricer) Price(context.Context, Action, *storage.Transaction, *storage.Consumption) error {
	return nil
}

// NoopBiller is used when the tenant's billing component is off
type NoopBiller struct{}

// Bill does nothing
func (NoopBiller) Bill(context.Context, Action, *storage.Transaction) error {
	return nil
}

// NoopSmartCharging is used when the tenant's smart charging component is off
type NoopSmartCharging struct{}

// ComputeAndApply does nothing
func (NoopSmartCharging) ComputeAndApply(context.Context, string, string) error { return nil }

// ClearTxProfile does nothing
func (NoopSmartCharging) ClearTxProfile(context.Context, *storage.Transaction) error { return nil }

// NoopRoaming is used when no roaming bridge is configured
type NoopRoaming struct{}

// Authorize knows no tags
func (NoopRoaming) Authorize(context.Context, string, string) (*RemoteAuthorization, error) {
	return nil, nil
}

// ProcessSession does nothing
func (NoopRoaming) ProcessSession(context.Context, Protocol, Action, *storage.Transaction, *storage.ChargingStation) error {
	return nil
}

// PushCdr does nothing
func (NoopRoaming) PushCdr(context.Context, Protocol, *storage.Transaction, *storage.ChargingStation) error {
	return nil
}

// PushConnectorStatus does nothing
func (NoopRoaming) PushConnectorStatus(context.Context, Protocol, *storage.ChargingStation, *storage.Connector) error {
	return nil
}
