package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roiko/ev-server/internal/storage"
)

// CdrDispatcher serializes CDR publication behind a named per-(protocol,
// transaction) lock so concurrent triggers push exactly one CDR.
type CdrDispatcher struct {
	roaming Roaming
	locks   *storage.LockService
	logger  *slog.Logger

	// LockTTL bounds how long a push may hold the dedup lock.
	LockTTL time.Duration
}

// NewCdrDispatcher creates a CDR dispatcher
func NewCdrDispatcher(roaming Roaming, locks *storage.LockService, logger *slog.Logger) *CdrDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CdrDispatcher{
		roaming: roaming,
		locks:   locks,
		logger:  logger,
		LockTTL: 60 * time.Second,
	}
}

// Push publishes the transaction's CDR once. A concurrent attempt that fails
// to take the lock skips silently; a transaction whose CDR went out already
// is not pushed again.
func (d *CdrDispatcher) Push(ctx context.Context, protocol Protocol, transaction *storage.Transaction, station *storage.ChargingStation, markPushed func(pushedAt time.Time)) error {
	lockName := fmt.Sprintf("%s-cdr:%d", protocol, transaction.ID)

	lock, err := d.locks.Acquire(ctx, transaction.TenantID, lockName, d.LockTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			d.logger.Debug("CDR push skipped, lock held",
				"tenant", transaction.TenantID,
				"transaction", transaction.ID,
				"protocol", string(protocol),
			)
			return nil
		}
		return fmt.Errorf("failed to acquire CDR lock: %w", err)
	}
	defer func() {
		if err := d.locks.Release(ctx, lock); err != nil {
			d.logger.Warn("Failed to release CDR lock", "lock", lockName, "error", err.Error())
		}
	}()

	if cdrAlreadyPushed(protocol, transaction) {
		return nil
	}

	if err := d.roaming.PushCdr(ctx, protocol, transaction, station); err != nil {
		return fmt.Errorf("failed to push CDR: %w", err)
	}

	if markPushed != nil {
		markPushed(time.Now())
	}

	return nil
}

func cdrAlreadyPushed(protocol Protocol, transaction *storage.Transaction) bool {
	switch protocol {
	case ProtocolOCPI:
		return transaction.OcpiData != nil && transaction.OcpiData.CdrPushed
	case ProtocolOICP:
		return transaction.OicpData != nil && transaction.OicpData.CdrPushed
	default:
		return false
	}
}

// LockedSmartCharging serializes profile recomputation per site area behind
// a named lock with a bounded hold. A trigger that loses the race skips
// silently; a later event re-triggers.
type LockedSmartCharging struct {
	inner  SmartCharging
	locks  *storage.LockService
	logger *slog.Logger

	// MaxHold bounds how long one recomputation may hold the site area.
	MaxHold time.Duration
}

// NewLockedSmartCharging wraps a smart charging implementation with the
// per-site-area lock
func NewLockedSmartCharging(inner SmartCharging, locks *storage.LockService, logger *slog.Logger) *LockedSmartCharging {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockedSmartCharging{
		inner:   inner,
		locks:   locks,
		logger:  logger,
		MaxHold: 30 * time.Second,
	}
}

// ComputeAndApply recomputes the site area's profiles if the lock is free
func (s *LockedSmartCharging) ComputeAndApply(ctx context.Context, tenantID, siteAreaID string) error {
	lock, err := s.locks.Acquire(ctx, tenantID, "smart-charging:"+siteAreaID, s.MaxHold)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			s.logger.Debug("Smart charging skipped, lock held",
				"tenant", tenantID,
				"site_area", siteAreaID,
			)
			return nil
		}
		return fmt.Errorf("failed to acquire smart charging lock: %w", err)
	}
	defer func() {
		if err := s.locks.Release(ctx, lock); err != nil {
			s.logger.Warn("Failed to release smart charging lock",
				"site_area", siteAreaID,
				"error", err.Error(),
			)
		}
	}()

	return s.inner.ComputeAndApply(ctx, tenantID, siteAreaID)
}

// ClearTxProfile passes through to the wrapped implementation
func (s *LockedSmartCharging) ClearTxProfile(ctx context.Context, transaction *storage.Transaction) error {
	return s.inner.ClearTxProfile(ctx, transaction)
}

// ThresholdClassifier grades inactivity against fixed thresholds. The
// thresholds come from configuration; site-specific overrides replace this
// implementation from outside the core.
type ThresholdClassifier struct {
	WarningSecs int
	ErrorSecs   int
}

// Classify maps accumulated inactivity onto Info, Warning or Error.
func (c ThresholdClassifier) Classify(_ *storage.ChargingStation, _ int, totalInactivitySecs int) string {
	switch {
	case totalInactivitySecs >= c.ErrorSecs:
		return storage.InactivityStatusError
	case totalInactivitySecs >= c.WarningSecs:
		return storage.InactivityStatusWarning
	default:
		return storage.InactivityStatusInfo
	}
}
