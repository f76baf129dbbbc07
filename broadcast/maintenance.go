package broadcast

import (
	"context"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
)

// Sweeper is the part of the notification service the maintenance loop drives.
type Sweeper interface {
	ProcessPendingInApp(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// Maintenance advances stalled in-app notifications and deletes expired ones on a schedule.
type Maintenance struct {
	sweeper  Sweeper
	settings common.MaintenanceSettings
}

// NewMaintenance returns a maintenance loop for sweeper.
func NewMaintenance(sweeper Sweeper, settings common.MaintenanceSettings) *Maintenance {
	return &Maintenance{sweeper: sweeper, settings: settings}
}

// Run performs the sweeps until the context is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	pending := time.NewTicker(m.settings.PendingInterval)
	defer pending.Stop()
	cleanup := time.NewTicker(m.settings.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pending.C:
			if _, err := m.sweeper.ProcessPendingInApp(ctx); err != nil {
				log.WithError(err).Error("pending notification sweep failed")
			}
		case <-cleanup.C:
			if _, err := m.sweeper.DeleteExpired(ctx); err != nil {
				log.WithError(err).Error("expired notification cleanup failed")
			}
		}
	}
}
